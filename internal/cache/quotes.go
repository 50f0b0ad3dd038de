package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

const (
	DefaultQuoteTTL = 15 * time.Second
	quoteKeyPrefix  = "quotes:"
)

// Quotes serves quote results from the store while they are younger than
// the TTL and falls through to the wrapped source otherwise. Requests that
// carry a permit signature always go to the source because the calldata is
// bound to that signature.
type Quotes struct {
	next     flow.QuoteSource
	store    *Store
	ttl      time.Duration
	maxStale time.Duration
	log      logrus.FieldLogger
}

var _ flow.QuoteSource = (*Quotes)(nil)

func NewQuotes(next flow.QuoteSource, store *Store, ttl time.Duration, log logrus.FieldLogger) *Quotes {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &Quotes{next: next, store: store, ttl: ttl, maxStale: -1, log: logx.OrDiscard(log)}
}

// WithStaleFallback lets an expired entry younger than ttl+maxStale answer
// when every source is unavailable. A negative maxStale disables it, which
// is the default.
func (q *Quotes) WithStaleFallback(maxStale time.Duration) *Quotes {
	q.maxStale = maxStale
	return q
}

type quoteEntry struct {
	Quotes   []model.Quote          `json:"quotes"`
	Statuses []model.ProviderStatus `json:"statuses"`
}

func (q *Quotes) FetchQuotes(ctx context.Context, req quotes.Request) (quotes.Result, error) {
	result, _, err := q.FetchQuotesWithStatus(ctx, req)
	return result, err
}

// FetchQuotesWithStatus is FetchQuotes plus the cache outcome for the
// response envelope: bypass, hit, write or miss.
func (q *Quotes) FetchQuotesWithStatus(ctx context.Context, req quotes.Request) (quotes.Result, model.CacheStatus, error) {
	if q.store == nil || strings.TrimSpace(req.Signature) != "" {
		result, err := q.next.FetchQuotes(ctx, req)
		return result, model.CacheStatus{Status: "bypass"}, err
	}
	key := QuoteKey(req)
	log := q.log.WithField("cache_key", key[len(quoteKeyPrefix):len(quoteKeyPrefix)+12])

	var stale *quotes.Result
	staleStatus := model.CacheStatus{}
	if res, err := q.store.Get(key, q.maxStale); err != nil {
		log.WithError(err).Debug("quote cache read failed")
	} else if res.Hit {
		var entry quoteEntry
		if err := json.Unmarshal(res.Value, &entry); err == nil {
			cached := quotes.Result{Quotes: entry.Quotes, Statuses: entry.Statuses, Failed: map[string]error{}}
			status := model.CacheStatus{Status: "hit", AgeMS: res.Age.Milliseconds(), Stale: res.Stale}
			if !res.Stale {
				log.WithField("age_ms", status.AgeMS).Debug("quote cache hit")
				return cached, status, nil
			}
			if q.maxStale >= 0 && !res.TooStale {
				stale, staleStatus = &cached, status
			}
		}
	}

	miss := model.CacheStatus{Status: "miss"}
	result, err := q.next.FetchQuotes(ctx, req)
	if stale != nil && unavailable(result, err) {
		log.WithField("age_ms", staleStatus.AgeMS).Warn("quote sources unavailable, serving stale quotes")
		return *stale, staleStatus, nil
	}
	if err != nil || len(result.Quotes) == 0 || result.Partial() {
		return result, miss, err
	}
	buf, err := json.Marshal(quoteEntry{Quotes: result.Quotes, Statuses: result.Statuses})
	if err == nil {
		err = q.store.Set(key, buf, q.ttl)
	}
	if err != nil {
		log.WithError(err).Debug("quote cache write failed")
		return result, miss, nil
	}
	return result, model.CacheStatus{Status: "write"}, nil
}

// unavailable reports whether a fetch failed for transport reasons only, the
// case a stale answer may cover.
func unavailable(result quotes.Result, err error) bool {
	if err != nil {
		return clierr.HasCode(err, clierr.CodeUnavailable) || clierr.HasCode(err, clierr.CodeRateLimited)
	}
	if len(result.Quotes) > 0 || len(result.Failed) == 0 {
		return false
	}
	for _, cause := range result.Failed {
		if !clierr.HasCode(cause, clierr.CodeUnavailable) && !clierr.HasCode(cause, clierr.CodeRateLimited) {
			return false
		}
	}
	return true
}

// Invalidate drops every cached quote result.
func (q *Quotes) Invalidate() error {
	if q.store == nil {
		return nil
	}
	return q.store.DeletePrefix(quoteKeyPrefix)
}

// OnEvent is a runner subscriber that invalidates the cache when the flow
// asks for quotes to be refetched.
func (q *Quotes) OnEvent(ev flow.Event) {
	if ev.Kind != flow.EventRefetchQuotes {
		return
	}
	if err := q.Invalidate(); err != nil {
		q.log.WithError(err).WithField(logx.FieldFlowID, ev.FlowID).Warn("quote cache invalidation failed")
	}
}

// QuoteKey identifies the quote set req would produce. The RPC endpoint and
// per-source timeout do not change the answer and are left out.
func QuoteKey(req quotes.Request) string {
	disabled := append([]string(nil), req.DisabledSources...)
	for i := range disabled {
		disabled[i] = strings.ToLower(strings.TrimSpace(disabled[i]))
	}
	sort.Strings(disabled)
	buf, _ := json.Marshal(map[string]any{
		"chain":     req.Chain.EVMChainID,
		"sell":      strings.ToLower(req.SellAsset.Address),
		"buy":       strings.ToLower(req.BuyAsset.Address),
		"amount":    req.AmountBaseUnits,
		"buy_order": req.IsBuyOrder,
		"slippage":  req.SlippagePct,
		"taker":     strings.ToLower(req.Taker),
		"recipient": strings.ToLower(req.Recipient),
		"sort":      req.SortBy,
		"disabled":  disabled,
	})
	sum := sha256.Sum256(buf)
	return quoteKeyPrefix + hex.EncodeToString(sum[:])
}
