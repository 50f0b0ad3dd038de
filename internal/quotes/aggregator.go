// Package quotes fans a swap request out to every enabled source and joins
// the answers into one ranked result set.
package quotes

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/providers"
)

const defaultSourceTimeout = 5 * time.Second

type Request struct {
	providers.SwapQuoteRequest
	SortBy          string
	DisabledSources []string
	SourceTimeout   time.Duration
}

type Result struct {
	Quotes   []model.Quote
	Statuses []model.ProviderStatus
	// Failed maps a source name to the error that dropped it from Quotes.
	Failed map[string]error
}

// Partial reports whether at least one enabled source was dropped.
func (r Result) Partial() bool {
	return len(r.Failed) > 0
}

type Aggregator struct {
	sources []providers.SwapQuoter
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewAggregator(sources []providers.SwapQuoter, log logrus.FieldLogger) *Aggregator {
	return &Aggregator{sources: sources, log: logx.OrDiscard(log), now: time.Now}
}

func (a *Aggregator) Sources() []providers.SwapQuoter {
	return a.sources
}

// FetchQuotes queries every enabled source concurrently. Each source gets its own
// timeout; a source that errors or times out is dropped from the results
// rather than failing the join. Quotes come back sorted best first.
func (a *Aggregator) FetchQuotes(ctx context.Context, req Request) (Result, error) {
	enabled := a.enabled(req.DisabledSources)
	if len(enabled) == 0 {
		return Result{}, clierr.New(clierr.CodeUnsupported, "no quote sources enabled")
	}
	timeout := req.SourceTimeout
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}

	type answer struct {
		quote   model.Quote
		err     error
		latency time.Duration
	}
	answers := make([]answer, len(enabled))

	// A source error only drops that source; the group reports the caller's
	// cancellation, which aborts the whole join.
	var g errgroup.Group
	for i, source := range enabled {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := a.now()
			quote, err := source.QuoteSwap(sctx, req.SwapQuoteRequest)
			if err == nil && sctx.Err() != nil {
				err = clierr.Wrap(clierr.CodeUnavailable, "source timed out", sctx.Err())
			}
			answers[i] = answer{quote: quote, err: err, latency: a.now().Sub(start)}
			return ctx.Err()
		})
	}
	cancelled := g.Wait()

	result := Result{Failed: map[string]error{}}
	for i, source := range enabled {
		name := source.Info().Name
		ans := answers[i]
		status := model.ProviderStatus{Name: name, Status: "ok", LatencyMS: ans.latency.Milliseconds()}
		log := a.log.WithFields(logrus.Fields{logx.FieldSource: name, "latency_ms": status.LatencyMS})
		if ans.err != nil {
			status.Status = statusFromErr(ans.err)
			result.Failed[name] = ans.err
			log.WithError(ans.err).Warn("quote source dropped")
		} else {
			result.Quotes = append(result.Quotes, ans.quote)
			log.WithField("buy_amount", ans.quote.BuyAmount.AmountBaseUnits).Debug("quote received")
		}
		result.Statuses = append(result.Statuses, status)
	}
	if cancelled != nil {
		return result, clierr.Wrap(clierr.CodeUnavailable, "quote fetch cancelled", cancelled)
	}
	Sort(result.Quotes, req.SortBy, req.IsBuyOrder)
	return result, nil
}

func (a *Aggregator) enabled(disabled []string) []providers.SwapQuoter {
	skip := make(map[string]struct{}, len(disabled))
	for _, name := range disabled {
		skip[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	out := make([]providers.SwapQuoter, 0, len(a.sources))
	for _, source := range a.sources {
		if _, ok := skip[strings.ToLower(source.Info().Name)]; ok {
			continue
		}
		out = append(out, source)
	}
	return out
}

func statusFromErr(err error) string {
	cErr, ok := clierr.As(err)
	if !ok {
		return "error"
	}
	switch cErr.Code {
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}
