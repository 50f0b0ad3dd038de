package quotes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggonzalez94/swapflow/internal/config"
	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/providers"
)

type fakeSource struct {
	name  string
	quote model.Quote
	err   error
	delay time.Duration
}

func (f fakeSource) Info() model.ProviderInfo { return model.ProviderInfo{Name: f.name} }

func (f fakeSource) QuoteSwap(ctx context.Context, _ providers.SwapQuoteRequest) (model.Quote, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return model.Quote{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.quote, f.err
}

func quote(swapper, buyDecimal string, buyUSD, gasUSD float64) model.Quote {
	return model.Quote{
		Swapper:         model.Swapper{ID: swapper},
		BuyAmount:       model.AmountInfo{AmountDecimal: buyDecimal},
		BuyAmountUSD:    buyUSD,
		SellAmountUSD:   100,
		EstimatedGasUSD: gasUSD,
	}
}

func TestFetchDropsFailingAndSlowSources(t *testing.T) {
	agg := NewAggregator([]providers.SwapQuoter{
		fakeSource{name: "a", quote: quote("a", "1.0", 101, 1)},
		fakeSource{name: "b", err: clierr.New(clierr.CodeRateLimited, "slow down")},
		fakeSource{name: "c", quote: quote("c", "2.0", 103, 1), delay: time.Second},
		fakeSource{name: "d", quote: quote("d", "1.5", 102, 0.5)},
	}, nil)

	res, err := agg.FetchQuotes(context.Background(), Request{SortBy: config.SortMostProfit, SourceTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(res.Quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %d", len(res.Quotes))
	}
	if res.Quotes[0].Swapper.ID != "d" {
		t.Fatalf("expected d first, got %s", res.Quotes[0].Swapper.ID)
	}
	if !res.Partial() || res.Failed["b"] == nil || res.Failed["c"] == nil {
		t.Fatalf("expected b and c to be recorded as failed: %v", res.Failed)
	}
	if res.Statuses[1].Status != "rate_limited" {
		t.Fatalf("unexpected status for b: %+v", res.Statuses[1])
	}
}

func TestFetchHonoursDisabledSources(t *testing.T) {
	agg := NewAggregator([]providers.SwapQuoter{
		fakeSource{name: "a", quote: quote("a", "1", 0, 0)},
	}, nil)
	_, err := agg.FetchQuotes(context.Background(), Request{DisabledSources: []string{"A"}})
	if !clierr.HasCode(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported error when every source is disabled, got %v", err)
	}
}

func TestSortPutsWillFailLast(t *testing.T) {
	best := quote("best", "3", 110, 0)
	best.WillFail = true
	list := []model.Quote{best, quote("ok", "1", 101, 0)}
	Sort(list, config.SortMostProfit, false)
	if list[0].Swapper.ID != "ok" {
		t.Fatalf("expected failing quote to sink, got %s first", list[0].Swapper.ID)
	}
}

func TestMetricMostReturnBuyOrderPrefersLowerSell(t *testing.T) {
	cheap := model.Quote{Swapper: model.Swapper{ID: "cheap"}, SellAmount: model.AmountInfo{AmountDecimal: "1.5"}}
	pricey := model.Quote{Swapper: model.Swapper{ID: "pricey"}, SellAmount: model.AmountInfo{AmountDecimal: "1.7"}}
	list := []model.Quote{pricey, cheap}
	Sort(list, config.SortMostReturn, true)
	if list[0].Swapper.ID != "cheap" {
		t.Fatalf("expected cheaper buy order first, got %s", list[0].Swapper.ID)
	}
	if Improvement(cheap, pricey, config.SortMostReturn, true).Sign() <= 0 {
		t.Fatal("expected positive improvement")
	}
}

func TestMetricLeastGas(t *testing.T) {
	list := []model.Quote{quote("heavy", "1", 0, 3), quote("light", "1", 0, 1)}
	Sort(list, config.SortLeastGas, false)
	if list[0].Swapper.ID != "light" {
		t.Fatalf("expected light first, got %s", list[0].Swapper.ID)
	}
}

func TestMaxSellAmountAndFind(t *testing.T) {
	list := []model.Quote{
		{Swapper: model.Swapper{ID: "x"}, MaxSellAmount: model.AmountInfo{AmountBaseUnits: "100"}},
		{Swapper: model.Swapper{ID: "y"}, MaxSellAmount: model.AmountInfo{AmountBaseUnits: "250"}},
		{Swapper: model.Swapper{ID: "z"}, MaxSellAmount: model.AmountInfo{AmountBaseUnits: "bad"}},
	}
	if got := MaxSellAmount(list).String(); got != "250" {
		t.Fatalf("unexpected max sell: %s", got)
	}
	if _, ok := Find(list, "Y"); !ok {
		t.Fatal("expected case-insensitive swapper lookup")
	}
	if _, ok := Find(list, "w"); ok {
		t.Fatal("did not expect to find w")
	}
}

func TestExecutableDropsPriceOnlyAndFailingQuotes(t *testing.T) {
	tx := &model.TxPayload{To: "0x00000000000000000000000000000000000000C0", Data: "0x01"}
	ready := quote("uniswap", "1", 100, 0)
	ready.Tx = tx
	priceOnly := quote("fibrous", "1", 101, 0)
	doomed := quote("1inch", "1", 102, 0)
	doomed.Tx = tx
	doomed.WillFail = true

	got := Executable([]model.Quote{priceOnly, doomed, ready})
	if len(got) != 1 || got[0].Swapper.ID != "uniswap" {
		t.Fatalf("expected only uniswap, got %+v", got)
	}
	if len(Successful([]model.Quote{priceOnly, doomed, ready})) != 2 {
		t.Fatal("price-only quotes still count as successful for ranking")
	}
}

func TestFetchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	agg := NewAggregator([]providers.SwapQuoter{fakeSource{name: "a", delay: time.Second}}, nil)
	_, err := agg.FetchQuotes(ctx, Request{})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestFetchCallerDeadlineKeepsAnsweredSources(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	agg := NewAggregator([]providers.SwapQuoter{
		fakeSource{name: "fast", quote: quote("fast", "1.0", 101, 0)},
		fakeSource{name: "slow", quote: quote("slow", "2.0", 102, 0), delay: time.Second},
	}, nil)
	res, err := agg.FetchQuotes(ctx, Request{SourceTimeout: 5 * time.Second})
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}
	if len(res.Quotes) != 1 || res.Quotes[0].Swapper.ID != "fast" {
		t.Fatalf("expected the fast answer to survive, got %+v", res.Quotes)
	}
	if len(res.Statuses) != 2 {
		t.Fatalf("expected a status per source, got %+v", res.Statuses)
	}
}
