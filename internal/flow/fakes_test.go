package flow

import (
	"context"
	"math/big"
	"strconv"

	"github.com/ggonzalez94/swapflow/internal/config"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

const (
	testOwner = "0x00000000000000000000000000000000000000AA"
	testUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testWETH  = "0x4200000000000000000000000000000000000006"
)

var (
	usdc = model.Token{ChainID: 8453, Address: testUSDC, Symbol: "USDC", Decimals: 6}
	weth = model.Token{ChainID: 8453, Address: testWETH, Symbol: "WETH", Decimals: 18}
)

type fakeQuotes struct {
	results []quotes.Result
	errs    []error
	calls   int
	lastReq quotes.Request
}

func (f *fakeQuotes) FetchQuotes(_ context.Context, req quotes.Request) (quotes.Result, error) {
	f.lastReq = req
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if len(f.results) == 0 {
		return quotes.Result{}, err
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	res := f.results[i]
	cloned := make([]model.Quote, len(res.Quotes))
	for j, q := range res.Quotes {
		cloned[j] = q.Clone()
	}
	res.Quotes = cloned
	return res, err
}

type fakeAllowance struct {
	value       *big.Int
	err         error
	calls       int
	lastSpender string
}

func (f *fakeAllowance) Allowance(_ context.Context, _, _, spender string) (*big.Int, error) {
	f.calls++
	f.lastSpender = spender
	return f.value, f.err
}

type fakeWallet struct {
	permit bool

	approveErrs  []error
	approveCalls int

	signErr   error
	signCalls int

	swapErr  error
	swapHash string
	swaps    []SwapExecution

	positions []PositionExecution
}

func (w *fakeWallet) Address() string { return testOwner }

func (w *fakeWallet) SupportsPermitSigning() bool { return w.permit }

func (w *fakeWallet) ApproveToken(_ context.Context, _ ApprovalPayload) (string, error) {
	i := w.approveCalls
	w.approveCalls++
	if i < len(w.approveErrs) && w.approveErrs[i] != nil {
		return "", w.approveErrs[i]
	}
	return "0xapprove" + strconv.Itoa(w.approveCalls), nil
}

func (w *fakeWallet) SignPermit(_ context.Context, p PermitPayload) (PermitPayload, error) {
	w.signCalls++
	if w.signErr != nil {
		return PermitPayload{}, w.signErr
	}
	p.Nonce = "7"
	p.Deadline = 1_900_000_000
	p.Signature = "0xsig"
	return p, nil
}

func (w *fakeWallet) ExecuteSwap(_ context.Context, exec SwapExecution) (string, error) {
	if w.swapErr != nil {
		return "", w.swapErr
	}
	w.swaps = append(w.swaps, exec)
	if w.swapHash != "" {
		return w.swapHash, nil
	}
	return "0xswap", nil
}

func (w *fakeWallet) ExecuteCreatePosition(_ context.Context, exec PositionExecution) (string, error) {
	w.positions = append(w.positions, exec)
	return "0xposition", nil
}

type fakeSimulator struct {
	txResult SimulationResult
	txErr    error
	txCalls  int

	// failing lists swapper ids SimulateQuotes marks as WillFail.
	failing    map[string]bool
	quotesErr  error
	quoteCalls int
}

func (s *fakeSimulator) SimulateTransaction(_ context.Context, _ model.TxPayload, _ bool) (SimulationResult, error) {
	s.txCalls++
	return s.txResult, s.txErr
}

func (s *fakeSimulator) SimulateQuotes(_ context.Context, req SimulateQuotesRequest) ([]model.Quote, error) {
	s.quoteCalls++
	if s.quotesErr != nil {
		return nil, s.quotesErr
	}
	out := make([]model.Quote, len(req.Quotes))
	for i, q := range req.Quotes {
		q = q.Clone()
		if s.failing[q.Swapper.ID] {
			q.WillFail = true
		}
		out[i] = q
	}
	quotes.Sort(out, req.SortBy, req.IsBuyOrder)
	return out, nil
}

type fakeTracker struct {
	reverted map[string]bool
	err      error
	waited   []string
}

func (t *fakeTracker) Wait(_ context.Context, hash string) (Receipt, error) {
	t.waited = append(t.waited, hash)
	if t.err != nil {
		return Receipt{}, t.err
	}
	if t.reverted[hash] {
		return Receipt{Status: ReceiptReverted, BlockNumber: 10}, nil
	}
	return Receipt{Status: ReceiptMined, BlockNumber: 10, GasUsed: 21000}, nil
}

type recordingReporter struct {
	errs []error
}

func (r *recordingReporter) Report(err error, _ map[string]any) {
	r.errs = append(r.errs, err)
}

// testQuote builds a sell quote of 100 USDC worth buyUSD after gas.
func testQuote(swapper string, buyUSD float64) model.Quote {
	return model.Quote{
		Source:        swapper,
		Swapper:       model.Swapper{ID: swapper, Name: swapper, AllowanceTarget: "0x00000000000000000000000000000000000000C0"},
		ChainID:       8453,
		TradeType:     model.TradeTypeSell,
		SellToken:     usdc,
		BuyToken:      weth,
		SellAmount:    model.AmountInfo{AmountBaseUnits: "100000000", AmountDecimal: "100", Decimals: 6},
		MaxSellAmount: model.AmountInfo{AmountBaseUnits: "100000000", AmountDecimal: "100", Decimals: 6},
		BuyAmount:     model.AmountInfo{AmountBaseUnits: "40000000000000000", AmountDecimal: "0.04", Decimals: 18},
		SellAmountUSD: 100,
		BuyAmountUSD:  buyUSD,
		Tx:            &model.TxPayload{ChainID: 8453, To: "0x00000000000000000000000000000000000000C0", Data: "0x01"},
	}
}

func swapSession(selected model.Quote, known ...model.Quote) Session {
	if len(known) == 0 {
		known = []model.Quote{selected}
	}
	return Session{
		FlowID:   "flow-1",
		Intent:   IntentSwap,
		ChainID:  8453,
		Owner:    testOwner,
		Form:     Form{From: usdc, To: weth, FromValue: "100"},
		Request:  quotes.Request{SortBy: config.SortMostProfit},
		Selected: &selected,
		Known:    known,
	}
}

type harness struct {
	quotes    *fakeQuotes
	wallet    *fakeWallet
	simulator *fakeSimulator
	tracker   *fakeTracker
	reporter  *recordingReporter
	runner    *Runner
	events    []Event
}

func newHarness() *harness {
	h := &harness{
		quotes:    &fakeQuotes{},
		wallet:    &fakeWallet{permit: true},
		simulator: &fakeSimulator{txResult: SimulationResult{Outcome: SimulationOK, GasUsed: 90_000}},
		tracker:   &fakeTracker{},
		reporter:  &recordingReporter{},
	}
	h.runner = NewRunner(Collaborators{
		Quotes:    h.quotes,
		Allowance: &fakeAllowance{value: big.NewInt(0)},
		Wallet:    h.wallet,
		Simulator: h.simulator,
		Tracker:   h.tracker,
		Reporter:  h.reporter,
	}, Options{SortBy: config.SortMostProfit})
	h.runner.Subscribe(func(ev Event) { h.events = append(h.events, ev) })
	return h
}

// start submits session and starts the plan built from facts.
func (h *harness) start(session Session, facts PlanFacts) error {
	if err := h.runner.Submit(session); err != nil {
		return err
	}
	return h.runner.Start(BuildPlan(facts))
}

func (h *harness) eventKinds() []EventKind {
	out := make([]EventKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func factsFor(session Session, approved, permit, simulation bool) PlanFacts {
	selected := *session.Selected
	return PlanFacts{
		IsApproved:                  approved,
		IsPermitSigningSupported:    permit,
		IsProviderSimulationEnabled: simulation,
		HasTransaction:              selected.Tx != nil,
		AmountToApprove:             selected.MaxSellAmount.AmountBaseUnits,
		Spender:                     selected.Swapper.AllowanceTarget,
		PermitSpender:               "0xED306e38BB930ec9646FF3D917B2e513a97530b1",
		From:                        session.Form.From,
		To:                          session.Form.To,
		FromValue:                   selected.SellAmount.AmountBaseUnits,
		ToValue:                     selected.BuyAmount.AmountBaseUnits,
		Intent:                      IntentSwap,
		Route:                       &selected,
	}
}
