package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ggonzalez94/swapflow/internal/chain"
	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/out"
	"github.com/ggonzalez94/swapflow/internal/registry"
	"github.com/ggonzalez94/swapflow/internal/store"
)

const (
	betterQuotePrompt = "prompt"
	betterQuoteAccept = "accept"
	betterQuoteReject = "reject"
)

// execArgs are the flags shared by every command that signs and submits.
type execArgs struct {
	keySource          string
	confirmAddress     string
	pollInterval       time.Duration
	stepTimeout        time.Duration
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
	onBetterQuote      string
	progress           bool
}

func addExecFlags(cmd *cobra.Command, args *execArgs) {
	cmd.Flags().StringVar(&args.keySource, "key-source", chain.KeySourceAuto, "Signing key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&args.confirmAddress, "confirm-address", "", "Refuse to sign unless the key resolves to this address")
	cmd.Flags().DurationVar(&args.pollInterval, "poll-interval", chain.DefaultPollInterval, "Receipt polling interval")
	cmd.Flags().DurationVar(&args.stepTimeout, "step-timeout", chain.DefaultStepTimeout, "Maximum wait for each transaction receipt")
	cmd.Flags().Float64Var(&args.gasMultiplier, "gas-multiplier", 1.2, "Gas limit multiplier over the estimate")
	cmd.Flags().StringVar(&args.maxFeeGwei, "max-fee-gwei", "", "Max fee per gas in gwei")
	cmd.Flags().StringVar(&args.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Max priority fee per gas in gwei")
	cmd.Flags().StringVar(&args.onBetterQuote, "on-better-quote", betterQuotePrompt, "Answer to a better quote found mid-flow (prompt|accept|reject)")
	cmd.Flags().BoolVar(&args.progress, "progress", false, "Stream flow events to stderr")
}

func (a execArgs) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.onBetterQuote)) {
	case betterQuotePrompt, betterQuoteAccept, betterQuoteReject:
	default:
		return clierr.New(clierr.CodeUsage, "--on-better-quote must be prompt|accept|reject")
	}
	if a.gasMultiplier <= 1 {
		return clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
	}
	if a.pollInterval <= 0 || a.stepTimeout <= 0 {
		return clierr.New(clierr.CodeUsage, "--poll-interval and --step-timeout must be positive")
	}
	return nil
}

// connect dials the RPC endpoint for chainID and checks it serves that chain.
func (s *runtimeState) connect(ctx context.Context, chainID int64, override string) (chain.Backend, func(), error) {
	rpcURL, err := registry.ResolveRPCURL(override, s.settings.RPCURLs, chainID)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	var (
		backend chain.Backend
		closeFn = func() {}
	)
	if s.runner.dial != nil {
		backend, err = s.runner.dial(ctx, rpcURL)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
		}
	} else {
		client, err := chain.Dial(ctx, rpcURL)
		if err != nil {
			return nil, nil, err
		}
		backend, closeFn = client, client.Close
	}
	served, err := backend.ChainID(ctx)
	if err != nil {
		closeFn()
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "read rpc chain id", err)
	}
	if served.Int64() != chainID {
		closeFn()
		return nil, nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("rpc endpoint serves chain %d, expected %d", served.Int64(), chainID))
	}
	return backend, closeFn, nil
}

func (s *runtimeState) newWallet(backend chain.Backend, chainID int64, hub string, args execArgs) (*chain.Wallet, error) {
	signer, err := chain.NewLocalSignerFromInputs(args.keySource, "")
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signing key", err)
	}
	confirm := strings.TrimSpace(args.confirmAddress)
	if confirm != "" && !registry.SameAddress(confirm, signer.Address().Hex()) {
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("signing key resolves to %s, not %s", signer.Address().Hex(), confirm))
	}
	return chain.NewWallet(backend, signer, chain.WalletOptions{
		ChainID:            chainID,
		GasMultiplier:      args.gasMultiplier,
		MaxFeeGwei:         args.maxFeeGwei,
		MaxPriorityFeeGwei: args.maxPriorityFeeGwei,
		DCAHub:             hub,
		Log:                s.log,
		Now:                s.runner.now,
	}), nil
}

func (s *runtimeState) collaborators(backend chain.Backend, chainID int64, wallet flow.Wallet, args execArgs) flow.Collaborators {
	return flow.Collaborators{
		Quotes:    s.quoteCache,
		Allowance: chain.NewAllowances(backend),
		Wallet:    wallet,
		Simulator: chain.NewSimulator(backend, chainID, s.log),
		Tracker:   chain.NewTracker(backend, args.pollInterval, args.stepTimeout, s.log),
		Reporter:  flow.LogReporter{Log: s.log},
	}
}

// flowDriver runs one flow from the CLI: it persists every event, answers
// open decisions and waits for the execute receipt.
type flowDriver struct {
	s       *runtimeState
	args    execArgs
	deps    flow.Collaborators
	runner  *flow.Runner
	lastErr error
}

func (s *runtimeState) newFlowDriver(deps flow.Collaborators, sortBy string, args execArgs) *flowDriver {
	d := &flowDriver{s: s, args: args, deps: deps}
	d.runner = flow.NewRunner(deps, flow.Options{SortBy: sortBy, Log: s.log, Now: s.runner.now})
	if s.flows != nil {
		d.runner.Subscribe(s.flows.Recorder(s.log))
	}
	if s.quoteCache != nil {
		d.runner.Subscribe(s.quoteCache.OnEvent)
	}
	if args.progress {
		d.runner.Subscribe(out.Progress(s.runner.stderr, s.settings.OutputMode))
	}
	d.runner.Subscribe(func(ev flow.Event) {
		if ev.Kind == flow.EventStepFailed {
			d.lastErr = ev.Err
		}
	})
	return d
}

// start submits session, reads allowances and wallet capabilities, and
// starts the resulting plan.
func (d *flowDriver) start(ctx context.Context, session flow.Session) error {
	if err := d.runner.Submit(session); err != nil {
		return err
	}
	facts, err := flow.GatherFacts(ctx, d.deps.Allowance, d.deps.Wallet, flow.FactsInput{
		Session:           d.runner.Session(),
		PermitEnabled:     d.s.settings.Permit2,
		SimulationEnabled: d.s.settings.SimulationEnabled(session.ChainID),
	})
	if err != nil {
		_ = d.runner.Abandon()
		return d.wrap(err)
	}
	if err := d.runner.Start(flow.BuildPlan(facts)); err != nil {
		return d.wrap(err)
	}
	return nil
}

// drive advances the flow until it settles, fails, or needs an answer this
// invocation cannot give.
func (d *flowDriver) drive(ctx context.Context) (*flow.Receipt, error) {
	for {
		switch state := d.runner.State(); state {
		case flow.StateRunning:
			switch d.runner.Run(ctx) {
			case flow.OutcomeFailed:
				return nil, d.wrap(d.failure())
			case flow.OutcomeNoop:
				return nil, d.wrap(clierr.New(clierr.CodeInternal, "flow has no runnable step"))
			}
		case flow.StateSuspendedBetterQuote:
			accept, err := d.decide(d.runner.Decision())
			if err != nil {
				return nil, err
			}
			if err := d.runner.Resolve(accept); err != nil {
				return nil, d.wrap(err)
			}
		case flow.StateSuspendedAllQuotesFailed:
			return nil, d.wrap(clierr.New(clierr.CodeQuotesFailed, "every quote source failed after signing; abort the flow and start over"))
		case flow.StateConfirming:
			receipt, err := d.runner.Confirm(ctx)
			if err != nil {
				return nil, d.wrap(err)
			}
			if receipt.Status == flow.ReceiptReverted {
				return &receipt, d.wrap(clierr.New(clierr.CodeUnavailable, "execute transaction reverted on-chain"))
			}
			return &receipt, nil
		default:
			return nil, d.wrap(clierr.New(clierr.CodeUsage, "flow cannot continue from state "+string(state)))
		}
	}
}

func (d *flowDriver) failure() error {
	if d.lastErr != nil {
		return d.lastErr
	}
	if step := d.runner.Current(); step != nil && step.Error != "" {
		return clierr.New(clierr.CodeInternal, step.Error)
	}
	return clierr.New(clierr.CodeInternal, "flow step failed")
}

// decide answers a better-quote decision from --on-better-quote, asking on
// the terminal when the policy is prompt.
func (d *flowDriver) decide(decision *flow.Decision) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(d.args.onBetterQuote)) {
	case betterQuoteAccept:
		return true, nil
	case betterQuoteReject:
		return false, nil
	}
	flowID := d.runner.Session().FlowID
	summary := describeDecision(decision)
	if !d.s.interactive() {
		return false, clierr.New(clierr.CodeFlowSuspended, fmt.Sprintf(
			"%s; resume with `flows resume %s --on-better-quote accept|reject`", summary, flowID))
	}
	fmt.Fprintf(d.s.runner.stderr, "%s. Switch route? [y/N] ", summary)
	line, err := bufio.NewReader(d.s.runner.stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, clierr.Wrap(clierr.CodeFlowSuspended, "read answer for flow "+flowID, err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func describeDecision(decision *flow.Decision) string {
	if decision == nil || decision.Better == nil {
		return "a better quote is available"
	}
	better := decision.Better.Swapper.ID
	if decision.OriginalMissing || decision.Original == nil {
		return fmt.Sprintf("%s now quotes best and the selected route no longer quotes", better)
	}
	return fmt.Sprintf("%s now beats %s by %s", better, decision.Original.Swapper.ID, decision.Improvement)
}

func (s *runtimeState) interactive() bool {
	if s.runner.isTerminal != nil {
		return s.runner.isTerminal()
	}
	f, ok := s.runner.stdin.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// wrap tags err with the flow id, keeping its code.
func (d *flowDriver) wrap(err error) error {
	if err == nil {
		return nil
	}
	flowID := d.runner.Session().FlowID
	if flowID == "" {
		return err
	}
	code := clierr.CodeInternal
	if typed, ok := clierr.As(err); ok {
		code = typed.Code
	}
	return clierr.Wrap(code, "flow "+flowID, err)
}

func (d *flowDriver) output(receipt *flow.Receipt) flowOutput {
	return newFlowOutput(d.runner.Snapshot(), receipt)
}

type receiptView struct {
	Status      flow.ReceiptStatus `json:"status"`
	BlockNumber uint64             `json:"block_number"`
	GasUsed     uint64             `json:"gas_used"`
}

type flowOutput struct {
	flow.Snapshot
	Receipt *receiptView `json:"receipt,omitempty"`
}

func newFlowOutput(snap flow.Snapshot, receipt *flow.Receipt) flowOutput {
	view := flowOutput{Snapshot: snap}
	if receipt != nil {
		view.Receipt = &receiptView{Status: receipt.Status, BlockNumber: receipt.BlockNumber, GasUsed: receipt.GasUsed}
	}
	return view
}

func (s *runtimeState) loadFlow(flowID string) (flow.Snapshot, error) {
	snap, err := s.flows.Get(strings.TrimSpace(flowID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return flow.Snapshot{}, clierr.Wrap(clierr.CodeUsage, "load flow", err)
		}
		return flow.Snapshot{}, clierr.Wrap(clierr.CodeInternal, "load flow", err)
	}
	return snap, nil
}

// addressWallet stands in for a wallet when a plan is built for an address
// whose key is not available. It can describe the plan but never sign.
type addressWallet struct {
	address string
}

var _ flow.Wallet = addressWallet{}

func (w addressWallet) Address() string { return w.address }

func (w addressWallet) SupportsPermitSigning() bool { return true }

func (w addressWallet) ApproveToken(context.Context, flow.ApprovalPayload) (string, error) {
	return "", w.noKey()
}

func (w addressWallet) SignPermit(context.Context, flow.PermitPayload) (flow.PermitPayload, error) {
	return flow.PermitPayload{}, w.noKey()
}

func (w addressWallet) ExecuteSwap(context.Context, flow.SwapExecution) (string, error) {
	return "", w.noKey()
}

func (w addressWallet) ExecuteCreatePosition(context.Context, flow.PositionExecution) (string, error) {
	return "", w.noKey()
}

func (w addressWallet) noKey() error {
	return clierr.New(clierr.CodeSigner, "no signing key loaded for "+w.address)
}

// flowSummary is the one-line view of a persisted flow.
type flowSummary struct {
	FlowID    string        `json:"flow_id"`
	Intent    flow.Intent   `json:"intent"`
	State     flow.State    `json:"state"`
	ChainID   int64         `json:"chain_id"`
	Owner     string        `json:"owner"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Step      flow.StepKind `json:"step,omitempty"`
	Route     string        `json:"route,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func summarizeFlow(snap flow.Snapshot) flowSummary {
	summary := flowSummary{
		FlowID:    snap.FlowID,
		Intent:    snap.Session.Intent,
		State:     snap.State,
		ChainID:   snap.Session.ChainID,
		Owner:     snap.Session.Owner,
		From:      tokenLabel(snap.Session.Form.From),
		To:        tokenLabel(snap.Session.Form.To),
		UpdatedAt: snap.UpdatedAt,
	}
	if step := snap.Current(); step != nil {
		summary.Step = step.Kind
	}
	if snap.Session.Selected != nil {
		summary.Route = snap.Session.Selected.Swapper.ID
	}
	return summary
}

func tokenLabel(token model.Token) string {
	if token.Symbol != "" {
		return token.Symbol
	}
	return token.Address
}

// logFlow records the outcome of a driven flow.
func (s *runtimeState) logFlow(d *flowDriver, err error) {
	log := s.log.WithField(logx.FieldFlowID, d.runner.Session().FlowID).WithField("state", d.runner.State())
	if err != nil {
		log.WithError(err).Debug("flow stopped")
		return
	}
	log.Info("flow settled")
}
