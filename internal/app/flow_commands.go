package app

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/providers"
	"github.com/ggonzalez94/swapflow/internal/registry"
)

func (s *runtimeState) newSwapCommand() *cobra.Command {
	root := &cobra.Command{Use: "swap", Short: "Plan and run a single swap"}

	var planArgs tradeArgs
	var planRoute string
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Pick a route and persist a flow without signing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s.resetCommandDiagnostics()
			if strings.TrimSpace(planArgs.fromAddress) == "" {
				return clierr.New(clierr.CodeUsage, "--from-address is required")
			}
			t, err := s.parseTrade(planArgs)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			backend, closeFn, err := s.connect(ctx, t.chain.EVMChainID, planArgs.rpcURL)
			if err != nil {
				return err
			}
			defer closeFn()
			wallet := addressWallet{address: tradeAddress(planArgs.fromAddress)}
			deps := s.collaborators(backend, t.chain.EVMChainID, wallet, execArgs{})
			session, warnings, err := s.swapSession(ctx, t, wallet.Address(), planRoute, deps.Simulator)
			if err != nil {
				return err
			}
			d := s.newFlowDriver(deps, t.request.SortBy, execArgs{})
			if err := d.start(ctx, session); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d.output(nil), warnings, cacheMetaBypass(), s.lastProviders, s.lastPartial)
		},
	}
	addTradeFlags(planCmd, &planArgs)
	planCmd.Flags().StringVar(&planRoute, "route", "", "Quote source to use instead of the best one")

	var runArgs tradeArgs
	var runExec execArgs
	var runRoute string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Pick a route, then approve, sign and execute the swap",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s.resetCommandDiagnostics()
			if err := runExec.validate(); err != nil {
				return err
			}
			t, err := s.parseTrade(runArgs)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			backend, closeFn, err := s.connect(ctx, t.chain.EVMChainID, runArgs.rpcURL)
			if err != nil {
				return err
			}
			defer closeFn()
			wallet, err := s.newWallet(backend, t.chain.EVMChainID, "", runExec)
			if err != nil {
				return err
			}
			if runArgs.fromAddress != "" && !registry.SameAddress(runArgs.fromAddress, wallet.Address()) {
				return clierr.New(clierr.CodeSigner, "--from-address does not match the signing key")
			}
			deps := s.collaborators(backend, t.chain.EVMChainID, wallet, runExec)
			session, warnings, err := s.swapSession(ctx, t, wallet.Address(), runRoute, deps.Simulator)
			if err != nil {
				return err
			}
			d := s.newFlowDriver(deps, t.request.SortBy, runExec)
			if err := d.start(ctx, session); err != nil {
				return err
			}
			receipt, err := d.drive(ctx)
			s.logFlow(d, err)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d.output(receipt), warnings, cacheMetaBypass(), s.lastProviders, s.lastPartial)
		},
	}
	addTradeFlags(runCmd, &runArgs)
	addExecFlags(runCmd, &runExec)
	runCmd.Flags().StringVar(&runRoute, "route", "", "Quote source to use instead of the best one")

	root.AddCommand(planCmd)
	root.AddCommand(runCmd)
	return root
}

// swapSession quotes t for owner, drops routes the simulator expects to
// revert and selects one.
func (s *runtimeState) swapSession(ctx context.Context, t trade, owner, route string, sim flow.Simulator) (flow.Session, []string, error) {
	req := t.request
	req.Taker = owner

	res, _, err := s.quoteCache.FetchQuotesWithStatus(ctx, req)
	warnings := failureWarnings(res)
	partial := res.Partial()
	s.captureCommandDiagnostics(warnings, res.Statuses, partial)
	if err != nil {
		return flow.Session{}, warnings, err
	}
	if partial && s.settings.Strict {
		return flow.Session{}, warnings, clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
	}
	candidates := res.Quotes
	if sim != nil && len(candidates) > 0 {
		simulated, err := sim.SimulateQuotes(ctx, flow.SimulateQuotesRequest{
			Owner:      owner,
			Quotes:     candidates,
			SortBy:     req.SortBy,
			IsBuyOrder: req.IsBuyOrder,
		})
		if err != nil {
			warnings = append(warnings, "quote simulation unavailable: "+err.Error())
			s.captureCommandDiagnostics(warnings, res.Statuses, partial)
		} else {
			candidates = simulated
		}
	}
	selected, err := pickRoute(candidates, route)
	if err != nil {
		return flow.Session{}, warnings, err
	}
	return flow.Session{
		Intent:   flow.IntentSwap,
		ChainID:  t.chain.EVMChainID,
		Owner:    owner,
		Form:     t.form,
		Request:  req,
		Selected: &selected,
		Known:    candidates,
	}, warnings, nil
}

type positionArgs struct {
	chainArg      string
	fromArg       string
	toArg         string
	amountBase    string
	amountDecimal string
	fromAddress   string
	rpcURL        string
	swaps         int
	interval      time.Duration
}

func addPositionFlags(cmd *cobra.Command, args *positionArgs) {
	cmd.Flags().StringVar(&args.chainArg, "chain", "", "Chain identifier")
	cmd.Flags().StringVar(&args.fromArg, "from", "", "Token to sell over time (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&args.toArg, "to", "", "Token to accumulate (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&args.amountBase, "amount", "", "Total amount in base units")
	cmd.Flags().StringVar(&args.amountDecimal, "amount-decimal", "", "Total amount in decimal units")
	cmd.Flags().StringVar(&args.fromAddress, "from-address", "", "Position owner address")
	cmd.Flags().StringVar(&args.rpcURL, "rpc-url", "", "RPC URL override for the selected chain")
	cmd.Flags().IntVar(&args.swaps, "swaps", 0, "Number of swaps the deposit is split into")
	cmd.Flags().DurationVar(&args.interval, "interval", 0, "Time between swaps (e.g. 24h)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("swaps")
	_ = cmd.MarkFlagRequired("interval")
}

// parsePosition builds a create-position session without an owner.
func parsePosition(args positionArgs) (flow.Session, error) {
	chain, err := id.ParseChain(args.chainArg)
	if err != nil {
		return flow.Session{}, err
	}
	if chain.EVMChainID == 0 {
		return flow.Session{}, clierr.New(clierr.CodeUnsupported, "DCA positions require an EVM chain")
	}
	hub, ok := registry.DCAHub(chain.EVMChainID)
	if !ok {
		return flow.Session{}, clierr.New(clierr.CodeUnsupported, "no DCA hub deployed on "+chain.Slug)
	}
	if args.swaps <= 0 {
		return flow.Session{}, clierr.New(clierr.CodeUsage, "--swaps must be > 0")
	}
	if args.interval < time.Minute || args.interval%time.Second != 0 {
		return flow.Session{}, clierr.New(clierr.CodeUsage, "--interval must be whole seconds and at least 1m")
	}
	sell, err := id.ParseAsset(args.fromArg, chain)
	if err != nil {
		return flow.Session{}, err
	}
	buy, err := id.ParseAsset(args.toArg, chain)
	if err != nil {
		return flow.Session{}, err
	}
	if strings.EqualFold(sell.Address, buy.Address) {
		return flow.Session{}, clierr.New(clierr.CodeUsage, "--from and --to must be different tokens")
	}
	if sell.IsNative() {
		return flow.Session{}, clierr.New(clierr.CodeUnsupported, "DCA positions sell ERC-20 tokens only; wrap the native token first")
	}
	sell, buy = withDefaultDecimals(sell), withDefaultDecimals(buy)
	base, decimal, err := id.NormalizeAmount(args.amountBase, args.amountDecimal, sell.Decimals)
	if err != nil {
		return flow.Session{}, err
	}
	if id.IsZero(base) {
		return flow.Session{}, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	return flow.Session{
		Intent:  flow.IntentCreatePosition,
		ChainID: chain.EVMChainID,
		Form: flow.Form{
			From:      providers.TokenFromAsset(chain, sell),
			To:        providers.TokenFromAsset(chain, buy),
			FromValue: decimal,
		},
		Position: &flow.PositionParams{
			Swaps:           args.swaps,
			IntervalSeconds: int64(args.interval / time.Second),
			Hub:             hub,
		},
	}, nil
}

func (s *runtimeState) newDCACommand() *cobra.Command {
	root := &cobra.Command{Use: "dca", Short: "Open recurring-buy positions"}

	var planArgs positionArgs
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Persist a create-position flow without signing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !common.IsHexAddress(strings.TrimSpace(planArgs.fromAddress)) {
				return clierr.New(clierr.CodeUsage, "--from-address must be an EVM address")
			}
			session, err := parsePosition(planArgs)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			backend, closeFn, err := s.connect(ctx, session.ChainID, planArgs.rpcURL)
			if err != nil {
				return err
			}
			defer closeFn()
			wallet := addressWallet{address: tradeAddress(planArgs.fromAddress)}
			session.Owner = wallet.Address()
			d := s.newFlowDriver(s.collaborators(backend, session.ChainID, wallet, execArgs{}), "", execArgs{})
			if err := d.start(ctx, session); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d.output(nil), nil, cacheMetaBypass(), nil, false)
		},
	}
	addPositionFlags(planCmd, &planArgs)

	var runArgs positionArgs
	var runExec execArgs
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Approve, sign and deposit into a new DCA position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runExec.validate(); err != nil {
				return err
			}
			session, err := parsePosition(runArgs)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			backend, closeFn, err := s.connect(ctx, session.ChainID, runArgs.rpcURL)
			if err != nil {
				return err
			}
			defer closeFn()
			wallet, err := s.newWallet(backend, session.ChainID, session.Position.Hub, runExec)
			if err != nil {
				return err
			}
			if runArgs.fromAddress != "" && !registry.SameAddress(runArgs.fromAddress, wallet.Address()) {
				return clierr.New(clierr.CodeSigner, "--from-address does not match the signing key")
			}
			session.Owner = wallet.Address()
			d := s.newFlowDriver(s.collaborators(backend, session.ChainID, wallet, runExec), "", runExec)
			if err := d.start(ctx, session); err != nil {
				return err
			}
			receipt, err := d.drive(ctx)
			s.logFlow(d, err)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d.output(receipt), nil, cacheMetaBypass(), nil, false)
		},
	}
	addPositionFlags(runCmd, &runArgs)
	addExecFlags(runCmd, &runExec)

	root.AddCommand(planCmd)
	root.AddCommand(runCmd)
	return root
}

func (s *runtimeState) newFlowsCommand() *cobra.Command {
	root := &cobra.Command{Use: "flows", Short: "Inspect and manage persisted flows"}

	var listState string
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent flows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state := strings.ToLower(strings.TrimSpace(listState))
			if state != "" && !knownState(flow.State(state)) {
				return clierr.New(clierr.CodeUsage, "unknown flow state "+state)
			}
			snaps, err := s.flows.List(state, listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list flows", err)
			}
			rows := make([]flowSummary, 0, len(snaps))
			for _, snap := range snaps {
				rows = append(rows, summarizeFlow(snap))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rows, nil, cacheMetaBypass(), nil, false)
		},
	}
	listCmd.Flags().StringVar(&listState, "state", "", "Only list flows in this state")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum flows to list")

	statusCmd := &cobra.Command{
		Use:   "status <flow-id>",
		Short: "Show a flow with its plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := s.loadFlow(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), newFlowOutput(snap, nil), nil, cacheMetaBypass(), nil, false)
		},
	}

	abortCmd := &cobra.Command{
		Use:   "abort <flow-id>",
		Short: "Abandon a flow that has not submitted its swap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := s.loadFlow(args[0])
			if err != nil {
				return err
			}
			d := s.newFlowDriver(flow.Collaborators{}, "", execArgs{})
			if err := d.runner.Restore(snap); err != nil {
				return err
			}
			if err := d.runner.Abandon(); err != nil {
				return d.wrap(err)
			}
			s.log.WithField(logx.FieldFlowID, snap.FlowID).Info("flow abandoned")
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d.output(nil), nil, cacheMetaBypass(), nil, false)
		},
	}

	var resumeExec execArgs
	var resumeRPC string
	resumeCmd := &cobra.Command{
		Use:   "resume <flow-id>",
		Short: "Continue a persisted flow from its first unfinished step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.resetCommandDiagnostics()
			if err := resumeExec.validate(); err != nil {
				return err
			}
			snap, err := s.loadFlow(args[0])
			if err != nil {
				return err
			}
			switch {
			case snap.State.Terminal():
				return clierr.New(clierr.CodeUsage, "flow "+snap.FlowID+" already finished as "+string(snap.State))
			case snap.State == flow.StateIdle:
				return clierr.New(clierr.CodeUsage, "flow "+snap.FlowID+" was aborted; start a new one")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			session := snap.Session
			backend, closeFn, err := s.connect(ctx, session.ChainID, resumeRPC)
			if err != nil {
				return err
			}
			defer closeFn()
			hub := ""
			if session.Position != nil {
				hub = session.Position.Hub
			}
			wallet, err := s.newWallet(backend, session.ChainID, hub, resumeExec)
			if err != nil {
				return err
			}
			if !registry.SameAddress(wallet.Address(), session.Owner) {
				return clierr.New(clierr.CodeSigner, "flow "+snap.FlowID+" belongs to "+session.Owner+", signing key is "+wallet.Address())
			}
			d := s.newFlowDriver(s.collaborators(backend, session.ChainID, wallet, resumeExec), session.Request.SortBy, resumeExec)
			if err := d.runner.Restore(snap); err != nil {
				return err
			}
			receipt, err := d.drive(ctx)
			s.logFlow(d, err)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d.output(receipt), s.lastWarnings, cacheMetaBypass(), s.lastProviders, s.lastPartial)
		},
	}
	addExecFlags(resumeCmd, &resumeExec)
	resumeCmd.Flags().StringVar(&resumeRPC, "rpc-url", "", "RPC URL override for the flow's chain")

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished flows older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan < 0 {
				return clierr.New(clierr.CodeUsage, "--older-than must not be negative")
			}
			removed, err := s.flows.Prune(s.runner.now().Add(-olderThan))
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "prune flows", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"removed": removed}, nil, cacheMetaBypass(), nil, false)
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only delete flows last updated before this age")

	root.AddCommand(listCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(abortCmd)
	root.AddCommand(resumeCmd)
	root.AddCommand(pruneCmd)
	return root
}

func knownState(state flow.State) bool {
	switch state {
	case flow.StateIdle, flow.StatePlanning, flow.StateRunning,
		flow.StateSuspendedBetterQuote, flow.StateSuspendedAllQuotesFailed,
		flow.StateExecuting, flow.StateConfirming,
		flow.StateSucceeded, flow.StateFailed, flow.StateAbandoned:
		return true
	default:
		return false
	}
}

// tradeAddress is the checksummed form of a validated address flag.
func tradeAddress(v string) string {
	return common.HexToAddress(strings.TrimSpace(v)).Hex()
}
