// Package flow sequences the on-chain steps of a swap or DCA position:
// approve, sign a permit, re-check quotes or simulate, then execute.
//
// A Runner owns one plan at a time. It is driven from a single goroutine,
// the way an event loop would drive it; subscribers are called synchronously
// and may read the runner but must not dispatch from inside a callback.
package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

// Session is the input a plan is built from and the mutable route choice
// the runner and the quote branch share.
type Session struct {
	FlowID  string         `json:"flow_id"`
	Intent  Intent         `json:"intent"`
	ChainID int64          `json:"chain_id"`
	Owner   string         `json:"owner"`
	Form    Form           `json:"form"`
	Request quotes.Request `json:"request"`

	// Selected is the route chosen for execution. It may be nil until a
	// quote is picked but never when the execute step runs.
	Selected *model.Quote    `json:"selected,omitempty"`
	Known    []model.Quote   `json:"known,omitempty"`
	Position *PositionParams `json:"position,omitempty"`
}

type Outcome string

const (
	OutcomeNoop      Outcome = "noop"
	OutcomeDone      Outcome = "done"
	OutcomeFailed    Outcome = "failed"
	OutcomeSuspended Outcome = "suspended"
	OutcomeSubmitted Outcome = "submitted"
)

type EventKind string

const (
	EventStateChanged   EventKind = "state_changed"
	EventStepStarted    EventKind = "step_started"
	EventStepDone       EventKind = "step_done"
	EventStepFailed     EventKind = "step_failed"
	EventDecisionOpened EventKind = "decision_opened"
	EventSubmitted      EventKind = "submitted"
	// EventRefetchQuotes tells the caller cached quotes may be invalid.
	EventRefetchQuotes EventKind = "refetch_quotes"
)

type Event struct {
	Kind     EventKind
	FlowID   string
	State    State
	Step     StepKind
	Index    int
	TxHash   string
	Err      error
	Decision *Decision
	Snapshot Snapshot
}

type Options struct {
	SortBy string
	Log    logrus.FieldLogger
	Now    func() time.Time
}

type Runner struct {
	deps Collaborators
	opts Options
	log  logrus.FieldLogger
	now  func() time.Time

	state    State
	session  Session
	plan     Plan
	permit   *PermitPayload
	decision *Decision
	updated  time.Time

	inFlight    bool
	subscribers []func(Event)
}

func NewRunner(deps Collaborators, opts Options) *Runner {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := logx.OrDiscard(opts.Log)
	if deps.Reporter == nil {
		deps.Reporter = LogReporter{Log: log}
	}
	return &Runner{deps: deps, opts: opts, log: log, now: now, state: StateIdle}
}

func (r *Runner) Subscribe(fn func(Event)) {
	r.subscribers = append(r.subscribers, fn)
}

func (r *Runner) State() State { return r.state }

func (r *Runner) Session() Session { return r.session }

func (r *Runner) Plan() Plan { return r.plan.Clone() }

func (r *Runner) Decision() *Decision { return r.decision }

func (r *Runner) Selected() *model.Quote { return r.session.Selected }

// Submit records the form the user submitted and moves Idle -> Planning.
func (r *Runner) Submit(session Session) error {
	if err := r.checkTransition(StatePlanning); err != nil {
		return err
	}
	if session.FlowID == "" {
		session.FlowID = uuid.NewString()
	}
	if session.Intent == "" {
		session.Intent = IntentSwap
	}
	r.session = session
	r.plan = nil
	r.permit = nil
	r.decision = nil
	r.setState(StatePlanning)
	return nil
}

// Start takes ownership of plan. An empty plan drops back to Idle.
func (r *Runner) Start(plan Plan) error {
	if r.state != StatePlanning {
		return transitionError(r.state, StateRunning)
	}
	if len(plan) == 0 {
		r.setState(StateIdle)
		return ErrEmptyPlan
	}
	r.plan = plan
	r.logger().WithField("steps", len(plan)).Info("flow started")
	r.setState(StateRunning)
	return nil
}

// Current returns the first step not yet done, or nil.
func (r *Runner) Current() *Step {
	idx := r.plan.Cursor()
	if idx < 0 {
		return nil
	}
	return &r.plan[idx]
}

// Dispatch runs the current step's action once. It is a no-op when the plan
// is finished, suspended, or another dispatch is in flight. A failed step
// stays current so the caller may retry by dispatching again.
func (r *Runner) Dispatch(ctx context.Context) Outcome {
	if r.inFlight || r.state != StateRunning {
		return OutcomeNoop
	}
	idx := r.plan.Cursor()
	if idx < 0 {
		return OutcomeNoop
	}
	r.inFlight = true
	defer func() { r.inFlight = false }()

	step := &r.plan[idx]
	step.Failed = false
	step.Error = ""
	r.emit(Event{Kind: EventStepStarted, Step: step.Kind, Index: idx})

	switch step.Kind {
	case StepApproveToken:
		return r.approve(ctx, idx)
	case StepWaitForApproval:
		return r.waitForApproval(ctx, idx)
	case StepSignPermit:
		return r.signPermit(ctx, idx)
	case StepWaitForQuoteSimulation:
		return r.requote(ctx, idx)
	case StepWaitForTxSimulation:
		return r.simulateTx(ctx, idx)
	case StepExecute:
		return r.execute(ctx, idx)
	default:
		return r.fail(idx, clierr.New(clierr.CodeInternal, "unknown step kind "+string(step.Kind)))
	}
}

// Run dispatches until a step fails, the plan suspends, or the execute
// transaction is submitted. It never retries a failed step.
func (r *Runner) Run(ctx context.Context) Outcome {
	for {
		out := r.Dispatch(ctx)
		if out != OutcomeDone {
			return out
		}
	}
}

// MarkConfirmed completes the current step of kind from an externally
// observed condition without rerunning its action. A confirmed approval
// followed by a transaction simulation runs the simulation immediately.
func (r *Runner) MarkConfirmed(ctx context.Context, kind StepKind) (Outcome, error) {
	if r.state != StateRunning {
		return OutcomeNoop, clierr.New(clierr.CodeUsage, "flow is not running")
	}
	idx := r.plan.Cursor()
	if idx < 0 || r.plan[idx].Kind != kind {
		if at := r.plan.Index(kind); at >= 0 && r.plan[at].Done {
			return OutcomeNoop, nil
		}
		return OutcomeNoop, clierr.New(clierr.CodeUsage, "step "+string(kind)+" is not current")
	}
	return r.markConfirmed(ctx, idx), nil
}

func (r *Runner) markConfirmed(ctx context.Context, idx int) Outcome {
	r.complete(idx)
	if r.plan[idx].Kind == StepWaitForApproval && idx+1 < len(r.plan) && r.plan[idx+1].Kind == StepWaitForTxSimulation {
		return r.simulateTx(ctx, idx+1)
	}
	return OutcomeDone
}

// Abort discards the plan and returns to Idle. Quotes must be refetched
// because an abandoned approval or signature may have invalidated them.
func (r *Runner) Abort() error {
	if !r.state.Abortable() {
		return clierr.New(clierr.CodeUsage, "flow can no longer be aborted in state "+string(r.state))
	}
	r.reset()
	r.setState(StateIdle)
	r.emit(Event{Kind: EventRefetchQuotes})
	return nil
}

// Abandon closes the flow for good. The plan is kept for the record.
func (r *Runner) Abandon() error {
	if err := r.checkTransition(StateAbandoned); err != nil {
		return err
	}
	r.decision = nil
	r.setState(StateAbandoned)
	return nil
}

// Confirm hands the submitted execute hash to the tracker and settles the
// flow as succeeded or failed.
func (r *Runner) Confirm(ctx context.Context) (Receipt, error) {
	if r.state != StateConfirming {
		return Receipt{}, clierr.New(clierr.CodeUsage, "flow has no submitted transaction to confirm")
	}
	idx := r.plan.Index(StepExecute)
	hash := r.plan[idx].TxHash
	receipt, err := r.deps.Tracker.Wait(ctx, hash)
	if err != nil {
		r.logger().WithField(logx.FieldTxHash, hash).WithError(err).Warn("confirmation pending")
		return Receipt{}, err
	}
	log := r.logger().WithFields(logrus.Fields{logx.FieldTxHash: hash, "block": receipt.BlockNumber})
	if receipt.Status == ReceiptReverted {
		r.plan[idx].Error = "transaction reverted on-chain"
		log.Warn("execute transaction reverted")
		r.setState(StateFailed)
		return receipt, nil
	}
	log.Info("execute transaction mined")
	r.setState(StateSucceeded)
	return receipt, nil
}

func (r *Runner) approve(ctx context.Context, idx int) Outcome {
	step := &r.plan[idx]
	approval := step.Approval()
	if approval == nil {
		return r.fail(idx, clierr.New(clierr.CodeActionPlan, "approve step has no payload"))
	}
	hash, err := r.deps.Wallet.ApproveToken(ctx, *approval)
	if err != nil {
		return r.fail(idx, err)
	}
	step.TxHash = hash
	if next := idx + 1; next < len(r.plan) && r.plan[next].Kind == StepWaitForApproval {
		r.plan[next].TxHash = hash
	}
	r.complete(idx)
	return OutcomeDone
}

func (r *Runner) waitForApproval(ctx context.Context, idx int) Outcome {
	hash := r.plan[idx].TxHash
	if hash == "" {
		return r.fail(idx, clierr.New(clierr.CodeActionPlan, "approval transaction hash missing"))
	}
	receipt, err := r.deps.Tracker.Wait(ctx, hash)
	if err != nil {
		return r.fail(idx, err)
	}
	if receipt.Status == ReceiptReverted {
		return r.fail(idx, clierr.New(clierr.CodeUnavailable, "approval transaction reverted on-chain"))
	}
	return r.markConfirmed(ctx, idx)
}

func (r *Runner) signPermit(ctx context.Context, idx int) Outcome {
	step := &r.plan[idx]
	permit := step.Permit()
	if permit == nil {
		return r.fail(idx, clierr.New(clierr.CodeActionPlan, "sign step has no payload"))
	}
	signed, err := r.deps.Wallet.SignPermit(ctx, *permit)
	if err != nil {
		return r.fail(idx, err)
	}
	*permit = signed
	stored := signed
	r.permit = &stored
	r.complete(idx)
	return OutcomeDone
}

func (r *Runner) simulateTx(ctx context.Context, idx int) Outcome {
	step := &r.plan[idx]
	payload := step.TxSimulation()
	if payload == nil {
		payload = &TxSimulationPayload{}
		step.Payload = payload
	}
	selected := r.session.Selected
	if r.deps.Simulator == nil || selected == nil || selected.Tx == nil {
		payload.Outcome = SimulationUnknown
		r.complete(idx)
		return OutcomeDone
	}
	tx := *selected.Tx
	if tx.From == "" {
		tx.From = r.session.Owner
	}
	res, err := r.deps.Simulator.SimulateTransaction(ctx, tx, payload.HasTransfer)
	if err != nil {
		if ctx.Err() != nil {
			return r.fail(idx, clierr.Wrap(clierr.CodeActionTimeout, "simulation cancelled", ctx.Err()))
		}
		r.logger().WithError(err).Warn("simulation unavailable, continuing unverified")
		payload.Outcome = SimulationUnknown
		r.complete(idx)
		return OutcomeDone
	}
	payload.Outcome = res.Outcome
	payload.GasUsed = res.GasUsed
	payload.Reason = res.Reason
	if res.Outcome == SimulationWillFail {
		msg := "transaction simulation reverted"
		if res.Reason != "" {
			msg += ": " + res.Reason
		}
		return r.fail(idx, clierr.New(clierr.CodeActionSim, msg))
	}
	if res.Outcome == "" {
		payload.Outcome = SimulationUnknown
	}
	r.complete(idx)
	return OutcomeDone
}

func (r *Runner) execute(ctx context.Context, idx int) Outcome {
	step := &r.plan[idx]
	exec := step.Execute()
	if exec == nil {
		return r.fail(idx, clierr.New(clierr.CodeActionPlan, "execute step has no payload"))
	}

	var (
		hash string
		err  error
	)
	switch exec.Intent {
	case IntentCreatePosition:
		if exec.Position == nil {
			return r.fail(idx, clierr.New(clierr.CodeActionPlan, "position parameters missing"))
		}
		r.setState(StateExecuting)
		hash, err = r.deps.Wallet.ExecuteCreatePosition(ctx, PositionExecution{
			From:            exec.From,
			To:              exec.To,
			Amount:          exec.SellAmount,
			Swaps:           exec.Position.Swaps,
			IntervalSeconds: exec.Position.IntervalSeconds,
			Owner:           r.session.Owner,
		})
	default:
		if r.session.Selected == nil {
			return r.fail(idx, clierr.New(clierr.CodeActionPlan, "no route selected"))
		}
		r.setState(StateExecuting)
		hash, err = r.deps.Wallet.ExecuteSwap(ctx, SwapExecution{
			Route:     r.session.Selected.Clone(),
			Permit:    r.permit,
			Recipient: exec.Recipient,
		})
	}
	if err != nil {
		r.setState(StateRunning)
		return r.fail(idx, err)
	}
	step.TxHash = hash
	r.complete(idx)
	r.setState(StateConfirming)
	r.logger().WithField(logx.FieldTxHash, hash).Info("execute transaction submitted")
	r.emit(Event{Kind: EventSubmitted, Step: StepExecute, Index: idx, TxHash: hash})
	return OutcomeSubmitted
}

func (r *Runner) complete(idx int) {
	step := &r.plan[idx]
	step.Done = true
	step.Failed = false
	step.Error = ""
	r.touch()
	r.emit(Event{Kind: EventStepDone, Step: step.Kind, Index: idx, TxHash: step.TxHash})
}

// fail marks the step failed without advancing. User rejections are only
// tracked; everything else goes to the error reporter.
func (r *Runner) fail(idx int, err error) Outcome {
	step := &r.plan[idx]
	step.Failed = true
	step.Error = err.Error()
	r.touch()
	fields := map[string]any{
		logx.FieldFlowID: r.session.FlowID,
		logx.FieldStep:   string(step.Kind),
		logx.FieldChain:  r.session.ChainID,
	}
	if clierr.IsUserRejection(err) {
		r.log.WithFields(logrus.Fields(fields)).Info("user rejected wallet prompt")
	} else {
		r.deps.Reporter.Report(err, fields)
	}
	r.emit(Event{Kind: EventStepFailed, Step: step.Kind, Index: idx, Err: err})
	return OutcomeFailed
}

func (r *Runner) reset() {
	r.plan = nil
	r.permit = nil
	r.decision = nil
}

func (r *Runner) checkTransition(to State) error {
	if !CanTransition(r.state, to) {
		return transitionError(r.state, to)
	}
	return nil
}

// setState moves the machine along a transition already known to be valid.
func (r *Runner) setState(to State) {
	if r.state == to {
		return
	}
	r.state = to
	r.touch()
	r.emit(Event{Kind: EventStateChanged})
}

func (r *Runner) touch() {
	r.updated = r.now().UTC()
}

func (r *Runner) emit(ev Event) {
	ev.FlowID = r.session.FlowID
	ev.State = r.state
	if len(r.subscribers) == 0 {
		return
	}
	ev.Snapshot = r.Snapshot()
	for _, fn := range r.subscribers {
		fn(ev)
	}
}

func (r *Runner) logger() logrus.FieldLogger {
	return r.log.WithFields(logrus.Fields{logx.FieldFlowID: r.session.FlowID, logx.FieldChain: r.session.ChainID})
}
