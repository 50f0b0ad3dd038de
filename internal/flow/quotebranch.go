package flow

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

type DecisionKind string

const (
	DecisionBetterQuote     DecisionKind = "better_quote"
	DecisionAllQuotesFailed DecisionKind = "all_quotes_failed"
)

// Decision is an open question the user must answer before the plan can
// continue or end.
type Decision struct {
	Kind            DecisionKind `json:"kind"`
	Better          *model.Quote `json:"better,omitempty"`
	Original        *model.Quote `json:"original,omitempty"`
	OriginalMissing bool         `json:"original_missing,omitempty"`
	// Improvement is the gain of Better over Original under the active sort,
	// rounded for display.
	Improvement string `json:"improvement,omitempty"`
}

// RequoteDecision is the outcome of comparing a fresh quote set with the
// route the user picked earlier.
type RequoteDecision struct {
	Better        bool
	Top           model.Quote
	Original      model.Quote
	OriginalFound bool
	Improvement   string
}

// improvementPrecision is the number of decimals a gain must survive to
// count. Smaller differences are treated as noise.
const improvementPrecision = 2

// EvaluateRequote decides whether fresh, a best-first list of quotes that
// are expected to succeed, holds a materially better route than the one
// from selectedSwapper. It is better when the top swapper differs and either
// the original route is gone or the gain rounds to something positive.
func EvaluateRequote(selectedSwapper string, fresh []model.Quote, sortBy string, isBuyOrder bool) RequoteDecision {
	if len(fresh) == 0 {
		return RequoteDecision{}
	}
	top := fresh[0]
	original, found := quotes.Find(fresh, selectedSwapper)
	d := RequoteDecision{Top: top, Original: original, OriginalFound: found}
	if strings.EqualFold(top.Swapper.ID, selectedSwapper) {
		return d
	}
	if !found {
		d.Better = true
		return d
	}
	gain := quotes.Improvement(top, original, sortBy, isBuyOrder)
	d.Improvement = gain.FloatString(improvementPrecision)
	d.Better = gain.Sign() > 0 && d.Improvement != zeroAtPrecision()
	return d
}

func zeroAtPrecision() string {
	return "0." + strings.Repeat("0", improvementPrecision)
}

// requote re-fetches quotes with the permit signature attached and decides
// whether the selected route still stands.
func (r *Runner) requote(ctx context.Context, idx int) Outcome {
	step := &r.plan[idx]
	payload := step.QuoteSimulation()
	if payload == nil {
		payload = &QuoteSimulationPayload{}
		step.Payload = payload
	}
	selected := r.session.Selected
	if selected == nil {
		return r.fail(idx, clierr.New(clierr.CodeActionPlan, "no route selected"))
	}

	req := r.session.Request
	req.Taker = r.session.Owner
	req.Recipient = r.session.Form.TransferTo
	if r.permit != nil {
		req.Signature = r.permit.Signature
	}
	sortBy := r.sortBy()
	req.SortBy = sortBy
	isBuy := r.session.Form.IsBuyOrder

	res, err := r.deps.Quotes.FetchQuotes(ctx, req)
	if err != nil && ctx.Err() != nil {
		return r.fail(idx, clierr.Wrap(clierr.CodeActionTimeout, "quote refresh cancelled", err))
	}
	fresh := res.Quotes
	if err != nil {
		r.logger().WithError(err).Warn("quote refresh failed")
		fresh = nil
	}
	if len(fresh) > 0 && r.deps.Simulator != nil {
		simulated, simErr := r.deps.Simulator.SimulateQuotes(ctx, SimulateQuotesRequest{
			Owner:      r.session.Owner,
			Quotes:     fresh,
			SortBy:     sortBy,
			IsBuyOrder: isBuy,
			Permit:     r.permit,
		})
		if simErr != nil {
			r.logger().WithError(simErr).Warn("quote simulation unavailable, using unverified quotes")
		} else {
			fresh = simulated
		}
	}
	quotes.Sort(fresh, sortBy, isBuy)
	r.session.Known = fresh
	successful := quotes.Executable(fresh)
	payload.QuotesCount = len(successful)

	if len(successful) == 0 {
		payload.Outcome = QuoteSimFailed
		step.Failed = true
		step.Error = "no quote source returned a usable route"
		r.decision = &Decision{Kind: DecisionAllQuotesFailed}
		r.setState(StateSuspendedAllQuotesFailed)
		r.emit(Event{Kind: EventDecisionOpened, Step: step.Kind, Index: idx, Decision: r.decision})
		return OutcomeSuspended
	}

	d := EvaluateRequote(selected.Swapper.ID, successful, sortBy, isBuy)
	log := r.logger().WithFields(logrus.Fields{
		"original":    selected.Swapper.ID,
		"top":         d.Top.Swapper.ID,
		"improvement": d.Improvement,
	})
	if d.Better {
		current := d.Original.Clone()
		if !d.OriginalFound {
			current = selected.Clone()
			current.WillFail = true
		}
		r.selectRoute(current)
		better := d.Top.Clone()
		original := current.Clone()
		r.decision = &Decision{
			Kind:            DecisionBetterQuote,
			Better:          &better,
			Original:        &original,
			OriginalMissing: !d.OriginalFound,
			Improvement:     d.Improvement,
		}
		log.Info("better quote found")
		r.setState(StateSuspendedBetterQuote)
		r.emit(Event{Kind: EventDecisionOpened, Step: step.Kind, Index: idx, Decision: r.decision})
		return OutcomeSuspended
	}

	if d.OriginalFound {
		r.selectRoute(d.Original.Clone())
	}
	payload.Outcome = QuoteSimNoChange
	log.Debug("selected route still best")
	r.complete(idx)
	return OutcomeDone
}

// Resolve answers an open better-quote decision. Accepting switches the
// selected route to the better quote. Either answer completes the paused
// step and resumes the plan.
func (r *Runner) Resolve(accept bool) error {
	if r.state != StateSuspendedBetterQuote || r.decision == nil {
		return clierr.New(clierr.CodeUsage, "no better-quote decision is open")
	}
	idx := r.plan.Cursor()
	if idx < 0 || r.plan[idx].Kind != StepWaitForQuoteSimulation {
		return clierr.New(clierr.CodeInternal, "paused step is not a quote simulation")
	}
	payload := r.plan[idx].QuoteSimulation()
	if payload == nil {
		payload = &QuoteSimulationPayload{}
		r.plan[idx].Payload = payload
	}
	if accept {
		r.selectRoute(r.decision.Better.Clone())
		payload.Outcome = QuoteSimAccepted
	} else {
		payload.Outcome = QuoteSimRejected
		if r.decision.OriginalMissing {
			r.logger().Warn("keeping a route that no longer quotes; execution is expected to revert")
		}
	}
	r.logger().WithField("accepted", accept).Info("better quote decision resolved")
	r.decision = nil
	r.setState(StateRunning)
	r.complete(idx)
	return nil
}

// AcknowledgeFailure closes an all-quotes-failed decision. The flow returns
// to Idle and quotes must be refetched.
func (r *Runner) AcknowledgeFailure() error {
	if r.state != StateSuspendedAllQuotesFailed {
		return clierr.New(clierr.CodeUsage, "no failed-quotes decision is open")
	}
	return r.Abort()
}

// selectRoute replaces the selected route and rewrites the execute step so
// it carries the same route. Step order never changes.
func (r *Runner) selectRoute(route model.Quote) {
	r.session.Selected = &route
	if at := r.plan.Index(StepExecute); at >= 0 {
		if exec := r.plan[at].Execute(); exec != nil {
			copied := route.Clone()
			exec.Route = &copied
			if route.IsBuyOrder() {
				exec.SellAmount = route.SellAmount.AmountBaseUnits
			} else {
				exec.BuyAmount = route.BuyAmount.AmountBaseUnits
			}
		}
	}
}

func (r *Runner) sortBy() string {
	if r.opts.SortBy != "" {
		return r.opts.SortBy
	}
	return r.session.Request.SortBy
}
