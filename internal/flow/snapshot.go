package flow

import (
	"time"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
)

// Snapshot is the persisted form of a runner. It is what the flow store
// writes after every event and what Restore reads back.
type Snapshot struct {
	FlowID    string         `json:"flow_id"`
	State     State          `json:"state"`
	Session   Session        `json:"session"`
	Plan      Plan           `json:"plan"`
	Permit    *PermitPayload `json:"permit,omitempty"`
	Decision  *Decision      `json:"decision,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Current returns the first step not yet done, or nil.
func (s Snapshot) Current() *Step {
	idx := s.Plan.Cursor()
	if idx < 0 {
		return nil
	}
	return &s.Plan[idx]
}

func (r *Runner) Snapshot() Snapshot {
	var permit *PermitPayload
	if r.permit != nil {
		copied := *r.permit
		permit = &copied
	}
	return Snapshot{
		FlowID:    r.session.FlowID,
		State:     r.state,
		Session:   r.session,
		Plan:      r.plan.Clone(),
		Permit:    permit,
		Decision:  r.decision,
		UpdatedAt: r.updated,
	}
}

// Restore loads a persisted flow into an idle runner. A flow interrupted
// while submitting cannot know whether its transaction went out, so it comes
// back running with the execute step failed instead of resubmitting blindly.
func (r *Runner) Restore(s Snapshot) error {
	if r.state != StateIdle {
		return clierr.New(clierr.CodeUsage, "runner already owns a flow")
	}
	if s.State.Terminal() {
		return clierr.New(clierr.CodeUsage, "flow "+s.FlowID+" already finished as "+string(s.State))
	}
	if !s.Plan.DonePrefix() {
		return clierr.New(clierr.CodeActionPlan, "persisted plan is inconsistent")
	}
	r.session = s.Session
	r.session.FlowID = s.FlowID
	r.plan = s.Plan.Clone()
	r.permit = s.Permit
	r.decision = s.Decision
	r.updated = s.UpdatedAt
	r.state = s.State
	if r.state == StateExecuting {
		if idx := r.plan.Index(StepExecute); idx >= 0 {
			r.plan[idx].Failed = true
			r.plan[idx].Error = "submission interrupted; check the wallet's recent transactions before retrying"
		}
		r.state = StateRunning
	}
	if r.permit == nil {
		if idx := r.plan.Index(StepSignPermit); idx >= 0 && r.plan[idx].Done {
			if p := r.plan[idx].Permit(); p != nil {
				copied := *p
				r.permit = &copied
			}
		}
	}
	r.emit(Event{Kind: EventStateChanged})
	return nil
}
