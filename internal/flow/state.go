package flow

import (
	"fmt"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
)

// State is the lifecycle position of a flow.
type State string

const (
	StateIdle                     State = "idle"
	StatePlanning                 State = "planning"
	StateRunning                  State = "running"
	StateSuspendedBetterQuote     State = "suspended_better_quote"
	StateSuspendedAllQuotesFailed State = "suspended_all_quotes_failed"
	StateExecuting                State = "executing"
	StateConfirming               State = "confirming"
	StateSucceeded                State = "succeeded"
	StateFailed                   State = "failed"
	StateAbandoned                State = "abandoned"
)

var transitions = map[State][]State{
	StateIdle:                     {StatePlanning},
	StatePlanning:                 {StateRunning, StateIdle, StateAbandoned},
	StateRunning:                  {StateSuspendedBetterQuote, StateSuspendedAllQuotesFailed, StateExecuting, StateIdle, StateAbandoned},
	StateSuspendedBetterQuote:     {StateRunning, StateIdle, StateAbandoned},
	StateSuspendedAllQuotesFailed: {StateIdle, StateAbandoned},
	StateExecuting:                {StateConfirming, StateRunning},
	StateConfirming:               {StateSucceeded, StateFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAbandoned
}

func (s State) Suspended() bool {
	return s == StateSuspendedBetterQuote || s == StateSuspendedAllQuotesFailed
}

// Abortable reports whether the in-memory plan can still be discarded. Once
// the execute transaction is submitted the flow can only be watched.
func (s State) Abortable() bool {
	return CanTransition(s, StateIdle)
}

func transitionError(from, to State) error {
	return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid flow transition %s -> %s", from, to))
}
