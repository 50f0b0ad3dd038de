package flow

import (
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

// ErrEmptyPlan is returned when the form is not complete enough to build a
// plan. Callers must not start the runner in that case.
var ErrEmptyPlan = clierr.New(clierr.CodeActionPlan, "nothing to execute: token or amount missing")

// PlanFacts is the snapshot of wallet and allowance state a plan is built
// from. Amounts are base-unit strings.
type PlanFacts struct {
	IsApproved                  bool
	IsPermitSigningSupported    bool
	IsProviderSimulationEnabled bool
	HasDestinationTransfer      bool
	HasTransaction              bool
	IsBuyOrder                  bool

	AmountToApprove string
	// Spender receives the ERC-20 approval. With Permit2 it is the Permit2
	// contract and PermitSpender is the adapter the signature authorises.
	Spender       string
	PermitSpender string

	From      model.Token
	To        model.Token
	FromValue string
	ToValue   string

	Intent    Intent
	Route     *model.Quote
	Position  *PositionParams
	Recipient string
}

// BuildPlan returns the ordered steps needed to execute facts. It is pure:
// an incomplete input yields an empty plan rather than an error.
func BuildPlan(facts PlanFacts) Plan {
	if facts.From.Address == "" || facts.To.Address == "" {
		return Plan{}
	}
	fixed := facts.FromValue
	if facts.IsBuyOrder {
		fixed = facts.ToValue
	}
	if id.IsZero(fixed) {
		return Plan{}
	}

	plan := Plan{}
	if !facts.IsApproved {
		approval := ApprovalPayload{Token: facts.From, Spender: facts.Spender, Amount: facts.AmountToApprove}
		waitApproval := approval
		plan = append(plan,
			Step{Kind: StepApproveToken, Payload: &approval},
			Step{Kind: StepWaitForApproval, CheckForPending: true, Payload: &waitApproval},
		)
	}

	switch {
	case facts.IsPermitSigningSupported:
		plan = append(plan,
			Step{Kind: StepSignPermit, Payload: &PermitPayload{
				Token:   facts.From,
				Spender: facts.PermitSpender,
				Amount:  facts.AmountToApprove,
			}},
			Step{Kind: StepWaitForQuoteSimulation, CheckForPending: true, Payload: &QuoteSimulationPayload{}},
		)
	case facts.IsProviderSimulationEnabled && facts.HasTransaction:
		plan = append(plan, Step{
			Kind:            StepWaitForTxSimulation,
			CheckForPending: true,
			Payload:         &TxSimulationPayload{HasTransfer: facts.HasDestinationTransfer},
		})
	}

	intent := facts.Intent
	if intent == "" {
		intent = IntentSwap
	}
	exec := &ExecutePayload{
		Intent:     intent,
		From:       facts.From,
		To:         facts.To,
		SellAmount: facts.FromValue,
		BuyAmount:  facts.ToValue,
		Position:   facts.Position,
		Recipient:  facts.Recipient,
	}
	if facts.Route != nil {
		route := facts.Route.Clone()
		exec.Route = &route
	}
	plan = append(plan, Step{Kind: StepExecute, CheckForPending: true, Payload: exec})
	return plan
}

// AmountToApprove sizes the approval. A buy order approves the largest
// max-sell amount across every known executable quote so that switching
// routes after approving never needs a second approval.
func AmountToApprove(selected model.Quote, known []model.Quote, isBuyOrder bool) string {
	if !isBuyOrder {
		if !id.IsZero(selected.MaxSellAmount.AmountBaseUnits) {
			return selected.MaxSellAmount.AmountBaseUnits
		}
		return selected.SellAmount.AmountBaseUnits
	}
	largest := quotes.MaxSellAmount(append([]model.Quote{selected}, quotes.Executable(known)...))
	return largest.String()
}

// IsApproved reports whether allowance covers amount. Native tokens need no
// approval.
func IsApproved(allowance *big.Int, amount string, token model.Token) bool {
	if id.IsNativeAddress(token.Address) {
		return true
	}
	need, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return false
	}
	if allowance == nil {
		return need.Sign() == 0
	}
	return allowance.Cmp(need) >= 0
}
