package flow

import (
	"context"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/registry"
)

type FactsInput struct {
	Session Session
	// PermitEnabled is the user setting; permit signing also needs wallet
	// support and an adapter deployment on the chain.
	PermitEnabled     bool
	SimulationEnabled bool
}

// GatherFacts reads allowance and wallet capabilities for a submitted
// session and returns the facts BuildPlan needs.
func GatherFacts(ctx context.Context, allowance AllowanceSource, wallet Wallet, in FactsInput) (PlanFacts, error) {
	s := in.Session
	form := s.Form
	base, err := form.BaseAmount()
	if err != nil {
		return PlanFacts{}, err
	}
	facts := PlanFacts{
		IsBuyOrder:                  form.IsBuyOrder,
		IsProviderSimulationEnabled: in.SimulationEnabled,
		HasDestinationTransfer:      form.HasDestinationTransfer(),
		From:                        form.From,
		To:                          form.To,
		Intent:                      s.Intent,
		Position:                    s.Position,
		Recipient:                   form.TransferTo,
	}
	if facts.Intent == "" {
		facts.Intent = IntentSwap
	}
	native := id.IsNativeAddress(form.From.Address)

	switch facts.Intent {
	case IntentCreatePosition:
		if s.Position == nil || s.Position.Hub == "" {
			return PlanFacts{}, clierr.New(clierr.CodeUnsupported, "no DCA hub deployed on this chain")
		}
		facts.FromValue = base
		facts.AmountToApprove = base
		facts.Spender = s.Position.Hub
	default:
		if s.Selected == nil {
			return PlanFacts{}, clierr.New(clierr.CodeActionPlan, "no route selected")
		}
		selected := *s.Selected
		if form.IsBuyOrder {
			facts.FromValue = selected.SellAmount.AmountBaseUnits
			facts.ToValue = base
		} else {
			facts.FromValue = base
			facts.ToValue = selected.BuyAmount.AmountBaseUnits
		}
		facts.Route = &selected
		facts.HasTransaction = selected.Tx != nil
		facts.AmountToApprove = AmountToApprove(selected, s.Known, form.IsBuyOrder)

		adapter, hasAdapter := registry.Permit2Adapter(s.ChainID)
		facts.IsPermitSigningSupported = in.PermitEnabled && hasAdapter && !native && wallet.SupportsPermitSigning()
		if facts.IsPermitSigningSupported {
			facts.Spender = registry.Permit2Address
			facts.PermitSpender = adapter
		} else {
			facts.Spender = selected.Swapper.AllowanceTarget
		}
	}

	if native {
		facts.IsApproved = true
		return facts, nil
	}
	if facts.Spender == "" {
		return PlanFacts{}, clierr.New(clierr.CodeActionPlan, "route has no allowance target")
	}
	current, err := allowance.Allowance(ctx, form.From.Address, s.Owner, facts.Spender)
	if err != nil {
		return PlanFacts{}, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	facts.IsApproved = IsApproved(current, facts.AmountToApprove, form.From)
	return facts, nil
}
