package flow

import (
	"strings"

	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/model"
)

// Form holds the user's swap input. FromValue and ToValue are decimal
// strings; IsBuyOrder selects which of them is fixed.
type Form struct {
	From       model.Token `json:"from"`
	To         model.Token `json:"to"`
	FromValue  string      `json:"from_value"`
	ToValue    string      `json:"to_value"`
	IsBuyOrder bool        `json:"is_buy_order"`
	TransferTo string      `json:"transfer_to,omitempty"`
}

// ToggleFromTo swaps the two sides of the form. Applying it twice restores
// the original form.
func (f *Form) ToggleFromTo() {
	f.From, f.To = f.To, f.From
	f.FromValue, f.ToValue = f.ToValue, f.FromValue
	f.IsBuyOrder = !f.IsBuyOrder
}

// Amount is the decimal amount on the fixed side of the order.
func (f Form) Amount() string {
	if f.IsBuyOrder {
		return strings.TrimSpace(f.ToValue)
	}
	return strings.TrimSpace(f.FromValue)
}

// BaseAmount converts Amount into base units of the fixed side's token.
func (f Form) BaseAmount() (string, error) {
	decimals := f.From.Decimals
	if f.IsBuyOrder {
		decimals = f.To.Decimals
	}
	base, _, err := id.NormalizeAmount("", f.Amount(), decimals)
	return base, err
}

// HasDestinationTransfer reports whether output goes to another address.
func (f Form) HasDestinationTransfer() bool {
	return strings.TrimSpace(f.TransferTo) != ""
}

// Ready reports whether both tokens are set and the fixed amount is
// positive.
func (f Form) Ready() bool {
	if f.From.Address == "" || f.To.Address == "" {
		return false
	}
	base, err := f.BaseAmount()
	return err == nil && !id.IsZero(base)
}
