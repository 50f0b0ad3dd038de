package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
)

// Allowances reads ERC-20 allowances with eth_call.
type Allowances struct {
	backend Backend
}

var _ flow.AllowanceSource = (*Allowances)(nil)

func NewAllowances(backend Backend) *Allowances {
	return &Allowances{backend: backend}
}

func (a *Allowances) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	for _, addr := range []string{token, owner, spender} {
		if !common.IsHexAddress(addr) {
			return nil, clierr.New(clierr.CodeUsage, "invalid address "+addr)
		}
	}
	data, err := erc20ABI.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance call", err)
	}
	target := common.HexToAddress(token)
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	values, err := erc20ABI.Unpack("allowance", out)
	if err != nil || len(values) != 1 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode allowance", err)
	}
	allowance, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "decode allowance: unexpected type")
	}
	return allowance, nil
}
