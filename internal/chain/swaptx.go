package chain

import (
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/registry"
)

var (
	erc20ABI   = mustParseABI(registry.ERC20MinimalABI)
	adapterABI = mustParseABI(registry.Permit2AdapterABI)
	dcaHubABI  = mustParseABI(registry.DCAHubABI)
)

const fullShareBps = 10_000

type transferOut struct {
	Recipient common.Address `abi:"recipient"`
	ShareBps  *big.Int       `abi:"shareBps"`
}

type sellOrderParams struct {
	Deadline        *big.Int       `abi:"deadline"`
	TokenIn         common.Address `abi:"tokenIn"`
	AmountIn        *big.Int       `abi:"amountIn"`
	Nonce           *big.Int       `abi:"nonce"`
	Signature       []byte         `abi:"signature"`
	AllowanceTarget common.Address `abi:"allowanceTarget"`
	Swapper         common.Address `abi:"swapper"`
	SwapData        []byte         `abi:"swapData"`
	TokenOut        common.Address `abi:"tokenOut"`
	MinAmountOut    *big.Int       `abi:"minAmountOut"`
	TransferOut     []transferOut  `abi:"transferOut"`
}

type buyOrderParams struct {
	Deadline                *big.Int       `abi:"deadline"`
	TokenIn                 common.Address `abi:"tokenIn"`
	MaxAmountIn             *big.Int       `abi:"maxAmountIn"`
	Nonce                   *big.Int       `abi:"nonce"`
	Signature               []byte         `abi:"signature"`
	AllowanceTarget         common.Address `abi:"allowanceTarget"`
	Swapper                 common.Address `abi:"swapper"`
	SwapData                []byte         `abi:"swapData"`
	TokenOut                common.Address `abi:"tokenOut"`
	AmountOut               *big.Int       `abi:"amountOut"`
	TransferOut             []transferOut  `abi:"transferOut"`
	UnspentTokenInRecipient common.Address `abi:"unspentTokenInRecipient"`
}

type dcaPermission struct {
	Operator    common.Address `abi:"operator"`
	Permissions []uint8        `abi:"permissions"`
}

// BuildSwapTx returns the transaction that executes exec from owner. Without
// a signed permit it is the route's own transaction; with one the route is
// wrapped into a Permit2 adapter call that pulls the sell token by signature.
func BuildSwapTx(exec flow.SwapExecution, owner string, chainID int64) (model.TxPayload, error) {
	route := exec.Route
	if route.Tx == nil {
		return model.TxPayload{}, clierr.New(clierr.CodeActionPlan, "route "+route.Swapper.ID+" has no transaction; re-quote with a taker")
	}
	if exec.Permit == nil || !exec.Permit.Signed() {
		tx := *route.Tx
		tx.From = owner
		if tx.ChainID == 0 {
			tx.ChainID = chainID
		}
		return tx, nil
	}

	permit := exec.Permit
	recipient := strings.TrimSpace(exec.Recipient)
	if recipient == "" {
		recipient = owner
	}
	for _, addr := range []string{permit.Spender, permit.Token.Address, route.Tx.To, route.BuyToken.Address, recipient} {
		if !common.IsHexAddress(addr) {
			return model.TxPayload{}, clierr.New(clierr.CodeActionPlan, "invalid address in permit swap: "+addr)
		}
	}
	sig, err := hexutil.Decode(permit.Signature)
	if err != nil {
		return model.TxPayload{}, clierr.Wrap(clierr.CodeActionPlan, "decode permit signature", err)
	}
	nonce, err := parseBaseUnits(permit.Nonce, "permit nonce")
	if err != nil {
		return model.TxPayload{}, err
	}
	swapData, err := decodeHex(route.Tx.Data)
	if err != nil {
		return model.TxPayload{}, clierr.Wrap(clierr.CodeActionPlan, "decode route calldata", err)
	}
	allowanceTarget := route.Swapper.AllowanceTarget
	if !common.IsHexAddress(allowanceTarget) {
		allowanceTarget = route.Tx.To
	}
	transfers := []transferOut{{Recipient: common.HexToAddress(recipient), ShareBps: big.NewInt(fullShareBps)}}
	deadline := big.NewInt(permit.Deadline)

	var data []byte
	if route.IsBuyOrder() {
		maxIn, err := parseBaseUnits(route.MaxSellAmount.AmountBaseUnits, "max sell amount")
		if err != nil {
			return model.TxPayload{}, err
		}
		out, err := parseBaseUnits(route.BuyAmount.AmountBaseUnits, "buy amount")
		if err != nil {
			return model.TxPayload{}, err
		}
		data, err = adapterABI.Pack("buyOrderSwap", buyOrderParams{
			Deadline:                deadline,
			TokenIn:                 common.HexToAddress(permit.Token.Address),
			MaxAmountIn:             maxIn,
			Nonce:                   nonce,
			Signature:               sig,
			AllowanceTarget:         common.HexToAddress(allowanceTarget),
			Swapper:                 common.HexToAddress(route.Tx.To),
			SwapData:                swapData,
			TokenOut:                common.HexToAddress(route.BuyToken.Address),
			AmountOut:               out,
			TransferOut:             transfers,
			UnspentTokenInRecipient: common.HexToAddress(owner),
		})
		if err != nil {
			return model.TxPayload{}, clierr.Wrap(clierr.CodeInternal, "pack buy order swap", err)
		}
	} else {
		in, err := parseBaseUnits(route.SellAmount.AmountBaseUnits, "sell amount")
		if err != nil {
			return model.TxPayload{}, err
		}
		minOut, err := parseBaseUnits(route.MinBuyAmount.AmountBaseUnits, "min buy amount")
		if err != nil {
			return model.TxPayload{}, err
		}
		data, err = adapterABI.Pack("sellOrderSwap", sellOrderParams{
			Deadline:        deadline,
			TokenIn:         common.HexToAddress(permit.Token.Address),
			AmountIn:        in,
			Nonce:           nonce,
			Signature:       sig,
			AllowanceTarget: common.HexToAddress(allowanceTarget),
			Swapper:         common.HexToAddress(route.Tx.To),
			SwapData:        swapData,
			TokenOut:        common.HexToAddress(route.BuyToken.Address),
			MinAmountOut:    minOut,
			TransferOut:     transfers,
		})
		if err != nil {
			return model.TxPayload{}, clierr.Wrap(clierr.CodeInternal, "pack sell order swap", err)
		}
	}
	return model.TxPayload{
		ChainID: chainID,
		From:    owner,
		To:      common.HexToAddress(permit.Spender).Hex(),
		Data:    hexutil.Encode(data),
		Value:   "0",
	}, nil
}

// BuildApproveTx returns an ERC-20 approve call from owner.
func BuildApproveTx(approval flow.ApprovalPayload, owner string, chainID int64) (model.TxPayload, error) {
	if !common.IsHexAddress(approval.Token.Address) || !common.IsHexAddress(approval.Spender) {
		return model.TxPayload{}, clierr.New(clierr.CodeUsage, "approval needs a token and spender address")
	}
	amount, err := parseBaseUnits(approval.Amount, "approval amount")
	if err != nil {
		return model.TxPayload{}, err
	}
	data, err := erc20ABI.Pack("approve", common.HexToAddress(approval.Spender), amount)
	if err != nil {
		return model.TxPayload{}, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	return model.TxPayload{
		ChainID: chainID,
		From:    owner,
		To:      common.HexToAddress(approval.Token.Address).Hex(),
		Data:    hexutil.Encode(data),
		Value:   "0",
	}, nil
}

// BuildDepositTx returns the DCA hub deposit that opens a position.
func BuildDepositTx(exec flow.PositionExecution, hub string, chainID int64) (model.TxPayload, error) {
	for _, addr := range []string{hub, exec.From.Address, exec.To.Address, exec.Owner} {
		if !common.IsHexAddress(addr) {
			return model.TxPayload{}, clierr.New(clierr.CodeUsage, "invalid address in position: "+addr)
		}
	}
	amount, err := parseBaseUnits(exec.Amount, "position amount")
	if err != nil {
		return model.TxPayload{}, err
	}
	if exec.Swaps <= 0 || exec.IntervalSeconds <= 0 {
		return model.TxPayload{}, clierr.New(clierr.CodeUsage, "position needs a positive swap count and interval")
	}
	if int64(exec.Swaps) > math.MaxUint32 || exec.IntervalSeconds > math.MaxUint32 {
		return model.TxPayload{}, clierr.New(clierr.CodeUsage, "position swap count or interval too large")
	}
	data, err := dcaHubABI.Pack("deposit",
		common.HexToAddress(exec.From.Address),
		common.HexToAddress(exec.To.Address),
		amount,
		uint32(exec.Swaps),
		uint32(exec.IntervalSeconds),
		common.HexToAddress(exec.Owner),
		[]dcaPermission{},
	)
	if err != nil {
		return model.TxPayload{}, clierr.Wrap(clierr.CodeInternal, "pack deposit calldata", err)
	}
	return model.TxPayload{
		ChainID: chainID,
		From:    exec.Owner,
		To:      common.HexToAddress(hub).Hex(),
		Data:    hexutil.Encode(data),
		Value:   "0",
	}, nil
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
