// Package onchainv3 quotes Uniswap V3 pools directly through the QuoterV2
// contract, so at least one source keeps working without API keys.
package onchainv3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/providers"
	"github.com/ggonzalez94/swapflow/internal/registry"
)

var (
	feeTiers = []uint32{100, 500, 3000, 10000}

	quoterABI = mustABI(registry.UniswapV3QuoterV2ABI)
	routerABI = mustABI(registry.UniswapV3RouterABI)
)

type Client struct {
	rpcURLs map[int64]string
	now     func() time.Time
}

func New(rpcURLs map[int64]string) *Client {
	return &Client{rpcURLs: rpcURLs, now: time.Now}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "uniswap-v3-onchain",
		Type:        "swap",
		RequiresKey: false,
		Capabilities: []string{
			"swap.quote",
			"swap.tx",
		},
	}
}

type quoteExactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	AmountIn          *big.Int       `abi:"amountIn"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type quoteExactOutputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Amount            *big.Int       `abi:"amount"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type exactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Fee               *big.Int       `abi:"fee"`
	Recipient         common.Address `abi:"recipient"`
	AmountIn          *big.Int       `abi:"amountIn"`
	AmountOutMinimum  *big.Int       `abi:"amountOutMinimum"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type exactOutputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Fee               *big.Int       `abi:"fee"`
	Recipient         common.Address `abi:"recipient"`
	AmountOut         *big.Int       `abi:"amountOut"`
	AmountInMaximum   *big.Int       `abi:"amountInMaximum"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type poolQuote struct {
	amount *big.Int
	gas    *big.Int
	fee    uint32
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.Quote, error) {
	quoterRaw, routerRaw, ok := registry.UniswapV3Contracts(req.Chain.EVMChainID)
	if !ok {
		return model.Quote{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("uniswap-v3 not deployed on chain %d", req.Chain.EVMChainID))
	}
	if req.BuyAsset.IsNative() {
		return model.Quote{}, clierr.New(clierr.CodeUnsupported, "uniswap-v3 onchain routes cannot pay out the native token")
	}
	rpcURL, err := registry.ResolveRPCURL(req.RPCURL, c.rpcURLs, req.Chain.EVMChainID)
	if err != nil {
		return model.Quote{}, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	amount, ok := new(big.Int).SetString(req.AmountBaseUnits, 10)
	if !ok || amount.Sign() <= 0 {
		return model.Quote{}, clierr.New(clierr.CodeUsage, "invalid amount base units")
	}
	tokenIn, err := poolToken(req.Chain.EVMChainID, req.SellAsset)
	if err != nil {
		return model.Quote{}, err
	}
	tokenOut := common.HexToAddress(req.BuyAsset.Address)

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return model.Quote{}, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	defer client.Close()

	quoter := common.HexToAddress(quoterRaw)
	best, err := quoteBestFee(ctx, client, quoter, tokenIn, tokenOut, amount, req.IsBuyOrder)
	if err != nil {
		return model.Quote{}, err
	}

	sellAmount, buyAmount := amount.String(), best.amount.String()
	if req.IsBuyOrder {
		sellAmount, buyAmount = best.amount.String(), amount.String()
	}
	maxSell, minBuy := sellAmount, buyAmount
	if req.IsBuyOrder {
		if maxSell, err = providers.WithSlippage(sellAmount, req.SlippagePct, true); err != nil {
			return model.Quote{}, err
		}
	} else {
		if minBuy, err = providers.WithSlippage(buyAmount, req.SlippagePct, false); err != nil {
			return model.Quote{}, err
		}
	}

	quote := model.Quote{
		Source:        "uniswap-v3-onchain",
		Swapper:       model.Swapper{ID: "uniswap-v3", Name: fmt.Sprintf("Uniswap V3 %d", best.fee), AllowanceTarget: routerRaw},
		ChainID:       req.Chain.EVMChainID,
		TradeType:     req.TradeType(),
		SellToken:     providers.TokenFromAsset(req.Chain, req.SellAsset),
		BuyToken:      providers.TokenFromAsset(req.Chain, req.BuyAsset),
		SellAmount:    id.AmountInfo(sellAmount, req.SellAsset.Decimals),
		BuyAmount:     id.AmountInfo(buyAmount, req.BuyAsset.Decimals),
		MaxSellAmount: id.AmountInfo(maxSell, req.SellAsset.Decimals),
		MinBuyAmount:  id.AmountInfo(minBuy, req.BuyAsset.Decimals),
		EstimatedGas:  best.gas.String(),
		Recipient:     req.Recipient,
		FetchedAt:     c.now().UTC().Format(time.RFC3339),
	}

	taker := strings.TrimSpace(req.Taker)
	if taker == "" {
		return quote, nil
	}
	if !common.IsHexAddress(taker) {
		return model.Quote{}, clierr.New(clierr.CodeUsage, "taker must be a valid EVM address")
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		recipient = taker
	}
	if !common.IsHexAddress(recipient) {
		return model.Quote{}, clierr.New(clierr.CodeUsage, "recipient must be a valid EVM address")
	}
	data, err := packSwap(tokenIn, tokenOut, best.fee, common.HexToAddress(recipient), req.IsBuyOrder, sellAmount, maxSell, buyAmount, minBuy)
	if err != nil {
		return model.Quote{}, err
	}
	value := "0"
	if req.SellAsset.IsNative() {
		value = maxSell
	}
	quote.Tx = &model.TxPayload{
		ChainID: req.Chain.EVMChainID,
		From:    common.HexToAddress(taker).Hex(),
		To:      common.HexToAddress(routerRaw).Hex(),
		Data:    hexutil.Encode(data),
		Value:   value,
	}
	return quote, nil
}

func poolToken(chainID int64, asset id.Asset) (common.Address, error) {
	if !asset.IsNative() {
		return common.HexToAddress(asset.Address), nil
	}
	wrapped, ok := registry.WrappedNative(chainID)
	if !ok {
		return common.Address{}, clierr.New(clierr.CodeUnsupported, "no wrapped native token configured for chain")
	}
	return common.HexToAddress(wrapped), nil
}

func packSwap(tokenIn, tokenOut common.Address, fee uint32, recipient common.Address, isBuyOrder bool, sellAmount, maxSell, buyAmount, minBuy string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if isBuyOrder {
		data, err = routerABI.Pack("exactOutputSingle", exactOutputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			Fee:               big.NewInt(int64(fee)),
			Recipient:         recipient,
			AmountOut:         mustBig(buyAmount),
			AmountInMaximum:   mustBig(maxSell),
			SqrtPriceLimitX96: big.NewInt(0),
		})
	} else {
		data, err = routerABI.Pack("exactInputSingle", exactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			Fee:               big.NewInt(int64(fee)),
			Recipient:         recipient,
			AmountIn:          mustBig(sellAmount),
			AmountOutMinimum:  mustBig(minBuy),
			SqrtPriceLimitX96: big.NewInt(0),
		})
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
	}
	return data, nil
}

// quoteBestFee walks every fee tier and keeps the best pool: the largest
// output for sell orders, the smallest input for buy orders. Tiers without a
// pool revert and are skipped.
func quoteBestFee(ctx context.Context, client *ethclient.Client, quoter, tokenIn, tokenOut common.Address, amount *big.Int, isBuyOrder bool) (poolQuote, error) {
	var best *poolQuote
	method := "quoteExactInputSingle"
	if isBuyOrder {
		method = "quoteExactOutputSingle"
	}
	for _, fee := range feeTiers {
		var (
			callData []byte
			err      error
		)
		if isBuyOrder {
			callData, err = quoterABI.Pack(method, quoteExactOutputSingleParams{
				TokenIn: tokenIn, TokenOut: tokenOut, Amount: amount, Fee: big.NewInt(int64(fee)), SqrtPriceLimitX96: big.NewInt(0),
			})
		} else {
			callData, err = quoterABI.Pack(method, quoteExactInputSingleParams{
				TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amount, Fee: big.NewInt(int64(fee)), SqrtPriceLimitX96: big.NewInt(0),
			})
		}
		if err != nil {
			return poolQuote{}, clierr.Wrap(clierr.CodeInternal, "pack quoter calldata", err)
		}
		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &quoter, Data: callData}, nil)
		if err != nil {
			continue
		}
		decoded, err := quoterABI.Unpack(method, out)
		if err != nil || len(decoded) < 4 {
			continue
		}
		quoted, ok := decoded[0].(*big.Int)
		if !ok || quoted == nil || quoted.Sign() <= 0 {
			continue
		}
		gasEstimate, ok := decoded[3].(*big.Int)
		if !ok || gasEstimate == nil {
			gasEstimate = big.NewInt(0)
		}
		candidate := poolQuote{amount: new(big.Int).Set(quoted), gas: new(big.Int).Set(gasEstimate), fee: fee}
		if best == nil || better(candidate, *best, isBuyOrder) {
			best = &candidate
		}
	}
	if best == nil {
		return poolQuote{}, clierr.New(clierr.CodeUnavailable, "uniswap-v3 quote unavailable for token pair")
	}
	return *best, nil
}

func better(a, b poolQuote, isBuyOrder bool) bool {
	cmp := a.amount.Cmp(b.amount)
	if isBuyOrder {
		cmp = -cmp
	}
	return cmp > 0 || (cmp == 0 && a.gas.Cmp(b.gas) < 0)
}

func mustBig(v string) *big.Int {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
