package providers

import (
	"context"
	"math"
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

// SwapQuoter is a single liquidity source. Implementations return one quote
// per call and never sort or filter across sources.
type SwapQuoter interface {
	Provider
	QuoteSwap(ctx context.Context, req SwapQuoteRequest) (model.Quote, error)
}

type SwapQuoteRequest struct {
	Chain           id.Chain
	SellAsset       id.Asset
	BuyAsset        id.Asset
	AmountBaseUnits string
	IsBuyOrder      bool
	SlippagePct     float64
	// Taker is the wallet that will submit the swap. When set, sources that
	// can build calldata attach it to the quote.
	Taker     string
	Recipient string
	// Signature is a Permit2 signature already obtained for the sell token.
	// Sources that route through the Permit2 adapter use it to build calldata.
	Signature string
	RPCURL    string
}

func (r SwapQuoteRequest) TradeType() string {
	if r.IsBuyOrder {
		return model.TradeTypeBuy
	}
	return model.TradeTypeSell
}

// WithSlippage returns amount moved by pct percent: up for the maximum a buy
// order may spend, down for the minimum a sell order accepts.
func WithSlippage(amount string, pct float64, up bool) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || n.Sign() < 0 {
		return "", clierr.New(clierr.CodeUsage, "invalid amount base units")
	}
	if pct < 0 || pct >= 100 {
		return "", clierr.New(clierr.CodeUsage, "slippage must be in [0, 100)")
	}
	bps := int64(math.Round(pct * 100))
	factor := int64(10_000) - bps
	if up {
		factor = 10_000 + bps
	}
	n.Mul(n, big.NewInt(factor))
	n.Div(n, big.NewInt(10_000))
	return n.String(), nil
}

// TokenFromAsset converts a parsed asset into the wire token shape.
func TokenFromAsset(chain id.Chain, asset id.Asset) model.Token {
	return model.Token{
		ChainID:  chain.EVMChainID,
		Address:  asset.Address,
		Symbol:   asset.Symbol,
		Decimals: asset.Decimals,
	}
}
