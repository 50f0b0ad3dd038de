package fibrous

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/httpx"
	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/providers"
	"github.com/ggonzalez94/swapflow/internal/registry"
)

// chainSlugs maps EVM chain IDs to Fibrous API chain slugs.
var chainSlugs = map[int64]string{
	999:  "hyperevm",
	4114: "citrea",
	8453: "base",
}

type Client struct {
	http    *httpx.Client
	baseURL string
	now     func() time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, baseURL: registry.FibrousBaseURL, now: time.Now}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "fibrous",
		Type:         "swap",
		RequiresKey:  false,
		Capabilities: []string{"swap.quote"},
	}
}

type routeResponse struct {
	Success               bool     `json:"success"`
	OutputAmount          string   `json:"outputAmount"`
	EstimatedGasUsed      string   `json:"estimatedGasUsed"`
	EstimatedGasUsedInUsd *float64 `json:"estimatedGasUsedInUsd"`
}

// QuoteSwap prices a sell order through the Fibrous router. Fibrous returns
// routes only, so the quote never carries calldata and cannot be executed.
func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.Quote, error) {
	if req.IsBuyOrder {
		return model.Quote{}, clierr.New(clierr.CodeUnsupported, "fibrous supports only sell orders")
	}
	chainSlug, ok := chainSlugs[req.Chain.EVMChainID]
	if !ok {
		supported := make([]string, 0, len(chainSlugs))
		for _, slug := range chainSlugs {
			supported = append(supported, slug)
		}
		sort.Strings(supported)
		return model.Quote{}, clierr.New(clierr.CodeUnsupported,
			fmt.Sprintf("fibrous does not support chain %s (supported: %s)", req.Chain.Slug, strings.Join(supported, ", ")))
	}

	vals := url.Values{}
	vals.Set("amount", req.AmountBaseUnits)
	vals.Set("tokenInAddress", req.SellAsset.Address)
	vals.Set("tokenOutAddress", req.BuyAsset.Address)

	endpoint := fmt.Sprintf("%s/%s/route?%s", c.baseURL, chainSlug, vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Quote{}, clierr.Wrap(clierr.CodeInternal, "build fibrous route request", err)
	}

	var resp routeResponse
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		return model.Quote{}, err
	}
	if !resp.Success {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "fibrous route returned success=false")
	}
	if resp.OutputAmount == "" {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "fibrous route missing output amount")
	}
	minOut, err := providers.WithSlippage(resp.OutputAmount, req.SlippagePct, false)
	if err != nil {
		return model.Quote{}, err
	}

	quote := model.Quote{
		Source:        "fibrous",
		Swapper:       model.Swapper{ID: "fibrous", Name: "Fibrous"},
		ChainID:       req.Chain.EVMChainID,
		TradeType:     model.TradeTypeSell,
		SellToken:     providers.TokenFromAsset(req.Chain, req.SellAsset),
		BuyToken:      providers.TokenFromAsset(req.Chain, req.BuyAsset),
		SellAmount:    id.AmountInfo(req.AmountBaseUnits, req.SellAsset.Decimals),
		BuyAmount:     id.AmountInfo(resp.OutputAmount, req.BuyAsset.Decimals),
		MaxSellAmount: id.AmountInfo(req.AmountBaseUnits, req.SellAsset.Decimals),
		MinBuyAmount:  id.AmountInfo(minOut, req.BuyAsset.Decimals),
		Recipient:     req.Recipient,
		FetchedAt:     c.now().UTC().Format(time.RFC3339),
	}
	if gas, err := strconv.ParseUint(strings.TrimSpace(resp.EstimatedGasUsed), 10, 64); err == nil && gas > 0 {
		quote.EstimatedGas = strconv.FormatUint(gas, 10)
	}
	if resp.EstimatedGasUsedInUsd != nil {
		quote.EstimatedGasUSD = *resp.EstimatedGasUsedInUsd
	}
	return quote, nil
}
