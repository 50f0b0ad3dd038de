package uniswap

import (
	"context"
	"encoding/json"
	"net/http"
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

const keyEnvVar = "SWAPFLOW_UNISWAP_API_KEY"

// quoteOnlySwapper is a deterministic placeholder for quote retrieval flows.
const quoteOnlySwapper = "0x0000000000000000000000000000000000000001"

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.UniswapBaseURL, apiKey: apiKey, now: time.Now}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "uniswap",
		Type:          "swap",
		RequiresKey:   true,
		KeyEnvVarName: keyEnvVar,
		Capabilities: []string{
			"swap.quote",
			"swap.tx",
		},
	}
}

type quoteBody struct {
	Input struct {
		Amount string `json:"amount"`
	} `json:"input"`
	Output struct {
		Amount string `json:"amount"`
	} `json:"output"`
	GasFeeUSD      json.RawMessage `json:"gasFeeUSD"`
	GasUseEstimate string          `json:"gasUseEstimate"`
}

type quoteResponse struct {
	Routing string          `json:"routing"`
	Quote   json.RawMessage `json:"quote"`
}

type swapResponse struct {
	Swap struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
	} `json:"swap"`
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.Quote, error) {
	if c.apiKey == "" {
		return model.Quote{}, clierr.New(clierr.CodeAuth, "missing required API key for uniswap ("+keyEnvVar+")")
	}

	swapper := strings.TrimSpace(req.Taker)
	if swapper == "" {
		swapper = quoteOnlySwapper
	}
	payload := map[string]any{
		"tokenInChainId":    req.Chain.EVMChainID,
		"tokenOutChainId":   req.Chain.EVMChainID,
		"tokenIn":           req.SellAsset.Address,
		"tokenOut":          req.BuyAsset.Address,
		"amount":            req.AmountBaseUnits,
		"type":              tradeType(req.IsBuyOrder),
		"swapper":           swapper,
		"slippageTolerance": req.SlippagePct,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return model.Quote{}, clierr.Wrap(clierr.CodeInternal, "marshal uniswap request", err)
	}

	headers := map[string]string{"x-api-key": c.apiKey}
	var resp quoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/v1/quote", buf, headers, &resp); err != nil {
		return model.Quote{}, err
	}
	var body quoteBody
	if len(resp.Quote) == 0 {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "uniswap response missing quote")
	}
	if err := json.Unmarshal(resp.Quote, &body); err != nil {
		return model.Quote{}, clierr.Wrap(clierr.CodeUnavailable, "decode uniswap quote", err)
	}

	sellAmount, buyAmount := body.Input.Amount, body.Output.Amount
	if req.IsBuyOrder && buyAmount == "" {
		buyAmount = req.AmountBaseUnits
	}
	if !req.IsBuyOrder && sellAmount == "" {
		sellAmount = req.AmountBaseUnits
	}
	if sellAmount == "" || buyAmount == "" {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "uniswap quote missing amounts")
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

	gasUSD, err := parseJSONFloat(body.GasFeeUSD)
	if err != nil {
		return model.Quote{}, clierr.Wrap(clierr.CodeUnavailable, "decode uniswap quote.gasFeeUSD", err)
	}

	quote := model.Quote{
		Source:          "uniswap",
		Swapper:         model.Swapper{ID: "uniswap", Name: "Uniswap"},
		ChainID:         req.Chain.EVMChainID,
		TradeType:       req.TradeType(),
		SellToken:       providers.TokenFromAsset(req.Chain, req.SellAsset),
		BuyToken:        providers.TokenFromAsset(req.Chain, req.BuyAsset),
		SellAmount:      id.AmountInfo(sellAmount, req.SellAsset.Decimals),
		BuyAmount:       id.AmountInfo(buyAmount, req.BuyAsset.Decimals),
		MaxSellAmount:   id.AmountInfo(maxSell, req.SellAsset.Decimals),
		MinBuyAmount:    id.AmountInfo(minBuy, req.BuyAsset.Decimals),
		EstimatedGas:    body.GasUseEstimate,
		EstimatedGasUSD: gasUSD,
		Recipient:       req.Recipient,
		FetchedAt:       c.now().UTC().Format(time.RFC3339),
	}

	if strings.TrimSpace(req.Taker) != "" {
		tx, err := c.buildSwap(ctx, resp.Quote, req.Chain.EVMChainID, headers)
		if err != nil {
			return model.Quote{}, err
		}
		quote.Tx = tx
		quote.Swapper.AllowanceTarget = tx.To
	}
	return quote, nil
}

func (c *Client) buildSwap(ctx context.Context, rawQuote json.RawMessage, chainID int64, headers map[string]string) (*model.TxPayload, error) {
	buf, err := json.Marshal(map[string]any{"quote": rawQuote})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "marshal uniswap swap request", err)
	}
	var resp swapResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/v1/swap", buf, headers, &resp); err != nil {
		return nil, err
	}
	if resp.Swap.To == "" || resp.Swap.Data == "" {
		return nil, clierr.New(clierr.CodeUnavailable, "uniswap swap response missing calldata")
	}
	tx := &model.TxPayload{
		ChainID: chainID,
		From:    resp.Swap.From,
		To:      resp.Swap.To,
		Data:    resp.Swap.Data,
		Value:   resp.Swap.Value,
	}
	if gas, err := strconv.ParseUint(resp.Swap.GasLimit, 10, 64); err == nil {
		tx.Gas = gas
	}
	return tx, nil
}

func parseJSONFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, nil
	}

	var value float64
	if err := json.Unmarshal(raw, &value); err == nil {
		return value, nil
	}

	var valueStr string
	if err := json.Unmarshal(raw, &valueStr); err == nil {
		parsed, parseErr := strconv.ParseFloat(valueStr, 64)
		if parseErr != nil {
			return 0, parseErr
		}
		return parsed, nil
	}

	return 0, clierr.New(clierr.CodeUnavailable, "expected numeric or string-encoded numeric value")
}

func tradeType(isBuyOrder bool) string {
	if isBuyOrder {
		return "EXACT_OUTPUT"
	}
	return "EXACT_INPUT"
}
