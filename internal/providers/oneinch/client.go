package oneinch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
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

const keyEnvVar = "SWAPFLOW_1INCH_API_KEY"

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.OneInchBaseURL, apiKey: apiKey, now: time.Now}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "1inch",
		Type:          "swap",
		RequiresKey:   true,
		KeyEnvVarName: keyEnvVar,
		Capabilities: []string{
			"swap.quote",
			"swap.tx",
		},
	}
}

type txResponse struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
	Gas   uint64 `json:"gas"`
}

type quoteResponse struct {
	DstAmount string      `json:"dstAmount"`
	Gas       uint64      `json:"gas"`
	Tx        *txResponse `json:"tx"`
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.Quote, error) {
	if c.apiKey == "" {
		return model.Quote{}, clierr.New(clierr.CodeAuth, "missing required API key for 1inch ("+keyEnvVar+")")
	}
	if req.IsBuyOrder {
		return model.Quote{}, clierr.New(clierr.CodeUnsupported, "1inch supports only sell orders")
	}

	chainID := strconv.FormatInt(req.Chain.EVMChainID, 10)
	vals := url.Values{}
	vals.Set("src", req.SellAsset.Address)
	vals.Set("dst", req.BuyAsset.Address)
	vals.Set("amount", req.AmountBaseUnits)
	vals.Set("includeGas", "true")

	endpoint := "quote"
	if taker := strings.TrimSpace(req.Taker); taker != "" {
		endpoint = "swap"
		vals.Set("from", taker)
		vals.Set("slippage", strconv.FormatFloat(req.SlippagePct, 'f', -1, 64))
		vals.Set("disableEstimate", "true")
		if recipient := strings.TrimSpace(req.Recipient); recipient != "" {
			vals.Set("receiver", recipient)
		}
	}

	reqURL := fmt.Sprintf("%s/swap/v6.0/%s/%s?%s", c.baseURL, chainID, endpoint, vals.Encode())
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.Quote{}, clierr.Wrap(clierr.CodeInternal, "build 1inch quote request", err)
	}
	hReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	var resp quoteResponse
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		return model.Quote{}, err
	}
	if resp.DstAmount == "" {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "1inch quote missing destination amount")
	}
	minOut, err := providers.WithSlippage(resp.DstAmount, req.SlippagePct, false)
	if err != nil {
		return model.Quote{}, err
	}

	quote := model.Quote{
		Source:        "1inch",
		Swapper:       model.Swapper{ID: "1inch", Name: "1inch"},
		ChainID:       req.Chain.EVMChainID,
		TradeType:     model.TradeTypeSell,
		SellToken:     providers.TokenFromAsset(req.Chain, req.SellAsset),
		BuyToken:      providers.TokenFromAsset(req.Chain, req.BuyAsset),
		SellAmount:    id.AmountInfo(req.AmountBaseUnits, req.SellAsset.Decimals),
		BuyAmount:     id.AmountInfo(resp.DstAmount, req.BuyAsset.Decimals),
		MaxSellAmount: id.AmountInfo(req.AmountBaseUnits, req.SellAsset.Decimals),
		MinBuyAmount:  id.AmountInfo(minOut, req.BuyAsset.Decimals),
		Recipient:     req.Recipient,
		FetchedAt:     c.now().UTC().Format(time.RFC3339),
	}
	gas := resp.Gas
	if resp.Tx != nil {
		quote.Swapper.AllowanceTarget = resp.Tx.To
		if resp.Tx.Gas > 0 {
			gas = resp.Tx.Gas
		}
		quote.Tx = &model.TxPayload{
			ChainID: req.Chain.EVMChainID,
			From:    resp.Tx.From,
			To:      resp.Tx.To,
			Data:    resp.Tx.Data,
			Value:   resp.Tx.Value,
			Gas:     resp.Tx.Gas,
		}
	}
	if gas > 0 {
		quote.EstimatedGas = strconv.FormatUint(gas, 10)
	}
	return quote, nil
}
