package model

import "time"

const EnvelopeVersion = "v1"

const (
	TradeTypeSell = "sell"
	TradeTypeBuy  = "buy"
)

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RequiresKey   bool     `json:"requires_key"`
	Capabilities  []string `json:"capabilities"`
	KeyEnvVarName string   `json:"key_env_var,omitempty"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type Token struct {
	ChainID  int64   `json:"chain_id"`
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Decimals int     `json:"decimals"`
	PriceUSD float64 `json:"price_usd,omitempty"`
}

// Swapper identifies the liquidity source that produced a quote. ID is stable
// across re-fetches and is what route comparisons key on.
type Swapper struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	AllowanceTarget string `json:"allowance_target,omitempty"`
}

// TxPayload is an unsigned EVM call ready for simulation or submission.
type TxPayload struct {
	ChainID int64  `json:"chain_id"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value,omitempty"`
	Gas     uint64 `json:"gas,omitempty"`
}

type Quote struct {
	Source          string     `json:"source"`
	Swapper         Swapper    `json:"swapper"`
	ChainID         int64      `json:"chain_id"`
	TradeType       string     `json:"trade_type"`
	SellToken       Token      `json:"sell_token"`
	BuyToken        Token      `json:"buy_token"`
	SellAmount      AmountInfo `json:"sell_amount"`
	BuyAmount       AmountInfo `json:"buy_amount"`
	MaxSellAmount   AmountInfo `json:"max_sell_amount"`
	MinBuyAmount    AmountInfo `json:"min_buy_amount"`
	SellAmountUSD   float64    `json:"sell_amount_usd,omitempty"`
	BuyAmountUSD    float64    `json:"buy_amount_usd,omitempty"`
	EstimatedGas    string     `json:"estimated_gas,omitempty"`
	EstimatedGasUSD float64    `json:"estimated_gas_usd,omitempty"`
	Recipient       string     `json:"recipient,omitempty"`
	WillFail        bool       `json:"will_fail"`
	Tx              *TxPayload `json:"tx,omitempty"`
	FetchedAt       string     `json:"fetched_at"`
}

// IsBuyOrder reports whether the quote fixes the buy amount.
func (q Quote) IsBuyOrder() bool {
	return q.TradeType == TradeTypeBuy
}

// Clone returns a deep copy so callers can mark flags without touching the
// shared result set.
func (q Quote) Clone() Quote {
	out := q
	if q.Tx != nil {
		tx := *q.Tx
		out.Tx = &tx
	}
	return out
}
