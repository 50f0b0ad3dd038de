package flow

import (
	"context"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

// QuoteSource fans a request out to the enabled liquidity sources. The
// quotes.Aggregator satisfies it.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, req quotes.Request) (quotes.Result, error)
}

// AllowanceSource reads ERC-20 allowances.
type AllowanceSource interface {
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
}

// SwapExecution is everything the wallet needs to submit a swap.
type SwapExecution struct {
	Route     model.Quote
	Permit    *PermitPayload
	Recipient string
}

// PositionExecution is everything the wallet needs to open a DCA position.
// The hub pulls the sell token through a plain ERC-20 allowance, so there is
// no permit variant.
type PositionExecution struct {
	From            model.Token
	To              model.Token
	Amount          string
	Swaps           int
	IntervalSeconds int64
	Owner           string
}

// Wallet is the connected account. Every method that prompts for a signature
// may fail with a user rejection.
type Wallet interface {
	Address() string
	SupportsPermitSigning() bool
	ApproveToken(ctx context.Context, approval ApprovalPayload) (string, error)
	// SignPermit returns the payload with Nonce, Deadline and Signature set.
	SignPermit(ctx context.Context, permit PermitPayload) (PermitPayload, error)
	ExecuteSwap(ctx context.Context, exec SwapExecution) (string, error)
	ExecuteCreatePosition(ctx context.Context, exec PositionExecution) (string, error)
}

type SimulationOutcome string

const (
	SimulationOK       SimulationOutcome = "ok"
	SimulationWillFail SimulationOutcome = "will_fail"
	// SimulationUnknown means the simulator could not be reached. It never
	// blocks execution.
	SimulationUnknown SimulationOutcome = "unknown"
)

type SimulationResult struct {
	Outcome SimulationOutcome
	GasUsed uint64
	Reason  string
}

type SimulateQuotesRequest struct {
	Owner      string
	Quotes     []model.Quote
	SortBy     string
	IsBuyOrder bool
	Permit     *PermitPayload
}

type Simulator interface {
	SimulateTransaction(ctx context.Context, tx model.TxPayload, hasTransfer bool) (SimulationResult, error)
	// SimulateQuotes marks quotes expected to revert and returns them sorted.
	SimulateQuotes(ctx context.Context, req SimulateQuotesRequest) ([]model.Quote, error)
}

type ReceiptStatus string

const (
	ReceiptMined    ReceiptStatus = "mined"
	ReceiptReverted ReceiptStatus = "reverted"
)

type Receipt struct {
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}

// Tracker watches a submitted transaction until it is mined or reverts.
type Tracker interface {
	Wait(ctx context.Context, txHash string) (Receipt, error)
}

type ErrorReporter interface {
	Report(err error, fields map[string]any)
}

// Collaborators bundles the external services a Runner drives. Simulator and
// Reporter are optional.
type Collaborators struct {
	Quotes    QuoteSource
	Allowance AllowanceSource
	Wallet    Wallet
	Simulator Simulator
	Tracker   Tracker
	Reporter  ErrorReporter
}

// LogReporter reports step errors to a structured logger.
type LogReporter struct {
	Log logrus.FieldLogger
}

func (r LogReporter) Report(err error, fields map[string]any) {
	logx.OrDiscard(r.Log).WithFields(logrus.Fields(fields)).WithError(err).Error("flow step error")
}
