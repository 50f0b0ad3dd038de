package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/logx"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultStepTimeout  = 2 * time.Minute
)

// Tracker polls for a transaction receipt until it lands or the timeout
// expires. Transient RPC failures while polling are ignored.
type Tracker struct {
	backend      Backend
	pollInterval time.Duration
	timeout      time.Duration
	log          logrus.FieldLogger
}

var _ flow.Tracker = (*Tracker)(nil)

func NewTracker(backend Backend, pollInterval, timeout time.Duration, log logrus.FieldLogger) *Tracker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Tracker{backend: backend, pollInterval: pollInterval, timeout: timeout, log: logx.OrDiscard(log)}
}

func (t *Tracker) Wait(ctx context.Context, txHash string) (flow.Receipt, error) {
	if len(txHash) != 66 {
		return flow.Receipt{}, clierr.New(clierr.CodeUsage, "invalid transaction hash "+txHash)
	}
	hash := common.HexToHash(txHash)
	log := t.log.WithField(logx.FieldTxHash, txHash)

	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			out := flow.Receipt{Status: flow.ReceiptMined, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				out.Status = flow.ReceiptReverted
			}
			log.WithField("status", out.Status).Debug("receipt found")
			return out, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.WithError(err).Debug("receipt poll failed")
		}
		select {
		case <-waitCtx.Done():
			return flow.Receipt{}, clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
