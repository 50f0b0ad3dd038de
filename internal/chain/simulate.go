package chain

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

const maxParallelSimulations = 4

// Simulator dry-runs transactions with eth_call against the latest block.
type Simulator struct {
	backend Backend
	chainID int64
	log     logrus.FieldLogger
}

var _ flow.Simulator = (*Simulator)(nil)

func NewSimulator(backend Backend, chainID int64, log logrus.FieldLogger) *Simulator {
	return &Simulator{backend: backend, chainID: chainID, log: logx.OrDiscard(log)}
}

// SimulateTransaction reports will_fail when the node reverts the call and
// returns an error when the node could not answer at all.
func (s *Simulator) SimulateTransaction(ctx context.Context, tx model.TxPayload, hasTransfer bool) (flow.SimulationResult, error) {
	msg, err := callMsg(tx)
	if err != nil {
		return flow.SimulationResult{}, err
	}
	log := s.log.WithFields(logrus.Fields{logx.FieldChain: s.chainID, "has_transfer": hasTransfer})
	if _, err := s.backend.CallContract(ctx, msg, nil); err != nil {
		if reason, ok := revertReason(err); ok {
			log.WithField("reason", reason).Info("simulation reverted")
			return flow.SimulationResult{Outcome: flow.SimulationWillFail, Reason: reason}, nil
		}
		return flow.SimulationResult{}, clierr.Wrap(clierr.CodeUnavailable, "simulate transaction", err)
	}
	gas, err := s.backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return flow.SimulationResult{Outcome: flow.SimulationWillFail, Reason: reason}, nil
		}
		log.WithError(err).Debug("gas estimate unavailable after successful call")
	}
	return flow.SimulationResult{Outcome: flow.SimulationOK, GasUsed: gas}, nil
}

// SimulateQuotes dry-runs every quote's transaction for req.Owner, wrapping
// it in the permit adapter call when a signed permit is present. Quotes
// whose simulation reverts are marked WillFail. If no quote could be
// simulated at all the error is returned and the caller keeps its input.
func (s *Simulator) SimulateQuotes(ctx context.Context, req flow.SimulateQuotesRequest) ([]model.Quote, error) {
	out := make([]model.Quote, len(req.Quotes))
	for i, q := range req.Quotes {
		out[i] = q.Clone()
	}

	var (
		mu       sync.Mutex
		failures int
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSimulations)
	for i := range out {
		if out[i].Tx == nil {
			continue
		}
		g.Go(func() error {
			tx, err := BuildSwapTx(flow.SwapExecution{Route: out[i], Permit: req.Permit}, req.Owner, s.chainID)
			if err == nil {
				var res flow.SimulationResult
				res, err = s.SimulateTransaction(gctx, tx, false)
				if err == nil {
					out[i].WillFail = res.Outcome == flow.SimulationWillFail
					if res.GasUsed > 0 {
						out[i].EstimatedGas = strconv.FormatUint(res.GasUsed, 10)
					}
					return nil
				}
			}
			mu.Lock()
			failures++
			lastErr = err
			mu.Unlock()
			s.log.WithError(err).WithField(logx.FieldSource, out[i].Swapper.ID).Debug("quote simulation unavailable")
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	simulated := 0
	for _, q := range out {
		if q.Tx != nil {
			simulated++
		}
	}
	if simulated > 0 && failures == simulated {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "simulate quotes", lastErr)
	}
	quotes.Sort(out, req.SortBy, req.IsBuyOrder)
	return out, nil
}

// revertReason reports whether err is an execution revert rather than a
// transport failure.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data != "" {
			return dataErr.Error() + " " + data, true
		}
		return dataErr.Error(), true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "revert") || strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "gas required exceeds") {
		return err.Error(), true
	}
	return "", false
}
