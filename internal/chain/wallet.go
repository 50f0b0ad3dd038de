package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/logx"
	"github.com/ggonzalez94/swapflow/internal/model"
)

type WalletOptions struct {
	ChainID            int64
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	// DCAHub receives create-position deposits.
	DCAHub string
	Log    logrus.FieldLogger
	Now    func() time.Time
}

// Wallet submits transactions and signs permits with a local key.
type Wallet struct {
	backend Backend
	signer  Signer
	opts    WalletOptions
	log     logrus.FieldLogger
}

var _ flow.Wallet = (*Wallet)(nil)

func NewWallet(backend Backend, signer Signer, opts WalletOptions) *Wallet {
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Wallet{backend: backend, signer: signer, opts: opts, log: logx.OrDiscard(opts.Log)}
}

func (w *Wallet) Address() string {
	return w.signer.Address().Hex()
}

// SupportsPermitSigning is always true for a local key.
func (w *Wallet) SupportsPermitSigning() bool {
	return true
}

func (w *Wallet) ApproveToken(ctx context.Context, approval flow.ApprovalPayload) (string, error) {
	tx, err := BuildApproveTx(approval, w.Address(), w.opts.ChainID)
	if err != nil {
		return "", err
	}
	return w.send(ctx, tx, "approve")
}

func (w *Wallet) SignPermit(_ context.Context, permit flow.PermitPayload) (flow.PermitPayload, error) {
	return SignPermit(w.signer, w.opts.ChainID, permit, w.opts.Now())
}

func (w *Wallet) ExecuteSwap(ctx context.Context, exec flow.SwapExecution) (string, error) {
	tx, err := BuildSwapTx(exec, w.Address(), w.opts.ChainID)
	if err != nil {
		return "", err
	}
	return w.send(ctx, tx, "swap")
}

func (w *Wallet) ExecuteCreatePosition(ctx context.Context, exec flow.PositionExecution) (string, error) {
	if exec.Owner == "" {
		exec.Owner = w.Address()
	}
	tx, err := BuildDepositTx(exec, w.opts.DCAHub, w.opts.ChainID)
	if err != nil {
		return "", err
	}
	return w.send(ctx, tx, "deposit")
}

// send simulates, prices, signs and broadcasts tx. It returns once the
// transaction is accepted by the node; waiting is the tracker's job.
func (w *Wallet) send(ctx context.Context, payload model.TxPayload, label string) (string, error) {
	chainID, err := w.backend.ChainID(ctx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if w.opts.ChainID != 0 && chainID.Int64() != w.opts.ChainID {
		return "", clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc chain mismatch: expected %d, got %d", w.opts.ChainID, chainID.Int64()))
	}
	payload.From = w.Address()
	msg, err := callMsg(payload)
	if err != nil {
		return "", err
	}

	if _, err := w.backend.CallContract(ctx, msg, nil); err != nil {
		return "", clierr.Wrap(clierr.CodeActionSim, "simulate "+label+" (eth_call)", err)
	}
	gasLimit, err := w.backend.EstimateGas(ctx, msg)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * w.opts.GasMultiplier)

	tipCap, err := w.resolveTipCap(ctx)
	if err != nil {
		return "", err
	}
	header, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, w.opts.MaxFeeGwei)
	if err != nil {
		return "", err
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.signer.Address())
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        msg.To,
		Value:     msg.Value,
		Data:      msg.Data,
	})
	signed, err := w.signer.SignTx(chainID, tx)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		if clierr.IsUserRejection(err) {
			return "", clierr.Wrap(clierr.CodeUserRejected, "transaction rejected", err)
		}
		return "", clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	hash := signed.Hash().Hex()
	w.log.WithFields(logrus.Fields{
		logx.FieldTxHash: hash,
		logx.FieldChain:  chainID.Int64(),
		"kind":           label,
		"nonce":          nonce,
		"gas":            gasLimit,
	}).Info("transaction broadcast")
	return hash, nil
}

func (w *Wallet) resolveTipCap(ctx context.Context) (*big.Int, error) {
	if strings.TrimSpace(w.opts.MaxPriorityFeeGwei) != "" {
		v, err := parseGwei(w.opts.MaxPriorityFeeGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tipCap), nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}
