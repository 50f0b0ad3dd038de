// Package chain implements the flow collaborators on top of an EVM JSON-RPC
// endpoint: allowance reads, transaction submission, simulation, receipt
// tracking and Permit2 signing.
package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/model"
)

// Backend is the part of ethclient.Client the collaborators use.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, clierr.New(clierr.CodeUsage, "missing rpc url")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return client, nil
}

func callMsg(tx model.TxPayload) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(tx.To) {
		return ethereum.CallMsg{}, clierr.New(clierr.CodeUsage, "invalid transaction target")
	}
	data, err := decodeHex(tx.Data)
	if err != nil {
		return ethereum.CallMsg{}, clierr.Wrap(clierr.CodeUsage, "decode calldata", err)
	}
	value, err := parseValue(tx.Value)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	to := common.HexToAddress(tx.To)
	msg := ethereum.CallMsg{To: &to, Value: value, Data: data, Gas: tx.Gas}
	if common.IsHexAddress(tx.From) {
		msg.From = common.HexToAddress(tx.From)
	}
	return msg, nil
}

func parseValue(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(clean, "0x") {
		n, ok := new(big.Int).SetString(strings.TrimPrefix(clean, "0x"), 16)
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, "invalid transaction value")
		}
		return n, nil
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok || n.Sign() < 0 {
		return nil, clierr.New(clierr.CodeUsage, "invalid transaction value")
	}
	return n, nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

func parseBaseUnits(v, field string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok || n.Sign() < 0 {
		return nil, clierr.New(clierr.CodeUsage, "invalid "+field)
	}
	return n, nil
}
