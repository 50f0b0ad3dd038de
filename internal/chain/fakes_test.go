package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/swapflow/internal/model"
)

const (
	testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"
	testUSDC       = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	testWETH       = "0x4200000000000000000000000000000000000006"
	testRouter     = "0x1111111254EEB25477B68fb85Ed929f73A960582"
	testChainID    = int64(8453)
)

// fakeBackend records calls and answers from canned values. Calls to a
// target listed in reverts fail with a revert error.
type fakeBackend struct {
	mu          sync.Mutex
	chainID     int64
	reverts     map[string]error
	callErr     error
	callOut     []byte
	estimate    uint64
	estimateErr error
	tipCap      *big.Int
	tipErr      error
	baseFee     *big.Int
	nonce       uint64
	sendErr     error
	sent        []*types.Transaction
	calls       []ethereum.CallMsg
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  testChainID,
		reverts:  map[string]error{},
		estimate: 100_000,
		tipCap:   big.NewInt(1_000_000_000),
		baseFee:  big.NewInt(3_000_000_000),
		nonce:    5,
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(b.chainID), nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, msg)
	if msg.To != nil {
		if err, ok := b.reverts[strings.ToLower(msg.To.Hex())]; ok {
			return nil, err
		}
	}
	if b.callErr != nil {
		return nil, b.callErr
	}
	return b.callOut, nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if b.tipErr != nil {
		return nil, b.tipErr
	}
	return b.tipCap, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: b.baseFee}, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (b *fakeBackend) revert(target string) {
	b.reverts[strings.ToLower(common.HexToAddress(target).Hex())] = revertError{msg: "execution reverted", data: "0x08c379a0"}
}

type revertError struct {
	msg  string
	data string
}

func (e revertError) Error() string          { return e.msg }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

type rejectedError struct{}

func (rejectedError) Error() string  { return "request declined" }
func (rejectedError) ErrorCode() int { return 4001 }

var errConnRefused = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

func testSigner(t *testing.T) *LocalSigner {
	t.Helper()
	s, err := NewLocalSigner(LocalSignerConfig{PrivateKeyHex: testPrivateKey})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	return s
}

func testRoute(swapper string, trade string) model.Quote {
	if trade == "" {
		trade = model.TradeTypeSell
	}
	return model.Quote{
		Source:        swapper,
		Swapper:       model.Swapper{ID: swapper, Name: swapper, AllowanceTarget: testRouter},
		ChainID:       testChainID,
		TradeType:     trade,
		SellToken:     model.Token{ChainID: testChainID, Address: testUSDC, Symbol: "USDC", Decimals: 6},
		BuyToken:      model.Token{ChainID: testChainID, Address: testWETH, Symbol: "WETH", Decimals: 18},
		SellAmount:    model.AmountInfo{AmountBaseUnits: "100000000", AmountDecimal: "100", Decimals: 6},
		MaxSellAmount: model.AmountInfo{AmountBaseUnits: "101000000", AmountDecimal: "101", Decimals: 6},
		BuyAmount:     model.AmountInfo{AmountBaseUnits: "40000000000000000", AmountDecimal: "0.04", Decimals: 18},
		MinBuyAmount:  model.AmountInfo{AmountBaseUnits: "39600000000000000", AmountDecimal: "0.0396", Decimals: 18},
		Tx:            &model.TxPayload{ChainID: testChainID, To: testRouter, Data: "0x12aa3caf", Value: "0"},
	}
}
