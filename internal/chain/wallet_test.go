package chain

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/registry"
)

var testNow = time.Unix(1_900_000_000, 0)

func newTestWallet(t *testing.T, backend *fakeBackend, opts WalletOptions) (*Wallet, *LocalSigner) {
	t.Helper()
	signer := testSigner(t)
	if opts.ChainID == 0 {
		opts.ChainID = testChainID
	}
	if opts.DCAHub == "" {
		opts.DCAHub, _ = registry.DCAHub(testChainID)
	}
	opts.Now = func() time.Time { return testNow }
	return NewWallet(backend, signer, opts), signer
}

func signedPermit(t *testing.T, w *Wallet) *flow.PermitPayload {
	t.Helper()
	adapter, _ := registry.Permit2Adapter(testChainID)
	permit, err := w.SignPermit(context.Background(), flow.PermitPayload{
		Token:   model.Token{ChainID: testChainID, Address: testUSDC, Symbol: "USDC", Decimals: 6},
		Spender: adapter,
		Amount:  "100000000",
	})
	if err != nil {
		t.Fatalf("SignPermit failed: %v", err)
	}
	return &permit
}

func TestExecuteSwapSubmitsRouteTransaction(t *testing.T) {
	backend := newFakeBackend()
	w, signer := newTestWallet(t, backend, WalletOptions{})

	hash, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: testRoute("oneinch", "")})
	if err != nil {
		t.Fatalf("ExecuteSwap failed: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if hash != tx.Hash().Hex() {
		t.Fatalf("returned hash %s does not match broadcast %s", hash, tx.Hash().Hex())
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(testRouter) {
		t.Fatalf("unexpected target %v", tx.To())
	}
	if tx.Nonce() != 5 {
		t.Fatalf("expected pending nonce 5, got %d", tx.Nonce())
	}
	if tx.Gas() < 119_999 || tx.Gas() > 120_000 {
		t.Fatalf("expected gas limit with 1.2x headroom, got %d", tx.Gas())
	}
	if tx.GasTipCap().Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("unexpected tip cap %s", tx.GasTipCap())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(7_000_000_000)) != 0 {
		t.Fatalf("expected fee cap 2*base+tip, got %s", tx.GasFeeCap())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(testChainID)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != signer.Address() {
		t.Fatalf("expected sender %s, got %s", signer.Address().Hex(), sender.Hex())
	}
	if backend.calls[0].From != signer.Address() {
		t.Fatalf("expected simulation from the signer, got %s", backend.calls[0].From.Hex())
	}
}

func TestExecuteSwapWithPermitTargetsAdapter(t *testing.T) {
	for _, tc := range []struct {
		trade  string
		method string
	}{
		{trade: model.TradeTypeSell, method: "sellOrderSwap"},
		{trade: model.TradeTypeBuy, method: "buyOrderSwap"},
	} {
		t.Run(tc.trade, func(t *testing.T) {
			backend := newFakeBackend()
			w, _ := newTestWallet(t, backend, WalletOptions{})
			permit := signedPermit(t, w)

			if _, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: testRoute("oneinch", tc.trade), Permit: permit}); err != nil {
				t.Fatalf("ExecuteSwap failed: %v", err)
			}
			tx := backend.sent[0]
			if *tx.To() != common.HexToAddress(permit.Spender) {
				t.Fatalf("expected adapter target %s, got %s", permit.Spender, tx.To().Hex())
			}
			if !bytes.Equal(tx.Data()[:4], adapterABI.Methods[tc.method].ID) {
				t.Fatalf("expected %s selector, got %x", tc.method, tx.Data()[:4])
			}
		})
	}
}

func TestExecuteSwapWithoutRouteTransaction(t *testing.T) {
	w, _ := newTestWallet(t, newFakeBackend(), WalletOptions{})
	route := testRoute("oneinch", "")
	route.Tx = nil
	_, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: route})
	if !clierr.HasCode(err, clierr.CodeActionPlan) {
		t.Fatalf("expected action plan error, got %v", err)
	}
}

func TestSendFailsWhenSimulationReverts(t *testing.T) {
	backend := newFakeBackend()
	backend.revert(testRouter)
	w, _ := newTestWallet(t, backend, WalletOptions{})

	_, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: testRoute("oneinch", "")})
	if !clierr.HasCode(err, clierr.CodeActionSim) {
		t.Fatalf("expected simulation error, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatalf("reverting transaction must not be broadcast")
	}
}

func TestSendMapsRejectionToUserRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = rejectedError{}
	w, _ := newTestWallet(t, backend, WalletOptions{})

	_, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: testRoute("oneinch", "")})
	if !clierr.HasCode(err, clierr.CodeUserRejected) {
		t.Fatalf("expected user rejected error, got %v", err)
	}
	if !clierr.IsUserRejection(err) {
		t.Fatal("expected IsUserRejection to hold")
	}
}

func TestSendRejectsChainMismatch(t *testing.T) {
	w, _ := newTestWallet(t, newFakeBackend(), WalletOptions{ChainID: 1})
	_, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: testRoute("oneinch", "")})
	if err == nil || !strings.Contains(err.Error(), "chain mismatch") {
		t.Fatalf("expected chain mismatch error, got %v", err)
	}
}

func TestSendFallsBackToDefaultTip(t *testing.T) {
	backend := newFakeBackend()
	backend.tipErr = errConnRefused
	w, _ := newTestWallet(t, backend, WalletOptions{})

	if _, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: testRoute("oneinch", "")}); err != nil {
		t.Fatalf("ExecuteSwap failed: %v", err)
	}
	tx := backend.sent[0]
	if tx.GasTipCap().Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("expected 2 gwei fallback tip, got %s", tx.GasTipCap())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(8_000_000_000)) != 0 {
		t.Fatalf("expected fee cap 8 gwei, got %s", tx.GasFeeCap())
	}
}

func TestSendRejectsFeeCapBelowTip(t *testing.T) {
	w, _ := newTestWallet(t, newFakeBackend(), WalletOptions{MaxFeeGwei: "1", MaxPriorityFeeGwei: "2"})
	_, err := w.ExecuteSwap(context.Background(), flow.SwapExecution{Route: testRoute("oneinch", "")})
	if !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestApproveTokenPacksApproveCall(t *testing.T) {
	backend := newFakeBackend()
	w, _ := newTestWallet(t, backend, WalletOptions{})

	_, err := w.ApproveToken(context.Background(), flow.ApprovalPayload{
		Token:   model.Token{ChainID: testChainID, Address: testUSDC, Symbol: "USDC", Decimals: 6},
		Spender: registry.Permit2Address,
		Amount:  "100000000",
	})
	if err != nil {
		t.Fatalf("ApproveToken failed: %v", err)
	}
	tx := backend.sent[0]
	if *tx.To() != common.HexToAddress(testUSDC) {
		t.Fatalf("expected token target, got %s", tx.To().Hex())
	}
	values, err := erc20ABI.Methods["approve"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack approve: %v", err)
	}
	if values[0].(common.Address) != common.HexToAddress(registry.Permit2Address) {
		t.Fatalf("unexpected spender %v", values[0])
	}
	if values[1].(*big.Int).String() != "100000000" {
		t.Fatalf("unexpected amount %v", values[1])
	}
}

func TestExecuteCreatePositionPacksDeposit(t *testing.T) {
	backend := newFakeBackend()
	w, signer := newTestWallet(t, backend, WalletOptions{})

	_, err := w.ExecuteCreatePosition(context.Background(), flow.PositionExecution{
		From:            model.Token{ChainID: testChainID, Address: testUSDC, Decimals: 6},
		To:              model.Token{ChainID: testChainID, Address: testWETH, Decimals: 18},
		Amount:          "700000000",
		Swaps:           7,
		IntervalSeconds: 86_400,
	})
	if err != nil {
		t.Fatalf("ExecuteCreatePosition failed: %v", err)
	}
	tx := backend.sent[0]
	hub, _ := registry.DCAHub(testChainID)
	if *tx.To() != common.HexToAddress(hub) {
		t.Fatalf("expected hub target, got %s", tx.To().Hex())
	}
	values, err := dcaHubABI.Methods["deposit"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack deposit: %v", err)
	}
	if values[3].(uint32) != 7 || values[4].(uint32) != 86_400 {
		t.Fatalf("unexpected swaps/interval %v/%v", values[3], values[4])
	}
	if values[5].(common.Address) != signer.Address() {
		t.Fatalf("expected owner to default to the signer, got %v", values[5])
	}
}

func TestBuildDepositTxValidatesSchedule(t *testing.T) {
	hub, _ := registry.DCAHub(testChainID)
	exec := flow.PositionExecution{
		From:   model.Token{Address: testUSDC},
		To:     model.Token{Address: testWETH},
		Amount: "1",
		Owner:  testRouter,
	}
	if _, err := BuildDepositTx(exec, hub, testChainID); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for zero swaps, got %v", err)
	}
	exec.Swaps = 1
	exec.IntervalSeconds = 1 << 40
	if _, err := BuildDepositTx(exec, hub, testChainID); !clierr.HasCode(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for oversized interval, got %v", err)
	}
}

func TestBuildSwapTxRecipientDefaultsToOwner(t *testing.T) {
	w, signer := newTestWallet(t, newFakeBackend(), WalletOptions{})
	permit := signedPermit(t, w)

	tx, err := BuildSwapTx(flow.SwapExecution{Route: testRoute("oneinch", ""), Permit: permit}, signer.Address().Hex(), testChainID)
	if err != nil {
		t.Fatalf("BuildSwapTx failed: %v", err)
	}
	data, err := hexutil.Decode(tx.Data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	owner := common.LeftPadBytes(signer.Address().Bytes(), 32)
	if !bytes.Contains(data, owner) {
		t.Fatal("expected calldata to transfer output to the owner")
	}
}

func TestParseGwei(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1", want: "1000000000"},
		{in: "0.5", want: "500000000"},
		{in: "2.000000001", want: "2000000001"},
		{in: "0.0000000001", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
		{in: " ", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseGwei(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseGwei(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseGwei(%q) failed: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("parseGwei(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
