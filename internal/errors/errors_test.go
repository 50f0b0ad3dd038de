package errors

import (
	"fmt"
	"testing"
)

type walletRPCError struct {
	code int
}

func (e walletRPCError) Error() string  { return fmt.Sprintf("wallet error %d", e.code) }
func (e walletRPCError) ErrorCode() int { return e.code }

func TestExitCodeUsesTypedCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("expected 0 for nil error, got %d", got)
	}
	if got := ExitCode(New(CodeUsage, "bad input")); got != int(CodeUsage) {
		t.Fatalf("expected usage code, got %d", got)
	}
	if got := ExitCode(fmt.Errorf("plain")); got != int(CodeInternal) {
		t.Fatalf("expected internal code for untyped error, got %d", got)
	}
}

func TestHasCodeWalksWrappedChain(t *testing.T) {
	inner := New(CodeUserRejected, "declined")
	outer := Wrap(CodeSigner, "sign permit", inner)
	if !HasCode(outer, CodeUserRejected) {
		t.Fatal("expected nested user rejection code")
	}
	if HasCode(outer, CodeQuotesFailed) {
		t.Fatal("did not expect quotes failed code")
	}
}

func TestIsUserRejection(t *testing.T) {
	if !IsUserRejection(Wrap(CodeSigner, "approve", walletRPCError{code: 4001})) {
		t.Fatal("expected EIP-1193 4001 to be a user rejection")
	}
	if IsUserRejection(walletRPCError{code: -32000}) {
		t.Fatal("did not expect generic rpc error to be a rejection")
	}
	if !IsUserRejection(fmt.Errorf("MetaMask Tx Signature: User denied transaction signature")) {
		t.Fatal("expected denied message to be a rejection")
	}
	if IsUserRejection(nil) {
		t.Fatal("nil is not a rejection")
	}
}
