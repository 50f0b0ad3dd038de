package providers

import "testing"

func TestWithSlippage(t *testing.T) {
	down, err := WithSlippage("1000000", 0.5, false)
	if err != nil {
		t.Fatalf("WithSlippage failed: %v", err)
	}
	if down != "995000" {
		t.Fatalf("unexpected min amount: %s", down)
	}
	up, err := WithSlippage("1000000", 0.5, true)
	if err != nil {
		t.Fatalf("WithSlippage failed: %v", err)
	}
	if up != "1005000" {
		t.Fatalf("unexpected max amount: %s", up)
	}
	if _, err := WithSlippage("abc", 1, false); err == nil {
		t.Fatal("expected invalid amount error")
	}
	if _, err := WithSlippage("1", 100, false); err == nil {
		t.Fatal("expected slippage range error")
	}
}
