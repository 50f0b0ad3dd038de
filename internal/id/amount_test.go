package id

import "testing"

func TestNormalizeAmountBaseUnits(t *testing.T) {
	base, dec, err := NormalizeAmount("1000000", "", 6)
	if err != nil {
		t.Fatalf("NormalizeAmount failed: %v", err)
	}
	if base != "1000000" || dec != "1" {
		t.Fatalf("unexpected result: base=%s dec=%s", base, dec)
	}
}

func TestNormalizeAmountDecimal(t *testing.T) {
	base, dec, err := NormalizeAmount("", "1.25", 6)
	if err != nil {
		t.Fatalf("NormalizeAmount failed: %v", err)
	}
	if base != "1250000" || dec != "1.25" {
		t.Fatalf("unexpected result: base=%s dec=%s", base, dec)
	}
}

func TestNormalizeAmountValidation(t *testing.T) {
	if _, _, err := NormalizeAmount("10", "1", 6); err == nil {
		t.Fatal("expected mutual exclusivity error")
	}
	if _, _, err := NormalizeAmount("", "1.1234567", 6); err == nil {
		t.Fatal("expected precision error")
	}
	if got := FormatDecimal("0", 6); got != "0" {
		t.Fatalf("unexpected zero format: %s", got)
	}
}

func TestIsZeroAndAmountInfo(t *testing.T) {
	if !IsZero("") || !IsZero("0") || !IsZero("abc") {
		t.Fatal("expected empty, zero and malformed amounts to be zero")
	}
	if IsZero("1") {
		t.Fatal("did not expect 1 to be zero")
	}
	info := AmountInfo("1500000000000000000", 18)
	if info.AmountDecimal != "1.5" || info.Decimals != 18 {
		t.Fatalf("unexpected amount info: %+v", info)
	}
}
