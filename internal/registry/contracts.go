package registry

import "strings"

// Permit2Address is the canonical Permit2 deployment, identical on every
// supported chain.
const Permit2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

// Permit2 signatures expire this many seconds after signing.
const Permit2DeadlineSeconds = 30 * 60

var permit2AdapterByChainID = map[int64]string{
	1:     "0xED306e38BB930ec9646FF3D917B2e513a97530b1",
	10:    "0xED306e38BB930ec9646FF3D917B2e513a97530b1",
	137:   "0xED306e38BB930ec9646FF3D917B2e513a97530b1",
	8453:  "0xED306e38BB930ec9646FF3D917B2e513a97530b1",
	42161: "0xED306e38BB930ec9646FF3D917B2e513a97530b1",
}

var dcaHubByChainID = map[int64]string{
	1:     "0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345",
	10:    "0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345",
	137:   "0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345",
	8453:  "0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345",
	42161: "0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345",
}

// Canonical Uniswap V3 QuoterV2 and SwapRouter02 deployments used by the
// on-chain quote source.
var uniswapV3ContractsByChainID = map[int64]struct {
	QuoterV2 string
	Router   string
}{
	1:     {QuoterV2: "0x61fFE014bA17989E743c5F6cB21bF9697530B21e", Router: "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"},
	10:    {QuoterV2: "0x61fFE014bA17989E743c5F6cB21bF9697530B21e", Router: "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"},
	137:   {QuoterV2: "0x61fFE014bA17989E743c5F6cB21bF9697530B21e", Router: "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"},
	8453:  {QuoterV2: "0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a", Router: "0x2626664c2603336E57B271c5C0b26F421741e481"},
	42161: {QuoterV2: "0x61fFE014bA17989E743c5F6cB21bF9697530B21e", Router: "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"},
}

// Wrapped native tokens, used when an on-chain route starts or ends at the
// native gas token.
var wrappedNativeByChainID = map[int64]string{
	1:     "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	10:    "0x4200000000000000000000000000000000000006",
	137:   "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270",
	8453:  "0x4200000000000000000000000000000000000006",
	42161: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
}

func Permit2Adapter(chainID int64) (string, bool) {
	value, ok := permit2AdapterByChainID[chainID]
	return value, ok
}

// SupportsPermit2 reports whether swaps on chainID can be routed through the
// Permit2 adapter instead of a per-swapper approval.
func SupportsPermit2(chainID int64) bool {
	_, ok := permit2AdapterByChainID[chainID]
	return ok
}

func DCAHub(chainID int64) (string, bool) {
	value, ok := dcaHubByChainID[chainID]
	return value, ok
}

func UniswapV3Contracts(chainID int64) (quoterV2 string, router string, ok bool) {
	contracts, ok := uniswapV3ContractsByChainID[chainID]
	if !ok {
		return "", "", false
	}
	return contracts.QuoterV2, contracts.Router, true
}

func WrappedNative(chainID int64) (string, bool) {
	value, ok := wrappedNativeByChainID[chainID]
	return value, ok
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
