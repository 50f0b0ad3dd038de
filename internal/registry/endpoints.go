package registry

const (
	// Quote source endpoints.
	OneInchBaseURL = "https://api.1inch.dev"
	UniswapBaseURL = "https://trade-api.gateway.uniswap.org"
	FibrousBaseURL = "https://api.fibrous.finance"
)
