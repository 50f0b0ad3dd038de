package registry

// ABI fragments used by the quote sources and chain collaborators.
const (
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"Transfer","type":"event","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
	]`

	UniswapV3QuoterV2ABI = `[
		{"name":"quoteExactInputSingle","type":"function","stateMutability":"nonpayable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"fee","type":"uint24"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountOut","type":"uint256"},{"name":"sqrtPriceX96After","type":"uint160"},{"name":"initializedTicksCrossed","type":"uint32"},{"name":"gasEstimate","type":"uint256"}]},
		{"name":"quoteExactOutputSingle","type":"function","stateMutability":"nonpayable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"amount","type":"uint256"},{"name":"fee","type":"uint24"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountIn","type":"uint256"},{"name":"sqrtPriceX96After","type":"uint160"},{"name":"initializedTicksCrossed","type":"uint32"},{"name":"gasEstimate","type":"uint256"}]}
	]`

	UniswapV3RouterABI = `[
		{"name":"exactInputSingle","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountOut","type":"uint256"}]},
		{"name":"exactOutputSingle","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"amountOut","type":"uint256"},{"name":"amountInMaximum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],"outputs":[{"name":"amountIn","type":"uint256"}]}
	]`

	// Permit2AdapterABI routes a Permit2-authorised transfer into an arbitrary
	// swapper call in a single transaction.
	Permit2AdapterABI = `[
		{"name":"sellOrderSwap","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"deadline","type":"uint256"},{"name":"tokenIn","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"},{"name":"allowanceTarget","type":"address"},{"name":"swapper","type":"address"},{"name":"swapData","type":"bytes"},{"name":"tokenOut","type":"address"},{"name":"minAmountOut","type":"uint256"},{"name":"transferOut","type":"tuple[]","components":[{"name":"recipient","type":"address"},{"name":"shareBps","type":"uint256"}]}]}],"outputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOut","type":"uint256"}]},
		{"name":"buyOrderSwap","type":"function","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[{"name":"deadline","type":"uint256"},{"name":"tokenIn","type":"address"},{"name":"maxAmountIn","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"signature","type":"bytes"},{"name":"allowanceTarget","type":"address"},{"name":"swapper","type":"address"},{"name":"swapData","type":"bytes"},{"name":"tokenOut","type":"address"},{"name":"amountOut","type":"uint256"},{"name":"transferOut","type":"tuple[]","components":[{"name":"recipient","type":"address"},{"name":"shareBps","type":"uint256"}]},{"name":"unspentTokenInRecipient","type":"address"}]}],"outputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOut","type":"uint256"}]}
	]`

	DCAHubABI = `[
		{"name":"deposit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"amountOfSwaps","type":"uint32"},{"name":"swapInterval","type":"uint32"},{"name":"owner","type":"address"},{"name":"permissions","type":"tuple[]","components":[{"name":"operator","type":"address"},{"name":"permissions","type":"uint8[]"}]}],"outputs":[{"name":"positionId","type":"uint256"}]}
	]`
)
