package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/swapflow/internal/config"
	clierr "github.com/ggonzalez94/swapflow/internal/errors"
	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/id"
	"github.com/ggonzalez94/swapflow/internal/model"
	"github.com/ggonzalez94/swapflow/internal/providers"
	"github.com/ggonzalez94/swapflow/internal/quotes"
)

type tradeArgs struct {
	chainArg      string
	fromArg       string
	toArg         string
	amountBase    string
	amountDecimal string
	buy           bool
	recipient     string
	fromAddress   string
	slippage      float64
	sortBy        string
	rpcURL        string
}

// trade is a parsed swap input: the form the flow starts from and the quote
// request that prices it.
type trade struct {
	chain   id.Chain
	form    flow.Form
	request quotes.Request
}

func addTradeFlags(cmd *cobra.Command, args *tradeArgs) {
	cmd.Flags().StringVar(&args.chainArg, "chain", "", "Chain identifier")
	cmd.Flags().StringVar(&args.fromArg, "from", "", "Token to sell (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&args.toArg, "to", "", "Token to buy (symbol/address/CAIP-19)")
	cmd.Flags().StringVar(&args.amountBase, "amount", "", "Amount in base units")
	cmd.Flags().StringVar(&args.amountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().BoolVar(&args.buy, "buy", false, "Treat the amount as the exact amount to buy")
	cmd.Flags().StringVar(&args.recipient, "recipient", "", "Send the bought tokens to this address")
	cmd.Flags().StringVar(&args.fromAddress, "from-address", "", "Wallet address that will submit the swap")
	cmd.Flags().Float64Var(&args.slippage, "slippage", -1, "Slippage tolerance percent (defaults to settings)")
	cmd.Flags().StringVar(&args.sortBy, "sort", "", "Quote ranking (most-profit|most-return|least-gas)")
	cmd.Flags().StringVar(&args.rpcURL, "rpc-url", "", "RPC URL override for the selected chain")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func (s *runtimeState) parseTrade(args tradeArgs) (trade, error) {
	chain, err := id.ParseChain(args.chainArg)
	if err != nil {
		return trade{}, err
	}
	if chain.EVMChainID == 0 {
		return trade{}, clierr.New(clierr.CodeUnsupported, "swaps require an EVM chain")
	}
	sell, err := id.ParseAsset(args.fromArg, chain)
	if err != nil {
		return trade{}, err
	}
	buy, err := id.ParseAsset(args.toArg, chain)
	if err != nil {
		return trade{}, err
	}
	if strings.EqualFold(sell.Address, buy.Address) {
		return trade{}, clierr.New(clierr.CodeUsage, "--from and --to must be different tokens")
	}

	sell, buy = withDefaultDecimals(sell), withDefaultDecimals(buy)

	fixed := sell
	if args.buy {
		fixed = buy
	}
	base, decimal, err := id.NormalizeAmount(args.amountBase, args.amountDecimal, fixed.Decimals)
	if err != nil {
		return trade{}, err
	}
	if id.IsZero(base) {
		return trade{}, clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}

	sortBy := s.settings.SortBy
	if v := strings.ToLower(strings.TrimSpace(args.sortBy)); v != "" {
		if err := config.ValidateSort(v); err != nil {
			return trade{}, clierr.Wrap(clierr.CodeUsage, "parse --sort", err)
		}
		sortBy = v
	}
	slippage := s.settings.SlippagePct
	if args.slippage >= 0 {
		if args.slippage >= 100 {
			return trade{}, clierr.New(clierr.CodeUsage, "--slippage must be in [0, 100)")
		}
		slippage = args.slippage
	}
	recipient := strings.TrimSpace(args.recipient)
	if recipient != "" && !common.IsHexAddress(recipient) {
		return trade{}, clierr.New(clierr.CodeUsage, "--recipient must be an EVM address")
	}
	taker := strings.TrimSpace(args.fromAddress)
	if taker != "" && !common.IsHexAddress(taker) {
		return trade{}, clierr.New(clierr.CodeUsage, "--from-address must be an EVM address")
	}

	form := flow.Form{
		From:       providers.TokenFromAsset(chain, sell),
		To:         providers.TokenFromAsset(chain, buy),
		IsBuyOrder: args.buy,
		TransferTo: recipient,
	}
	if args.buy {
		form.ToValue = decimal
	} else {
		form.FromValue = decimal
	}
	return trade{
		chain: chain,
		form:  form,
		request: quotes.Request{
			SwapQuoteRequest: providers.SwapQuoteRequest{
				Chain:           chain,
				SellAsset:       sell,
				BuyAsset:        buy,
				AmountBaseUnits: base,
				IsBuyOrder:      args.buy,
				SlippagePct:     slippage,
				Taker:           taker,
				Recipient:       recipient,
				RPCURL:          strings.TrimSpace(args.rpcURL),
			},
			SortBy:          sortBy,
			DisabledSources: s.settings.DisabledSources,
			SourceTimeout:   s.settings.SourceTimeout,
		},
	}, nil
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var args tradeArgs
	var limit int
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Rank swap quotes from every enabled source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s.resetCommandDiagnostics()
			t, err := s.parseTrade(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			res, cacheStatus, err := s.quoteCache.FetchQuotesWithStatus(ctx, t.request)
			warnings := failureWarnings(res)
			partial := res.Partial()
			s.captureCommandDiagnostics(warnings, res.Statuses, partial)
			if err != nil {
				return err
			}
			if len(quotes.Successful(res.Quotes)) == 0 {
				return clierr.New(clierr.CodeQuotesFailed, "no quote source returned a usable route")
			}
			if partial && s.settings.Strict {
				return clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
			}
			data := res.Quotes
			if limit > 0 && len(data) > limit {
				data = data[:limit]
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, warnings, cacheStatus, res.Statuses, partial)
		},
	}
	addTradeFlags(cmd, &args)
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum quotes to return (0 = all)")
	return cmd
}

// withDefaultDecimals assumes 18 decimals for tokens missing from the
// registry.
func withDefaultDecimals(asset id.Asset) id.Asset {
	if asset.Decimals <= 0 {
		asset.Decimals = 18
	}
	return asset
}

// failureWarnings describes every source dropped from res, sorted by name.
func failureWarnings(res quotes.Result) []string {
	if len(res.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	warnings := make([]string, 0, len(names))
	for _, name := range names {
		warnings = append(warnings, fmt.Sprintf("provider %s failed: %v", name, res.Failed[name]))
	}
	return warnings
}

// pickRoute returns the best executable quote, or the one from swapperID
// when given.
func pickRoute(candidates []model.Quote, swapperID string) (model.Quote, error) {
	executable := quotes.Executable(candidates)
	swapperID = strings.TrimSpace(swapperID)
	if swapperID != "" {
		if route, ok := quotes.Find(executable, swapperID); ok {
			return route, nil
		}
		if route, ok := quotes.Find(candidates, swapperID); ok && route.Tx == nil && !route.WillFail {
			return model.Quote{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("route %s quotes prices only and cannot be executed", swapperID))
		}
		return model.Quote{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("route %s was not quoted or is expected to fail", swapperID))
	}
	if len(executable) == 0 {
		return model.Quote{}, clierr.New(clierr.CodeQuotesFailed, "no quote source returned an executable route")
	}
	return executable[0], nil
}
