package quotes

import (
	"math/big"
	"sort"
	"strings"

	"github.com/ggonzalez94/swapflow/internal/config"
	"github.com/ggonzalez94/swapflow/internal/model"
)

// Metric scores a quote under sortBy so that larger is always better.
//
//	most-profit  buy USD - sell USD - gas USD
//	most-return  buy amount for sell orders, negated sell amount for buy orders
//	least-gas    negated gas USD
func Metric(q model.Quote, sortBy string, isBuyOrder bool) *big.Rat {
	switch sortBy {
	case config.SortMostReturn:
		if isBuyOrder {
			return new(big.Rat).Neg(decimalRat(q.SellAmount.AmountDecimal))
		}
		return decimalRat(q.BuyAmount.AmountDecimal)
	case config.SortLeastGas:
		return new(big.Rat).Neg(floatRat(q.EstimatedGasUSD))
	default:
		out := floatRat(q.BuyAmountUSD)
		out.Sub(out, floatRat(q.SellAmountUSD))
		return out.Sub(out, floatRat(q.EstimatedGasUSD))
	}
}

// Improvement is how much better candidate is than base under sortBy.
func Improvement(candidate, base model.Quote, sortBy string, isBuyOrder bool) *big.Rat {
	return new(big.Rat).Sub(Metric(candidate, sortBy, isBuyOrder), Metric(base, sortBy, isBuyOrder))
}

// Sort orders quotes best first. Quotes marked WillFail always sink below the
// ones expected to succeed. Ties keep source order.
func Sort(quotes []model.Quote, sortBy string, isBuyOrder bool) {
	metrics := make(map[int]*big.Rat, len(quotes))
	idx := make([]int, len(quotes))
	for i := range quotes {
		idx[i] = i
		metrics[i] = Metric(quotes[i], sortBy, isBuyOrder)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		qa, qb := quotes[idx[a]], quotes[idx[b]]
		if qa.WillFail != qb.WillFail {
			return !qa.WillFail
		}
		if cmp := metrics[idx[a]].Cmp(metrics[idx[b]]); cmp != 0 {
			return cmp > 0
		}
		return gasUnits(qa) < gasUnits(qb)
	})
	sorted := make([]model.Quote, len(quotes))
	for i, j := range idx {
		sorted[i] = quotes[j]
	}
	copy(quotes, sorted)
}

// Find returns the quote produced by swapperID.
func Find(quotes []model.Quote, swapperID string) (model.Quote, bool) {
	for _, q := range quotes {
		if strings.EqualFold(q.Swapper.ID, swapperID) {
			return q, true
		}
	}
	return model.Quote{}, false
}

// Successful drops quotes expected to revert.
func Successful(quotes []model.Quote) []model.Quote {
	out := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		if !q.WillFail {
			out = append(out, q)
		}
	}
	return out
}

// Executable keeps quotes that carry a transaction and are not expected to
// revert. Price-only quotes rank in listings but can never be executed.
func Executable(quotes []model.Quote) []model.Quote {
	out := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		if !q.WillFail && q.Tx != nil {
			out = append(out, q)
		}
	}
	return out
}

// MaxSellAmount is the largest max-sell amount across quotes, in base units.
func MaxSellAmount(quotes []model.Quote) *big.Int {
	best := new(big.Int)
	for _, q := range quotes {
		n, ok := new(big.Int).SetString(q.MaxSellAmount.AmountBaseUnits, 10)
		if ok && n.Cmp(best) > 0 {
			best = n
		}
	}
	return best
}

func decimalRat(v string) *big.Rat {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(v))
	if !ok {
		return new(big.Rat)
	}
	return r
}

func floatRat(v float64) *big.Rat {
	r := new(big.Rat)
	if r.SetFloat64(v) == nil {
		return new(big.Rat)
	}
	return r
}

func gasUnits(q model.Quote) uint64 {
	n, ok := new(big.Int).SetString(q.EstimatedGas, 10)
	if !ok || !n.IsUint64() {
		return ^uint64(0)
	}
	return n.Uint64()
}
