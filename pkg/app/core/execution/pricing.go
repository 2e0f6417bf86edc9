package execution

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/marketdata"
)

// priceScale is the precision fill prices and commissions are kept at.
const priceScale = 4

// SlippageFraction returns min(slippage_factor·Q, market_impact_factor·√Q).
func (c Config) SlippageFraction(qty decimal.Decimal) decimal.Decimal {
	linear := c.SlippageFactor.Mul(qty)
	q, _ := qty.Float64()
	impact := c.MarketImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(q)))
	return decimal.Min(linear, impact)
}

// MarketPrice returns the price a market order of qty fills at against ref
// (ask for buys, bid for sells). Buys pay up and sells receive less; the
// adjustment is truncated so a buy never exceeds ref·(1+slippage_factor·Q).
func (c Config) MarketPrice(side account.Side, ref, qty decimal.Decimal) decimal.Decimal {
	adj := ref.Mul(c.SlippageFraction(qty)).Truncate(priceScale)
	if side == account.Buy {
		return ref.Add(adj)
	}
	return ref.Sub(adj)
}

// Commission returns Q·commission_per_share raised to min_commission and then
// capped at max_commission_pct of notional. The cap wins over the minimum.
func (c Config) Commission(qty, notional decimal.Decimal) decimal.Decimal {
	comm := decimal.Max(qty.Mul(c.CommissionPerShare), c.MinCommission)
	if c.MaxCommissionPct.IsPositive() {
		comm = decimal.Min(comm, notional.Abs().Mul(c.MaxCommissionPct))
	}
	return comm.Truncate(priceScale)
}

func dec(v float64) decimal.Decimal {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// touch returns the side of the quote an order of side executes against and
// the size displayed there.
func touch(side account.Side, q marketdata.Quote) (price, size decimal.Decimal) {
	if side == account.Buy {
		return dec(q.Ask), dec(q.AskSize)
	}
	return dec(q.Bid), dec(q.BidSize)
}

// limitCrosses reports whether a limit order can trade at the touch price.
func limitCrosses(side account.Side, limit, price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	if side == account.Buy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// limitFillPrice is the slipped touch price bounded by the limit.
func (c Config) limitFillPrice(side account.Side, limit, price, qty decimal.Decimal) decimal.Decimal {
	p := c.MarketPrice(side, price, qty)
	if side == account.Buy {
		return decimal.Min(p, limit)
	}
	return decimal.Max(p, limit)
}

// stopTriggered reports whether the last trade sets off a stop: buys when
// last >= stop, sells when last <= stop.
func stopTriggered(side account.Side, stop, last decimal.Decimal) bool {
	if !last.IsPositive() {
		return false
	}
	if side == account.Buy {
		return last.GreaterThanOrEqual(stop)
	}
	return last.LessThanOrEqual(stop)
}
