package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
)

// Summary is the account-level figure set reported by REQ_ACCT_DATA and the
// admin API.
type Summary struct {
	Account            string
	Currency           string
	NetLiquidation     decimal.Decimal
	TotalCashValue     decimal.Decimal
	GrossPositionValue decimal.Decimal
	BuyingPower        decimal.Decimal
	AvailableFunds     decimal.Decimal
	UnrealizedPnL      decimal.Decimal
	RealizedPnL        decimal.Decimal
	Commissions        decimal.Decimal
	UpdatedAt          time.Time
}

// Mark returns the price positions in conID are valued at: last trade, or
// the quote midpoint when there is none.
func (e *Engine) Mark(conID int64) (decimal.Decimal, bool) {
	q, err := e.quotes.CurrentQuote(conID)
	if err != nil {
		return decimal.Zero, false
	}
	if m := dec(q.Last); m.IsPositive() {
		return m, true
	}
	if m := dec(q.Mid()); m.IsPositive() {
		return m, true
	}
	return decimal.Zero, false
}

// Marks prices every open position of acc
func (e *Engine) Marks(acc *account.Account) map[int64]decimal.Decimal {
	marks := make(map[int64]decimal.Decimal, len(acc.Positions))
	for id, p := range acc.Positions {
		if p.Qty.IsZero() {
			continue
		}
		if m, ok := e.Mark(id); ok {
			marks[id] = m
		}
	}
	return marks
}

// committed returns the notional reserved by working buy orders.
func (e *Engine) committed(acc *account.Account) decimal.Decimal {
	total := decimal.Zero
	for _, o := range acc.WorkingOrders() {
		if o.Side != account.Buy {
			continue
		}
		price := o.LimitPrice
		if o.Type == account.Stop {
			price = o.StopPrice
		}
		n := o.Remaining().Mul(price)
		if c, err := e.contracts.GetContract(o.ConID); err == nil {
			n = n.Mul(decimal.NewFromInt(c.Multiplier))
		}
		total = total.Add(n)
	}
	return total
}

// buyingPower is cash × multiplier less working buy notional and gross
// position value.
func (e *Engine) buyingPower(acc *account.Account) decimal.Decimal {
	return acc.Cash.Mul(e.cfg.BuyingPowerMultiplier).
		Sub(e.committed(acc)).
		Sub(acc.GrossPositionValue(e.Marks(acc)))
}

// Summarize computes the account figures for a committed snapshot.
func (e *Engine) Summarize(acc *account.Account) Summary {
	marks := e.Marks(acc)
	bp := e.buyingPower(acc)
	return Summary{
		Account:            acc.Code,
		Currency:           acc.BaseCurrency,
		NetLiquidation:     acc.NetLiquidation(marks),
		TotalCashValue:     acc.Cash,
		GrossPositionValue: acc.GrossPositionValue(marks),
		BuyingPower:        bp,
		AvailableFunds:     bp.Div(e.cfg.BuyingPowerMultiplier),
		UnrealizedPnL:      acc.UnrealizedPnL(marks),
		RealizedPnL:        acc.RealizedPnL,
		Commissions:        acc.Commissions,
		UpdatedAt:          acc.UpdatedAt,
	}
}

// Summary loads the committed state of acct and summarizes it
func (e *Engine) Summary(acct string) (Summary, error) {
	acc, err := e.ledger.Snapshot(acct)
	if err != nil {
		return Summary{}, err
	}
	return e.Summarize(acc), nil
}
