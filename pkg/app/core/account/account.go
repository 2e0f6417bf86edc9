package account

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side int8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for buys and -1 for sells
func (s Side) Sign() int64 {
	if s == Sell {
		return -1
	}
	return 1
}

// ExecSide is the execution-report spelling ("BOT" / "SLD").
func (s Side) ExecSide() string {
	if s == Sell {
		return "SLD"
	}
	return "BOT"
}

// OrderType is the execution style of an order
type OrderType string

const (
	Market OrderType = "MKT"
	Limit  OrderType = "LMT"
	Stop   OrderType = "STP"
)

// OrderState represents the lifecycle state of an order
type OrderState int8

const (
	Submitted OrderState = iota
	Working
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

func (s OrderState) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Working:
		return "working"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal returns true if the order can no longer change
func (s OrderState) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// Order is one order as the ledger records it. Orders are never deleted.
type Order struct {
	ID        int64
	PermID    int64
	ClientID  int
	SessionID string
	Account   string

	ConID  int64
	Symbol string
	Side   Side
	Type   OrderType
	Qty    decimal.Decimal

	LimitPrice decimal.Decimal // LMT only
	StopPrice  decimal.Decimal // STP only

	// Echoed back to the client untouched
	TIF      string
	OrderRef string

	State        OrderState
	Triggered    bool // stop order has triggered and now executes as market
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fills        []Fill

	RejectCode   int
	RejectReason string

	// Seq orders submissions within an account for time priority
	Seq         uint64
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.Filled)
}

// IsWorking returns true if the order rests waiting for a price
func (o *Order) IsWorking() bool {
	return o.State == Working || o.State == PartiallyFilled
}

func (o *Order) clone() *Order {
	c := *o
	c.Fills = append([]Fill(nil), o.Fills...)
	return &c
}

// Fill is one execution. Immutable once recorded.
type Fill struct {
	OrderID     int64
	ExecID      string
	ConID       int64
	Symbol      string
	Side        Side
	Qty         decimal.Decimal
	Price       decimal.Decimal
	Multiplier  decimal.Decimal // contract multiplier; zero means 1
	Commission  decimal.Decimal
	RealizedPnL decimal.Decimal // set by the ledger when the fill reduces a position
	Time        time.Time
}

// Notional returns qty × price × multiplier
func (f Fill) Notional() decimal.Decimal {
	n := f.Qty.Mul(f.Price)
	if !f.Multiplier.IsZero() {
		n = n.Mul(f.Multiplier)
	}
	return n
}

// Position is the signed holding in one contract.
//
// CostBasis is the signed money paid for the open quantity; it grows by
// qty × price on increasing fills and shrinks proportionally on reducing
// fills, so the cash identity holds exactly.
type Position struct {
	ConID       int64
	Symbol      string
	Qty         decimal.Decimal
	CostBasis   decimal.Decimal
	Multiplier  decimal.Decimal
	RealizedPnL decimal.Decimal
}

// AvgCost returns cost per unit of the open quantity (zero when flat)
func (p *Position) AvgCost() decimal.Decimal {
	if p.Qty.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.Div(p.Qty)
}

// MarketValue returns qty × mark × multiplier
func (p *Position) MarketValue(mark decimal.Decimal) decimal.Decimal {
	v := p.Qty.Mul(mark)
	if !p.Multiplier.IsZero() {
		v = v.Mul(p.Multiplier)
	}
	return v
}

// UnrealizedPnL computes profit/loss of the open quantity at mark
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return p.MarketValue(mark).Sub(p.CostBasis)
}

// apply books a signed fill quantity at price and returns the realized P&L.
// Crossing through zero closes the old position and opens the remainder at
// the fill price.
func (p *Position) apply(signed, unitCost decimal.Decimal) decimal.Decimal {
	realized := decimal.Zero
	if !p.Qty.IsZero() && p.Qty.Sign() != signed.Sign() {
		closing := signed
		if signed.Abs().GreaterThan(p.Qty.Abs()) {
			closing = p.Qty.Neg()
		}
		removed := p.CostBasis
		if !closing.Abs().Equal(p.Qty.Abs()) {
			removed = p.CostBasis.Mul(closing.Abs()).Div(p.Qty.Abs())
		}
		realized = closing.Neg().Mul(unitCost).Sub(removed)
		p.CostBasis = p.CostBasis.Sub(removed)
		p.Qty = p.Qty.Add(closing)
		signed = signed.Sub(closing)
		if p.Qty.IsZero() {
			p.CostBasis = decimal.Zero
		}
	}
	if !signed.IsZero() {
		p.CostBasis = p.CostBasis.Add(signed.Mul(unitCost))
		p.Qty = p.Qty.Add(signed)
	}
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return realized
}

// Account is one committed ledger state. Values returned by Snapshot are
// shared and must be treated as read-only.
type Account struct {
	Code         string
	Type         string // LIVE or PAPER
	BaseCurrency string

	InitialCash decimal.Decimal
	Cash        decimal.Decimal
	RealizedPnL decimal.Decimal
	Commissions decimal.Decimal

	Positions  map[int64]*Position // conID -> position
	Orders     OrderSet            // every state
	Executions []Fill              // commit order

	NextOrderID int64 // counter value when this state was committed
	Version     uint64
	UpdatedAt   time.Time
}

// Position returns the position for conID, or nil
func (a *Account) Position(conID int64) *Position {
	return a.Positions[conID]
}

// WorkingOrders returns every resting LMT/STP order
func (a *Account) WorkingOrders() []*Order {
	var out []*Order
	a.Orders.Ascend(func(o *Order) bool {
		if o.IsWorking() || o.State == Submitted {
			out = append(out, o)
		}
		return true
	})
	return out
}

// GrossPositionValue returns Σ|qty × mark × multiplier|. A contract missing
// from marks is valued at its average cost.
func (a *Account) GrossPositionValue(marks map[int64]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for id, p := range a.Positions {
		if p.Qty.IsZero() {
			continue
		}
		if m, ok := marks[id]; ok {
			total = total.Add(p.MarketValue(m).Abs())
			continue
		}
		total = total.Add(p.CostBasis.Abs())
	}
	return total
}

// UnrealizedPnL sums open P&L at the given marks; unmarked positions count zero.
func (a *Account) UnrealizedPnL(marks map[int64]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for id, p := range a.Positions {
		if m, ok := marks[id]; ok && !p.Qty.IsZero() {
			total = total.Add(p.UnrealizedPnL(m))
		}
	}
	return total
}

// NetLiquidation returns cash plus the market value of every position.
func (a *Account) NetLiquidation(marks map[int64]decimal.Decimal) decimal.Decimal {
	nl := a.Cash
	for id, p := range a.Positions {
		if p.Qty.IsZero() {
			continue
		}
		if m, ok := marks[id]; ok {
			nl = nl.Add(p.MarketValue(m))
			continue
		}
		nl = nl.Add(p.CostBasis)
	}
	return nl
}

// CostBasis returns the signed cost basis of every open position
func (a *Account) CostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions {
		total = total.Add(p.CostBasis)
	}
	return total
}

// Validate checks account invariants
func (a *Account) Validate() error {
	want := a.InitialCash.Add(a.RealizedPnL).Sub(a.Commissions).Sub(a.CostBasis())
	if !a.Cash.Equal(want) {
		return &InvariantError{Account: a.Code, Reason: "cash " + a.Cash.String() + " != " + want.String()}
	}
	var err error
	a.Orders.Ascend(func(o *Order) bool {
		if o.Filled.GreaterThan(o.Qty) {
			err = &InvariantError{Account: a.Code, Reason: fmt.Sprintf("order %d overfilled", o.ID)}
		}
		return err == nil
	})
	return err
}

// shallowCopy returns a new Account sharing every order and position pointer.
// The order set is cloned lazily; its nodes are copied only when written.
func (a *Account) shallowCopy() *Account {
	c := *a
	c.Positions = make(map[int64]*Position, len(a.Positions))
	for k, v := range a.Positions {
		c.Positions[k] = v
	}
	c.Orders = a.Orders.clone()
	return &c
}
