package account

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Tx is a private working copy of one account, handed to a mutation
// function. Nothing in it is visible to other goroutines until the mutation
// commits; if the function returns an error the copy is dropped.
type Tx struct {
	base *Account
	next *Account
	now  time.Time

	orders    map[int64]bool // order ids cloned into next
	positions map[int64]bool
	touched   []int64 // order ids in first-touch order
	posOrder  []int64
	fills     []Fill
	moneyMove bool

	reserve func(id int64) error
	nextSeq func() uint64
}

func newTx(base *Account, now time.Time, reserve func(int64) error, nextSeq func() uint64) *Tx {
	next := base.shallowCopy()
	// appends below never write into elements visible to published snapshots
	next.Executions = base.Executions
	return &Tx{
		base:      base,
		next:      next,
		now:       now,
		orders:    make(map[int64]bool),
		positions: make(map[int64]bool),
		reserve:   reserve,
		nextSeq:   nextSeq,
	}
}

// Now is the timestamp the mutation runs under.
func (tx *Tx) Now() time.Time { return tx.now }

// Account returns the working state for reading. Use the Tx methods to change it.
func (tx *Tx) Account() *Account { return tx.next }

// Order returns a mutable copy of an existing order.
func (tx *Tx) Order(id int64) (*Order, bool) {
	o, ok := tx.next.Orders.Get(id)
	if !ok {
		return nil, false
	}
	if !tx.orders[id] {
		o = o.clone()
		tx.next.Orders.put(o)
		tx.orders[id] = true
		tx.touched = append(tx.touched, id)
	}
	return o, true
}

// AddOrder records a new order. A client-chosen id must not be below the
// account's order-id counter; ids are never reused.
func (tx *Tx) AddOrder(o *Order) error {
	if _, exists := tx.next.Orders.Get(o.ID); exists {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	if err := tx.reserve(o.ID); err != nil {
		return err
	}
	o = o.clone()
	o.Account = tx.next.Code
	o.Seq = tx.nextSeq()
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = tx.now
	}
	o.UpdatedAt = tx.now
	tx.next.Orders.put(o)
	tx.orders[o.ID] = true
	tx.touched = append(tx.touched, o.ID)
	return nil
}

// SetState moves an order to a new state.
func (tx *Tx) SetState(id int64, state OrderState) (*Order, error) {
	o, ok := tx.Order(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	if o.State.Terminal() {
		return o, fmt.Errorf("%w: %d is %s", ErrOrderTerminal, id, o.State)
	}
	o.State = state
	o.UpdatedAt = tx.now
	return o, nil
}

// position returns a mutable copy of the position, creating it if needed.
func (tx *Tx) position(conID int64, symbol string, mult decimal.Decimal) *Position {
	p, ok := tx.next.Positions[conID]
	switch {
	case !ok:
		p = &Position{ConID: conID, Symbol: symbol, Multiplier: mult}
	case !tx.positions[conID]:
		c := *p
		p = &c
	default:
		return p
	}
	tx.next.Positions[conID] = p
	tx.positions[conID] = true
	tx.posOrder = append(tx.posOrder, conID)
	return p
}

// ApplyFill books an execution against an order: the fill is appended, the
// order's filled quantity and state advance, the position and realized P&L
// update, and cash moves by notional ± commission.
func (tx *Tx) ApplyFill(f Fill) (Fill, error) {
	o, ok := tx.Order(f.OrderID)
	if !ok {
		return Fill{}, fmt.Errorf("%w: %d", ErrUnknownOrder, f.OrderID)
	}
	if o.State.Terminal() {
		return Fill{}, fmt.Errorf("%w: %d is %s", ErrOrderTerminal, o.ID, o.State)
	}
	if !f.Qty.IsPositive() {
		return Fill{}, fmt.Errorf("fill quantity must be positive: %s", f.Qty)
	}
	if f.Qty.GreaterThan(o.Remaining()) {
		return Fill{}, fmt.Errorf("%w: order %d remaining %s, fill %s", ErrOverfill, o.ID, o.Remaining(), f.Qty)
	}
	if f.Time.IsZero() {
		f.Time = tx.now
	}
	f.ConID, f.Symbol, f.Side = o.ConID, o.Symbol, o.Side

	unit := f.Price
	if !f.Multiplier.IsZero() {
		unit = unit.Mul(f.Multiplier)
	}
	signed := f.Qty.Mul(decimal.NewFromInt(f.Side.Sign()))

	pos := tx.position(o.ConID, o.Symbol, f.Multiplier)
	f.RealizedPnL = pos.apply(signed, unit)

	acc := tx.next
	acc.Cash = acc.Cash.Sub(signed.Mul(unit)).Sub(f.Commission)
	acc.RealizedPnL = acc.RealizedPnL.Add(f.RealizedPnL)
	acc.Commissions = acc.Commissions.Add(f.Commission)
	acc.Executions = append(acc.Executions, f)
	tx.moneyMove = true

	prevFilled := o.Filled
	o.Filled = o.Filled.Add(f.Qty)
	o.AvgFillPrice = o.AvgFillPrice.Mul(prevFilled).Add(f.Price.Mul(f.Qty)).Div(o.Filled)
	o.Fills = append(slices.Clip(o.Fills), f)
	o.UpdatedAt = tx.now
	if o.Remaining().IsZero() {
		o.State = Filled
	} else {
		o.State = PartiallyFilled
	}

	tx.fills = append(tx.fills, f)
	return f, nil
}

// finish seals the working copy into the next committed state.
func (tx *Tx) finish(nextOrderID int64) (*Account, []Delta) {
	acc := tx.next
	acc.Version = tx.base.Version + 1
	acc.UpdatedAt = tx.now
	acc.NextOrderID = nextOrderID

	deltas := make([]Delta, 0, len(tx.fills)+len(tx.touched)+len(tx.posOrder)+1)
	for i := range tx.fills {
		f := tx.fills[i]
		deltas = append(deltas, Delta{Kind: DeltaFill, Account: acc.Code, Version: acc.Version, Fill: &f})
	}
	for _, id := range tx.touched {
		o, _ := acc.Orders.Get(id)
		deltas = append(deltas, Delta{Kind: DeltaOrder, Account: acc.Code, Version: acc.Version, Order: o})
	}
	for _, id := range tx.posOrder {
		deltas = append(deltas, Delta{Kind: DeltaPosition, Account: acc.Code, Version: acc.Version, Position: acc.Positions[id]})
	}
	if tx.moneyMove {
		deltas = append(deltas, Delta{Kind: DeltaAccount, Account: acc.Code, Version: acc.Version, State: acc})
	}
	return acc, deltas
}
