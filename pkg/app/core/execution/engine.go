// Package execution validates and fills orders against market-data quotes.
// All order and money state lives in the account ledger; every placement,
// fill and cancel runs inside one ledger mutation for the owning account.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/app/core/orderbook"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/wire"
)

// OrderRequest is a validated-shape order from a session. ConID must already
// be resolved; an OrderID <= 0 asks the engine to allocate one.
type OrderRequest struct {
	OrderID    int64
	ClientID   int
	SessionID  string
	ConID      int64
	Side       account.Side
	Type       account.OrderType
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	TIF        string
	OrderRef   string
}

// Observer is told about committed order activity. Calls happen after the
// ledger commit, outside any account lock.
type Observer interface {
	OrderPlaced(o *account.Order)
	OrderRejected(o *account.Order)
	OrderCancelled(o *account.Order)
	Filled(acct string, f *account.Fill)
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(lg *zap.SugaredLogger) Option { return func(e *Engine) { e.logger = lg } }

// WithObserver adds an observer; may be given more than once
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine places, fills and cancels orders.
type Engine struct {
	ledger    *account.Ledger
	contracts *market.ContractRegistry
	quotes    marketdata.Source
	books     *orderbook.Books
	cfg       Config
	logger    *zap.SugaredLogger
	observers []Observer

	permID atomic.Int64

	mu     sync.Mutex
	feeds  map[int64]*quoteFeed
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates an engine over the given ledger, contracts and quotes.
func NewEngine(ledger *account.Ledger, contracts *market.ContractRegistry, quotes marketdata.Source, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid execution config: %w", err)
	}
	e := &Engine{
		ledger:    ledger,
		contracts: contracts,
		quotes:    quotes,
		books:     orderbook.NewBooks(),
		cfg:       cfg,
		logger:    zap.NewNop().Sugar(),
		feeds:     make(map[int64]*quoteFeed),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's fill model
func (e *Engine) Config() Config { return e.cfg }

// Books exposes the working-order index
func (e *Engine) Books() *orderbook.Books { return e.books }

// Close stops listening for quotes and waits for in-flight evaluations.
// Working orders stay in the ledger.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, f := range e.feeds {
		f.unsubscribe()
		close(f.stop)
		delete(e.feeds, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// watch makes sure the engine sees quotes for conID. Quotes are evaluated on
// a per-contract worker so the provider's fan-out never waits on an account
// lock.
func (e *Engine) watch(conID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.feeds[conID] != nil {
		return
	}
	f := newQuoteFeed()
	e.wg.Add(1)
	go e.runFeed(f)
	f.unsubscribe = e.quotes.Subscribe(conID, f.offer)
	e.feeds[conID] = f
}

// Place validates and books a new order for acct. A market order fills
// completely or is rejected. A limit order fills what the current quote
// allows and works the rest; a stop order works until triggered.
//
// Validation failures are recorded as a Rejected order and returned as an
// *OrderError with Recorded set. An id clash returns an *OrderError with
// code 103 and nothing is recorded.
func (e *Engine) Place(ctx context.Context, acct string, req OrderRequest) (*account.Order, error) {
	id := req.OrderID
	if id <= 0 {
		var err error
		if id, err = e.ledger.NextOrderID(acct); err != nil {
			return nil, err
		}
	}

	contract, cerr := e.contracts.GetContract(req.ConID)
	if cerr == nil && (req.Type == account.Limit || req.Type == account.Stop) {
		e.watch(contract.ConID)
	}

	var rejected *OrderError
	var rest *orderbook.Entry
	commit, err := e.ledger.WithOrderMutation(ctx, acct, func(tx *account.Tx) error {
		o := &account.Order{
			ID:         id,
			PermID:     e.permID.Add(1),
			ClientID:   req.ClientID,
			SessionID:  req.SessionID,
			ConID:      req.ConID,
			Side:       req.Side,
			Type:       req.Type,
			Qty:        req.Qty,
			LimitPrice: req.LimitPrice,
			StopPrice:  req.StopPrice,
			TIF:        req.TIF,
			OrderRef:   req.OrderRef,
			State:      account.Submitted,
		}
		if contract != nil {
			o.Symbol = contract.Symbol
		}
		q, _ := e.quotes.CurrentQuote(req.ConID)

		if code, verr := e.validate(tx.Account(), contract, cerr, q, o); verr != nil {
			o.State = account.Rejected
			o.RejectCode = code
			o.RejectReason = verr.Error()
			if err := tx.AddOrder(o); err != nil {
				return err
			}
			rejected = &OrderError{OrderID: id, Code: code, Recorded: true, Err: verr}
			return nil
		}
		if err := tx.AddOrder(o); err != nil {
			return err
		}

		var err error
		rest, err = e.execute(tx, contract, q, id)
		return err
	})
	if err != nil {
		var idErr *account.OrderIDError
		if errors.As(err, &idErr) || errors.Is(err, account.ErrDuplicateOrder) {
			return nil, &OrderError{OrderID: id, Code: wire.CodeDuplicateOrderID, Err: err}
		}
		return nil, fmt.Errorf("failed to place order %d: %w", id, err)
	}

	o, _ := commit.State.Orders.Get(id)
	if rejected != nil {
		e.logger.Infow("order_rejected", "account", acct, "order_id", id, "code", rejected.Code, "reason", o.RejectReason)
		for _, ob := range e.observers {
			ob.OrderRejected(o)
		}
		return o, rejected
	}
	if rest != nil {
		e.books.Get(o.ConID).Add(*rest)
	}
	e.logger.Debugw("order_placed", "account", acct, "order_id", id, "type", o.Type, "side", o.Side, "state", o.State)
	for _, ob := range e.observers {
		ob.OrderPlaced(o)
	}
	e.notifyFills(acct, commit)
	return o, nil
}

// validate returns the error code and reason an order is refused with.
func (e *Engine) validate(acc *account.Account, c *market.Contract, cerr error, q marketdata.Quote, o *account.Order) (int, error) {
	if cerr != nil || c == nil {
		return wire.CodeNoSecurityDef, fmt.Errorf("%w: %d", ErrUnknownContract, o.ConID)
	}
	if c.Status == market.Halted {
		return wire.CodeOrderRejected, fmt.Errorf("%w: %s", ErrHalted, c.Symbol)
	}
	if o.Side != account.Buy && o.Side != account.Sell {
		return wire.CodeOrderRejected, fmt.Errorf("invalid side %d", o.Side)
	}
	if o.Qty.LessThan(e.cfg.MinOrderSize) || o.Qty.GreaterThan(e.cfg.MaxOrderSize) {
		return wire.CodeOrderRejected, fmt.Errorf("%w: %s not in [%s, %s]", ErrBadQuantity, o.Qty, e.cfg.MinOrderSize, e.cfg.MaxOrderSize)
	}

	touchPrice, _ := touch(o.Side, q)
	var worst decimal.Decimal
	switch o.Type {
	case account.Market:
		if !touchPrice.IsPositive() {
			return wire.CodeOrderRejected, fmt.Errorf("%w: %s", ErrNoLiquidity, c.Symbol)
		}
		worst = e.cfg.MarketPrice(o.Side, touchPrice, o.Qty)
	case account.Limit:
		if !o.LimitPrice.IsPositive() {
			return wire.CodeOrderRejected, fmt.Errorf("%w: limit price %s", ErrBadPrice, o.LimitPrice)
		}
		worst = o.LimitPrice
	case account.Stop:
		if !o.StopPrice.IsPositive() {
			return wire.CodeOrderRejected, fmt.Errorf("%w: stop price %s", ErrBadPrice, o.StopPrice)
		}
		worst = decimal.Max(o.StopPrice, touchPrice)
	default:
		return wire.CodeOrderRejected, fmt.Errorf("%w: %q", ErrBadOrderType, o.Type)
	}
	if o.Side == account.Sell && o.Type != account.Market {
		worst = decimal.Max(worst, touchPrice)
	}

	increase := exposureIncrease(acc.Position(o.ConID), o.Side, o.Qty)
	if !increase.IsPositive() {
		return 0, nil
	}
	mult := decimal.NewFromInt(c.Multiplier)
	notional := increase.Mul(worst).Mul(mult)
	need := notional.Add(e.cfg.Commission(increase, notional))
	bp := e.buyingPower(acc)
	if need.GreaterThan(bp) {
		return wire.CodeOrderRejected, fmt.Errorf("%w: need %s, have %s", ErrBuyingPower, need.StringFixed(2), bp.StringFixed(2))
	}
	return 0, nil
}

// exposureIncrease returns the part of an order that opens or extends a
// position rather than reducing one.
func exposureIncrease(p *account.Position, side account.Side, qty decimal.Decimal) decimal.Decimal {
	if p == nil || p.Qty.IsZero() {
		return qty
	}
	if p.Qty.Sign() == int(side.Sign()) {
		return qty
	}
	return decimal.Max(qty.Sub(p.Qty.Abs()), decimal.Zero)
}

// execute runs a freshly added order against the current quote. It returns
// the book entry to rest if the order ends up working.
func (e *Engine) execute(tx *account.Tx, c *market.Contract, q marketdata.Quote, id int64) (*orderbook.Entry, error) {
	o, _ := tx.Order(id)
	price, size := touch(o.Side, q)

	switch o.Type {
	case account.Market:
		return nil, e.fillMarket(tx, c, o, price)

	case account.Limit:
		if limitCrosses(o.Side, o.LimitPrice, price) && size.IsPositive() {
			qty := decimal.Min(o.Remaining(), size)
			if err := e.fill(tx, c, o.ID, qty, e.cfg.limitFillPrice(o.Side, o.LimitPrice, price, qty)); err != nil {
				return nil, err
			}
			o, _ = tx.Order(id)
		}
		if o.State == account.Filled {
			return nil, nil
		}
		if o.TIF == "IOC" {
			_, err := tx.SetState(id, account.Cancelled)
			return nil, err
		}
		if o.State == account.Submitted {
			if _, err := tx.SetState(id, account.Working); err != nil {
				return nil, err
			}
		}
		return entryFor(o), nil

	case account.Stop:
		if stopTriggered(o.Side, o.StopPrice, dec(q.Last)) && price.IsPositive() {
			o.Triggered = true
			return nil, e.fillMarket(tx, c, o, price)
		}
		if _, err := tx.SetState(id, account.Working); err != nil {
			return nil, err
		}
		return entryFor(o), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBadOrderType, o.Type)
}

func entryFor(o *account.Order) *orderbook.Entry {
	price := o.LimitPrice
	if o.Type == account.Stop {
		price = o.StopPrice
	}
	return &orderbook.Entry{Account: o.Account, OrderID: o.ID, Side: o.Side, Type: o.Type, Price: price, Seq: o.Seq}
}

// fillMarket fills the whole remaining quantity in one execution.
func (e *Engine) fillMarket(tx *account.Tx, c *market.Contract, o *account.Order, ref decimal.Decimal) error {
	if !ref.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNoLiquidity, c.Symbol)
	}
	qty := o.Remaining()
	price := e.cfg.MarketPrice(o.Side, ref, qty)
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s slipped to %s", ErrNoLiquidity, c.Symbol, price)
	}
	return e.fill(tx, c, o.ID, qty, price)
}

func (e *Engine) fill(tx *account.Tx, c *market.Contract, id int64, qty, price decimal.Decimal) error {
	mult := decimal.NewFromInt(c.Multiplier)
	notional := qty.Mul(price).Mul(mult)
	_, err := tx.ApplyFill(account.Fill{
		OrderID:    id,
		ExecID:     uuid.NewString(),
		Qty:        qty,
		Price:      price,
		Multiplier: mult,
		Commission: e.cfg.Commission(qty, notional),
	})
	return err
}

// Cancel cancels a working order. Unknown ids fail with code 135; filled,
// cancelled and rejected orders with code 161.
func (e *Engine) Cancel(ctx context.Context, acct string, orderID int64) (*account.Order, error) {
	commit, err := e.ledger.WithOrderMutation(ctx, acct, func(tx *account.Tx) error {
		o, ok := tx.Order(orderID)
		if !ok {
			return &OrderError{OrderID: orderID, Code: wire.CodeOrderNotFound, Err: account.ErrUnknownOrder}
		}
		switch o.State {
		case account.Filled:
			return &OrderError{OrderID: orderID, Code: wire.CodeNotCancellable, Err: ErrAlreadyFilled}
		case account.Cancelled:
			return &OrderError{OrderID: orderID, Code: wire.CodeNotCancellable, Err: ErrAlreadyCancelled}
		case account.Rejected:
			return &OrderError{OrderID: orderID, Code: wire.CodeNotCancellable, Err: account.ErrOrderTerminal}
		}
		_, err := tx.SetState(orderID, account.Cancelled)
		return err
	})
	if err != nil {
		var oe *OrderError
		if errors.As(err, &oe) {
			return nil, oe
		}
		return nil, fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}

	o, _ := commit.State.Orders.Get(orderID)
	if b, ok := e.books.Lookup(o.ConID); ok {
		b.Remove(acct, orderID)
	}
	e.logger.Debugw("order_cancelled", "account", acct, "order_id", orderID, "filled", o.Filled)
	for _, ob := range e.observers {
		ob.OrderCancelled(o)
	}
	return o, nil
}

// evaluate re-evaluates the working orders of q's contract: marketable limit
// orders first, best price then earliest, sharing the displayed size on each
// side; then stops the last price triggers, which fill as market orders.
func (e *Engine) evaluate(q marketdata.Quote) {
	book, ok := e.books.Lookup(q.ConID)
	if !ok || book.Len() == 0 {
		return
	}
	c, err := e.contracts.GetContract(q.ConID)
	if err != nil || c.Status == market.Halted {
		return
	}

	buys, sells := book.Marketable(dec(q.Bid), dec(q.Ask))
	askLeft, bidLeft := dec(q.AskSize), dec(q.BidSize)
	for _, en := range buys {
		if !askLeft.IsPositive() {
			break
		}
		askLeft = askLeft.Sub(e.fillResting(book, c, en, q, askLeft))
	}
	for _, en := range sells {
		if !bidLeft.IsPositive() {
			break
		}
		bidLeft = bidLeft.Sub(e.fillResting(book, c, en, q, bidLeft))
	}

	for _, en := range book.Triggered(dec(q.Last)) {
		e.triggerStop(book, c, en, q)
	}
}

var errStale = errors.New("order no longer working")

// fillResting fills a marketable limit order up to avail and returns the
// quantity filled.
func (e *Engine) fillResting(book *orderbook.Book, c *market.Contract, en orderbook.Entry, q marketdata.Quote, avail decimal.Decimal) decimal.Decimal {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LockTimeout)
	defer cancel()

	filled := decimal.Zero
	commit, err := e.ledger.WithOrderMutation(ctx, en.Account, func(tx *account.Tx) error {
		o, ok := tx.Order(en.OrderID)
		if !ok || !o.IsWorking() {
			return errStale
		}
		price, _ := touch(o.Side, q)
		if !limitCrosses(o.Side, o.LimitPrice, price) {
			return errStale
		}
		filled = decimal.Min(o.Remaining(), avail)
		return e.fill(tx, c, o.ID, filled, e.cfg.limitFillPrice(o.Side, o.LimitPrice, price, filled))
	})
	if err != nil {
		if errors.Is(err, errStale) {
			e.dropIfTerminal(book, en)
			return decimal.Zero
		}
		e.logger.Warnw("limit_fill_failed", "account", en.Account, "order_id", en.OrderID, "error", err)
		return decimal.Zero
	}
	if o, ok := commit.State.Orders.Get(en.OrderID); ok && o.State == account.Filled {
		book.Remove(en.Account, en.OrderID)
	}
	e.notifyFills(en.Account, commit)
	return filled
}

// triggerStop converts a triggered stop into a market fill of its remaining
// quantity.
func (e *Engine) triggerStop(book *orderbook.Book, c *market.Contract, en orderbook.Entry, q marketdata.Quote) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LockTimeout)
	defer cancel()

	commit, err := e.ledger.WithOrderMutation(ctx, en.Account, func(tx *account.Tx) error {
		o, ok := tx.Order(en.OrderID)
		if !ok || !o.IsWorking() {
			return errStale
		}
		ref, _ := touch(o.Side, q)
		if !stopTriggered(o.Side, o.StopPrice, dec(q.Last)) || !ref.IsPositive() {
			return errStale
		}
		o.Triggered = true
		return e.fillMarket(tx, c, o, ref)
	})
	if err != nil {
		if errors.Is(err, errStale) {
			e.dropIfTerminal(book, en)
			return
		}
		e.logger.Warnw("stop_fill_failed", "account", en.Account, "order_id", en.OrderID, "error", err)
		return
	}
	book.Remove(en.Account, en.OrderID)
	e.logger.Debugw("stop_triggered", "account", en.Account, "order_id", en.OrderID, "last", q.Last)
	e.notifyFills(en.Account, commit)
}

// dropIfTerminal removes a book entry whose order has left the working set.
func (e *Engine) dropIfTerminal(book *orderbook.Book, en orderbook.Entry) {
	acc, err := e.ledger.Snapshot(en.Account)
	if err != nil {
		book.Remove(en.Account, en.OrderID)
		return
	}
	if o, ok := acc.Orders.Get(en.OrderID); !ok || !o.IsWorking() {
		book.Remove(en.Account, en.OrderID)
	}
}

func (e *Engine) notifyFills(acct string, commit account.Commit) {
	for _, d := range commit.Deltas {
		if d.Kind != account.DeltaFill {
			continue
		}
		e.logger.Infow("order_filled",
			"account", acct,
			"order_id", d.Fill.OrderID,
			"symbol", d.Fill.Symbol,
			"side", d.Fill.Side,
			"qty", d.Fill.Qty,
			"price", d.Fill.Price,
			"commission", d.Fill.Commission,
		)
		for _, ob := range e.observers {
			ob.Filled(acct, d.Fill)
		}
	}
}
