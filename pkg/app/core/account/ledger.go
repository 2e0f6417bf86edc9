package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/pkg/storage"
	"github.com/uhyunpark/twsim/pkg/util"
)

// DeltaKind tags a Delta.
type DeltaKind int

const (
	DeltaFill DeltaKind = iota
	DeltaOrder
	DeltaPosition
	DeltaAccount
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaFill:
		return "fill"
	case DeltaOrder:
		return "order"
	case DeltaPosition:
		return "position"
	case DeltaAccount:
		return "account"
	default:
		return "unknown"
	}
}

// Delta is one change published to attached subscribers after a commit.
// Pointers reference the committed (immutable) state.
type Delta struct {
	Kind     DeltaKind
	Account  string
	Version  uint64
	Fill     *Fill
	Order    *Order
	Position *Position
	State    *Account
}

// Commit describes a successful mutation.
type Commit struct {
	Version uint64
	State   *Account
	Deltas  []Delta
}

// Params opens an account.
type Params struct {
	Code         string
	Type         string
	BaseCurrency string
	InitialCash  decimal.Decimal
	// FirstOrderID seeds the order-id counter; zero means 1.
	FirstOrderID int64
}

// slot holds one account's committed state and serializes its mutations.
type slot struct {
	lock  chan struct{} // one token: held for the length of a mutation
	state atomic.Pointer[Account]

	idMu      sync.Mutex
	nextID    int64
	allocated map[int64]struct{} // handed out by NextOrderID, not yet used

	// guarded by lock
	subs map[*Subscription]struct{}
}

func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
}

func (s *slot) release() { <-s.lock }

// Ledger owns every account. Mutations are serialized per account, never
// process-wide; reads are lock-free snapshot loads.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*slot

	seq    atomic.Uint64
	sink   storage.Sink
	clock  util.Clock
	logger *zap.SugaredLogger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink writes every commit through to s.
func WithSink(s storage.Sink) Option { return func(l *Ledger) { l.sink = s } }

// WithClock overrides the wall clock.
func WithClock(c util.Clock) Option { return func(l *Ledger) { l.clock = c } }

// WithLogger attaches a logger.
func WithLogger(lg *zap.SugaredLogger) Option { return func(l *Ledger) { l.logger = lg } }

// NewLedger creates an empty ledger
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*slot),
		sink:     storage.Nop{},
		clock:    util.RealClock{},
		logger:   zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Open registers a new account with its starting cash.
func (l *Ledger) Open(ctx context.Context, p Params) (*Account, error) {
	if p.Code == "" {
		return nil, fmt.Errorf("account code required")
	}
	first := p.FirstOrderID
	if first <= 0 {
		first = 1
	}
	acc := &Account{
		Code:         p.Code,
		Type:         p.Type,
		BaseCurrency: p.BaseCurrency,
		InitialCash:  p.InitialCash,
		Cash:         p.InitialCash,
		Positions:    make(map[int64]*Position),
		Orders:       NewOrderSet(),
		NextOrderID:  first,
		UpdatedAt:    l.clock.Now(),
	}
	s := &slot{
		lock:      make(chan struct{}, 1),
		nextID:    first,
		allocated: make(map[int64]struct{}),
		subs:      make(map[*Subscription]struct{}),
	}
	s.state.Store(acc)

	l.mu.Lock()
	if _, exists := l.accounts[p.Code]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, p.Code)
	}
	l.accounts[p.Code] = s
	l.mu.Unlock()

	l.record(ctx, acc, []storage.Record{accountRecord(acc)})
	l.logger.Infow("account_opened", "account", p.Code, "type", p.Type, "cash", p.InitialCash.String())
	return acc, nil
}

func (l *Ledger) slot(code string) (*slot, error) {
	l.mu.RLock()
	s, ok := l.accounts[code]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, code)
	}
	return s, nil
}

// Codes returns every account code, sorted.
func (l *Ledger) Codes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for c := range l.accounts {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the last committed state. It never waits on a mutation in
// flight. The result is shared; do not modify it.
func (l *Ledger) Snapshot(code string) (*Account, error) {
	s, err := l.slot(code)
	if err != nil {
		return nil, err
	}
	return s.state.Load(), nil
}

// NextOrderID allocates a fresh order id. Ids are strictly increasing and
// never handed out twice.
func (l *Ledger) NextOrderID(code string) (int64, error) {
	s, err := l.slot(code)
	if err != nil {
		return 0, err
	}
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := s.nextID
	s.nextID++
	s.allocated[id] = struct{}{}
	return id, nil
}

// ReserveOrderID claims a client-chosen id ahead of placing the order.
func (l *Ledger) ReserveOrderID(code string, id int64) error {
	s, err := l.slot(code)
	if err != nil {
		return err
	}
	if err := s.reserve(id); err != nil {
		return err
	}
	s.idMu.Lock()
	s.allocated[id] = struct{}{}
	s.idMu.Unlock()
	return nil
}

// NextValidID returns the lowest id the client may use next, without
// allocating it.
func (l *Ledger) NextValidID(code string) (int64, error) {
	s, err := l.slot(code)
	if err != nil {
		return 0, err
	}
	return s.peekID(), nil
}

func (s *slot) peekID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.nextID
}

// reserve claims an order id. An id from NextOrderID is consumed; any other
// id must be at or above the counter, and the counter moves past it.
func (s *slot) reserve(id int64) error {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if _, ok := s.allocated[id]; ok {
		delete(s.allocated, id)
		return nil
	}
	if id < s.nextID {
		return &OrderIDError{ID: id, Next: s.nextID}
	}
	s.nextID = id + 1
	return nil
}

// WithOrderMutation runs fn against a private copy of the account while
// holding the account's mutation lock. On success the copy replaces the
// committed state in one atomic store, deltas go to subscribers in commit
// order, and the change is written through to the sink. If fn fails the copy
// is dropped and the committed state is untouched.
func (l *Ledger) WithOrderMutation(ctx context.Context, code string, fn func(*Tx) error) (Commit, error) {
	s, err := l.slot(code)
	if err != nil {
		return Commit{}, err
	}
	if err := s.acquire(ctx); err != nil {
		return Commit{}, err
	}
	defer s.release()

	base := s.state.Load()
	tx := newTx(base, l.clock.Now(), s.reserve, func() uint64 { return l.seq.Add(1) })
	if err := fn(tx); err != nil {
		return Commit{}, err
	}

	next, deltas := tx.finish(s.peekID())
	s.state.Store(next)

	l.publish(s, deltas)
	l.record(ctx, next, recordsFor(next, deltas))

	return Commit{Version: next.Version, State: next, Deltas: deltas}, nil
}

// publish delivers deltas without blocking. Caller holds the account lock.
func (l *Ledger) publish(s *slot, deltas []Delta) {
	if len(deltas) == 0 {
		return
	}
	for sub := range s.subs {
		if !sub.offer(deltas) {
			delete(s.subs, sub)
			sub.terminate(ErrSlowConsumer)
			l.logger.Warnw("subscriber_dropped", "account", deltas[0].Account, "subscriber", sub.name, "reason", "slow_consumer")
		}
	}
}

func (l *Ledger) record(ctx context.Context, acc *Account, recs []storage.Record) {
	for _, r := range recs {
		r.Account = acc.Code
		r.Version = acc.Version
		r.At = acc.UpdatedAt
		if err := l.sink.Record(ctx, r); err != nil {
			l.logger.Warnw("persistence_write_failed", "account", acc.Code, "kind", r.Kind, "err", err)
		}
	}
}

// Attach subscribes to an account's deltas. buffer bounds the inbox; a
// subscriber that falls that far behind is detached and its channel closed.
func (l *Ledger) Attach(ctx context.Context, code, name string, buffer int) (*Subscription, error) {
	s, err := l.slot(code)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscription{
		name:    name,
		account: code,
		ch:      make(chan Delta, buffer),
		done:    make(chan struct{}),
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	s.subs[sub] = struct{}{}
	s.release()
	return sub, nil
}

// Detach removes a subscription. Safe to call more than once.
func (l *Ledger) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	s, err := l.slot(sub.account)
	if err != nil {
		return
	}
	s.lock <- struct{}{}
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		sub.terminate(nil)
	}
	s.release()
}

// Subscribers returns the number of live subscriptions for code.
func (l *Ledger) Subscribers(code string) int {
	s, err := l.slot(code)
	if err != nil {
		return 0
	}
	s.lock <- struct{}{}
	defer s.release()
	return len(s.subs)
}
