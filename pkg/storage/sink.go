// Package storage persists the simulator's audit trail.
//
// Sinks are append-only: the ledger writes every committed order, execution,
// position and account change through to a Sink, and sessions record their
// lifecycle. Nothing reads a sink back for correctness.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags a Record.
type Kind string

const (
	KindAccount   Kind = "account"
	KindOrder     Kind = "order"
	KindExecution Kind = "execution"
	KindPosition  Kind = "position"
	KindSession   Kind = "session"
)

// Record is one audit entry. Exactly one payload pointer matching Kind is set.
type Record struct {
	Kind    Kind      `json:"kind"`
	Account string    `json:"account,omitempty"`
	Version uint64    `json:"version,omitempty"` // ledger version that produced it
	At      time.Time `json:"at"`

	AccountState *AccountRow   `json:"account_state,omitempty"`
	Order        *OrderRow     `json:"order,omitempty"`
	Execution    *ExecutionRow `json:"execution,omitempty"`
	Position     *PositionRow  `json:"position,omitempty"`
	Session      *SessionRow   `json:"session,omitempty"`
}

// Key returns a stable identifier for the payload within its kind.
func (r Record) Key() string {
	switch r.Kind {
	case KindOrder:
		if r.Order != nil {
			return formatInt(r.Order.OrderID)
		}
	case KindExecution:
		if r.Execution != nil {
			return r.Execution.ExecID
		}
	case KindPosition:
		if r.Position != nil {
			return formatInt(r.Position.ConID)
		}
	case KindSession:
		if r.Session != nil {
			return r.Session.SessionID
		}
	}
	return r.Account
}

// Validate checks that the payload matches Kind.
func (r Record) Validate() error {
	ok := false
	switch r.Kind {
	case KindAccount:
		ok = r.AccountState != nil
	case KindOrder:
		ok = r.Order != nil
	case KindExecution:
		ok = r.Execution != nil
	case KindPosition:
		ok = r.Position != nil
	case KindSession:
		ok = r.Session != nil
	}
	if !ok {
		return ErrBadRecord
	}
	return nil
}

// ErrBadRecord is returned for a Record whose payload does not match its Kind.
var ErrBadRecord = errors.New("storage: record payload does not match kind")

// AccountRow mirrors an account's balances after a commit.
type AccountRow struct {
	AccountID    string          `json:"account_id"`
	AccountType  string          `json:"account_type"`
	BaseCurrency string          `json:"base_currency"`
	Cash         decimal.Decimal `json:"cash"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Commissions  decimal.Decimal `json:"commissions"`
}

// OrderRow mirrors an order's latest state.
type OrderRow struct {
	OrderID      int64           `json:"order_id"`
	PermID       int64           `json:"perm_id"`
	ClientID     int             `json:"client_id"`
	AccountID    string          `json:"account_id"`
	ConID        int64           `json:"con_id"`
	Symbol       string          `json:"symbol"`
	Action       string          `json:"action"`
	OrderType    string          `json:"order_type"`
	TotalQty     decimal.Decimal `json:"total_quantity"`
	FilledQty    decimal.Decimal `json:"filled_quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	AuxPrice     decimal.Decimal `json:"aux_price"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Status       string          `json:"status"`
	TIF          string          `json:"time_in_force"`
	RejectReason string          `json:"reject_reason,omitempty"`
}

// ExecutionRow mirrors one fill.
type ExecutionRow struct {
	ExecID      string          `json:"exec_id"`
	OrderID     int64           `json:"order_id"`
	AccountID   string          `json:"account_id"`
	ConID       int64           `json:"con_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"` // BOT or SLD
	Shares      decimal.Decimal `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	Commission  decimal.Decimal `json:"commission"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Time        time.Time       `json:"exec_time"`
}

// PositionRow mirrors a position after a fill.
type PositionRow struct {
	AccountID   string          `json:"account_id"`
	ConID       int64           `json:"con_id"`
	Symbol      string          `json:"symbol"`
	Position    decimal.Decimal `json:"position"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// SessionRow records a session lifecycle transition.
type SessionRow struct {
	SessionID  string `json:"session_id"`
	RemoteAddr string `json:"remote_addr"`
	ClientID   int    `json:"client_id"`
	Version    int    `json:"version"`
	Event      string `json:"event"` // connected, active, closed
	Reason     string `json:"reason,omitempty"`
}

// Sink is an append-only audit destination.
type Sink interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Record) error { return nil }
func (Nop) Close() error                         { return nil }

// Multi fans a record out to several sinks. Every sink is attempted; errors
// are joined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reader is a sink that can list what it recorded.
type Reader interface {
	RecentRecords(limit int) ([]Record, error)
}

// ReaderOf returns the first sink in s that is a Reader.
func ReaderOf(s Sink) (Reader, bool) {
	if m, ok := s.(Multi); ok {
		for _, inner := range m {
			if r, ok := ReaderOf(inner); ok {
				return r, true
			}
		}
		return nil, false
	}
	r, ok := s.(Reader)
	return r, ok
}

var (
	_ Sink   = Nop{}
	_ Sink   = Multi(nil)
	_ Reader = (*PebbleSink)(nil)
)
