package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id    TEXT PRIMARY KEY,
    account_type  TEXT NOT NULL CHECK (account_type IN ('LIVE', 'PAPER')),
    base_currency TEXT NOT NULL DEFAULT 'USD',
    cash_balance  TEXT NOT NULL,
    realized_pnl  TEXT NOT NULL,
    commissions   TEXT NOT NULL,
    version       INTEGER NOT NULL,
    last_update   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
    account_id   TEXT NOT NULL,
    con_id       INTEGER NOT NULL,
    symbol       TEXT NOT NULL,
    position     TEXT NOT NULL,
    avg_cost     TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    updated_at   TIMESTAMP NOT NULL,
    PRIMARY KEY (account_id, con_id)
);
CREATE TABLE IF NOT EXISTS orders (
    account_id      TEXT NOT NULL,
    order_id        INTEGER NOT NULL,
    perm_id         INTEGER NOT NULL,
    client_id       INTEGER NOT NULL,
    con_id          INTEGER NOT NULL,
    symbol          TEXT NOT NULL,
    action          TEXT NOT NULL,
    order_type      TEXT NOT NULL,
    total_quantity  TEXT NOT NULL,
    filled_quantity TEXT NOT NULL,
    limit_price     TEXT,
    aux_price       TEXT,
    avg_fill_price  TEXT,
    status          TEXT NOT NULL,
    time_in_force   TEXT,
    reject_reason   TEXT,
    updated_at      TIMESTAMP NOT NULL,
    PRIMARY KEY (account_id, order_id)
);
CREATE TABLE IF NOT EXISTS executions (
    exec_id      TEXT PRIMARY KEY,
    order_id     INTEGER NOT NULL,
    account_id   TEXT NOT NULL,
    con_id       INTEGER NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL CHECK (side IN ('BOT', 'SLD')),
    shares       TEXT NOT NULL,
    price        TEXT NOT NULL,
    commission   TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    exec_time    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    kind       TEXT NOT NULL,
    account_id TEXT,
    version    INTEGER,
    payload    TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// SQLiteSink mirrors the ledger into relational tables and keeps every
// record in audit_log.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) a SQLite database at dbPath and applies
// the schema.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// Record upserts the row for rec and appends it to audit_log in one
// transaction.
func (s *SQLiteSink) Record(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.upsert(ctx, tx, rec); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (kind, account_id, version, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.Account, rec.Version, string(payload), at(rec),
	); err != nil {
		return fmt.Errorf("failed to insert audit_log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", rec.Kind, err)
	}
	return nil
}

func at(rec Record) time.Time {
	if rec.At.IsZero() {
		return time.Now().UTC()
	}
	return rec.At.UTC()
}

func (s *SQLiteSink) upsert(ctx context.Context, tx *sql.Tx, rec Record) error {
	var err error
	switch rec.Kind {
	case KindAccount:
		a := rec.AccountState
		_, err = tx.ExecContext(ctx, `
INSERT INTO accounts (account_id, account_type, base_currency, cash_balance, realized_pnl, commissions, version, last_update)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id) DO UPDATE SET
    cash_balance = excluded.cash_balance,
    realized_pnl = excluded.realized_pnl,
    commissions  = excluded.commissions,
    version      = excluded.version,
    last_update  = excluded.last_update`,
			a.AccountID, a.AccountType, a.BaseCurrency, a.Cash.String(), a.RealizedPnL.String(), a.Commissions.String(), rec.Version, at(rec))
	case KindPosition:
		p := rec.Position
		_, err = tx.ExecContext(ctx, `
INSERT INTO positions (account_id, con_id, symbol, position, avg_cost, realized_pnl, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, con_id) DO UPDATE SET
    position     = excluded.position,
    avg_cost     = excluded.avg_cost,
    realized_pnl = excluded.realized_pnl,
    updated_at   = excluded.updated_at`,
			p.AccountID, p.ConID, p.Symbol, p.Position.String(), p.AvgCost.String(), p.RealizedPnL.String(), at(rec))
	case KindOrder:
		o := rec.Order
		_, err = tx.ExecContext(ctx, `
INSERT INTO orders (account_id, order_id, perm_id, client_id, con_id, symbol, action, order_type,
    total_quantity, filled_quantity, limit_price, aux_price, avg_fill_price, status, time_in_force, reject_reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, order_id) DO UPDATE SET
    filled_quantity = excluded.filled_quantity,
    avg_fill_price  = excluded.avg_fill_price,
    status          = excluded.status,
    reject_reason   = excluded.reject_reason,
    updated_at      = excluded.updated_at`,
			o.AccountID, o.OrderID, o.PermID, o.ClientID, o.ConID, o.Symbol, o.Action, o.OrderType,
			o.TotalQty.String(), o.FilledQty.String(), o.LimitPrice.String(), o.AuxPrice.String(), o.AvgFillPrice.String(),
			o.Status, o.TIF, o.RejectReason, at(rec))
	case KindExecution:
		e := rec.Execution
		_, err = tx.ExecContext(ctx, `
INSERT INTO executions (exec_id, order_id, account_id, con_id, symbol, side, shares, price, commission, realized_pnl, exec_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ExecID, e.OrderID, e.AccountID, e.ConID, e.Symbol, e.Side, e.Shares.String(), e.Price.String(),
			e.Commission.String(), e.RealizedPnL.String(), e.Time.UTC())
	case KindSession:
		// audit_log only
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", rec.Kind, err)
	}
	return nil
}

// CountRows returns the number of rows in one of the sink's tables.
func (s *SQLiteSink) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "accounts", "positions", "orders", "executions", "audit_log":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// OrderStatus returns the persisted status of one order.
func (s *SQLiteSink) OrderStatus(ctx context.Context, account string, orderID int64) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE account_id = ? AND order_id = ?`, account, orderID,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to get order %d: %w", orderID, err)
	}
	return status, nil
}

var _ Sink = (*SQLiteSink)(nil)
