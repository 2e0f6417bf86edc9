package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleSink keeps the latest row of every account, order and position plus
// an append-only log of every record, in a Pebble database.
type PebbleSink struct {
	mu  sync.Mutex // orders seq assignment with batch commits
	db  *pebble.DB
	seq uint64
}

// NewPebbleSink opens (or creates) the database at path and resumes the log
// sequence where it left off.
func NewPebbleSink(path string) (*PebbleSink, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	s := &PebbleSink{db: db}
	if s.seq, err = s.lastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleSink) lastSeq() (uint64, error) {
	prefix := []byte(prefixLog)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open log iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(string(iter.Key()), prefixLog), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse log key %q: %w", iter.Key(), err)
	}
	return n, nil
}

// Close closes the database
func (s *PebbleSink) Close() error { return s.db.Close() }

// Record writes rec's latest-state row and its log entry in one batch.
func (s *PebbleSink) Record(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logVal, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	b := s.db.NewBatch()
	defer b.Close()

	var key []byte
	var row any
	switch rec.Kind {
	case KindAccount:
		key, row = accountKey(rec.Account), rec.AccountState
	case KindOrder:
		key, row = orderKey(rec.Account, rec.Order.OrderID), rec.Order
	case KindPosition:
		key, row = positionKey(rec.Account, rec.Position.ConID), rec.Position
	case KindExecution:
		key, row = executionKey(rec.Account, seq, rec.Execution.ExecID), rec.Execution
	case KindSession:
		key, row = sessionKey(rec.Session.SessionID, seq), rec.Session
	}
	val, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", rec.Kind, err)
	}
	if err := b.Set(key, val, nil); err != nil {
		return fmt.Errorf("failed to stage %s: %w", rec.Kind, err)
	}
	if err := b.Set(logKey(seq), logVal, nil); err != nil {
		return fmt.Errorf("failed to stage log entry: %w", err)
	}

	opts := pebble.NoSync
	if rec.Kind == KindSession || rec.Kind == KindAccount {
		opts = pebble.Sync
	}
	if err := b.Commit(opts); err != nil {
		return fmt.Errorf("failed to commit %s: %w", rec.Kind, err)
	}
	s.seq = seq
	return nil
}

// LoadAccount returns the last persisted balances of an account.
// Returns nil if the account was never written.
func (s *PebbleSink) LoadAccount(account string) (*AccountRow, error) {
	data, closer, err := s.db.Get(accountKey(account))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var row AccountRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &row, nil
}

// LoadPositions returns the latest row of every position of an account
func (s *PebbleSink) LoadPositions(account string) ([]PositionRow, error) {
	return scan[PositionRow](s.db, positionPrefix(account), 0)
}

// LoadOrders returns the latest row of every order of an account, by id
func (s *PebbleSink) LoadOrders(account string) ([]OrderRow, error) {
	return scan[OrderRow](s.db, orderPrefix(account), 0)
}

// LoadExecutions returns every execution of an account in write order
func (s *PebbleSink) LoadExecutions(account string) ([]ExecutionRow, error) {
	return scan[ExecutionRow](s.db, executionPrefix(account), 0)
}

// RecentRecords returns up to limit log entries, newest first
func (s *PebbleSink) RecentRecords(limit int) ([]Record, error) {
	return scan[Record](s.db, []byte(prefixLog), limit)
}

// scan decodes every value under prefix. A positive limit walks backwards
// from the newest key.
func scan[T any](db *pebble.DB, prefix []byte, limit int) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []T
	decode := func() error {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return fmt.Errorf("failed to unmarshal %q: %w", iter.Key(), err)
		}
		out = append(out, v)
		return nil
	}
	if limit > 0 {
		for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
			if err := decode(); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := decode(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var _ Sink = (*PebbleSink)(nil)
