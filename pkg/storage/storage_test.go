package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var at0 = time.Date(2026, 10, 17, 14, 30, 0, 0, time.UTC)

func sampleRecords() []Record {
	d := decimal.RequireFromString
	return []Record{
		{Kind: KindAccount, Account: "DU1", Version: 0, At: at0, AccountState: &AccountRow{
			AccountID: "DU1", AccountType: "PAPER", BaseCurrency: "USD", Cash: d("100000"),
		}},
		{Kind: KindExecution, Account: "DU1", Version: 1, At: at0, Execution: &ExecutionRow{
			ExecID: "e-1", OrderID: 1, AccountID: "DU1", ConID: 1000, Symbol: "AAPL", Side: "BOT",
			Shares: d("100"), Price: d("50"), Commission: d("1"), Time: at0,
		}},
		{Kind: KindOrder, Account: "DU1", Version: 1, At: at0, Order: &OrderRow{
			OrderID: 1, AccountID: "DU1", ConID: 1000, Symbol: "AAPL", Action: "BUY", OrderType: "MKT",
			TotalQty: d("100"), FilledQty: d("100"), AvgFillPrice: d("50"), Status: "Filled",
		}},
		{Kind: KindPosition, Account: "DU1", Version: 1, At: at0, Position: &PositionRow{
			AccountID: "DU1", ConID: 1000, Symbol: "AAPL", Position: d("100"), AvgCost: d("50"),
		}},
		{Kind: KindAccount, Account: "DU1", Version: 1, At: at0, AccountState: &AccountRow{
			AccountID: "DU1", AccountType: "PAPER", BaseCurrency: "USD", Cash: d("94999"), Commissions: d("1"),
		}},
		{Kind: KindSession, At: at0, Session: &SessionRow{SessionID: "s-1", RemoteAddr: "127.0.0.1:5000", Event: "closed"}},
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{name: "order", rec: Record{Kind: KindOrder, Order: &OrderRow{}}},
		{name: "order without payload", rec: Record{Kind: KindOrder}, wantErr: true},
		{name: "mismatched payload", rec: Record{Kind: KindExecution, Order: &OrderRow{}}, wantErr: true},
		{name: "unknown kind", rec: Record{Kind: "bogus"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecordKey(t *testing.T) {
	recs := sampleRecords()
	want := []string{"DU1", "e-1", "1", "1000", "DU1", "s-1"}
	for i, r := range recs {
		if got := r.Key(); got != want[i] {
			t.Errorf("record %d: got key %q, want %q", i, got, want[i])
		}
	}
}

func TestPebbleSink(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := NewPebbleSink(path)
	require.NoError(t, err)
	for _, r := range sampleRecords() {
		require.NoError(t, s.Record(ctx, r))
	}
	require.ErrorIs(t, s.Record(ctx, Record{Kind: KindOrder}), ErrBadRecord)

	acc, err := s.LoadAccount("DU1")
	require.NoError(t, err)
	require.Equal(t, "94999", acc.Cash.String())

	missing, err := s.LoadAccount("nobody")
	require.NoError(t, err)
	require.Nil(t, missing)

	orders, err := s.LoadOrders("DU1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "Filled", orders[0].Status)

	positions, err := s.LoadPositions("DU1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Position.Equal(decimal.NewFromInt(100)))

	execs, err := s.LoadExecutions("DU1")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, "e-1", execs[0].ExecID)

	recent, err := s.RecentRecords(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, KindSession, recent[0].Kind)
	require.Equal(t, KindAccount, recent[1].Kind)
	require.NoError(t, s.Close())

	// the log sequence resumes after reopen
	s, err = NewPebbleSink(path)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(6), s.seq)
	require.NoError(t, s.Record(ctx, sampleRecords()[1]))
	all, err := s.RecentRecords(100)
	require.NoError(t, err)
	require.Len(t, all, 7)
}

func TestFileWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	w, err := NewFileWAL(path)
	require.NoError(t, err)

	recs := sampleRecords()
	for _, r := range recs {
		require.NoError(t, w.Record(context.Background(), r))
	}
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadWAL(f)
	require.NoError(t, err)
	require.Len(t, got, len(recs))
	for i := range recs {
		require.Equal(t, recs[i].Kind, got[i].Kind)
		require.Equal(t, recs[i].Key(), got[i].Key())
	}
	require.True(t, got[4].AccountState.Cash.Equal(decimal.NewFromInt(94999)))
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteSink(filepath.Join(t.TempDir(), "twsim.db"))
	require.NoError(t, err)
	defer s.Close()

	for _, r := range sampleRecords() {
		require.NoError(t, s.Record(ctx, r))
	}

	tests := []struct {
		table string
		want  int
	}{
		{"accounts", 1},
		{"orders", 1},
		{"executions", 1},
		{"positions", 1},
		{"audit_log", 6},
	}
	for _, tt := range tests {
		got, err := s.CountRows(ctx, tt.table)
		require.NoError(t, err)
		if got != tt.want {
			t.Errorf("%s: got %d rows, want %d", tt.table, got, tt.want)
		}
	}
	_, err = s.CountRows(ctx, "sqlite_master; DROP TABLE orders")
	require.Error(t, err)

	status, err := s.OrderStatus(ctx, "DU1", 1)
	require.NoError(t, err)
	require.Equal(t, "Filled", status)

	// the same execution twice violates the primary key and leaves no audit row
	require.Error(t, s.Record(ctx, sampleRecords()[1]))
	n, err := s.CountRows(ctx, "audit_log")
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

type failingSink struct{ closed bool }

func (f *failingSink) Record(context.Context, Record) error { return errors.New("disk full") }
func (f *failingSink) Close() error                         { f.closed = true; return nil }

func TestMulti(t *testing.T) {
	bad := &failingSink{}
	m := Multi{Nop{}, bad}
	err := m.Record(context.Background(), sampleRecords()[0])
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, m.Close())
	require.True(t, bad.closed)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		backend string
		wal     string
		wantErr bool
	}{
		{name: "pebble with wal", backend: BackendPebble, wal: filepath.Join(dir, "a.log")},
		{name: "sqlite", backend: BackendSQLite},
		{name: "wal only", backend: BackendWAL, wal: filepath.Join(dir, "b.log")},
		{name: "none", backend: BackendNone, wal: filepath.Join(dir, "c.log")},
		{name: "unknown", backend: "mongo", wantErr: true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.backend, filepath.Join(dir, "db", string(rune('a'+i))), tt.wal)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			require.NoError(t, s.Record(context.Background(), sampleRecords()[0]))
			require.NoError(t, s.Close())
		})
	}
}

func TestReaderOf(t *testing.T) {
	_, ok := ReaderOf(Nop{})
	require.False(t, ok)

	p, err := NewPebbleSink(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer p.Close()

	r, ok := ReaderOf(Multi{Nop{}, p})
	require.True(t, ok)
	require.NoError(t, p.Record(context.Background(), sampleRecords()[0]))
	recs, err := r.RecentRecords(10)
	require.NoError(t, err)
	if len(recs) != 1 {
		t.Errorf("expected 1 record, got %d", len(recs))
	}
}
