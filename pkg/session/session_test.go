package session

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/auth"
	"github.com/uhyunpark/twsim/pkg/client"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/storage"
	"github.com/uhyunpark/twsim/pkg/util"
	"github.com/uhyunpark/twsim/pkg/wire"
)

const waitTime = 2 * time.Second

type memSink struct {
	mu   sync.Mutex
	recs []storage.Record
}

func (m *memSink) Record(_ context.Context, rec storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) sessionEvents(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.recs {
		if r.Kind == storage.KindSession && r.Session.SessionID == id {
			out = append(out, r.Session.Event)
		}
	}
	return out
}

type harness struct {
	cfg    params.Protocol
	svc    Services
	quotes *marketdata.Static
	aapl   *market.Contract
	sink   *memSink
}

func newHarness(t *testing.T, tweak func(*params.Protocol)) *harness {
	t.Helper()
	ctx := context.Background()

	registry, err := auth.NewRegistry(params.Auth{Accounts: []params.Account{{
		Username:       "trader",
		Password:       "secret",
		AccountID:      "DU100",
		AccountType:    "PAPER",
		InitialBalance: 100000,
		BaseCurrency:   "USD",
	}}}, bcrypt.MinCost)
	require.NoError(t, err)

	contracts := market.NewContractRegistry()
	aapl, err := contracts.RegisterContract(market.Contract{Symbol: "AAPL", SecType: market.Stock, InitialPrice: 50, Volatility: 0.2})
	require.NoError(t, err)

	ledger := account.NewLedger()
	_, err = ledger.Open(ctx, account.Params{Code: "DU100", Type: "PAPER", BaseCurrency: "USD", InitialCash: decimal.NewFromInt(100000)})
	require.NoError(t, err)

	quotes := marketdata.NewStatic()
	quotes.Set(marketdata.Quote{ConID: aapl.ConID, Bid: 49.99, Ask: 50, Last: 50, BidSize: 1000, AskSize: 1000})

	engine, err := execution.NewEngine(ledger, contracts, quotes, execution.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	cfg := params.Default().Protocol
	cfg.HeartbeatInterval = 0
	cfg.FlushTimeout = time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	sink := &memSink{}
	return &harness{
		cfg: cfg,
		svc: Services{
			Auth:      registry,
			Ledger:    ledger,
			Engine:    engine,
			Contracts: contracts,
			Quotes:    quotes,
			Sink:      sink,
			Clock:     util.RealClock{},
		},
		quotes: quotes,
		aapl:   aapl,
		sink:   sink,
	}
}

type conn struct {
	*client.Conn
	sess *Session

	done     chan error
	waitOnce sync.Once
	result   error
}

// wait returns what Run returned.
func (c *conn) wait(t *testing.T) error {
	t.Helper()
	c.waitOnce.Do(func() {
		select {
		case c.result = <-c.done:
		case <-time.After(5 * time.Second):
			t.Fatal("session did not stop")
		}
	})
	return c.result
}

func (h *harness) connect(t *testing.T) *conn {
	t.Helper()
	srv, cli := net.Pipe()
	c := &conn{
		Conn: client.New(cli),
		sess: New(srv, h.cfg, h.svc, zap.NewNop().Sugar()),
		done: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { c.done <- c.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		cli.Close()
		c.wait(t)
	})
	return c
}

func (h *harness) login(t *testing.T) (*conn, int64) {
	t.Helper()
	c := h.connect(t)
	_, err := c.Handshake(h.cfg.MinVersion, h.cfg.MaxVersion, waitTime)
	require.NoError(t, err)
	require.NoError(t, c.StartAPI(1, "trader", "secret"))
	next := expect[*wire.NextValidID](t, c)
	expectError(t, c, wire.CodeSecDefFarmOK)
	return c, next.OrderID
}

func expect[T wire.Event](t *testing.T, c *conn) T {
	t.Helper()
	ev, skipped, err := c.WaitFor(waitTime, func(ev wire.Event) bool {
		_, ok := ev.(T)
		return ok
	})
	require.NoError(t, err, "skipped %d events", len(skipped))
	return ev.(T)
}

func expectError(t *testing.T, c *conn, code int) *wire.ErrMsg {
	t.Helper()
	ev, skipped, err := c.WaitFor(waitTime, func(ev wire.Event) bool {
		e, ok := ev.(*wire.ErrMsg)
		return ok && e.Code == code
	})
	require.NoError(t, err, "no error %d; skipped %v", code, skipped)
	return ev.(*wire.ErrMsg)
}

func expectClosed(t *testing.T, c *conn) {
	t.Helper()
	for {
		_, err := c.Next(waitTime)
		if err == nil {
			continue
		}
		require.NotErrorIs(t, err, client.ErrTimeout, "connection still open")
		return
	}
}

func aaplContract() wire.Contract {
	return wire.Contract{Symbol: "AAPL", SecType: "STK", Exchange: "SMART", Currency: "USD"}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name       string
		clientMin  int
		clientMax  int
		serverMin  int
		serverMax  int
		want       int
		wantAccept bool
	}{
		{"overlap picks lower max", 100, 187, 100, 176, 176, true},
		{"client max wins", 100, 150, 100, 176, 150, true},
		{"single version", 176, 176, 100, 176, 176, true},
		{"client too old", 10, 20, 100, 176, 0, false},
		{"client too new", 180, 190, 100, 176, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Negotiate(wire.Handshake{MinVersion: tt.clientMin, MaxVersion: tt.clientMax}, tt.serverMin, tt.serverMax)
			if ok != tt.wantAccept || got != tt.want {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.want, tt.wantAccept, got, ok)
			}
		})
	}
}

func TestNegotiateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sMin := rapid.IntRange(1, 200).Draw(t, "sMin")
		sMax := rapid.IntRange(sMin, 250).Draw(t, "sMax")
		cMin := rapid.IntRange(1, 250).Draw(t, "cMin")
		cMax := rapid.IntRange(cMin, 300).Draw(t, "cMax")

		v, ok := Negotiate(wire.Handshake{MinVersion: cMin, MaxVersion: cMax}, sMin, sMax)
		overlap := min(cMax, sMax) >= max(cMin, sMin)
		if ok != overlap {
			t.Fatalf("expected accept=%v for client [%d,%d] server [%d,%d]", overlap, cMin, cMax, sMin, sMax)
		}
		if !ok {
			return
		}
		if v != min(cMax, sMax) {
			t.Fatalf("expected version %d, got %d", min(cMax, sMax), v)
		}
		if v < cMin || v > cMax || v < sMin || v > sMax {
			t.Fatalf("version %d outside client [%d,%d] or server [%d,%d]", v, cMin, cMax, sMin, sMax)
		}
	})
}

func TestLoginSequence(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	hello, err := c.Handshake(100, 200, waitTime)
	require.NoError(t, err)
	require.Equal(t, h.cfg.MaxVersion, hello.Version)
	require.NoError(t, c.StartAPI(7, "trader", "secret"))

	var got []wire.Event
	for len(got) < 5 {
		ev, err := c.Next(waitTime)
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.IsType(t, &wire.NextValidID{}, got[0])
	require.Positive(t, got[0].(*wire.NextValidID).OrderID)
	require.Equal(t, &wire.ManagedAccts{Accounts: "DU100"}, got[1])
	for i, code := range []int{wire.CodeMarketDataFarmOK, wire.CodeHistFarmOK, wire.CodeSecDefFarmOK} {
		e, ok := got[2+i].(*wire.ErrMsg)
		require.True(t, ok, "event %d is %T", 2+i, got[2+i])
		require.Equal(t, code, e.Code)
		require.EqualValues(t, wire.NoRequestID, e.ReqID)
	}

	info := c.sess.Info()
	require.Equal(t, "Active", info.State)
	require.Equal(t, "DU100", info.Account)
	require.Equal(t, 7, info.ClientID)

	require.NoError(t, c.Close())
	require.NoError(t, c.wait(t))
	require.Equal(t, Closed, c.sess.State())
	require.Equal(t, []string{"connected", "active", "closed"}, h.sink.sessionEvents(c.sess.ID()))
	require.Zero(t, h.svc.Ledger.Subscribers("DU100"))
}

func TestVersionMismatch(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	_, err := c.Handshake(10, 20, waitTime)
	require.ErrorIs(t, err, client.ErrRefused)

	ev, err := c.Next(waitTime)
	require.NoError(t, err)
	require.Equal(t, wire.CodeUpdateTWS, ev.(*wire.ErrMsg).Code)

	var se *Error
	require.ErrorAs(t, c.wait(t), &se)
	require.Equal(t, KindProtocol, se.Kind)
}

func TestAuthFailure(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)
	_, err := c.Handshake(100, 176, waitTime)
	require.NoError(t, err)

	require.NoError(t, c.StartAPI(1, "trader", "wrong"))
	e := expectError(t, c, wire.CodeAuthFailed)
	require.EqualValues(t, wire.NoRequestID, e.ReqID)
	expectClosed(t, c)

	var se *Error
	require.ErrorAs(t, c.wait(t), &se)
	require.Equal(t, KindAuth, se.Kind)
	require.ErrorIs(t, se, auth.ErrInvalidCredentials)
}

func TestRequestBeforeStartAPI(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)
	_, err := c.Handshake(100, 176, waitTime)
	require.NoError(t, err)

	require.NoError(t, c.Send(&wire.ReqCurrentTime{}))
	expectError(t, c, wire.CodeReadError)
	expectClosed(t, c)
}

func TestLoginTimeout(t *testing.T) {
	h := newHarness(t, func(p *params.Protocol) { p.LoginTimeout = 100 * time.Millisecond })
	c := h.connect(t)
	_, err := c.Handshake(100, 176, waitTime)
	require.NoError(t, err)

	expectError(t, c, wire.CodeSessionTerminated)
	require.ErrorIs(t, c.wait(t), ErrLoginTimeout)
}

func TestIdleTimeout(t *testing.T) {
	h := newHarness(t, func(p *params.Protocol) { p.IdleTimeout = 150 * time.Millisecond })
	c, _ := h.login(t)

	expectError(t, c, wire.CodeSessionTerminated)
	require.ErrorIs(t, c.wait(t), ErrIdleTimeout)
}

func TestHeartbeat(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := util.NewManualClock(start)
	h := newHarness(t, func(p *params.Protocol) { p.HeartbeatInterval = 30 * time.Second })
	h.svc.Clock = clock
	c, _ := h.login(t)

	// once this answer arrives the heartbeat timer is armed
	require.NoError(t, c.Send(&wire.ReqCurrentTime{}))
	require.Equal(t, start.Unix(), expect[*wire.CurrentTime](t, c).Time)

	clock.Advance(30 * time.Second)
	require.Equal(t, start.Add(30*time.Second).Unix(), expect[*wire.CurrentTime](t, c).Time)
}

func TestMarketOrderRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	c, next := h.login(t)

	require.NoError(t, c.Send(&wire.PlaceOrder{
		OrderID:   next,
		Contract:  aaplContract(),
		Action:    wire.ActionBuy,
		TotalQty:  100,
		OrderType: "MKT",
		Transmit:  true,
	}))

	exec := expect[*wire.ExecutionData](t, c)
	require.EqualValues(t, wire.NoRequestID, exec.ReqID)
	require.Equal(t, next, exec.OrderID)
	require.Equal(t, "BOT", exec.Side)
	require.Equal(t, 100.0, exec.Shares)
	require.Equal(t, 100.0, exec.CumQty)
	require.GreaterOrEqual(t, exec.Price, 50.0)
	require.Equal(t, h.aapl.ConID, exec.Contract.ConID)

	report := expect[*wire.CommissionReport](t, c)
	require.Equal(t, exec.ExecID, report.ExecID)
	require.Positive(t, report.Commission)
	require.Equal(t, "USD", report.Currency)

	status := expect[*wire.OrderStatus](t, c)
	require.Equal(t, "Filled", status.Status)
	require.Equal(t, 100.0, status.Filled)
	require.Zero(t, status.Remaining)

	require.NoError(t, c.Send(&wire.ReqPositions{}))
	pos := expect[*wire.PositionData](t, c)
	require.Equal(t, "DU100", pos.Account)
	require.Equal(t, 100.0, pos.Position)
	expect[*wire.PositionEnd](t, c)

	require.NoError(t, c.Send(&wire.ReqExecutions{ReqID: 42, Filter: wire.ExecutionFilter{Symbol: "AAPL", Side: "BUY"}}))
	again := expect[*wire.ExecutionData](t, c)
	require.EqualValues(t, 42, again.ReqID)
	require.Equal(t, exec.ExecID, again.ExecID)
	require.EqualValues(t, 42, expect[*wire.ExecutionDataEnd](t, c).ReqID)

	require.NoError(t, c.Send(&wire.ReqExecutions{ReqID: 43, Filter: wire.ExecutionFilter{Side: "SELL"}}))
	ev, err := c.Next(waitTime)
	require.NoError(t, err)
	require.Equal(t, &wire.ExecutionDataEnd{ReqID: 43}, ev)
}

func TestOrderErrorsKeyedToOrderID(t *testing.T) {
	h := newHarness(t, nil)
	c, next := h.login(t)

	require.NoError(t, c.Send(&wire.PlaceOrder{
		OrderID:   next,
		Contract:  wire.Contract{Symbol: "NOPE", SecType: "STK"},
		Action:    wire.ActionBuy,
		TotalQty:  10,
		OrderType: "MKT",
	}))
	e := expectError(t, c, wire.CodeNoSecurityDef)
	require.Equal(t, next, e.ReqID)
	status := expect[*wire.OrderStatus](t, c)
	require.Equal(t, next, status.OrderID)
	require.Equal(t, "Inactive", status.Status)

	require.NoError(t, c.Send(&wire.CancelOrder{OrderID: 999}))
	e = expectError(t, c, wire.CodeOrderNotFound)
	require.EqualValues(t, 999, e.ReqID)

	// the session survives validation errors
	require.NoError(t, c.Send(&wire.ReqCurrentTime{}))
	expect[*wire.CurrentTime](t, c)
	require.Equal(t, Active, c.sess.State())
}

func TestLimitOrderCancel(t *testing.T) {
	h := newHarness(t, nil)
	c, next := h.login(t)

	require.NoError(t, c.Send(&wire.PlaceOrder{
		OrderID:   next,
		Contract:  aaplContract(),
		Action:    wire.ActionBuy,
		TotalQty:  10,
		OrderType: "LMT",
		LmtPrice:  45,
	}))
	status := expect[*wire.OrderStatus](t, c)
	require.Equal(t, "Submitted", status.Status)

	require.NoError(t, c.Send(&wire.ReqOpenOrders{}))
	open := expect[*wire.OpenOrder](t, c)
	require.Equal(t, next, open.OrderID)
	require.Equal(t, 45.0, open.LmtPrice)
	expect[*wire.OpenOrderEnd](t, c)

	require.NoError(t, c.Send(&wire.CancelOrder{OrderID: next}))
	status = expect[*wire.OrderStatus](t, c)
	require.Equal(t, "Cancelled", status.Status)

	require.NoError(t, c.Send(&wire.CancelOrder{OrderID: next}))
	e := expectError(t, c, wire.CodeNotCancellable)
	require.Equal(t, next, e.ReqID)
}

func TestRateLimitAnswersWithErrors(t *testing.T) {
	h := newHarness(t, func(p *params.Protocol) {
		p.MessageRateLimit = 3
		p.RateLimitEscalation = 0
	})
	c, _ := h.login(t)

	const sent = 10
	for i := 0; i < sent; i++ {
		require.NoError(t, c.Send(&wire.ReqCurrentTime{}))
	}
	answered, throttled := 0, 0
	for answered+throttled < sent {
		ev, err := c.Next(waitTime)
		require.NoError(t, err)
		switch e := ev.(type) {
		case *wire.CurrentTime:
			answered++
		case *wire.ErrMsg:
			require.Equal(t, wire.CodeMaxRateExceeded, e.Code)
			throttled++
		}
	}
	require.GreaterOrEqual(t, answered, 3)
	require.Positive(t, throttled)

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, c.Send(&wire.ReqCurrentTime{}))
	expect[*wire.CurrentTime](t, c)
	require.Equal(t, Active, c.sess.State())
}

func TestMarketDataStream(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.login(t)

	require.NoError(t, c.Send(&wire.ReqMktData{ReqID: 7, Contract: aaplContract()}))
	first := expect[*wire.TickPrice](t, c)
	require.EqualValues(t, 7, first.ReqID)
	require.Equal(t, wire.TickBid, first.TickType)
	require.Equal(t, 49.99, first.Price)
	require.Equal(t, 1, c.sess.Info().Subscriptions)

	h.quotes.Set(marketdata.Quote{ConID: h.aapl.ConID, Bid: 50.5, Ask: 50.6, Last: 51, BidSize: 100, AskSize: 100})
	ev, _, err := c.WaitFor(waitTime, func(ev wire.Event) bool {
		tp, ok := ev.(*wire.TickPrice)
		return ok && tp.TickType == wire.TickLast && tp.Price == 51
	})
	require.NoError(t, err)
	require.EqualValues(t, 7, ev.(*wire.TickPrice).ReqID)

	require.NoError(t, c.Send(&wire.ReqMktData{ReqID: 7, Contract: aaplContract()}))
	require.EqualValues(t, 7, expectError(t, c, wire.CodeInternalError).ReqID)

	require.NoError(t, c.Send(&wire.CancelMktData{ReqID: 7}))
	require.NoError(t, c.Send(&wire.CancelMktData{ReqID: 7}))
	require.EqualValues(t, 7, expectError(t, c, wire.CodeUnknownTickerID).ReqID)

	require.NoError(t, c.Send(&wire.ReqMktData{ReqID: 8, Contract: aaplContract(), Snapshot: true}))
	require.EqualValues(t, 8, expect[*wire.TickSnapshotEnd](t, c).ReqID)
	require.Zero(t, c.sess.Info().Subscriptions)

	require.NoError(t, c.Send(&wire.ReqMktData{ReqID: 9, Contract: wire.Contract{Symbol: "NOPE", SecType: "STK"}}))
	require.EqualValues(t, 9, expectError(t, c, wire.CodeNoSecurityDef).ReqID)
}

func TestOptionMarketData(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.login(t)

	require.NoError(t, c.Send(&wire.ReqSecDefOptParams{ReqID: 3, UnderlyingSymbol: "AAPL", UnderlyingSecType: "STK"}))
	chain := expect[*wire.SecDefOptParams](t, c)
	require.Equal(t, h.aapl.ConID, chain.UnderlyingConID)
	require.Equal(t, "100", chain.Multiplier)
	require.NotEmpty(t, chain.Expirations)
	require.NotEmpty(t, chain.Strikes)
	expect[*wire.SecDefOptParamsEnd](t, c)

	opt := wire.Contract{
		Symbol:        "AAPL",
		SecType:       "OPT",
		LastTradeDate: chain.Expirations[len(chain.Expirations)-1],
		Strike:        chain.Strikes[len(chain.Strikes)/2],
		Right:         "C",
	}
	require.NoError(t, c.Send(&wire.ReqContractData{ReqID: 4, Contract: opt}))
	cd := expect[*wire.ContractData](t, c)
	require.Equal(t, "OPT", cd.Contract.SecType)
	require.Equal(t, h.aapl.ConID, cd.UnderConID)
	expect[*wire.ContractDataEnd](t, c)

	// no option quote yet: greeks come off the underlying and the
	// configured volatility
	h.quotes.Set(marketdata.Quote{ConID: cd.Contract.ConID, Last: 3})
	require.NoError(t, c.Send(&wire.ReqMktData{ReqID: 5, Contract: opt}))
	greeks := expect[*wire.TickOptionComputation](t, c)
	require.EqualValues(t, 5, greeks.ReqID)
	require.Equal(t, 50.0, greeks.UndPrice)
	require.Greater(t, greeks.Delta, 0.0)
	require.Less(t, greeks.Delta, 1.0)
	require.Positive(t, greeks.OptPrice)
}

func TestAccountUpdates(t *testing.T) {
	h := newHarness(t, nil)
	c, next := h.login(t)

	require.NoError(t, c.Send(&wire.ReqAcctData{Subscribe: true, AccountCode: "DU100"}))
	ev, skipped, err := c.WaitFor(waitTime, func(ev wire.Event) bool {
		av, ok := ev.(*wire.AcctValue)
		return ok && av.Key == "NetLiquidation"
	})
	require.NoError(t, err, "skipped %v", skipped)
	require.Equal(t, "100000.00", ev.(*wire.AcctValue).Value)
	expect[*wire.AcctUpdateTime](t, c)
	require.Equal(t, "DU100", expect[*wire.AcctDownloadEnd](t, c).Account)

	require.NoError(t, c.Send(&wire.PlaceOrder{OrderID: next, Contract: aaplContract(), Action: wire.ActionBuy, TotalQty: 10, OrderType: "MKT"}))
	pv := expect[*wire.PortfolioValue](t, c)
	require.Equal(t, 10.0, pv.Position)
	require.Equal(t, "DU100", pv.Account)
	expect[*wire.AcctUpdateTime](t, c)

	require.NoError(t, c.Send(&wire.ReqAcctData{Subscribe: true, AccountCode: "DU999"}))
	expectError(t, c, wire.CodeValidateError)
}

func rawFrame(fields ...string) []byte {
	var payload []byte
	for _, f := range fields {
		payload = append(payload, f...)
		payload = append(payload, 0)
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	return append(out, payload...)
}

func TestMalformedFrameClosesSession(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		code  int
	}{
		{"bad field", rawFrame("3", "not-a-number"), wire.CodeReadError},
		{"field count", rawFrame("49", "1", "extra"), wire.CodeReadError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			c, _ := h.login(t)

			require.NoError(t, c.WriteRaw(tt.frame))
			e := expectError(t, c, tt.code)
			require.EqualValues(t, wire.NoRequestID, e.ReqID)
			expectClosed(t, c)

			var se *Error
			require.ErrorAs(t, c.wait(t), &se)
			require.Equal(t, KindProtocol, se.Kind)
		})
	}
}

func TestUnknownMessageKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.login(t)

	// REQ_MARKET_DATA_TYPE, then REQ_MKT_DEPTH: both unhandled
	require.NoError(t, c.WriteRaw(rawFrame("59", "1", "3")))
	e := expectError(t, c, wire.CodeUnknownID)
	require.EqualValues(t, wire.NoRequestID, e.ReqID)
	require.NoError(t, c.WriteRaw(rawFrame("10", "5", "1")))
	expectError(t, c, wire.CodeUnknownID)

	require.NoError(t, c.Send(&wire.ReqCurrentTime{}))
	expect[*wire.CurrentTime](t, c)
	require.Equal(t, Active, c.sess.State())
}

func TestUnknownMessageBeforeLoginCloses(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)
	_, err := c.Handshake(100, 176, waitTime)
	require.NoError(t, err)

	require.NoError(t, c.WriteRaw(rawFrame("59", "1", "3")))
	expectError(t, c, wire.CodeUnknownID)
	expectClosed(t, c)

	var se *Error
	require.ErrorAs(t, c.wait(t), &se)
	require.Equal(t, KindProtocol, se.Kind)
}

func TestHistoricalDataIsEmpty(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.login(t)

	require.NoError(t, c.Send(&wire.ReqHistoricalData{
		ReqID:       11,
		Contract:    aaplContract(),
		EndDateTime: "20261016 16:00:00",
		BarSize:     "1 min",
		Duration:    "1 D",
		UseRTH:      true,
		WhatToShow:  "TRADES",
		FormatDate:  1,
	}))
	hist := expect[*wire.HistoricalData](t, c)
	require.EqualValues(t, 11, hist.ReqID)
	require.Empty(t, hist.Bars)

	require.NoError(t, c.Send(&wire.ReqHistoricalData{ReqID: 12, Contract: wire.Contract{Symbol: "NOPE", SecType: "STK"}}))
	require.EqualValues(t, 12, expectError(t, c, wire.CodeNoSecurityDef).ReqID)
	require.Equal(t, Active, c.sess.State())
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, func(p *params.Protocol) { p.HandshakeTimeout = 100 * time.Millisecond })
	c := h.connect(t)

	require.ErrorIs(t, c.wait(t), ErrHandshakeTimeout)
	require.Equal(t, Closed, c.sess.State())
	require.Equal(t, []string{"connected", "closed"}, h.sink.sessionEvents(c.sess.ID()))
}

func TestRateLimitEscalationCloses(t *testing.T) {
	h := newHarness(t, func(p *params.Protocol) {
		p.MessageRateLimit = 2
		p.RateLimitEscalation = 1
	})
	c, _ := h.login(t)

	// first window: throttled but still served
	const burst = 5
	for i := 0; i < burst; i++ {
		require.NoError(t, c.Send(&wire.ReqCurrentTime{}))
	}
	throttled := 0
	for got := 0; got < burst; got++ {
		ev, err := c.Next(waitTime)
		require.NoError(t, err)
		if e, ok := ev.(*wire.ErrMsg); ok {
			require.Equal(t, wire.CodeMaxRateExceeded, e.Code)
			throttled++
		}
	}
	require.Positive(t, throttled)
	require.Equal(t, Active, c.sess.State())

	// second consecutive window with violations closes the session
	time.Sleep(1100 * time.Millisecond)
	for i := 0; i < burst; i++ {
		if err := c.Send(&wire.ReqCurrentTime{}); err != nil {
			break
		}
	}
	expectError(t, c, wire.CodeMaxRateExceeded)
	expectClosed(t, c)

	var se *Error
	require.ErrorAs(t, c.wait(t), &se)
	require.Equal(t, KindRateLimit, se.Kind)
	require.True(t, se.Escalated)
}

func TestSlowConsumerDisconnected(t *testing.T) {
	h := newHarness(t, func(p *params.Protocol) { p.OutboundQueue = 2 })
	srv, cli := net.Pipe()
	t.Cleanup(func() { cli.Close() })
	sess := New(srv, h.cfg, h.svc, nil)

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()

	// log in and never read: the writer blocks on the pipe and the queue
	// fills while the login answer is queued
	go func() {
		cli.Write(wire.EncodeHandshake(wire.Handshake{MinVersion: 100, MaxVersion: 176}))
		cli.Write(wire.Encode(&wire.StartAPI{ClientID: 1, OptionalCapabilities: "trader:secret"}))
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSlowConsumer)
	case <-time.After(5 * time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
	require.Equal(t, Closed, sess.State())
	require.Zero(t, h.svc.Ledger.Subscribers("DU100"))
}

func TestShutdownNotifiesClient(t *testing.T) {
	h := newHarness(t, nil)
	srv, cli := net.Pipe()
	c := client.New(cli)
	t.Cleanup(func() { c.Close() })
	sess := New(srv, h.cfg, h.svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	_, err := c.Handshake(100, 176, waitTime)
	require.NoError(t, err)
	require.NoError(t, c.StartAPI(1, "trader", "secret"))
	_, _, err = c.WaitFor(waitTime, func(ev wire.Event) bool {
		e, ok := ev.(*wire.ErrMsg)
		return ok && e.Code == wire.CodeSecDefFarmOK
	})
	require.NoError(t, err)

	cancel()
	_, _, err = c.WaitFor(waitTime, func(ev wire.Event) bool {
		e, ok := ev.(*wire.ErrMsg)
		return ok && e.Code == wire.CodeSessionTerminated
	})
	require.NoError(t, err)
	require.ErrorIs(t, <-done, ErrShutdown)
}

// Every request the decoder accepts must reach a handler.
func TestDispatchCoversEveryRequest(t *testing.T) {
	h := newHarness(t, nil)
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })

	s := New(srv, h.cfg, h.svc, nil)
	s.identity = auth.Identity{Username: "trader", AccountCode: "DU100", BaseCurrency: "USD"}
	s.setState(Active)

	for _, id := range wire.RequestIDs() {
		req, ok := wire.NewRequest(id)
		require.True(t, ok)
		// drain so a chatty handler cannot overflow the queue
		for len(s.out) > 0 {
			<-s.out
		}
		err := s.dispatch(context.Background(), req)
		if errors.Is(err, errUnhandled) {
			t.Errorf("message %d (%T) has no handler", id, req)
		}
	}
}
