package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/session"
	"github.com/uhyunpark/twsim/pkg/storage"
)

type fixture struct {
	ledger *account.Ledger
	engine *execution.Engine
	quotes *marketdata.Static
	aapl   *market.Contract
	srv    *Server
	http   *httptest.Server
}

type fakeSessions []session.Info

func (f fakeSessions) Sessions() []session.Info { return f }
func (f fakeSessions) Count() int               { return len(f) }

type fakeAudit []storage.Record

func (f fakeAudit) RecentRecords(limit int) ([]storage.Record, error) {
	if limit < len(f) {
		return f[:limit], nil
	}
	return f, nil
}

func newFixture(t *testing.T, deps func(*Deps)) *fixture {
	t.Helper()
	ctx := context.Background()

	contracts := market.NewContractRegistry()
	aapl, err := contracts.RegisterContract(market.Contract{Symbol: "AAPL", SecType: market.Stock, InitialPrice: 50})
	require.NoError(t, err)

	ledger := account.NewLedger()
	_, err = ledger.Open(ctx, account.Params{Code: "DU1", Type: "PAPER", BaseCurrency: "USD", InitialCash: decimal.NewFromInt(100000)})
	require.NoError(t, err)

	quotes := marketdata.NewStatic()
	quotes.Set(marketdata.Quote{ConID: aapl.ConID, Bid: 49.99, Ask: 50, Last: 50, BidSize: 1000, AskSize: 1000})

	stream := NewStream(ledger, contracts, quotes, zap.NewNop().Sugar())
	engine, err := execution.NewEngine(ledger, contracts, quotes, execution.DefaultConfig(), execution.WithObserver(stream))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	d := Deps{Ledger: ledger, Engine: engine, Contracts: contracts, Quotes: quotes, Stream: stream}
	if deps != nil {
		deps(&d)
	}
	srv := NewServer(params.Admin{AllowedOrigins: []string{"http://localhost:3000"}}, d, zap.NewNop().Sugar())

	hubCtx, cancel := context.WithCancel(context.Background())
	go stream.Run(hubCtx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return &fixture{ledger: ledger, engine: engine, quotes: quotes, aapl: aapl, srv: srv, http: ts}
}

func (f *fixture) buy(t *testing.T, qty int64) *account.Order {
	t.Helper()
	id, err := f.ledger.NextValidID("DU1")
	require.NoError(t, err)
	o, err := f.engine.Place(context.Background(), "DU1", execution.OrderRequest{
		OrderID: id,
		ConID:   f.aapl.ConID,
		Side:    account.Buy,
		Type:    account.Market,
		Qty:     decimal.NewFromInt(qty),
	})
	require.NoError(t, err)
	return o
}

func getJSON(t *testing.T, url string, status int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != status {
		t.Fatalf("GET %s: expected status %d, got %d", url, status, resp.StatusCode)
	}
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Sessions = fakeSessions{{ID: "a"}, {ID: "b"}} })
	var h HealthResponse
	getJSON(t, f.http.URL+"/health", http.StatusOK, &h)
	require.Equal(t, "ok", h.Status)
	require.Equal(t, 2, h.Sessions)
	require.Equal(t, 1, h.Accounts)
	require.Equal(t, 1, h.Contracts)
}

func TestAccountEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.buy(t, 100)

	var accounts []AccountInfo
	getJSON(t, f.http.URL+"/api/v1/accounts", http.StatusOK, &accounts)
	require.Len(t, accounts, 1)

	var acc AccountInfo
	getJSON(t, f.http.URL+"/api/v1/accounts/DU1", http.StatusOK, &acc)
	if acc.Code != "DU1" || acc.Type != "PAPER" {
		t.Errorf("expected DU1/PAPER, got %s/%s", acc.Code, acc.Type)
	}
	require.Equal(t, 1, acc.OpenPositions)
	require.True(t, acc.Commissions.IsPositive(), "commission charged")
	require.True(t, acc.TotalCashValue.LessThan(decimal.NewFromInt(95000)))

	var positions []PositionInfo
	getJSON(t, f.http.URL+"/api/v1/accounts/DU1/positions", http.StatusOK, &positions)
	require.Len(t, positions, 1)
	require.Equal(t, f.aapl.ConID, positions[0].ConID)
	require.True(t, positions[0].Position.Equal(decimal.NewFromInt(100)))
	require.True(t, positions[0].MarkPrice.Equal(decimal.NewFromInt(50)))

	var orders []OrderInfo
	getJSON(t, f.http.URL+"/api/v1/accounts/DU1/orders", http.StatusOK, &orders)
	require.Len(t, orders, 1)
	require.Equal(t, account.Filled.String(), orders[0].Status)
	require.Equal(t, "BUY", orders[0].Action)

	getJSON(t, f.http.URL+"/api/v1/accounts/DU1/orders?status=open", http.StatusOK, &orders)
	require.Empty(t, orders)

	getJSON(t, f.http.URL+"/api/v1/accounts/DU1/orders?status=bogus", http.StatusBadRequest, nil)
	getJSON(t, f.http.URL+"/api/v1/accounts/NOPE", http.StatusNotFound, nil)
}

func TestContractEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	base := f.http.URL + "/api/v1/contracts/" + strconv.FormatInt(f.aapl.ConID, 10)

	var list []ContractInfo
	getJSON(t, f.http.URL+"/api/v1/contracts?secType=stk", http.StatusOK, &list)
	require.Len(t, list, 1)
	getJSON(t, f.http.URL+"/api/v1/contracts?secType=OPT", http.StatusOK, &list)
	require.Empty(t, list)

	resp, err := http.Post(base+"/halt", "application/json", nil)
	require.NoError(t, err)
	var c ContractInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	resp.Body.Close()
	require.Equal(t, market.Halted.String(), c.Status)

	id, err := f.ledger.NextValidID("DU1")
	require.NoError(t, err)
	_, err = f.engine.Place(context.Background(), "DU1", execution.OrderRequest{
		OrderID: id, ConID: f.aapl.ConID, Side: account.Buy, Type: account.Market, Qty: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, execution.ErrHalted)

	resp, err = http.Post(base+"/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	getJSON(t, base, http.StatusOK, &c)
	require.Equal(t, market.Active.String(), c.Status)

	getJSON(t, f.http.URL+"/api/v1/contracts/999999", http.StatusNotFound, nil)
}

func TestQuoteEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	var q QuoteInfo
	getJSON(t, f.http.URL+"/api/v1/quotes/"+strconv.FormatInt(f.aapl.ConID, 10), http.StatusOK, &q)
	require.Equal(t, 49.99, q.Bid)
	require.Equal(t, 50.0, q.Ask)
	getJSON(t, f.http.URL+"/api/v1/quotes/42", http.StatusNotFound, nil)
}

func TestSessionsAndAudit(t *testing.T) {
	f := newFixture(t, nil)
	var infos []session.Info
	getJSON(t, f.http.URL+"/api/v1/sessions", http.StatusOK, &infos)
	require.Empty(t, infos)
	getJSON(t, f.http.URL+"/api/v1/audit", http.StatusNotImplemented, nil)

	recs := fakeAudit{
		{Kind: storage.KindSession, Session: &storage.SessionRow{SessionID: "s1", Event: "closed"}},
		{Kind: storage.KindSession, Session: &storage.SessionRow{SessionID: "s1", Event: "active"}},
	}
	f = newFixture(t, func(d *Deps) {
		d.Audit = recs
		d.Sessions = fakeSessions{{ID: "s2", State: "Active", Account: "DU1"}}
	})
	getJSON(t, f.http.URL+"/api/v1/sessions", http.StatusOK, &infos)
	require.Len(t, infos, 1)
	require.Equal(t, "DU1", infos[0].Account)

	var got []storage.Record
	getJSON(t, f.http.URL+"/api/v1/audit?limit=1", http.StatusOK, &got)
	require.Len(t, got, 1)
	require.Equal(t, "closed", got[0].Session.Event)
	getJSON(t, f.http.URL+"/api/v1/audit?limit=-3", http.StatusBadRequest, nil)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/v1/accounts", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: channels}))
}

// readType reads messages until one has the wanted "type" field.
func readType(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(msg, &head))
		if head.Type == want {
			return msg
		}
	}
}

func TestWebSocketStreamsFillsAndQuotes(t *testing.T) {
	f := newFixture(t, nil)
	hub := f.srv.stream.Hub()
	conn := dialWS(t, f)

	quotes := "quotes:" + strconv.FormatInt(f.aapl.ConID, 10)
	subscribe(t, conn, "fills:DU1", "orders:DU1", quotes)
	require.Eventually(t, func() bool { return hub.Feeds() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.quotes.Subscribers())

	f.quotes.Set(marketdata.Quote{ConID: f.aapl.ConID, Bid: 50.1, Ask: 50.2, Last: 50.15, BidSize: 1000, AskSize: 1000})
	var qu QuoteUpdate
	require.NoError(t, json.Unmarshal(readType(t, conn, "quote"), &qu))
	require.Equal(t, 50.1, qu.Quote.Bid)

	o := f.buy(t, 10)
	var fu FillUpdate
	require.NoError(t, json.Unmarshal(readType(t, conn, "fill"), &fu))
	require.Equal(t, o.ID, fu.OrderID)
	require.Equal(t, "BOT", fu.Side)
	require.True(t, fu.Quantity.Equal(decimal.NewFromInt(10)))

	// dropping the last subscriber stops the quote feed
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "unsubscribe", Channels: []string{quotes}}))
	require.Eventually(t, func() bool { return f.quotes.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 && hub.Feeds() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsUnknownChannels(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialWS(t, f)

	for _, ch := range []string{"trades:AAPL", "fills:NOPE", "quotes:abc"} {
		subscribe(t, conn, ch)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var e ErrorResponse
		require.NoError(t, conn.ReadJSON(&e))
		require.Equal(t, "subscribe failed", e.Error)
		require.True(t, strings.HasPrefix(e.Message, ch), "message %q names the channel", e.Message)
	}
	require.Equal(t, 0, f.srv.stream.Hub().Feeds())
}
