package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/auth"
	"github.com/uhyunpark/twsim/pkg/client"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/session"
	"github.com/uhyunpark/twsim/pkg/wire"
)

const waitTime = 2 * time.Second

type countingObserver struct{ n chan struct{} }

func (o countingObserver) ConnectionRejected() { o.n <- struct{}{} }

func newServices(t *testing.T) session.Services {
	t.Helper()
	registry, err := auth.NewRegistry(params.Auth{Accounts: []params.Account{{
		Username:       "trader",
		Password:       "secret",
		AccountID:      "DU200",
		InitialBalance: 50000,
	}}}, bcrypt.MinCost)
	require.NoError(t, err)

	contracts := market.NewContractRegistry()
	_, err = contracts.RegisterContract(market.Contract{Symbol: "MSFT", SecType: market.Stock, InitialPrice: 400})
	require.NoError(t, err)

	ledger := account.NewLedger()
	_, err = ledger.Open(context.Background(), account.Params{Code: "DU200", BaseCurrency: "USD", InitialCash: decimal.NewFromInt(50000)})
	require.NoError(t, err)

	quotes := marketdata.NewStatic()
	engine, err := execution.NewEngine(ledger, contracts, quotes, execution.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return session.Services{Auth: registry, Ledger: ledger, Engine: engine, Contracts: contracts, Quotes: quotes}
}

func startListener(t *testing.T, maxClients int, opts ...Option) *Listener {
	t.Helper()
	protocol := params.Default().Protocol
	protocol.HeartbeatInterval = 0
	protocol.FlushTimeout = time.Second

	l := New(params.Server{Host: "127.0.0.1", Port: 0, MaxClients: maxClients}, protocol, newServices(t), zap.NewNop().Sugar(), opts...)
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("listener did not stop")
		}
	})
	return l
}

func dialLogin(t *testing.T, l *Listener) *client.Conn {
	t.Helper()
	c, err := client.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	p := params.Default().Protocol
	_, err = c.Handshake(p.MinVersion, p.MaxVersion, waitTime)
	require.NoError(t, err)
	require.NoError(t, c.StartAPI(7, "trader", "secret"))
	_, _, err = c.WaitFor(waitTime, func(ev wire.Event) bool {
		e, ok := ev.(*wire.ErrMsg)
		return ok && e.Code == wire.CodeSecDefFarmOK
	})
	require.NoError(t, err)
	return c
}

func waitCount(t *testing.T, l *Listener, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return l.Count() == want }, waitTime, 10*time.Millisecond)
}

func TestListenTwice(t *testing.T) {
	l := New(params.Server{Host: "127.0.0.1"}, params.Default().Protocol, session.Services{}, nil)
	require.ErrorIs(t, l.Serve(context.Background()), ErrNotListening)
	require.NoError(t, l.Listen())
	defer l.ln.Close()
	require.ErrorIs(t, l.Listen(), ErrAlreadyListening)
}

func TestMaxClientsRejectsExtraConnections(t *testing.T) {
	obs := countingObserver{n: make(chan struct{}, 4)}
	l := startListener(t, 1, WithObserver(obs))

	first := dialLogin(t, l)
	waitCount(t, l, 1)

	second, err := client.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	p := params.Default().Protocol
	// refused, or a write error if the close wins the race
	_, err = second.Handshake(p.MinVersion, p.MaxVersion, waitTime)
	require.Error(t, err)
	require.NotErrorIs(t, err, client.ErrTimeout)

	select {
	case <-obs.n:
	case <-time.After(waitTime):
		t.Fatal("rejection not observed")
	}
	if got := l.Rejected(); got != 1 {
		t.Errorf("expected 1 rejected connection, got %d", got)
	}

	// the slot frees once the first client leaves
	require.NoError(t, first.Close())
	waitCount(t, l, 0)
	dialLogin(t, l)
	waitCount(t, l, 1)
}

func TestMalformedFrameDoesNotStopListener(t *testing.T) {
	l := startListener(t, 4)

	bad := dialLogin(t, l)
	waitCount(t, l, 1)

	payload := []byte("3\x00not-a-number\x00")
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	require.NoError(t, bad.WriteRaw(append(frame, payload...)))

	ev, _, err := bad.WaitFor(waitTime, func(ev wire.Event) bool {
		e, ok := ev.(*wire.ErrMsg)
		return ok && e.Code == wire.CodeReadError
	})
	require.NoError(t, err)
	require.EqualValues(t, wire.NoRequestID, ev.(*wire.ErrMsg).ReqID)

	for {
		if _, err := bad.Next(waitTime); err != nil {
			require.False(t, errors.Is(err, client.ErrTimeout), "session still open")
			break
		}
	}
	waitCount(t, l, 0)

	good := dialLogin(t, l)
	require.NoError(t, good.Send(&wire.ReqCurrentTime{}))
	_, _, err = good.WaitFor(waitTime, func(ev wire.Event) bool {
		_, ok := ev.(*wire.CurrentTime)
		return ok
	})
	require.NoError(t, err)
}

func TestSessionsListing(t *testing.T) {
	l := startListener(t, 4)
	dialLogin(t, l)
	dialLogin(t, l)
	waitCount(t, l, 2)

	infos := l.Sessions()
	require.Len(t, infos, 2)
	for _, info := range infos {
		if info.Account != "DU200" {
			t.Errorf("expected account DU200, got %q", info.Account)
		}
		if info.State != session.Active.String() {
			t.Errorf("expected state %s, got %s", session.Active, info.State)
		}
		if info.ClientID != 7 {
			t.Errorf("expected client id 7, got %d", info.ClientID)
		}
	}
	require.False(t, infos[1].ConnectedAt.Before(infos[0].ConnectedAt))
}
