package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/gateway"
	"github.com/uhyunpark/twsim/pkg/session"
)

var (
	_ session.Observer   = (*Metrics)(nil)
	_ execution.Observer = (*Metrics)(nil)
	_ gateway.Observer   = (*Metrics)(nil)
)

func TestSessionCounters(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("client")
	m.MessageIn(71)
	m.MessageIn(71)
	m.MessageOut(9)
	m.Throttled()
	m.ConnectionRejected()

	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsClosed.WithLabelValues("client")); got != 1 {
		t.Errorf("expected 1 client close, got %v", got)
	}
	if got := testutil.ToFloat64(m.messagesIn.WithLabelValues("71")); got != 2 {
		t.Errorf("expected 2 inbound START_API, got %v", got)
	}
	require.Equal(t, 1.0, testutil.ToFloat64(m.throttled))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connectionsRejected))
}

func TestExecutionCounters(t *testing.T) {
	m := New()
	o := &account.Order{ID: 1}
	m.OrderPlaced(o)
	m.OrderPlaced(o)
	m.OrderRejected(o)
	m.OrderCancelled(o)
	m.Filled("DU1", &account.Fill{
		Qty:        decimal.NewFromInt(100),
		Price:      decimal.NewFromInt(50),
		Commission: decimal.NewFromInt(1),
	})

	require.Equal(t, 2.0, testutil.ToFloat64(m.orders.WithLabelValues("placed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("rejected")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fills))
	require.Equal(t, 100.0, testutil.ToFloat64(m.fillVolume))
	require.Equal(t, 5000.0, testutil.ToFloat64(m.notional))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commissions))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	if !strings.Contains(string(body), "twsim_sessions_active 1") {
		t.Errorf("expected twsim_sessions_active in output, got:\n%s", body)
	}
}
