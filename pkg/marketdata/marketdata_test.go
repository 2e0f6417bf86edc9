package marketdata

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/twsim/pkg/app/core/market"
)

func newTestSimulator(t *testing.T) (*Simulator, *market.ContractRegistry) {
	t.Helper()
	reg := market.NewContractRegistry()
	sim := NewSimulator(Config{TickInterval: time.Millisecond, SpreadBps: 2, Seed: 42, RiskFreeRate: 0.05}, nil)
	sim.now = func() time.Time { return time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC) }
	reg.Watch(sim.Track)
	_, err := reg.RegisterContract(market.Contract{Symbol: "AAPL", SecType: market.Stock, InitialPrice: 190, Volatility: 0.25})
	require.NoError(t, err)
	return sim, reg
}

func TestSimulatorInitialQuote(t *testing.T) {
	sim, _ := newTestSimulator(t)

	q, err := sim.CurrentQuote(market.FirstConID)
	require.NoError(t, err)
	require.Equal(t, 190.0, q.Last)
	require.Less(t, q.Bid, q.Last)
	require.Greater(t, q.Ask, q.Last)
	require.Positive(t, q.BidSize)
	require.Positive(t, q.AskSize)

	_, err = sim.CurrentQuote(1)
	require.True(t, errors.Is(err, ErrNoQuote))
}

func TestSimulatorStepKeepsQuotesSane(t *testing.T) {
	sim, _ := newTestSimulator(t)

	for i := 0; i < 500; i++ {
		for _, q := range sim.Step(time.Second) {
			if q.Bid <= 0 || q.Ask <= q.Bid || q.Last <= 0 {
				t.Fatalf("step %d: bad quote %+v", i, q)
			}
			if q.Low > q.Last || q.High < q.Last {
				t.Fatalf("step %d: last %v outside [%v, %v]", i, q.Last, q.Low, q.High)
			}
		}
	}
	q, _ := sim.CurrentQuote(market.FirstConID)
	require.Equal(t, 190.0, q.Close)
	require.Positive(t, q.Volume)
}

func TestSimulatorDeterministicSeed(t *testing.T) {
	a, _ := newTestSimulator(t)
	b, _ := newTestSimulator(t)
	for i := 0; i < 20; i++ {
		qa, qb := a.Step(time.Second), b.Step(time.Second)
		require.Equal(t, qa, qb)
	}
}

func TestSimulatorPricesOptionsOffUnderlying(t *testing.T) {
	sim, reg := newTestSimulator(t)
	under, err := reg.Lookup("AAPL", market.Stock)
	require.NoError(t, err)

	call, err := reg.Option(under, "20261120", 190, "C")
	require.NoError(t, err)
	put, err := reg.Option(under, "20261120", 190, "P")
	require.NoError(t, err)

	cq, err := sim.CurrentQuote(call.ConID)
	require.NoError(t, err)
	pq, err := sim.CurrentQuote(put.ConID)
	require.NoError(t, err)

	// at the money, a month out: a few dollars each, call above put
	require.Greater(t, cq.Last, 1.0)
	require.Less(t, cq.Last, 20.0)
	require.Greater(t, cq.Last, pq.Last)

	quotes := sim.Step(time.Second)
	require.Len(t, quotes, 3)
	require.Equal(t, under.ConID, quotes[0].ConID)
}

func TestSimulatorRunDeliversToSubscribers(t *testing.T) {
	sim, _ := newTestSimulator(t)

	var got atomic.Int32
	cancel := sim.Subscribe(market.FirstConID, func(q Quote) { got.Add(1) })
	require.Equal(t, 1, sim.Subscribers())

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	require.Eventually(t, func() bool { return got.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	cancel()
	require.Equal(t, 0, sim.Subscribers())

	stop()
	require.NoError(t, <-done)
}

func TestStatic(t *testing.T) {
	src := NewStatic()
	_, err := src.CurrentQuote(1000)
	require.ErrorIs(t, err, ErrNoQuote)

	var seen []float64
	cancel := src.Subscribe(1000, func(q Quote) { seen = append(seen, q.Last) })
	src.Set(Quote{ConID: 1000, Bid: 49.99, Ask: 50.01, Last: 50})
	src.Set(Quote{ConID: 2000, Last: 1})
	cancel()
	src.Set(Quote{ConID: 1000, Last: 51})

	require.Equal(t, []float64{50}, seen)
	q, err := src.CurrentQuote(1000)
	require.NoError(t, err)
	require.Equal(t, 51.0, q.Last)
	require.False(t, q.Time.IsZero())
}

func TestQuoteMid(t *testing.T) {
	require.InDelta(t, 50.0, Quote{Bid: 49.99, Ask: 50.01}.Mid(), 1e-9)
	require.Equal(t, 7.0, Quote{Last: 7}.Mid())
	require.False(t, math.IsNaN(Quote{}.Mid()))
}
