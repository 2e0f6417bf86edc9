package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/pkg/analytics"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
)

// tradingYear is the number of seconds of trading in a year (252 × 6.5h).
const tradingYear = 252 * 6.5 * 3600

// Config tunes the simulator.
type Config struct {
	TickInterval time.Duration
	SpreadBps    float64 // full bid/ask spread in basis points of price
	Seed         int64   // 0 picks a time-based seed
	RiskFreeRate float64 // used to price options
}

type walk struct {
	conID   int64
	vol     float64
	minTick float64
	quote   Quote
}

type derived struct {
	conID   int64
	under   int64
	strike  float64
	expiry  time.Time
	call    bool
	vol     float64
	minTick float64
	quote   Quote
}

// Simulator moves each underlying along a geometric random walk and prices
// options off their underlying with Black-Scholes. One goroutine (Run) drives
// time and fans quotes out to subscribers.
type Simulator struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	rng     *rand.Rand
	walks   map[int64]*walk
	options map[int64]*derived
	now     func() time.Time

	subs subscribers
}

// NewSimulator creates a simulator with no instruments.
func NewSimulator(cfg Config, logger *zap.SugaredLogger) *Simulator {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Simulator{
		cfg:     cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		walks:   make(map[int64]*walk),
		options: make(map[int64]*derived),
		now:     time.Now,
	}
}

// Track starts pricing c. Underlyings start at their initial price; options
// follow their underlying, which must already be tracked.
func (s *Simulator) Track(c *market.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.IsOption() {
		s.trackOption(c)
		return
	}
	if _, ok := s.walks[c.ConID]; ok {
		return
	}
	price := c.InitialPrice
	if price <= 0 {
		price = 100
	}
	vol := c.Volatility
	if vol <= 0 {
		vol = 0.2
	}
	w := &walk{conID: c.ConID, vol: vol, minTick: c.MinTick}
	w.quote = s.quoteAround(w.conID, price, w.minTick, s.now())
	w.quote.High, w.quote.Low, w.quote.Close = price, price, price
	s.walks[c.ConID] = w
	s.logger.Debugw("marketdata_tracking", "conId", c.ConID, "symbol", c.Symbol, "price", price)
}

func (s *Simulator) trackOption(c *market.Contract) {
	if _, ok := s.options[c.ConID]; ok {
		return
	}
	under, ok := s.walks[c.UnderlyingConID]
	if !ok {
		s.logger.Warnw("marketdata_option_without_underlying", "conId", c.ConID, "underlying", c.UnderlyingConID)
		return
	}
	exp, err := c.ExpiryTime()
	if err != nil {
		s.logger.Warnw("marketdata_bad_expiry", "conId", c.ConID, "err", err)
		return
	}
	vol := c.Volatility
	if vol <= 0 {
		vol = under.vol
	}
	d := &derived{
		conID:   c.ConID,
		under:   c.UnderlyingConID,
		strike:  c.Strike,
		expiry:  exp,
		call:    c.Right == "C",
		vol:     vol,
		minTick: c.MinTick,
	}
	d.quote = s.priceOption(d, under.quote, s.now())
	d.quote.Close = d.quote.Last
	s.options[c.ConID] = d
}

func (s *Simulator) optionInputs(d *derived, spot float64, now time.Time) analytics.Inputs {
	return analytics.Inputs{
		Spot:   spot,
		Strike: d.strike,
		T:      analytics.YearFraction(d.expiry.Sub(now).Seconds()),
		Rate:   s.cfg.RiskFreeRate,
		Vol:    d.vol,
		Call:   d.call,
	}
}

func (s *Simulator) priceOption(d *derived, under Quote, now time.Time) Quote {
	g := analytics.Compute(s.optionInputs(d, under.Last, now))
	price := math.Max(g.Price, d.minTick)
	q := s.quoteAround(d.conID, price, d.minTick, now)
	q.High = math.Max(d.quote.High, q.Last)
	if d.quote.Low == 0 || q.Last < d.quote.Low {
		q.Low = q.Last
	} else {
		q.Low = d.quote.Low
	}
	q.Close = d.quote.Close
	q.Volume = d.quote.Volume
	return q
}

// quoteAround builds a quote with last at price and a spread around it.
// Caller holds s.mu.
func (s *Simulator) quoteAround(conID int64, price, tick float64, now time.Time) Quote {
	if tick <= 0 {
		tick = 0.01
	}
	last := math.Max(math.Round(price/tick)*tick, tick)
	half := math.Max(math.Round(last*s.cfg.SpreadBps/2e4/tick)*tick, tick)
	bid := math.Max(last-half, tick)
	return Quote{
		ConID:    conID,
		Bid:      round(bid, tick),
		Ask:      round(last+half, tick),
		Last:     round(last, tick),
		BidSize:  float64(100 * (1 + s.rng.Intn(10))),
		AskSize:  float64(100 * (1 + s.rng.Intn(10))),
		LastSize: float64(100 * (1 + s.rng.Intn(5))),
		Time:     now,
	}
}

func round(v, tick float64) float64 {
	// trim float noise from the tick multiplication
	return math.Round(math.Round(v/tick)*tick*1e8) / 1e8
}

// Step advances every instrument by dt and returns the new quotes ordered by
// contract id. Subscribers are not notified; Run does that.
func (s *Simulator) Step(dt time.Duration) []Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	years := dt.Seconds() / tradingYear
	out := make([]Quote, 0, len(s.walks)+len(s.options))

	for _, w := range s.sortedWalks() {
		z := s.rng.NormFloat64()
		price := w.quote.Last * math.Exp(-0.5*w.vol*w.vol*years+w.vol*math.Sqrt(years)*z)
		q := s.quoteAround(w.conID, price, w.minTick, now)
		q.Volume = w.quote.Volume + q.LastSize
		q.High = math.Max(w.quote.High, q.Last)
		q.Low = math.Min(w.quote.Low, q.Last)
		q.Close = w.quote.Close
		w.quote = q
		out = append(out, q)
	}
	for _, d := range s.sortedOptions() {
		q := s.priceOption(d, s.walks[d.under].quote, now)
		q.Volume += q.LastSize
		d.quote = q
		out = append(out, q)
	}
	return out
}

func (s *Simulator) sortedWalks() []*walk {
	ws := make([]*walk, 0, len(s.walks))
	for _, w := range s.walks {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].conID < ws[j].conID })
	return ws
}

func (s *Simulator) sortedOptions() []*derived {
	ds := make([]*derived, 0, len(s.options))
	for _, d := range s.options {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].conID < ds[j].conID })
	return ds
}

// Run ticks until ctx is done, delivering each step's quotes to subscribers.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Infow("marketdata_started", "interval", s.cfg.TickInterval, "seed", s.cfg.Seed)
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("marketdata_stopped")
			return nil
		case <-ticker.C:
			for _, q := range s.Step(s.cfg.TickInterval) {
				s.subs.deliver(q)
			}
		}
	}
}

// CurrentQuote returns the latest quote for conID
func (s *Simulator) CurrentQuote(conID int64) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.walks[conID]; ok {
		return w.quote, nil
	}
	if d, ok := s.options[conID]; ok {
		return d.quote, nil
	}
	return Quote{}, ErrNoQuote
}

// Subscribe registers fn for every future quote on conID
func (s *Simulator) Subscribe(conID int64, fn func(Quote)) func() {
	return s.subs.add(conID, fn)
}

// Subscribers returns the number of live subscriptions
func (s *Simulator) Subscribers() int { return s.subs.count() }
