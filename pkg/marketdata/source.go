// Package marketdata produces the quotes the execution engine fills against
// and sessions stream to clients.
package marketdata

import (
	"errors"
	"sync"
	"time"
)

// ErrNoQuote is returned for a contract the source has never priced.
var ErrNoQuote = errors.New("no quote for contract")

// Quote is the top of book for one contract.
type Quote struct {
	ConID    int64
	Bid      float64
	Ask      float64
	Last     float64
	BidSize  float64
	AskSize  float64
	LastSize float64
	Volume   float64
	High     float64
	Low      float64
	Close    float64 // previous close
	Time     time.Time
}

// Mid returns the midpoint, or Last if either side is missing.
func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return q.Last
	}
	return (q.Bid + q.Ask) / 2
}

// Source is a market-data provider. Callbacks passed to Subscribe run on the
// provider's fan-out goroutine and must not block.
type Source interface {
	CurrentQuote(conID int64) (Quote, error)
	Subscribe(conID int64, fn func(Quote)) (cancel func())
}

// subscribers is the callback registry shared by the sources.
type subscribers struct {
	mu   sync.RWMutex
	next uint64
	subs map[int64]map[uint64]func(Quote)
}

func (s *subscribers) add(conID int64, fn func(Quote)) func() {
	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int64]map[uint64]func(Quote))
	}
	id := s.next
	s.next++
	if s.subs[conID] == nil {
		s.subs[conID] = make(map[uint64]func(Quote))
	}
	s.subs[conID][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[conID], id)
			if len(s.subs[conID]) == 0 {
				delete(s.subs, conID)
			}
		})
	}
}

func (s *subscribers) deliver(q Quote) {
	s.mu.RLock()
	fns := make([]func(Quote), 0, len(s.subs[q.ConID]))
	for _, fn := range s.subs[q.ConID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(q)
	}
}

func (s *subscribers) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.subs {
		n += len(m)
	}
	return n
}

// Static serves quotes set by hand. Set delivers to subscribers
// synchronously on the caller's goroutine.
type Static struct {
	mu     sync.RWMutex
	quotes map[int64]Quote
	subs   subscribers
}

// NewStatic creates an empty static source
func NewStatic() *Static {
	return &Static{quotes: make(map[int64]Quote)}
}

// Set replaces the quote for q.ConID and notifies subscribers.
func (s *Static) Set(q Quote) {
	if q.Time.IsZero() {
		q.Time = time.Now()
	}
	s.mu.Lock()
	s.quotes[q.ConID] = q
	s.mu.Unlock()
	s.subs.deliver(q)
}

// CurrentQuote returns the last quote set for conID
func (s *Static) CurrentQuote(conID int64) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[conID]
	if !ok {
		return Quote{}, ErrNoQuote
	}
	return q, nil
}

// Subscribe registers fn for future quotes on conID
func (s *Static) Subscribe(conID int64, fn func(Quote)) func() {
	return s.subs.add(conID, fn)
}

// Subscribers returns the number of live subscriptions
func (s *Static) Subscribers() int { return s.subs.count() }
