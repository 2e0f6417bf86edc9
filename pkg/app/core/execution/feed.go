package execution

import (
	"sync"

	"github.com/uhyunpark/twsim/pkg/marketdata"
)

// quoteFeed hands quotes for one contract from the market-data fan-out to a
// worker goroutine. Only the latest quote is kept; a quote that arrives while
// the worker is busy replaces any quote still waiting.
type quoteFeed struct {
	unsubscribe func()
	kick        chan struct{}
	stop        chan struct{}

	mu     sync.Mutex
	latest marketdata.Quote
	seq    uint64 // quotes offered
	done   uint64 // seq of the last quote evaluated
}

func newQuoteFeed() *quoteFeed {
	return &quoteFeed{
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// offer never blocks
func (f *quoteFeed) offer(q marketdata.Quote) {
	f.mu.Lock()
	f.latest = q
	f.seq++
	f.mu.Unlock()
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *quoteFeed) take() (marketdata.Quote, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.seq
}

func (f *quoteFeed) finish(seq uint64) {
	f.mu.Lock()
	f.done = seq
	f.mu.Unlock()
}

// settled reports whether every offered quote has been evaluated
func (f *quoteFeed) settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done == f.seq
}

// runFeed evaluates quotes for one contract until the feed is stopped.
func (e *Engine) runFeed(f *quoteFeed) {
	defer e.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case <-f.kick:
			q, seq := f.take()
			e.evaluate(q)
			f.finish(seq)
		}
	}
}
