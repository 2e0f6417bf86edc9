package account

import (
	"errors"
	"sync"
)

// ErrSlowConsumer is the close reason for a subscriber whose inbox overflowed.
var ErrSlowConsumer = errors.New("slow consumer")

// Subscription receives an account's deltas in commit order.
type Subscription struct {
	name    string
	account string
	ch      chan Delta
	done    chan struct{}

	once sync.Once
	err  error
}

// C delivers deltas. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Delta { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns ErrSlowConsumer if the ledger dropped the subscriber, nil after
// a normal Detach. Only meaningful once Done is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Account returns the subscribed account code.
func (s *Subscription) Account() string { return s.account }

// offer queues deltas without blocking and reports whether all fit.
func (s *Subscription) offer(deltas []Delta) bool {
	for _, d := range deltas {
		select {
		case s.ch <- d:
		default:
			return false
		}
	}
	return true
}

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
		close(s.done)
	})
}
