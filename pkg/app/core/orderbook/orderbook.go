// Package orderbook indexes working limit and stop orders per contract in
// price-time priority. It holds no quantities; the ledger is the source of
// truth and the execution engine consults the book only to decide which
// orders a new quote can touch, and in what order.
package orderbook

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
)

const degree = 32

// Entry is one resting order.
type Entry struct {
	Account string
	OrderID int64
	Side    account.Side
	Type    account.OrderType // LMT or STP
	Price   decimal.Decimal   // limit price, or stop trigger
	Seq     uint64            // submission sequence, lower is earlier
}

type key struct {
	account string
	id      int64
}

func (e Entry) key() key { return key{e.Account, e.OrderID} }

// tie-break on seq, then on identity so distinct orders never compare equal
func earlier(a, b Entry) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if a.Account != b.Account {
		return a.Account < b.Account
	}
	return a.OrderID < b.OrderID
}

// highFirst orders buy limits and sell stops: price descending, then time.
func highFirst(a, b Entry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return earlier(a, b)
}

// lowFirst orders sell limits and buy stops: price ascending, then time.
func lowFirst(a, b Entry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return earlier(a, b)
}

// Book holds the working orders of one contract.
type Book struct {
	conID int64

	mu        sync.RWMutex
	buyLimits *btree.BTreeG[Entry]
	sellLimit *btree.BTreeG[Entry]
	buyStops  *btree.BTreeG[Entry]
	sellStops *btree.BTreeG[Entry]
	index     map[key]Entry
}

// NewBook creates an empty book for a contract
func NewBook(conID int64) *Book {
	return &Book{
		conID:     conID,
		buyLimits: btree.NewG(degree, highFirst),
		sellLimit: btree.NewG(degree, lowFirst),
		buyStops:  btree.NewG(degree, lowFirst),
		sellStops: btree.NewG(degree, highFirst),
		index:     make(map[key]Entry),
	}
}

// ConID returns the contract the book belongs to
func (ob *Book) ConID() int64 { return ob.conID }

func (ob *Book) tree(e Entry) *btree.BTreeG[Entry] {
	switch {
	case e.Type == account.Stop && e.Side == account.Buy:
		return ob.buyStops
	case e.Type == account.Stop:
		return ob.sellStops
	case e.Side == account.Buy:
		return ob.buyLimits
	default:
		return ob.sellLimit
	}
}

// Add rests an order. Re-adding the same order replaces the old entry.
func (ob *Book) Add(e Entry) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if old, ok := ob.index[e.key()]; ok {
		ob.tree(old).Delete(old)
	}
	ob.tree(e).ReplaceOrInsert(e)
	ob.index[e.key()] = e
}

// Remove takes an order off the book. Returns false if it was not resting.
func (ob *Book) Remove(acct string, orderID int64) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	e, ok := ob.index[key{acct, orderID}]
	if !ok {
		return false
	}
	delete(ob.index, e.key())
	ob.tree(e).Delete(e)
	return true
}

// Contains reports whether an order is resting
func (ob *Book) Contains(acct string, orderID int64) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.index[key{acct, orderID}]
	return ok
}

// Len returns the number of resting orders
func (ob *Book) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.index)
}

// Marketable returns the limit orders a quote crosses, best price first then
// earliest: buys with limit >= ask, then sells with limit <= bid. A zero
// price on either side of the quote means that side is absent.
func (ob *Book) Marketable(bid, ask decimal.Decimal) (buys, sells []Entry) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if ask.IsPositive() {
		ob.buyLimits.Ascend(func(e Entry) bool {
			if e.Price.LessThan(ask) {
				return false
			}
			buys = append(buys, e)
			return true
		})
	}
	if bid.IsPositive() {
		ob.sellLimit.Ascend(func(e Entry) bool {
			if e.Price.GreaterThan(bid) {
				return false
			}
			sells = append(sells, e)
			return true
		})
	}
	return buys, sells
}

// Triggered returns the stop orders the last trade price sets off: buy stops
// at or below last, sell stops at or above last, in trigger-price order with
// earlier submissions first on ties.
func (ob *Book) Triggered(last decimal.Decimal) []Entry {
	if !last.IsPositive() {
		return nil
	}
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var out []Entry
	ob.buyStops.Ascend(func(e Entry) bool {
		if e.Price.GreaterThan(last) {
			return false
		}
		out = append(out, e)
		return true
	})
	ob.sellStops.Ascend(func(e Entry) bool {
		if e.Price.LessThan(last) {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// Entries returns every resting order, in no particular order
func (ob *Book) Entries() []Entry {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	out := make([]Entry, 0, len(ob.index))
	for _, e := range ob.index {
		out = append(out, e)
	}
	return out
}

// Books maps contract ids to their books.
type Books struct {
	mu    sync.RWMutex
	books map[int64]*Book
}

// NewBooks creates an empty set of books
func NewBooks() *Books {
	return &Books{books: make(map[int64]*Book)}
}

// Get returns the book for conID, creating it on first use
func (bs *Books) Get(conID int64) *Book {
	bs.mu.RLock()
	b, ok := bs.books[conID]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok = bs.books[conID]; ok {
		return b
	}
	b = NewBook(conID)
	bs.books[conID] = b
	return b
}

// Lookup returns the book for conID if one exists
func (bs *Books) Lookup(conID int64) (*Book, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	b, ok := bs.books[conID]
	return b, ok
}

// Resting returns the total number of resting orders across all books
func (bs *Books) Resting() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	n := 0
	for _, b := range bs.books {
		n += b.Len()
	}
	return n
}
