package account

import "github.com/google/btree"

const orderDegree = 16

func byOrderID(a, b *Order) bool { return a.ID < b.ID }

// OrderSet holds an account's orders keyed by id. Copies share structure and
// only the nodes a mutation writes to are duplicated, so a mutation costs the
// orders it touches rather than every order the account has recorded.
//
// A published OrderSet is read-only. Writes happen on a copy inside a Tx.
type OrderSet struct {
	tree *btree.BTreeG[*Order]
}

// NewOrderSet builds a set holding orders
func NewOrderSet(orders ...*Order) OrderSet {
	s := OrderSet{tree: btree.NewG(orderDegree, byOrderID)}
	for _, o := range orders {
		s.tree.ReplaceOrInsert(o)
	}
	return s
}

// Get returns the order with the given id
func (s OrderSet) Get(id int64) (*Order, bool) {
	if s.tree == nil {
		return nil, false
	}
	return s.tree.Get(&Order{ID: id})
}

// Len returns the number of orders in every state
func (s OrderSet) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

// Ascend calls fn for each order in id order until fn returns false.
func (s OrderSet) Ascend(fn func(o *Order) bool) {
	if s.tree == nil {
		return
	}
	s.tree.Ascend(fn)
}

// All returns every order in id order
func (s OrderSet) All() []*Order {
	out := make([]*Order, 0, s.Len())
	s.Ascend(func(o *Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// clone returns a copy that shares nodes with s until either side writes.
// btree's Clone only swaps the source's copy-on-write marker, which readers
// of a published set never touch.
func (s OrderSet) clone() OrderSet {
	if s.tree == nil {
		return NewOrderSet()
	}
	return OrderSet{tree: s.tree.Clone()}
}

func (s *OrderSet) put(o *Order) {
	if s.tree == nil {
		*s = NewOrderSet()
	}
	s.tree.ReplaceOrInsert(o)
}
