package account

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrAccountExists  = errors.New("account already exists")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrOrderTerminal  = errors.New("order is no longer active")
	ErrOverfill       = errors.New("fill exceeds remaining quantity")
	// ErrLockTimeout means the per-account mutation lock could not be taken
	// before the context ended.
	ErrLockTimeout = errors.New("account busy")
)

// OrderIDError reports a client-chosen order id below the account counter.
type OrderIDError struct {
	ID   int64
	Next int64
}

func (e *OrderIDError) Error() string {
	return fmt.Sprintf("order id %d already used (next valid id is %d)", e.ID, e.Next)
}

// InvariantError reports a committed state that breaks a ledger identity.
type InvariantError struct {
	Account string
	Reason  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("account %s invariant violated: %s", e.Account, e.Reason)
}
