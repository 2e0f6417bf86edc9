package execution

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownContract  = errors.New("unknown contract")
	ErrHalted           = errors.New("contract is halted")
	ErrBadQuantity      = errors.New("quantity out of range")
	ErrBadOrderType     = errors.New("unsupported order type")
	ErrBadPrice         = errors.New("missing or invalid price")
	ErrBuyingPower      = errors.New("insufficient buying power")
	ErrNoLiquidity      = errors.New("no quote to fill against")
	ErrAlreadyFilled    = errors.New("order already filled")
	ErrAlreadyCancelled = errors.New("order already cancelled")
)

// OrderError is a refused placement or cancel, carrying the TWS error code
// the session reports to the client. Recorded is set when the order was
// written to the ledger as Rejected.
type OrderError struct {
	OrderID  int64
	Code     int
	Recorded bool
	Err      error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %d: %v", e.OrderID, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// Code returns the TWS error code carried by err, or 0.
func Code(err error) int {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return 0
}
