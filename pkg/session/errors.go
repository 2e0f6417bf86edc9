package session

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/wire"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrLoginTimeout     = errors.New("login timeout")
	ErrIdleTimeout      = errors.New("idle timeout")
	ErrSlowConsumer     = errors.New("slow consumer")
	ErrWriteFailed      = errors.New("write failed")
	ErrShutdown         = errors.New("server shutting down")
)

// Kind classifies a session error.
type Kind int

const (
	// KindProtocol covers version mismatches, malformed frames and messages
	// out of sequence. Fatal.
	KindProtocol Kind = iota + 1
	// KindAuth is a failed login. Fatal.
	KindAuth
	// KindValidation is a request the engine or registry refused. The
	// session carries on.
	KindValidation
	// KindRateLimit is a throttled message. Fatal only once escalated.
	KindRateLimit
	// KindLedgerConflict is a mutation that could not commit; state was
	// reverted and the session carries on.
	KindLedgerConflict
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindLedgerConflict:
		return "ledger_conflict"
	default:
		return "unknown"
	}
}

// Error is a failure reported to the client as one ERR_MSG keyed to ReqID.
type Error struct {
	Kind      Kind
	Code      int
	ReqID     int64
	Msg       string
	Escalated bool // rate limiting gave up on the client
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error %d (req %d): %s: %v", e.Kind, e.Code, e.ReqID, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s error %d (req %d): %s", e.Kind, e.Code, e.ReqID, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the session must close after sending the error.
func (e *Error) Fatal() bool {
	return e.Kind == KindProtocol || e.Kind == KindAuth || e.Escalated
}

func protocolError(reqID int64, code int, msg string) *Error {
	return &Error{Kind: KindProtocol, Code: code, ReqID: reqID, Msg: msg}
}

func validationError(reqID int64, code int, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, ReqID: reqID, Msg: msg}
}

func noSecurityDef(reqID int64, err error) *Error {
	return &Error{
		Kind:  KindValidation,
		Code:  wire.CodeNoSecurityDef,
		ReqID: reqID,
		Msg:   "No security definition has been found for the request",
		Err:   err,
	}
}

// engineError maps an execution failure onto the taxonomy.
func engineError(reqID int64, err error) *Error {
	var oe *execution.OrderError
	if errors.As(err, &oe) {
		return &Error{Kind: KindValidation, Code: oe.Code, ReqID: reqID, Msg: orderErrorText(oe), Err: err}
	}
	return &Error{
		Kind:  KindLedgerConflict,
		Code:  wire.CodeInternalError,
		ReqID: reqID,
		Msg:   "Error processing request",
		Err:   err,
	}
}

func orderErrorText(oe *execution.OrderError) string {
	switch oe.Code {
	case wire.CodeDuplicateOrderID:
		return "Duplicate order id"
	case wire.CodeOrderNotFound:
		return fmt.Sprintf("Can't find order with id = %d", oe.OrderID)
	case wire.CodeNotCancellable:
		return fmt.Sprintf("Unable to cancel order %d: %v", oe.OrderID, oe.Err)
	case wire.CodeNoSecurityDef:
		return "No security definition has been found for the request"
	default:
		return fmt.Sprintf("Order rejected - reason: %v", oe.Err)
	}
}
