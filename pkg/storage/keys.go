package storage

import (
	"fmt"
	"strconv"
)

// Key schema for Pebble storage. Numeric components are zero-padded to 20
// digits so keys sort numerically.
//
//   acc:<account>                  → latest AccountRow
//   pos:<account>:<conId>          → latest PositionRow
//   ord:<account>:<orderId>        → latest OrderRow
//   exec:<account>:<seq>:<execId>  → ExecutionRow
//   sess:<sessionId>:<seq>         → SessionRow
//   log:<seq>                      → Record, every write in order

// Key prefixes
const (
	prefixAccount   = "acc:"
	prefixPosition  = "pos:"
	prefixOrder     = "ord:"
	prefixExecution = "exec:"
	prefixSession   = "sess:"
	prefixLog       = "log:"
)

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

// accountKey returns the key for an account
// Format: "acc:{account}"
func accountKey(account string) []byte {
	return []byte(prefixAccount + account)
}

// positionKey returns the key for a position
// Format: "pos:{account}:{conId}"
func positionKey(account string, conID int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixPosition, account, conID))
}

// positionPrefix returns the prefix for all positions of an account
func positionPrefix(account string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPosition, account))
}

// orderKey returns the key for an order
// Format: "ord:{account}:{orderId}"
func orderKey(account string, orderID int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, account, orderID))
}

// orderPrefix returns the prefix for all orders of an account
func orderPrefix(account string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, account))
}

// executionKey returns the key for an execution
// Format: "exec:{account}:{seq}:{execId}"
func executionKey(account string, seq uint64, execID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixExecution, account, seq, execID))
}

// executionPrefix returns the prefix for all executions of an account
func executionPrefix(account string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixExecution, account))
}

// sessionKey returns the key for a session lifecycle event
func sessionKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixSession, sessionID, seq))
}

// logKey returns the key for an audit log entry
func logKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixLog, seq))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
