// Package client is a minimal TWS API client: handshake, START_API, request
// encoding and a background event reader. The probe tool and the session
// tests drive the server through it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/uhyunpark/twsim/pkg/wire"
)

var (
	// ErrTimeout is returned when no matching event arrives in time.
	ErrTimeout = errors.New("timed out waiting for event")
	// ErrRefused is returned by Handshake when the server closes instead of
	// greeting. Its error events remain readable through Next.
	ErrRefused = errors.New("server refused handshake")
)

// Conn is one client connection.
type Conn struct {
	conn net.Conn

	writeMu sync.Mutex

	hello  chan wire.ServerHello
	events chan wire.Event
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// New wraps an established connection. Call Handshake before anything else.
func New(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		hello:  make(chan wire.ServerHello, 1),
		events: make(chan wire.Event, 4096),
		done:   make(chan struct{}),
	}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// Handshake offers [minVersion, maxVersion] and waits for the server hello.
// Events the server sends instead of a hello (a version error) stay
// readable through Next.
func (c *Conn) Handshake(minVersion, maxVersion int, timeout time.Duration) (wire.ServerHello, error) {
	go c.readLoop()
	if err := c.WriteRaw(wire.EncodeHandshake(wire.Handshake{MinVersion: minVersion, MaxVersion: maxVersion})); err != nil {
		return wire.ServerHello{}, err
	}
	select {
	case h := <-c.hello:
		return h, nil
	case <-c.done:
		select {
		case h := <-c.hello:
			return h, nil
		default:
		}
		return wire.ServerHello{}, fmt.Errorf("%w: %v", ErrRefused, c.Err())
	case <-time.After(timeout):
		if err := c.Err(); err != nil {
			return wire.ServerHello{}, err
		}
		return wire.ServerHello{}, ErrTimeout
	}
}

// StartAPI logs in with the given credentials.
func (c *Conn) StartAPI(clientID int, user, password string) error {
	caps := ""
	if user != "" || password != "" {
		caps = user + ":" + password
	}
	return c.Send(&wire.StartAPI{ClientID: clientID, OptionalCapabilities: caps})
}

// Send encodes and writes one request.
func (c *Conn) Send(req wire.Request) error {
	return c.WriteRaw(wire.Encode(req))
}

// WriteRaw writes bytes as they are.
func (c *Conn) WriteRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// Events is closed when the connection ends; Err then reports why.
func (c *Conn) Events() <-chan wire.Event { return c.events }

// Err returns the read error that ended the connection (io.EOF on a clean
// close), or nil while it is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Next returns the next event.
func (c *Conn) Next(timeout time.Duration) (wire.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return nil, c.Err()
		}
		return ev, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// WaitFor skips events until match returns true. The skipped events are
// returned alongside.
func (c *Conn) WaitFor(timeout time.Duration, match func(wire.Event) bool) (wire.Event, []wire.Event, error) {
	deadline := time.Now().Add(timeout)
	var skipped []wire.Event
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, skipped, ErrTimeout
		}
		ev, err := c.Next(left)
		if err != nil {
			return nil, skipped, err
		}
		if match(ev) {
			return ev, skipped, nil
		}
		skipped = append(skipped, ev)
	}
}

// Close closes the connection.
func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	close(c.events)
	close(c.done)
}

func (c *Conn) readLoop() {
	var buf []byte
	chunk := make([]byte, 4096)
	greeted := false
	for {
		for len(buf) > 0 {
			if !greeted {
				h, n, err := wire.DecodeServerHello(buf)
				if err == nil {
					buf = buf[n:]
					greeted = true
					c.hello <- h
					continue
				}
				if errors.Is(err, wire.ErrNeedMoreData) {
					break
				}
				// not a hello: the server refused the handshake
			}
			ev, n, err := wire.DecodeEvent(buf)
			if errors.Is(err, wire.ErrNeedMoreData) {
				break
			}
			if err != nil {
				c.conn.Close()
				c.fail(err)
				return
			}
			buf = buf[n:]
			c.events <- ev
		}

		n, err := c.conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil && n == 0 {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = io.EOF
			}
			c.fail(err)
			return
		}
	}
}
