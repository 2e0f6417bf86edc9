// Package gateway accepts TWS API connections and runs one session per
// connection, up to a configured cap.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/session"
)

var (
	// ErrAlreadyListening is returned when Listen is called twice.
	ErrAlreadyListening = errors.New("gateway: already listening")
	// ErrNotListening is returned when Serve is called before Listen.
	ErrNotListening = errors.New("gateway: not listening")
)

// Observer is told about connections turned away at the cap.
type Observer interface {
	ConnectionRejected()
}

// Listener owns the server socket and the live session set.
type Listener struct {
	server   params.Server
	protocol params.Protocol
	svc      session.Services
	logger   *zap.SugaredLogger
	observer Observer

	ln net.Listener

	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// Option configures a Listener
type Option func(*Listener)

// WithObserver sets the rejection observer
func WithObserver(o Observer) Option { return func(l *Listener) { l.observer = o } }

// New creates a listener. Nothing is bound until Listen.
func New(server params.Server, protocol params.Protocol, svc session.Services, logger *zap.SugaredLogger, opts ...Option) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Listener{
		server:   server,
		protocol: protocol,
		svc:      svc,
		logger:   logger,
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen binds the configured address.
func (l *Listener) Listen() error {
	if l.ln != nil {
		return ErrAlreadyListening
	}
	ln, err := net.Listen("tcp", l.server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.server.Addr(), err)
	}
	l.ln = ln
	l.logger.Infow("listener_started", "addr", ln.Addr().String(), "max_clients", l.server.MaxClients)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then stops every session
// and waits for them to finish teardown.
func (l *Listener) Serve(ctx context.Context) error {
	if l.ln == nil {
		return ErrNotListening
	}
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	sessCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.wg.Wait()
		l.logger.Infow("listener_stopped", "accepted", l.accepted.Load(), "rejected", l.rejected.Load())
	}()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// transient accept failure (e.g. out of file descriptors)
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			l.logger.Warnw("accept_failed", "err", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		l.admit(sessCtx, conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// admit starts a session for conn, or closes it at once when the cap is
// reached.
func (l *Listener) admit(ctx context.Context, conn net.Conn) {
	l.mu.Lock()
	if l.server.MaxClients > 0 && len(l.sessions) >= l.server.MaxClients {
		l.mu.Unlock()
		l.rejected.Add(1)
		if l.observer != nil {
			l.observer.ConnectionRejected()
		}
		l.logger.Warnw("max_clients_reached", "remote", conn.RemoteAddr().String(), "max_clients", l.server.MaxClients)
		conn.Close()
		return
	}
	sess := session.New(conn, l.protocol, l.svc, l.logger)
	l.sessions[sess.ID()] = sess
	l.wg.Add(1)
	l.mu.Unlock()
	l.accepted.Add(1)

	go func() {
		defer l.wg.Done()
		defer l.remove(sess.ID())
		if err := sess.Run(ctx); err != nil {
			l.logger.Infow("session_ended", "session", sess.ID(), "err", err)
		}
	}()
}

func (l *Listener) remove(id string) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
}

// Sessions lists live sessions ordered by connection time.
func (l *Listener) Sessions() []session.Info {
	l.mu.Lock()
	out := make([]session.Info, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s.Info())
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of live sessions
func (l *Listener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Rejected returns how many connections were turned away at the cap
func (l *Listener) Rejected() uint64 { return l.rejected.Load() }
