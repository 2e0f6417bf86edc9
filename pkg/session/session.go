// Package session runs one client connection through the TWS API life
// cycle: handshake, login, the active request loop and teardown.
//
// Each session owns three goroutines. The reader turns socket bytes into
// decoded requests. The worker (the goroutine that called Run) is the only
// one that processes requests, ledger deltas and market-data ticks, in
// arrival order, and the only one that queues outbound frames. The writer is
// the only one that writes to the socket.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/params"
	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/auth"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/ratelimit"
	"github.com/uhyunpark/twsim/pkg/storage"
	"github.com/uhyunpark/twsim/pkg/util"
	"github.com/uhyunpark/twsim/pkg/wire"
)

// State is a session's position in its life cycle.
type State int32

const (
	AwaitingHandshake State = iota
	Negotiated
	Authenticating
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case Negotiated:
		return "Negotiated"
	case Authenticating:
		return "Authenticating"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Observer is told about session traffic. Implementations must not block.
type Observer interface {
	SessionOpened()
	SessionClosed(reason string)
	MessageIn(msgID int)
	MessageOut(msgID int)
	Throttled()
}

type nopObserver struct{}

func (nopObserver) SessionOpened()       {}
func (nopObserver) SessionClosed(string) {}
func (nopObserver) MessageIn(int)        {}
func (nopObserver) MessageOut(int)       {}
func (nopObserver) Throttled()           {}

// Services are the shared components sessions drive.
type Services struct {
	Auth         *auth.Registry
	Ledger       *account.Ledger
	Engine       *execution.Engine
	Contracts    *market.ContractRegistry
	Quotes       marketdata.Source
	Sink         storage.Sink
	Clock        util.Clock
	Observer     Observer
	RiskFreeRate float64
}

// Info is a point-in-time view of a session for the admin API.
type Info struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	State         string    `json:"state"`
	Account       string    `json:"account,omitempty"`
	ClientID      int       `json:"clientId"`
	Version       int       `json:"version,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Subscriptions int       `json:"subscriptions"`
}

type inbound struct {
	req wire.Request
	err error
}

type tick struct {
	reqID int64
	quote marketdata.Quote
}

const (
	readChunk   = 4096
	tickBacklog = 1024
)

// Session is one client connection.
type Session struct {
	id     string
	conn   net.Conn
	cfg    params.Protocol
	svc    Services
	logger *zap.SugaredLogger

	limiter *ratelimit.Limiter
	state   atomic.Int32

	connectedAt time.Time

	// reader-owned after the handshake
	buf   []byte
	chunk []byte

	out        chan []byte
	overflow   bool
	writerDone chan struct{}
	broken     chan struct{}
	brokenOnce sync.Once
	ticks      chan tick
	dropped    atomic.Uint64

	quit          chan struct{}
	readerDone    chan struct{}
	readerStarted bool

	// worker-owned
	identity     auth.Identity
	clientID     int
	version      int
	sub          *account.Subscription
	pendingFills []*account.Fill
	mktData      map[int64]*mdSub
	acctUpdates  bool

	infoMu sync.RWMutex
	info   Info

	closeOnce sync.Once
}

// New wraps an accepted connection. Call Run to serve it.
func New(conn net.Conn, cfg params.Protocol, svc Services, logger *zap.SugaredLogger) *Session {
	if svc.Clock == nil {
		svc.Clock = util.RealClock{}
	}
	if svc.Observer == nil {
		svc.Observer = nopObserver{}
	}
	if svc.Sink == nil {
		svc.Sink = storage.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 1024
	}
	id := uuid.NewString()
	now := time.Now()
	s := &Session{
		id:          id,
		conn:        conn,
		cfg:         cfg,
		svc:         svc,
		logger:      logger.With("session", id, "remote", conn.RemoteAddr().String()),
		limiter:     ratelimit.New(ratelimit.Config{MessagesPerSecond: cfg.MessageRateLimit, EscalateAfter: cfg.RateLimitEscalation}),
		connectedAt: now,
		chunk:       make([]byte, readChunk),
		out:         make(chan []byte, cfg.OutboundQueue),
		writerDone:  make(chan struct{}),
		broken:      make(chan struct{}),
		ticks:       make(chan tick, tickBacklog),
		quit:        make(chan struct{}),
		readerDone:  make(chan struct{}),
		mktData:     make(map[int64]*mdSub),
		info: Info{
			ID:          id,
			RemoteAddr:  conn.RemoteAddr().String(),
			State:       AwaitingHandshake.String(),
			ConnectedAt: now,
		},
	}
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// State returns the current life-cycle state
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.infoMu.Lock()
	s.info.State = st.String()
	s.infoMu.Unlock()
}

// Info returns a snapshot of the session for display.
func (s *Session) Info() Info {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

func (s *Session) updateInfo(fn func(*Info)) {
	s.infoMu.Lock()
	fn(&s.info)
	s.infoMu.Unlock()
}

// Run serves the connection until the client leaves, a fatal error occurs or
// ctx is cancelled. Teardown runs on every path. A clean client disconnect
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.svc.Observer.SessionOpened()
	s.record("connected", "")
	s.logger.Infow("session_connected")

	go s.writeLoop()
	err := s.serve(ctx)
	s.shutdown(err)

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Session) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	err := s.handshake()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return ErrShutdown
		}
		var se *Error
		if errors.As(err, &se) {
			s.sendError(se.ReqID, se.Code, se.Msg)
		}
		return err
	}

	in := make(chan inbound, 16)
	s.readerStarted = true
	go s.readLoop(in)

	login := newTimer(s.cfg.LoginTimeout)
	defer stopTimer(login)
	var idle *time.Timer
	defer func() { stopTimer(idle) }()
	var heartbeat <-chan time.Time

	for {
		var deltas <-chan account.Delta
		if s.sub != nil {
			deltas = s.sub.C()
		}

		select {
		case <-ctx.Done():
			s.sendError(wire.NoRequestID, wire.CodeSessionTerminated, "Session terminated: server shutting down")
			return ErrShutdown

		case <-s.broken:
			return ErrWriteFailed

		case <-timerC(login):
			s.sendError(wire.NoRequestID, wire.CodeSessionTerminated, "Session terminated: login timeout")
			return ErrLoginTimeout

		case <-timerC(idle):
			s.sendError(wire.NoRequestID, wire.CodeSessionTerminated, "Session terminated: idle timeout")
			return ErrIdleTimeout

		case m, ok := <-in:
			if !ok {
				return io.EOF
			}
			var err error
			switch {
			case m.err == nil:
				err = s.handle(ctx, m.req)
			case wire.IsUnknownMessage(m.err) && s.State() == Active:
				err = s.unknownMessage(m.err)
			default:
				return s.readFailure(m.err)
			}
			if err != nil {
				var se *Error
				if !errors.As(err, &se) {
					return err
				}
				s.sendError(se.ReqID, se.Code, se.Msg)
				if se.Fatal() {
					return se
				}
				s.logger.Debugw("request_refused", "kind", se.Kind, "code", se.Code, "req_id", se.ReqID, "err", se.Err)
			}
			if s.State() == Active {
				stopTimer(login)
				login = nil
				if s.cfg.IdleTimeout > 0 {
					if idle == nil {
						idle = time.NewTimer(s.cfg.IdleTimeout)
					} else {
						idle.Reset(s.cfg.IdleTimeout)
					}
				}
				if heartbeat == nil && s.cfg.HeartbeatInterval > 0 {
					heartbeat = s.svc.Clock.After(s.cfg.HeartbeatInterval)
				}
			}

		case d, ok := <-deltas:
			if !ok {
				if err := s.sub.Err(); errors.Is(err, account.ErrSlowConsumer) {
					s.sendError(wire.NoRequestID, wire.CodeSlowConsumer, "Session terminated: slow consumer")
					return ErrSlowConsumer
				}
				s.sub = nil
				continue
			}
			s.onDelta(d)

		case t := <-s.ticks:
			s.onTick(t)

		case <-heartbeat:
			s.send(&wire.CurrentTime{Time: s.svc.Clock.Now().Unix()})
			heartbeat = s.svc.Clock.After(s.cfg.HeartbeatInterval)
		}

		if s.overflow {
			return ErrSlowConsumer
		}
	}
}

// handshake reads the version offer and answers with the server hello.
func (s *Session) handshake() error {
	var deadline time.Time
	if s.cfg.HandshakeTimeout > 0 {
		deadline = s.connectedAt.Add(s.cfg.HandshakeTimeout)
	}
	var h wire.Handshake
	for {
		var n int
		var err error
		h, n, err = wire.DecodeHandshake(s.buf)
		if err == nil {
			s.buf = s.buf[n:]
			break
		}
		if !errors.Is(err, wire.ErrNeedMoreData) {
			return protocolError(wire.NoRequestID, wire.CodeReadError, "Bad handshake: "+err.Error())
		}
		if err := s.readMore(deadline); err != nil {
			if isTimeout(err) {
				return ErrHandshakeTimeout
			}
			return err
		}
	}

	v, ok := Negotiate(h, s.cfg.MinVersion, s.cfg.MaxVersion)
	if !ok {
		return protocolError(wire.NoRequestID, wire.CodeUpdateTWS, "The TWS is out of date and must be upgraded.")
	}
	s.version = v
	s.enqueue(wire.EncodeServerHello(v, s.svc.Clock.Now()))
	s.setState(Negotiated)
	s.updateInfo(func(i *Info) { i.Version = v })
	s.logger.Debugw("handshake_complete", "client_min", h.MinVersion, "client_max", h.MaxVersion, "version", v)
	return nil
}

// Negotiate picks the connection version: the lower of the two maxima, as
// long as it is not below either side's minimum.
func Negotiate(h wire.Handshake, serverMin, serverMax int) (int, bool) {
	v := min(h.MaxVersion, serverMax)
	if v < max(h.MinVersion, serverMin) {
		return 0, false
	}
	return v, true
}

func (s *Session) readLoop(in chan<- inbound) {
	defer close(s.readerDone)
	defer close(in)
	for {
		req, err := s.readRequest()
		select {
		case in <- inbound{req: req, err: err}:
		case <-s.quit:
			return
		}
		// an unknown id is a whole frame the decoder skipped; the stream is
		// still in sync
		if err != nil && !wire.IsUnknownMessage(err) {
			return
		}
	}
}

func (s *Session) readRequest() (wire.Request, error) {
	for {
		if len(s.buf) > 0 {
			req, n, err := wire.DecodeRequest(s.buf)
			if err == nil {
				s.buf = s.buf[n:]
				return req, nil
			}
			if wire.IsUnknownMessage(err) {
				s.buf = s.buf[n:]
				return nil, err
			}
			if !errors.Is(err, wire.ErrNeedMoreData) {
				return nil, err
			}
		}
		if err := s.readMore(time.Time{}); err != nil {
			return nil, err
		}
	}
}

func (s *Session) readMore(deadline time.Time) error {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	n, err := s.conn.Read(s.chunk)
	s.buf = append(s.buf, s.chunk[:n]...)
	if n > 0 {
		return nil
	}
	return err
}

func newTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		return nil
	}
	return time.NewTimer(d)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// timerC returns t's channel, or nil (never ready) for no timer.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

// readFailure turns a reader error into the session's exit reason. An unknown
// message id only gets here before login, where anything but START_API is
// out of sequence.
func (s *Session) readFailure(err error) error {
	switch {
	case wire.IsUnknownMessage(err):
		s.sendError(wire.NoRequestID, wire.CodeUnknownID, "Unknown message id")
		return &Error{Kind: KindProtocol, Code: wire.CodeUnknownID, ReqID: wire.NoRequestID, Msg: "unknown message id", Err: err}
	case wire.IsMalformed(err):
		s.sendError(wire.NoRequestID, wire.CodeReadError, "Error reading request: "+err.Error())
		return &Error{Kind: KindProtocol, Code: wire.CodeReadError, ReqID: wire.NoRequestID, Msg: "malformed frame", Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return io.EOF
	default:
		return err
	}
}

// handle routes one request according to the session state.
func (s *Session) handle(ctx context.Context, req wire.Request) error {
	switch s.State() {
	case Negotiated:
		return s.login(ctx, req)
	case Active:
	default:
		return protocolError(requestID(req), wire.CodeNotConnected, "Not connected")
	}

	if err := s.admit(requestID(req)); err != nil {
		return err
	}
	s.svc.Observer.MessageIn(req.MsgID())
	return s.dispatch(ctx, req)
}

// admit charges one inbound message to the rate limiter.
func (s *Session) admit(reqID int64) error {
	switch s.limiter.Allow() {
	case ratelimit.Throttled:
		s.svc.Observer.Throttled()
		return &Error{Kind: KindRateLimit, Code: wire.CodeMaxRateExceeded, ReqID: reqID, Msg: "Max rate of messages per second has been exceeded"}
	case ratelimit.Escalate:
		s.svc.Observer.Throttled()
		return &Error{Kind: KindRateLimit, Code: wire.CodeMaxRateExceeded, ReqID: reqID, Msg: "Max rate of messages per second has been exceeded: session terminated", Escalated: true}
	}
	return nil
}

// unknownMessage answers a well-framed message the server has no handler
// for. The session stays up.
func (s *Session) unknownMessage(err error) error {
	if err := s.admit(wire.NoRequestID); err != nil {
		return err
	}
	msgID := 0
	var mf *wire.MalformedFrameError
	if errors.As(err, &mf) {
		msgID = mf.MsgID
	}
	s.logger.Debugw("unknown_message", "msg_id", msgID)
	return &Error{Kind: KindValidation, Code: wire.CodeUnknownID, ReqID: wire.NoRequestID, Msg: fmt.Sprintf("Unknown message id: %d", msgID), Err: err}
}

// send queues an event. A full queue marks the session as a slow consumer;
// the worker closes it after the current step.
func (s *Session) send(ev wire.Event) {
	if s.enqueue(wire.Encode(ev)) {
		s.svc.Observer.MessageOut(ev.MsgID())
	}
}

func (s *Session) enqueue(frame []byte) bool {
	if s.overflow {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.overflow = true
		s.logger.Warnw("outbound_queue_full", "queued", len(s.out))
		return false
	}
}

func (s *Session) sendError(reqID int64, code int, msg string) {
	s.send(&wire.ErrMsg{ReqID: reqID, Code: code, Message: msg})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for frame := range s.out {
		if s.cfg.FlushTimeout > 0 {
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.FlushTimeout))
		}
		if _, err := s.conn.Write(frame); err != nil {
			s.brokenOnce.Do(func() { close(s.broken) })
			s.logger.Debugw("write_failed", "err", err)
			for range s.out {
			}
			return
		}
	}
}

// shutdown runs the Closing steps once: stop market data, leave the ledger,
// flush what is queued within the flush timeout, close the socket and record
// the event.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.setState(Closing)

		for reqID, md := range s.mktData {
			md.cancel()
			delete(s.mktData, reqID)
		}
		if s.sub != nil {
			s.svc.Ledger.Detach(s.sub)
			s.sub = nil
		}

		close(s.out)
		flush := s.cfg.FlushTimeout
		if flush <= 0 {
			flush = time.Second
		}
		select {
		case <-s.writerDone:
		case <-time.After(flush):
			s.logger.Warnw("flush_timeout", "pending", len(s.out))
		}
		close(s.quit)
		s.conn.Close()
		<-s.writerDone
		if s.readerStarted {
			<-s.readerDone
		}

		reason := "client closed"
		if cause != nil && !errors.Is(cause, io.EOF) {
			reason = cause.Error()
		}
		s.record("closed", reason)
		s.svc.Observer.SessionClosed(closeReason(cause))
		s.setState(Closed)
		s.logger.Infow("session_closed", "reason", reason, "account", s.identity.AccountCode, "dropped_ticks", s.dropped.Load())
	})
}

func closeReason(err error) string {
	var se *Error
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return "client"
	case errors.As(err, &se):
		return se.Kind.String()
	case errors.Is(err, ErrIdleTimeout), errors.Is(err, ErrLoginTimeout), errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "io"
	}
}

func (s *Session) record(event, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.svc.Sink.Record(ctx, storage.Record{
		Kind:    storage.KindSession,
		Account: s.identity.AccountCode,
		At:      s.svc.Clock.Now(),
		Session: &storage.SessionRow{
			SessionID:  s.id,
			RemoteAddr: s.conn.RemoteAddr().String(),
			ClientID:   s.clientID,
			Version:    s.version,
			Event:      event,
			Reason:     reason,
		},
	})
	if err != nil {
		s.logger.Warnw("persistence_write_failed", "kind", storage.KindSession, "event", event, "err", err)
	}
}
