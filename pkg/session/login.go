package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/uhyunpark/twsim/pkg/wire"
)

// farm status notices sent after a successful login
var farmNotices = []struct {
	code int
	msg  string
}{
	{wire.CodeMarketDataFarmOK, "Market data farm connection is OK:usfarm"},
	{wire.CodeHistFarmOK, "HMDS data farm connection is OK:ushmds"},
	{wire.CodeSecDefFarmOK, "Sec-def data farm connection is OK:secdefnj"},
}

// login handles the one message a Negotiated session accepts: START_API with
// "user:password" in its optional capabilities.
func (s *Session) login(ctx context.Context, req wire.Request) error {
	start, ok := req.(*wire.StartAPI)
	if !ok {
		return protocolError(requestID(req), wire.CodeReadError,
			fmt.Sprintf("Expected START_API before message %d", req.MsgID()))
	}
	s.svc.Observer.MessageIn(start.MsgID())
	s.setState(Authenticating)
	s.clientID = start.ClientID

	user, pass, _ := strings.Cut(start.OptionalCapabilities, ":")
	id, err := s.svc.Auth.Authenticate(user, pass)
	if err != nil {
		s.logger.Warnw("login_failed", "user", user, "client_id", start.ClientID, "err", err)
		return &Error{Kind: KindAuth, Code: wire.CodeAuthFailed, ReqID: wire.NoRequestID, Msg: "Login failed", Err: err}
	}

	sub, err := s.svc.Ledger.Attach(ctx, id.AccountCode, s.id, s.cfg.OutboundQueue)
	if err != nil {
		return &Error{Kind: KindAuth, Code: wire.CodeAuthFailed, ReqID: wire.NoRequestID, Msg: "Login failed: account unavailable", Err: err}
	}
	next, err := s.svc.Ledger.NextValidID(id.AccountCode)
	if err != nil {
		s.svc.Ledger.Detach(sub)
		return &Error{Kind: KindAuth, Code: wire.CodeAuthFailed, ReqID: wire.NoRequestID, Msg: "Login failed: account unavailable", Err: err}
	}

	s.identity = id
	s.sub = sub
	s.setState(Active)
	s.updateInfo(func(i *Info) {
		i.Account = id.AccountCode
		i.ClientID = start.ClientID
	})

	s.send(&wire.NextValidID{OrderID: next})
	s.send(&wire.ManagedAccts{Accounts: id.AccountCode})
	for _, n := range farmNotices {
		s.sendError(wire.NoRequestID, n.code, n.msg)
	}

	s.record("active", "")
	s.logger.Infow("session_active",
		"account", id.AccountCode,
		"user", id.Username,
		"client_id", start.ClientID,
		"version", s.version,
	)
	return nil
}
