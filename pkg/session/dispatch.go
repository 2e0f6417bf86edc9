package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/wire"
)

var errUnhandled = errors.New("no handler for message")

// requestID returns the id a response to req is keyed by.
func requestID(req wire.Request) int64 {
	switch m := req.(type) {
	case *wire.ReqMktData:
		return m.ReqID
	case *wire.CancelMktData:
		return m.ReqID
	case *wire.PlaceOrder:
		return m.OrderID
	case *wire.CancelOrder:
		return m.OrderID
	case *wire.ReqExecutions:
		return m.ReqID
	case *wire.ReqContractData:
		return m.ReqID
	case *wire.ReqSecDefOptParams:
		return m.ReqID
	case *wire.ReqHistoricalData:
		return m.ReqID
	default:
		return wire.NoRequestID
	}
}

// dispatch runs one Active-state request. The switch covers every request
// type the wire package decodes.
func (s *Session) dispatch(ctx context.Context, req wire.Request) error {
	switch m := req.(type) {
	case *wire.ReqMktData:
		return s.reqMktData(m)
	case *wire.CancelMktData:
		return s.cancelMktData(m)
	case *wire.PlaceOrder:
		return s.placeOrder(ctx, m)
	case *wire.CancelOrder:
		return s.cancelOrder(ctx, m)
	case *wire.ReqOpenOrders:
		return s.reqOpenOrders()
	case *wire.ReqAcctData:
		return s.reqAcctData(m)
	case *wire.ReqExecutions:
		return s.reqExecutions(m)
	case *wire.ReqIDs:
		return s.reqIDs()
	case *wire.ReqContractData:
		return s.reqContractData(m)
	case *wire.ReqManagedAccts:
		s.send(&wire.ManagedAccts{Accounts: s.identity.AccountCode})
		return nil
	case *wire.ReqCurrentTime:
		s.send(&wire.CurrentTime{Time: s.svc.Clock.Now().Unix()})
		return nil
	case *wire.ReqPositions:
		return s.reqPositions()
	case *wire.StartAPI:
		return validationError(wire.NoRequestID, wire.CodeValidateError, "API already started")
	case *wire.ReqSecDefOptParams:
		return s.reqSecDefOptParams(m)
	case *wire.ReqHistoricalData:
		return s.reqHistoricalData(m)
	}
	return &Error{Kind: KindValidation, Code: wire.CodeUnknownID, ReqID: wire.NoRequestID, Msg: fmt.Sprintf("Unknown message id: %d", req.MsgID()), Err: errUnhandled}
}

// decimalOf converts a wire number; non-finite values become zero and fail
// validation downstream.
func decimalOf(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

func sideOf(a wire.Action) account.Side {
	switch a {
	case wire.ActionBuy:
		return account.Buy
	case wire.ActionSell, wire.ActionSShort:
		return account.Sell
	default:
		return 0
	}
}

func (s *Session) placeOrder(ctx context.Context, m *wire.PlaceOrder) error {
	acct := s.identity.AccountCode
	if m.Account != "" && m.Account != acct {
		return validationError(m.OrderID, wire.CodeValidateError, fmt.Sprintf("Account %s is not managed by this session", m.Account))
	}

	// an unresolvable contract is left to the engine so the rejection is
	// recorded against the order id
	var conID int64
	if c, err := s.svc.Contracts.Resolve(queryFrom(m.Contract)); err == nil {
		conID = c.ConID
	}

	req := execution.OrderRequest{
		OrderID:   m.OrderID,
		ClientID:  s.clientID,
		SessionID: s.id,
		ConID:     conID,
		Side:      sideOf(m.Action),
		Type:      account.OrderType(strings.ToUpper(m.OrderType)),
		Qty:       decimalOf(m.TotalQty),
		TIF:       strings.ToUpper(m.TIF),
		OrderRef:  m.OrderRef,
	}
	switch req.Type {
	case account.Limit:
		req.LimitPrice = decimalOf(m.LmtPrice)
	case account.Stop:
		req.StopPrice = decimalOf(m.AuxPrice)
	}

	o, err := s.svc.Engine.Place(ctx, acct, req)
	if err != nil {
		return engineError(m.OrderID, err)
	}
	s.logger.Debugw("order_accepted", "order_id", o.ID, "state", o.State, "symbol", o.Symbol)
	return nil
}

func (s *Session) cancelOrder(ctx context.Context, m *wire.CancelOrder) error {
	if _, err := s.svc.Engine.Cancel(ctx, s.identity.AccountCode, m.OrderID); err != nil {
		return engineError(m.OrderID, err)
	}
	return nil
}

func (s *Session) snapshot() (*account.Account, error) {
	acc, err := s.svc.Ledger.Snapshot(s.identity.AccountCode)
	if err != nil {
		return nil, engineError(wire.NoRequestID, err)
	}
	return acc, nil
}

func (s *Session) reqOpenOrders() error {
	acc, err := s.snapshot()
	if err != nil {
		return err
	}
	acc.Orders.Ascend(func(o *account.Order) bool {
		if !o.State.Terminal() {
			s.send(s.openOrder(o))
			s.send(orderStatus(o))
		}
		return true
	})
	s.send(&wire.OpenOrderEnd{})
	return nil
}

func (s *Session) reqAcctData(m *wire.ReqAcctData) error {
	if m.AccountCode != "" && m.AccountCode != s.identity.AccountCode {
		return validationError(wire.NoRequestID, wire.CodeValidateError, fmt.Sprintf("Account %s is not managed by this session", m.AccountCode))
	}
	s.acctUpdates = m.Subscribe
	if !m.Subscribe {
		return nil
	}
	acc, err := s.snapshot()
	if err != nil {
		return err
	}
	s.sendAccountDownload(acc)
	return nil
}

func sortedPositions(acc *account.Account) []*account.Position {
	out := make([]*account.Position, 0, len(acc.Positions))
	for _, p := range acc.Positions {
		if !p.Qty.IsZero() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConID < out[j].ConID })
	return out
}

// execFilter matches fills against a REQ_EXECUTIONS filter. Empty fields
// match everything.
type execFilter struct {
	wire.ExecutionFilter
	since time.Time
}

func newExecFilter(f wire.ExecutionFilter) execFilter {
	ef := execFilter{ExecutionFilter: f}
	if f.Time != "" {
		for _, layout := range []string{"20060102-15:04:05", "20060102 15:04:05", "20060102"} {
			if t, err := time.Parse(layout, f.Time); err == nil {
				ef.since = t
				break
			}
		}
	}
	return ef
}

func (f execFilter) match(acct string, o *account.Order, fill *account.Fill, c *market.Contract) bool {
	if f.ClientID != 0 && o.ClientID != f.ClientID {
		return false
	}
	if f.AcctCode != "" && f.AcctCode != acct {
		return false
	}
	if !f.since.IsZero() && fill.Time.Before(f.since) {
		return false
	}
	if f.Symbol != "" && !strings.EqualFold(f.Symbol, fill.Symbol) {
		return false
	}
	if f.SecType != "" && (c == nil || !strings.EqualFold(f.SecType, string(c.SecType))) {
		return false
	}
	if f.Exchange != "" && (c == nil || !strings.EqualFold(f.Exchange, c.Exchange)) {
		return false
	}
	if f.Side != "" {
		side := strings.ToUpper(f.Side)
		if side != fill.Side.String() && side != fill.Side.ExecSide() {
			return false
		}
	}
	return true
}

func (s *Session) reqExecutions(m *wire.ReqExecutions) error {
	acc, err := s.snapshot()
	if err != nil {
		return err
	}
	filter := newExecFilter(m.Filter)
	for i := range acc.Executions {
		f := &acc.Executions[i]
		o, ok := acc.Orders.Get(f.OrderID)
		if !ok {
			continue
		}
		c, _ := s.svc.Contracts.GetContract(f.ConID)
		if !filter.match(acc.Code, o, f, c) {
			continue
		}
		s.send(s.executionData(m.ReqID, acc.Code, o, f))
		s.send(s.commissionReport(f))
	}
	s.send(&wire.ExecutionDataEnd{ReqID: m.ReqID})
	return nil
}

func (s *Session) reqIDs() error {
	next, err := s.svc.Ledger.NextValidID(s.identity.AccountCode)
	if err != nil {
		return engineError(wire.NoRequestID, err)
	}
	s.send(&wire.NextValidID{OrderID: next})
	return nil
}

func (s *Session) reqContractData(m *wire.ReqContractData) error {
	c, err := s.resolve(m.ReqID, m.Contract)
	if err != nil {
		return err
	}
	s.send(contractData(m.ReqID, c))
	s.send(&wire.ContractDataEnd{ReqID: m.ReqID})
	return nil
}

func (s *Session) reqPositions() error {
	acc, err := s.snapshot()
	if err != nil {
		return err
	}
	for _, p := range sortedPositions(acc) {
		s.send(&wire.PositionData{
			Account:  acc.Code,
			Contract: s.contractFor(p.ConID, p.Symbol),
			Position: flt(p.Qty),
			AvgCost:  flt(p.AvgCost()),
		})
	}
	s.send(&wire.PositionEnd{})
	return nil
}

func (s *Session) reqSecDefOptParams(m *wire.ReqSecDefOptParams) error {
	var (
		under *market.Contract
		err   error
	)
	if m.UnderlyingConID > 0 {
		under, err = s.svc.Contracts.GetContract(m.UnderlyingConID)
	} else {
		under, err = s.svc.Contracts.Lookup(m.UnderlyingSymbol, market.Stock)
	}
	if err != nil {
		return noSecurityDef(m.ReqID, err)
	}
	if under.IsOption() {
		return noSecurityDef(m.ReqID, fmt.Errorf("%s is not an underlying", under.LocalSymbol))
	}

	spot := under.InitialPrice
	if mark, ok := s.svc.Engine.Mark(under.ConID); ok {
		spot = flt(mark)
	}
	chain := market.OptionChain(under, spot, s.svc.Clock.Now())
	s.send(&wire.SecDefOptParams{
		ReqID:           m.ReqID,
		Exchange:        "SMART",
		UnderlyingConID: chain.UnderlyingConID,
		TradingClass:    chain.TradingClass,
		Multiplier:      fmt.Sprint(chain.Multiplier),
		Expirations:     chain.Expirations,
		Strikes:         chain.Strikes,
	})
	s.send(&wire.SecDefOptParamsEnd{ReqID: m.ReqID})
	return nil
}

// reqHistoricalData answers with an empty bar set once the contract resolves.
// No price history is kept.
func (s *Session) reqHistoricalData(m *wire.ReqHistoricalData) error {
	if _, err := s.resolve(m.ReqID, m.Contract); err != nil {
		return err
	}
	s.send(&wire.HistoricalData{ReqID: m.ReqID})
	return nil
}
