package session

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/execution"
	"github.com/uhyunpark/twsim/pkg/wire"
)

const (
	execTimeLayout   = "20060102 15:04:05"
	acctUpdateLayout = "15:04:05"
)

// onDelta turns one committed ledger change into client events. Fills are
// held until the order delta of the same commit so the execution report can
// carry cumulative figures.
func (s *Session) onDelta(d account.Delta) {
	switch d.Kind {
	case account.DeltaFill:
		s.pendingFills = append(s.pendingFills, d.Fill)

	case account.DeltaOrder:
		o := d.Order
		kept := s.pendingFills[:0]
		for _, f := range s.pendingFills {
			if f.OrderID != o.ID {
				kept = append(kept, f)
				continue
			}
			s.send(s.executionData(wire.NoRequestID, d.Account, o, f))
			s.send(s.commissionReport(f))
		}
		s.pendingFills = kept
		s.send(s.openOrder(o))
		s.send(orderStatus(o))

	case account.DeltaPosition:
		if s.acctUpdates {
			s.send(s.portfolioValue(d.Account, d.Position))
		}

	case account.DeltaAccount:
		if s.acctUpdates {
			s.sendAccountValues(s.svc.Engine.Summarize(d.State))
			s.send(&wire.AcctUpdateTime{TimeStamp: d.State.UpdatedAt.Format(acctUpdateLayout)})
		}
	}
}

func flt(d decimal.Decimal) float64 { return d.InexactFloat64() }

func action(side account.Side) wire.Action {
	if side == account.Sell {
		return wire.ActionSell
	}
	return wire.ActionBuy
}

// contractFor returns the wire contract of conID, falling back to the bare
// symbol for orders rejected before resolution.
func (s *Session) contractFor(conID int64, symbol string) wire.Contract {
	c, err := s.svc.Contracts.GetContract(conID)
	if err != nil {
		return wire.Contract{Symbol: symbol}
	}
	return toWire(c)
}

func (s *Session) openOrder(o *account.Order) *wire.OpenOrder {
	return &wire.OpenOrder{
		OrderID:   o.ID,
		Contract:  s.contractFor(o.ConID, o.Symbol),
		Action:    action(o.Side),
		TotalQty:  flt(o.Qty),
		OrderType: string(o.Type),
		LmtPrice:  flt(o.LimitPrice),
		AuxPrice:  flt(o.StopPrice),
		TIF:       o.TIF,
		Account:   o.Account,
		OrderRef:  o.OrderRef,
		ClientID:  o.ClientID,
		PermID:    o.PermID,
		Status:    o.State.WireStatus(),
	}
}

func orderStatus(o *account.Order) *wire.OrderStatus {
	st := &wire.OrderStatus{
		OrderID:      o.ID,
		Status:       o.State.WireStatus(),
		Filled:       flt(o.Filled),
		Remaining:    flt(o.Remaining()),
		AvgFillPrice: flt(o.AvgFillPrice),
		PermID:       o.PermID,
		ClientID:     o.ClientID,
	}
	if n := len(o.Fills); n > 0 {
		st.LastFillPrice = flt(o.Fills[n-1].Price)
	}
	if o.State == account.Rejected {
		st.Remaining = 0
		st.WhyHeld = o.RejectReason
	}
	return st
}

// executionData reports f. The cumulative quantity and average price are
// taken over o's fills up to and including f.
func (s *Session) executionData(reqID int64, acct string, o *account.Order, f *account.Fill) *wire.ExecutionData {
	cum, notional := decimal.Zero, decimal.Zero
	for _, of := range o.Fills {
		cum = cum.Add(of.Qty)
		notional = notional.Add(of.Qty.Mul(of.Price))
		if of.ExecID == f.ExecID {
			break
		}
	}
	avg := decimal.Zero
	if cum.IsPositive() {
		avg = notional.Div(cum)
	}
	c := s.contractFor(f.ConID, f.Symbol)
	return &wire.ExecutionData{
		ReqID:    reqID,
		OrderID:  f.OrderID,
		Contract: c,
		ExecID:   f.ExecID,
		Time:     f.Time.Format(execTimeLayout),
		Account:  acct,
		Exchange: c.Exchange,
		Side:     f.Side.ExecSide(),
		Shares:   flt(f.Qty),
		Price:    flt(f.Price),
		PermID:   o.PermID,
		ClientID: o.ClientID,
		CumQty:   flt(cum),
		AvgPrice: flt(avg),
		OrderRef: o.OrderRef,
	}
}

func (s *Session) commissionReport(f *account.Fill) *wire.CommissionReport {
	return &wire.CommissionReport{
		ExecID:      f.ExecID,
		Commission:  flt(f.Commission),
		Currency:    s.identity.BaseCurrency,
		RealizedPnL: flt(f.RealizedPnL),
	}
}

func (s *Session) portfolioValue(acct string, p *account.Position) *wire.PortfolioValue {
	pv := &wire.PortfolioValue{
		Contract:    s.contractFor(p.ConID, p.Symbol),
		Position:    flt(p.Qty),
		AverageCost: flt(p.AvgCost()),
		RealizedPnL: flt(p.RealizedPnL),
		Account:     acct,
	}
	if mark, ok := s.svc.Engine.Mark(p.ConID); ok {
		pv.MarketPrice = flt(mark)
		pv.MarketValue = flt(p.MarketValue(mark))
		pv.UnrealizedPnL = flt(p.UnrealizedPnL(mark))
	}
	return pv
}

func (s *Session) sendAccountValues(sum execution.Summary) {
	values := []struct {
		key string
		val decimal.Decimal
	}{
		{"NetLiquidation", sum.NetLiquidation},
		{"TotalCashValue", sum.TotalCashValue},
		{"GrossPositionValue", sum.GrossPositionValue},
		{"BuyingPower", sum.BuyingPower},
		{"AvailableFunds", sum.AvailableFunds},
		{"UnrealizedPnL", sum.UnrealizedPnL},
		{"RealizedPnL", sum.RealizedPnL},
	}
	for _, v := range values {
		s.send(&wire.AcctValue{
			Key:      v.key,
			Value:    v.val.StringFixed(2),
			Currency: sum.Currency,
			Account:  sum.Account,
		})
	}
}

// sendAccountDownload writes the full REQ_ACCT_DATA answer for acc.
func (s *Session) sendAccountDownload(acc *account.Account) {
	s.send(&wire.AcctValue{Key: "AccountCode", Value: acc.Code, Account: acc.Code})
	s.send(&wire.AcctValue{Key: "AccountType", Value: acc.Type, Account: acc.Code})
	s.sendAccountValues(s.svc.Engine.Summarize(acc))
	for _, p := range sortedPositions(acc) {
		s.send(s.portfolioValue(acc.Code, p))
	}
	s.send(&wire.AcctUpdateTime{TimeStamp: acc.UpdatedAt.Format(acctUpdateLayout)})
	s.send(&wire.AcctDownloadEnd{Account: acc.Code})
}
