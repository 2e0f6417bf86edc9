package session

import (
	"github.com/uhyunpark/twsim/pkg/analytics"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/marketdata"
	"github.com/uhyunpark/twsim/pkg/wire"
)

// mdSub is one live REQ_MKT_DATA stream
type mdSub struct {
	contract *market.Contract
	cancel   func()
}

func (s *Session) reqMktData(m *wire.ReqMktData) error {
	if _, dup := s.mktData[m.ReqID]; dup && !m.Snapshot {
		return &Error{Kind: KindValidation, Code: wire.CodeInternalError, ReqID: m.ReqID, Msg: "Duplicate ticker id"}
	}
	c, err := s.resolve(m.ReqID, m.Contract)
	if err != nil {
		return err
	}

	q, qerr := s.svc.Quotes.CurrentQuote(c.ConID)
	if m.Snapshot {
		if qerr == nil {
			s.sendQuote(m.ReqID, c, q)
		}
		s.send(&wire.TickSnapshotEnd{ReqID: m.ReqID})
		return nil
	}

	reqID := m.ReqID
	cancel := s.svc.Quotes.Subscribe(c.ConID, func(q marketdata.Quote) {
		select {
		case s.ticks <- tick{reqID: reqID, quote: q}:
		default:
			s.dropped.Add(1)
		}
	})
	s.mktData[reqID] = &mdSub{contract: c, cancel: cancel}
	s.updateInfo(func(i *Info) { i.Subscriptions = len(s.mktData) })
	s.logger.Debugw("mktdata_subscribed", "req_id", reqID, "con_id", c.ConID, "symbol", c.Symbol)

	if qerr == nil {
		s.sendQuote(reqID, c, q)
	}
	return nil
}

func (s *Session) cancelMktData(m *wire.CancelMktData) error {
	md, ok := s.mktData[m.ReqID]
	if !ok {
		return validationError(m.ReqID, wire.CodeUnknownTickerID, "Can't find EId with tickerId")
	}
	md.cancel()
	delete(s.mktData, m.ReqID)
	s.updateInfo(func(i *Info) { i.Subscriptions = len(s.mktData) })
	return nil
}

func (s *Session) onTick(t tick) {
	md, ok := s.mktData[t.reqID]
	if !ok {
		// cancelled while queued
		return
	}
	s.sendQuote(t.reqID, md.contract, t.quote)
}

// sendQuote writes the tick set for one quote.
func (s *Session) sendQuote(reqID int64, c *market.Contract, q marketdata.Quote) {
	prices := []struct {
		tickType int
		price    float64
		size     float64
	}{
		{wire.TickBid, q.Bid, q.BidSize},
		{wire.TickAsk, q.Ask, q.AskSize},
		{wire.TickLast, q.Last, q.LastSize},
		{wire.TickHigh, q.High, 0},
		{wire.TickLow, q.Low, 0},
		{wire.TickClose, q.Close, 0},
	}
	for _, p := range prices {
		if p.price <= 0 {
			continue
		}
		s.send(&wire.TickPrice{ReqID: reqID, TickType: p.tickType, Price: p.price, Size: p.size})
	}
	if q.Volume > 0 {
		s.send(&wire.TickSize{ReqID: reqID, TickType: wire.TickVolume, Size: q.Volume})
	}
	if c.IsOption() {
		if ev, ok := s.optionComputation(reqID, c, q); ok {
			s.send(ev)
		}
	}
}

// optionComputation prices the option off its underlying. The volatility is
// implied from the option's own mid when that converges, otherwise the
// contract's configured volatility is used.
func (s *Session) optionComputation(reqID int64, c *market.Contract, q marketdata.Quote) (*wire.TickOptionComputation, bool) {
	under, err := s.svc.Quotes.CurrentQuote(c.UnderlyingConID)
	if err != nil {
		return nil, false
	}
	spot := under.Last
	if spot <= 0 {
		spot = under.Mid()
	}
	expiry, err := c.ExpiryTime()
	if err != nil || spot <= 0 {
		return nil, false
	}

	in := analytics.Inputs{
		Spot:   spot,
		Strike: c.Strike,
		T:      analytics.YearFraction(expiry.Sub(s.svc.Clock.Now()).Seconds()),
		Rate:   s.svc.RiskFreeRate,
		Vol:    c.Volatility,
		Call:   c.Right == "C",
	}
	if mid := q.Mid(); mid > 0 {
		if iv, err := analytics.ImpliedVol(in, mid); err == nil {
			in.Vol = iv
		}
	}
	g := analytics.Compute(in)
	return &wire.TickOptionComputation{
		ReqID:      reqID,
		TickType:   wire.TickModelOption,
		ImpliedVol: g.IV,
		Delta:      g.Delta,
		OptPrice:   g.Price,
		Gamma:      g.Gamma,
		Vega:       g.Vega,
		Theta:      g.Theta,
		UndPrice:   spot,
	}, true
}
