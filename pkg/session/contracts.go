package session

import (
	"strconv"
	"strings"

	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/wire"
)

const (
	supportedOrderTypes = "MKT,LMT,STP"
	validExchanges      = "SMART,NYSE,NASDAQ"
	exchangeTimeZone    = "US/Eastern"
	regularHours        = "09:30-16:00"
)

func toWire(c *market.Contract) wire.Contract {
	w := wire.Contract{
		ConID:           c.ConID,
		Symbol:          c.Symbol,
		SecType:         string(c.SecType),
		Exchange:        c.Exchange,
		PrimaryExchange: c.PrimaryExchange,
		Currency:        c.Currency,
		LocalSymbol:     c.LocalSymbol,
		TradingClass:    c.TradingClass,
	}
	if c.IsOption() {
		w.LastTradeDate = c.Expiry
		w.Strike = c.Strike
		w.Right = c.Right
		w.Multiplier = strconv.FormatInt(c.Multiplier, 10)
	}
	return w
}

func queryFrom(c wire.Contract) market.Query {
	st := market.SecType(strings.ToUpper(c.SecType))
	if st == "" {
		st = market.Stock
	}
	right := strings.ToUpper(c.Right)
	switch right {
	case "CALL":
		right = "C"
	case "PUT":
		right = "P"
	}
	return market.Query{
		ConID:    c.ConID,
		Symbol:   strings.ToUpper(c.Symbol),
		SecType:  st,
		Currency: c.Currency,
		Expiry:   c.LastTradeDate,
		Strike:   c.Strike,
		Right:    right,
	}
}

// resolve names the contract a request refers to, or fails with 200.
func (s *Session) resolve(reqID int64, c wire.Contract) (*market.Contract, error) {
	mc, err := s.svc.Contracts.Resolve(queryFrom(c))
	if err != nil {
		return nil, noSecurityDef(reqID, err)
	}
	return mc, nil
}

func contractData(reqID int64, c *market.Contract) *wire.ContractData {
	name := c.TradingClass
	if name == "" {
		name = c.Symbol
	}
	return &wire.ContractData{
		ReqID:          reqID,
		Contract:       toWire(c),
		MarketName:     name,
		MinTick:        c.MinTick,
		OrderTypes:     supportedOrderTypes,
		ValidExchanges: validExchanges,
		LongName:       c.LongName,
		TimeZoneID:     exchangeTimeZone,
		TradingHours:   regularHours,
		LiquidHours:    regularHours,
		UnderConID:     c.UnderlyingConID,
	}
}
