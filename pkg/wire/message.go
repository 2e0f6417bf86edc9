package wire

import (
	"fmt"
	"strconv"
)

// Message is any encodable TWS message.
type Message interface {
	MsgID() int
	writeFields(w *fieldWriter)
}

// Request is a client to server message. The set is closed: only types in
// this package implement it.
type Request interface {
	Message
	request()
}

// Event is a server to client message.
type Event interface {
	Message
	event()
}

type requestDecoder interface {
	Request
	readFields(r *fieldReader)
}

type eventDecoder interface {
	Event
	readFields(r *fieldReader)
}

var requestTable = map[int]func() requestDecoder{
	InReqMktData:         func() requestDecoder { return &ReqMktData{} },
	InCancelMktData:      func() requestDecoder { return &CancelMktData{} },
	InPlaceOrder:         func() requestDecoder { return &PlaceOrder{} },
	InCancelOrder:        func() requestDecoder { return &CancelOrder{} },
	InReqOpenOrders:      func() requestDecoder { return &ReqOpenOrders{} },
	InReqAcctData:        func() requestDecoder { return &ReqAcctData{} },
	InReqExecutions:      func() requestDecoder { return &ReqExecutions{} },
	InReqIDs:             func() requestDecoder { return &ReqIDs{} },
	InReqContractData:    func() requestDecoder { return &ReqContractData{} },
	InReqManagedAccts:    func() requestDecoder { return &ReqManagedAccts{} },
	InReqHistoricalData:  func() requestDecoder { return &ReqHistoricalData{} },
	InReqCurrentTime:     func() requestDecoder { return &ReqCurrentTime{} },
	InReqPositions:       func() requestDecoder { return &ReqPositions{} },
	InStartAPI:           func() requestDecoder { return &StartAPI{} },
	InReqSecDefOptParams: func() requestDecoder { return &ReqSecDefOptParams{} },
}

var eventTable = map[int]func() eventDecoder{
	OutTickPrice:             func() eventDecoder { return &TickPrice{} },
	OutTickSize:              func() eventDecoder { return &TickSize{} },
	OutOrderStatus:           func() eventDecoder { return &OrderStatus{} },
	OutErrMsg:                func() eventDecoder { return &ErrMsg{} },
	OutOpenOrder:             func() eventDecoder { return &OpenOrder{} },
	OutAcctValue:             func() eventDecoder { return &AcctValue{} },
	OutPortfolioValue:        func() eventDecoder { return &PortfolioValue{} },
	OutAcctUpdateTime:        func() eventDecoder { return &AcctUpdateTime{} },
	OutNextValidID:           func() eventDecoder { return &NextValidID{} },
	OutContractData:          func() eventDecoder { return &ContractData{} },
	OutExecutionData:         func() eventDecoder { return &ExecutionData{} },
	OutManagedAccts:          func() eventDecoder { return &ManagedAccts{} },
	OutHistoricalData:        func() eventDecoder { return &HistoricalData{} },
	OutTickOptionComputation: func() eventDecoder { return &TickOptionComputation{} },
	OutCurrentTime:           func() eventDecoder { return &CurrentTime{} },
	OutContractDataEnd:       func() eventDecoder { return &ContractDataEnd{} },
	OutOpenOrderEnd:          func() eventDecoder { return &OpenOrderEnd{} },
	OutAcctDownloadEnd:       func() eventDecoder { return &AcctDownloadEnd{} },
	OutExecutionDataEnd:      func() eventDecoder { return &ExecutionDataEnd{} },
	OutTickSnapshotEnd:       func() eventDecoder { return &TickSnapshotEnd{} },
	OutCommissionReport:      func() eventDecoder { return &CommissionReport{} },
	OutPositionData:          func() eventDecoder { return &PositionData{} },
	OutPositionEnd:           func() eventDecoder { return &PositionEnd{} },
	OutSecDefOptParams:       func() eventDecoder { return &SecDefOptParams{} },
	OutSecDefOptParamsEnd:    func() eventDecoder { return &SecDefOptParamsEnd{} },
}

// RequestIDs lists every decodable client message id.
func RequestIDs() []int {
	ids := make([]int, 0, len(requestTable))
	for id := range requestTable {
		ids = append(ids, id)
	}
	return ids
}

// NewRequest returns a zero request of the given id, or false if unknown.
func NewRequest(id int) (Request, bool) {
	ctor, ok := requestTable[id]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// DecodeRequest decodes the first client frame in buf.
func DecodeRequest(buf []byte) (Request, int, error) {
	payload, n, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}
	r, id, mf := openPayload(payload)
	if mf != nil {
		mf.Consumed = n
		return nil, n, mf
	}
	ctor, ok := requestTable[id]
	if !ok {
		return nil, n, &MalformedFrameError{MsgID: id, Field: 0, Reason: reasonUnknownID, Consumed: n}
	}
	m := ctor()
	m.readFields(r)
	if mf := r.done(); mf != nil {
		mf.Consumed = n
		return nil, n, mf
	}
	return m, n, nil
}

// DecodeEvent decodes the first server frame in buf.
func DecodeEvent(buf []byte) (Event, int, error) {
	payload, n, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}
	r, id, mf := openPayload(payload)
	if mf != nil {
		mf.Consumed = n
		return nil, n, mf
	}
	ctor, ok := eventTable[id]
	if !ok {
		return nil, n, &MalformedFrameError{MsgID: id, Field: 0, Reason: reasonUnknownID, Consumed: n}
	}
	m := ctor()
	m.readFields(r)
	if mf := r.done(); mf != nil {
		mf.Consumed = n
		return nil, n, mf
	}
	return m, n, nil
}

func openPayload(payload []byte) (*fieldReader, int, *MalformedFrameError) {
	fields, bad := splitFields(payload)
	if bad >= 0 {
		return nil, 0, &MalformedFrameError{Field: bad, Reason: "unterminated field"}
	}
	if len(fields) == 0 {
		return nil, 0, &MalformedFrameError{Field: 0, Reason: "empty payload"}
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, 0, &MalformedFrameError{Field: 0, Reason: fmt.Sprintf("bad message id %q", fields[0])}
	}
	return &fieldReader{msgID: id, fields: fields, pos: 1}, id, nil
}

// Action is an order side as spelled on the wire.
type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionSShort Action = "SSHORT"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionSShort:
		return true
	}
	return false
}

// IsBuy reports whether the action adds to a long position.
func (a Action) IsBuy() bool { return a == ActionBuy }

// Contract is the twelve-field contract block shared by most messages.
type Contract struct {
	ConID           int64
	Symbol          string
	SecType         string
	LastTradeDate   string
	Strike          float64
	Right           string
	Multiplier      string
	Exchange        string
	PrimaryExchange string
	Currency        string
	LocalSymbol     string
	TradingClass    string
}

func (c Contract) write(w *fieldWriter) {
	w.int64(c.ConID)
	w.str(c.Symbol)
	w.str(c.SecType)
	w.str(c.LastTradeDate)
	w.float(c.Strike)
	w.str(c.Right)
	w.str(c.Multiplier)
	w.str(c.Exchange)
	w.str(c.PrimaryExchange)
	w.str(c.Currency)
	w.str(c.LocalSymbol)
	w.str(c.TradingClass)
}

func (c *Contract) read(r *fieldReader) {
	c.ConID = r.int64()
	c.Symbol = r.str()
	c.SecType = r.str()
	c.LastTradeDate = r.str()
	c.Strike = r.float()
	c.Right = r.str()
	c.Multiplier = r.str()
	c.Exchange = r.str()
	c.PrimaryExchange = r.str()
	c.Currency = r.str()
	c.LocalSymbol = r.str()
	c.TradingClass = r.str()
}
