package wire

// ReqMktData subscribes to ticks for a contract.
type ReqMktData struct {
	ReqID              int64
	Contract           Contract
	GenericTicks       string
	Snapshot           bool
	RegulatorySnapshot bool
	Options            string
}

func (ReqMktData) MsgID() int { return InReqMktData }
func (ReqMktData) request()   {}

func (m ReqMktData) writeFields(w *fieldWriter) {
	w.int(11)
	w.int64(m.ReqID)
	m.Contract.write(w)
	w.str(m.GenericTicks)
	w.bool(m.Snapshot)
	w.bool(m.RegulatorySnapshot)
	w.str(m.Options)
}

func (m *ReqMktData) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
	m.Contract.read(r)
	m.GenericTicks = r.str()
	m.Snapshot = r.bool()
	m.RegulatorySnapshot = r.bool()
	m.Options = r.str()
}

type CancelMktData struct {
	ReqID int64
}

func (CancelMktData) MsgID() int { return InCancelMktData }
func (CancelMktData) request()   {}

func (m CancelMktData) writeFields(w *fieldWriter) {
	w.int(2)
	w.int64(m.ReqID)
}

func (m *CancelMktData) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
}

// PlaceOrder carries the subset of order attributes the simulator honours.
type PlaceOrder struct {
	OrderID   int64
	Contract  Contract
	Action    Action
	TotalQty  float64
	OrderType string
	LmtPrice  float64
	AuxPrice  float64
	TIF       string
	OCAGroup  string
	Account   string
	OpenClose string
	Origin    int
	OrderRef  string
	Transmit  bool
	ParentID  int64
}

func (PlaceOrder) MsgID() int { return InPlaceOrder }
func (PlaceOrder) request()   {}

func (m PlaceOrder) writeFields(w *fieldWriter) {
	w.int64(m.OrderID)
	m.Contract.write(w)
	w.str(string(m.Action))
	w.float(m.TotalQty)
	w.str(m.OrderType)
	w.float(m.LmtPrice)
	w.float(m.AuxPrice)
	w.str(m.TIF)
	w.str(m.OCAGroup)
	w.str(m.Account)
	w.str(m.OpenClose)
	w.int(m.Origin)
	w.str(m.OrderRef)
	w.bool(m.Transmit)
	w.int64(m.ParentID)
}

func (m *PlaceOrder) readFields(r *fieldReader) {
	m.OrderID = r.int64()
	m.Contract.read(r)
	m.Action = r.action()
	m.TotalQty = r.float()
	m.OrderType = r.str()
	m.LmtPrice = r.float()
	m.AuxPrice = r.float()
	m.TIF = r.str()
	m.OCAGroup = r.str()
	m.Account = r.str()
	m.OpenClose = r.str()
	m.Origin = r.int()
	m.OrderRef = r.str()
	m.Transmit = r.bool()
	m.ParentID = r.int64()
}

type CancelOrder struct {
	OrderID          int64
	ManualCancelTime string
}

func (CancelOrder) MsgID() int { return InCancelOrder }
func (CancelOrder) request()   {}

func (m CancelOrder) writeFields(w *fieldWriter) {
	w.int(1)
	w.int64(m.OrderID)
	w.str(m.ManualCancelTime)
}

func (m *CancelOrder) readFields(r *fieldReader) {
	r.version()
	m.OrderID = r.int64()
	m.ManualCancelTime = r.str()
}

type ReqOpenOrders struct{}

func (ReqOpenOrders) MsgID() int                  { return InReqOpenOrders }
func (ReqOpenOrders) request()                    {}
func (ReqOpenOrders) writeFields(w *fieldWriter)  { w.int(1) }
func (*ReqOpenOrders) readFields(r *fieldReader) { r.version() }

// ReqAcctData starts or stops the account update stream.
type ReqAcctData struct {
	Subscribe   bool
	AccountCode string
}

func (ReqAcctData) MsgID() int { return InReqAcctData }
func (ReqAcctData) request()   {}

func (m ReqAcctData) writeFields(w *fieldWriter) {
	w.int(2)
	w.bool(m.Subscribe)
	w.str(m.AccountCode)
}

func (m *ReqAcctData) readFields(r *fieldReader) {
	r.version()
	m.Subscribe = r.bool()
	m.AccountCode = r.str()
}

// ExecutionFilter narrows REQ_EXECUTIONS. Empty fields match everything.
type ExecutionFilter struct {
	ClientID int
	AcctCode string
	Time     string
	Symbol   string
	SecType  string
	Exchange string
	Side     string
}

type ReqExecutions struct {
	ReqID  int64
	Filter ExecutionFilter
}

func (ReqExecutions) MsgID() int { return InReqExecutions }
func (ReqExecutions) request()   {}

func (m ReqExecutions) writeFields(w *fieldWriter) {
	w.int(3)
	w.int64(m.ReqID)
	w.int(m.Filter.ClientID)
	w.str(m.Filter.AcctCode)
	w.str(m.Filter.Time)
	w.str(m.Filter.Symbol)
	w.str(m.Filter.SecType)
	w.str(m.Filter.Exchange)
	w.str(m.Filter.Side)
}

func (m *ReqExecutions) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
	m.Filter.ClientID = r.int()
	m.Filter.AcctCode = r.str()
	m.Filter.Time = r.str()
	m.Filter.Symbol = r.str()
	m.Filter.SecType = r.str()
	m.Filter.Exchange = r.str()
	m.Filter.Side = r.str()
}

type ReqIDs struct {
	NumIDs int
}

func (ReqIDs) MsgID() int { return InReqIDs }
func (ReqIDs) request()   {}

func (m ReqIDs) writeFields(w *fieldWriter) {
	w.int(1)
	w.int(m.NumIDs)
}

func (m *ReqIDs) readFields(r *fieldReader) {
	r.version()
	m.NumIDs = r.int()
}

type ReqContractData struct {
	ReqID          int64
	Contract       Contract
	IncludeExpired bool
}

func (ReqContractData) MsgID() int { return InReqContractData }
func (ReqContractData) request()   {}

func (m ReqContractData) writeFields(w *fieldWriter) {
	w.int(8)
	w.int64(m.ReqID)
	m.Contract.write(w)
	w.bool(m.IncludeExpired)
}

func (m *ReqContractData) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
	m.Contract.read(r)
	m.IncludeExpired = r.bool()
}

type ReqManagedAccts struct{}

func (ReqManagedAccts) MsgID() int                  { return InReqManagedAccts }
func (ReqManagedAccts) request()                    {}
func (ReqManagedAccts) writeFields(w *fieldWriter)  { w.int(1) }
func (*ReqManagedAccts) readFields(r *fieldReader) { r.version() }

type ReqCurrentTime struct{}

func (ReqCurrentTime) MsgID() int                  { return InReqCurrentTime }
func (ReqCurrentTime) request()                    {}
func (ReqCurrentTime) writeFields(w *fieldWriter)  { w.int(1) }
func (*ReqCurrentTime) readFields(r *fieldReader) { r.version() }

type ReqPositions struct{}

func (ReqPositions) MsgID() int                  { return InReqPositions }
func (ReqPositions) request()                    {}
func (ReqPositions) writeFields(w *fieldWriter)  { w.int(1) }
func (*ReqPositions) readFields(r *fieldReader) { r.version() }

// StartAPI opens the API session. OptionalCapabilities doubles as the
// credential carrier ("user:password").
type StartAPI struct {
	ClientID             int
	OptionalCapabilities string
}

func (StartAPI) MsgID() int { return InStartAPI }
func (StartAPI) request()   {}

func (m StartAPI) writeFields(w *fieldWriter) {
	w.int(2)
	w.int(m.ClientID)
	w.str(m.OptionalCapabilities)
}

func (m *StartAPI) readFields(r *fieldReader) {
	r.version()
	m.ClientID = r.int()
	m.OptionalCapabilities = r.str()
}

type ReqSecDefOptParams struct {
	ReqID             int64
	UnderlyingSymbol  string
	FutFopExchange    string
	UnderlyingSecType string
	UnderlyingConID   int64
}

func (ReqSecDefOptParams) MsgID() int { return InReqSecDefOptParams }
func (ReqSecDefOptParams) request()   {}

func (m ReqSecDefOptParams) writeFields(w *fieldWriter) {
	w.int64(m.ReqID)
	w.str(m.UnderlyingSymbol)
	w.str(m.FutFopExchange)
	w.str(m.UnderlyingSecType)
	w.int64(m.UnderlyingConID)
}

func (m *ReqSecDefOptParams) readFields(r *fieldReader) {
	m.ReqID = r.int64()
	m.UnderlyingSymbol = r.str()
	m.FutFopExchange = r.str()
	m.UnderlyingSecType = r.str()
	m.UnderlyingConID = r.int64()
}

// ReqHistoricalData asks for bars ending at EndDateTime. The simulator keeps
// no history, so the answer is always an empty bar set.
type ReqHistoricalData struct {
	ReqID          int64
	Contract       Contract
	IncludeExpired bool
	EndDateTime    string
	BarSize        string
	Duration       string
	UseRTH         bool
	WhatToShow     string
	FormatDate     int
}

func (ReqHistoricalData) MsgID() int { return InReqHistoricalData }
func (ReqHistoricalData) request()   {}

func (m ReqHistoricalData) writeFields(w *fieldWriter) {
	w.int64(m.ReqID)
	m.Contract.write(w)
	w.bool(m.IncludeExpired)
	w.str(m.EndDateTime)
	w.str(m.BarSize)
	w.str(m.Duration)
	w.bool(m.UseRTH)
	w.str(m.WhatToShow)
	w.int(m.FormatDate)
}

func (m *ReqHistoricalData) readFields(r *fieldReader) {
	m.ReqID = r.int64()
	m.Contract.read(r)
	m.IncludeExpired = r.bool()
	m.EndDateTime = r.str()
	m.BarSize = r.str()
	m.Duration = r.str()
	m.UseRTH = r.bool()
	m.WhatToShow = r.str()
	m.FormatDate = r.int()
}
