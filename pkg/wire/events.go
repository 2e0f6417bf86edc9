package wire

type TickPrice struct {
	ReqID    int64
	TickType int
	Price    float64
	Size     float64
	Attrib   int
}

func (TickPrice) MsgID() int { return OutTickPrice }
func (TickPrice) event()     {}

func (m TickPrice) writeFields(w *fieldWriter) {
	w.int(6)
	w.int64(m.ReqID)
	w.int(m.TickType)
	w.float(m.Price)
	w.float(m.Size)
	w.int(m.Attrib)
}

func (m *TickPrice) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
	m.TickType = r.int()
	m.Price = r.float()
	m.Size = r.float()
	m.Attrib = r.int()
}

type TickSize struct {
	ReqID    int64
	TickType int
	Size     float64
}

func (TickSize) MsgID() int { return OutTickSize }
func (TickSize) event()     {}

func (m TickSize) writeFields(w *fieldWriter) {
	w.int(6)
	w.int64(m.ReqID)
	w.int(m.TickType)
	w.float(m.Size)
}

func (m *TickSize) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
	m.TickType = r.int()
	m.Size = r.float()
}

type OrderStatus struct {
	OrderID       int64
	Status        string
	Filled        float64
	Remaining     float64
	AvgFillPrice  float64
	PermID        int64
	ParentID      int64
	LastFillPrice float64
	ClientID      int
	WhyHeld       string
	MktCapPrice   float64
}

func (OrderStatus) MsgID() int { return OutOrderStatus }
func (OrderStatus) event()     {}

func (m OrderStatus) writeFields(w *fieldWriter) {
	w.int64(m.OrderID)
	w.str(m.Status)
	w.float(m.Filled)
	w.float(m.Remaining)
	w.float(m.AvgFillPrice)
	w.int64(m.PermID)
	w.int64(m.ParentID)
	w.float(m.LastFillPrice)
	w.int(m.ClientID)
	w.str(m.WhyHeld)
	w.float(m.MktCapPrice)
}

func (m *OrderStatus) readFields(r *fieldReader) {
	m.OrderID = r.int64()
	m.Status = r.str()
	m.Filled = r.float()
	m.Remaining = r.float()
	m.AvgFillPrice = r.float()
	m.PermID = r.int64()
	m.ParentID = r.int64()
	m.LastFillPrice = r.float()
	m.ClientID = r.int()
	m.WhyHeld = r.str()
	m.MktCapPrice = r.float()
}

// ErrMsg is both an error and an informational notice, keyed by request id.
type ErrMsg struct {
	ReqID   int64
	Code    int
	Message string
}

func (ErrMsg) MsgID() int { return OutErrMsg }
func (ErrMsg) event()     {}

func (m ErrMsg) writeFields(w *fieldWriter) {
	w.int(2)
	w.int64(m.ReqID)
	w.int(m.Code)
	w.str(m.Message)
}

func (m *ErrMsg) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
	m.Code = r.int()
	m.Message = r.str()
}

// OpenOrder is a reduced OPEN_ORDER layout covering what the simulator tracks.
type OpenOrder struct {
	OrderID   int64
	Contract  Contract
	Action    Action
	TotalQty  float64
	OrderType string
	LmtPrice  float64
	AuxPrice  float64
	TIF       string
	Account   string
	OrderRef  string
	ClientID  int
	PermID    int64
	Status    string
}

func (OpenOrder) MsgID() int { return OutOpenOrder }
func (OpenOrder) event()     {}

func (m OpenOrder) writeFields(w *fieldWriter) {
	w.int64(m.OrderID)
	m.Contract.write(w)
	w.str(string(m.Action))
	w.float(m.TotalQty)
	w.str(m.OrderType)
	w.float(m.LmtPrice)
	w.float(m.AuxPrice)
	w.str(m.TIF)
	w.str(m.Account)
	w.str(m.OrderRef)
	w.int(m.ClientID)
	w.int64(m.PermID)
	w.str(m.Status)
}

func (m *OpenOrder) readFields(r *fieldReader) {
	m.OrderID = r.int64()
	m.Contract.read(r)
	m.Action = r.action()
	m.TotalQty = r.float()
	m.OrderType = r.str()
	m.LmtPrice = r.float()
	m.AuxPrice = r.float()
	m.TIF = r.str()
	m.Account = r.str()
	m.OrderRef = r.str()
	m.ClientID = r.int()
	m.PermID = r.int64()
	m.Status = r.str()
}

type AcctValue struct {
	Key      string
	Value    string
	Currency string
	Account  string
}

func (AcctValue) MsgID() int { return OutAcctValue }
func (AcctValue) event()     {}

func (m AcctValue) writeFields(w *fieldWriter) {
	w.int(2)
	w.str(m.Key)
	w.str(m.Value)
	w.str(m.Currency)
	w.str(m.Account)
}

func (m *AcctValue) readFields(r *fieldReader) {
	r.version()
	m.Key = r.str()
	m.Value = r.str()
	m.Currency = r.str()
	m.Account = r.str()
}

type PortfolioValue struct {
	Contract      Contract
	Position      float64
	MarketPrice   float64
	MarketValue   float64
	AverageCost   float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Account       string
}

func (PortfolioValue) MsgID() int { return OutPortfolioValue }
func (PortfolioValue) event()     {}

func (m PortfolioValue) writeFields(w *fieldWriter) {
	w.int(8)
	m.Contract.write(w)
	w.float(m.Position)
	w.float(m.MarketPrice)
	w.float(m.MarketValue)
	w.float(m.AverageCost)
	w.float(m.UnrealizedPnL)
	w.float(m.RealizedPnL)
	w.str(m.Account)
}

func (m *PortfolioValue) readFields(r *fieldReader) {
	r.version()
	m.Contract.read(r)
	m.Position = r.float()
	m.MarketPrice = r.float()
	m.MarketValue = r.float()
	m.AverageCost = r.float()
	m.UnrealizedPnL = r.float()
	m.RealizedPnL = r.float()
	m.Account = r.str()
}

type AcctUpdateTime struct {
	TimeStamp string
}

func (AcctUpdateTime) MsgID() int { return OutAcctUpdateTime }
func (AcctUpdateTime) event()     {}

func (m AcctUpdateTime) writeFields(w *fieldWriter) {
	w.int(1)
	w.str(m.TimeStamp)
}

func (m *AcctUpdateTime) readFields(r *fieldReader) {
	r.version()
	m.TimeStamp = r.str()
}

type NextValidID struct {
	OrderID int64
}

func (NextValidID) MsgID() int { return OutNextValidID }
func (NextValidID) event()     {}

func (m NextValidID) writeFields(w *fieldWriter) {
	w.int(1)
	w.int64(m.OrderID)
}

func (m *NextValidID) readFields(r *fieldReader) {
	r.version()
	m.OrderID = r.int64()
}

// ContractData is a reduced CONTRACT_DATA layout.
type ContractData struct {
	ReqID          int64
	Contract       Contract
	MarketName     string
	MinTick        float64
	OrderTypes     string
	ValidExchanges string
	LongName       string
	TimeZoneID     string
	TradingHours   string
	LiquidHours    string
	UnderConID     int64
}

func (ContractData) MsgID() int { return OutContractData }
func (ContractData) event()     {}

func (m ContractData) writeFields(w *fieldWriter) {
	w.int(8)
	w.int64(m.ReqID)
	m.Contract.write(w)
	w.str(m.MarketName)
	w.float(m.MinTick)
	w.str(m.OrderTypes)
	w.str(m.ValidExchanges)
	w.str(m.LongName)
	w.str(m.TimeZoneID)
	w.str(m.TradingHours)
	w.str(m.LiquidHours)
	w.int64(m.UnderConID)
}

func (m *ContractData) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
	m.Contract.read(r)
	m.MarketName = r.str()
	m.MinTick = r.float()
	m.OrderTypes = r.str()
	m.ValidExchanges = r.str()
	m.LongName = r.str()
	m.TimeZoneID = r.str()
	m.TradingHours = r.str()
	m.LiquidHours = r.str()
	m.UnderConID = r.int64()
}

type ExecutionData struct {
	ReqID    int64
	OrderID  int64
	Contract Contract
	ExecID   string
	Time     string
	Account  string
	Exchange string
	Side     string
	Shares   float64
	Price    float64
	PermID   int64
	ClientID int
	CumQty   float64
	AvgPrice float64
	OrderRef string
}

func (ExecutionData) MsgID() int { return OutExecutionData }
func (ExecutionData) event()     {}

func (m ExecutionData) writeFields(w *fieldWriter) {
	w.int64(m.ReqID)
	w.int64(m.OrderID)
	m.Contract.write(w)
	w.str(m.ExecID)
	w.str(m.Time)
	w.str(m.Account)
	w.str(m.Exchange)
	w.str(m.Side)
	w.float(m.Shares)
	w.float(m.Price)
	w.int64(m.PermID)
	w.int(m.ClientID)
	w.float(m.CumQty)
	w.float(m.AvgPrice)
	w.str(m.OrderRef)
}

func (m *ExecutionData) readFields(r *fieldReader) {
	m.ReqID = r.int64()
	m.OrderID = r.int64()
	m.Contract.read(r)
	m.ExecID = r.str()
	m.Time = r.str()
	m.Account = r.str()
	m.Exchange = r.str()
	m.Side = r.str()
	m.Shares = r.float()
	m.Price = r.float()
	m.PermID = r.int64()
	m.ClientID = r.int()
	m.CumQty = r.float()
	m.AvgPrice = r.float()
	m.OrderRef = r.str()
}

// ManagedAccts lists account codes, comma separated.
type ManagedAccts struct {
	Accounts string
}

func (ManagedAccts) MsgID() int { return OutManagedAccts }
func (ManagedAccts) event()     {}

func (m ManagedAccts) writeFields(w *fieldWriter) {
	w.int(1)
	w.str(m.Accounts)
}

func (m *ManagedAccts) readFields(r *fieldReader) {
	r.version()
	m.Accounts = r.str()
}

type TickOptionComputation struct {
	ReqID      int64
	TickType   int
	ImpliedVol float64
	Delta      float64
	OptPrice   float64
	PvDividend float64
	Gamma      float64
	Vega       float64
	Theta      float64
	UndPrice   float64
}

func (TickOptionComputation) MsgID() int { return OutTickOptionComputation }
func (TickOptionComputation) event()     {}

func (m TickOptionComputation) writeFields(w *fieldWriter) {
	w.int64(m.ReqID)
	w.int(m.TickType)
	w.float(m.ImpliedVol)
	w.float(m.Delta)
	w.float(m.OptPrice)
	w.float(m.PvDividend)
	w.float(m.Gamma)
	w.float(m.Vega)
	w.float(m.Theta)
	w.float(m.UndPrice)
}

func (m *TickOptionComputation) readFields(r *fieldReader) {
	m.ReqID = r.int64()
	m.TickType = r.int()
	m.ImpliedVol = r.float()
	m.Delta = r.float()
	m.OptPrice = r.float()
	m.PvDividend = r.float()
	m.Gamma = r.float()
	m.Vega = r.float()
	m.Theta = r.float()
	m.UndPrice = r.float()
}

// CurrentTime carries unix seconds. The server also uses it as heartbeat.
type CurrentTime struct {
	Time int64
}

func (CurrentTime) MsgID() int { return OutCurrentTime }
func (CurrentTime) event()     {}

func (m CurrentTime) writeFields(w *fieldWriter) {
	w.int(1)
	w.int64(m.Time)
}

func (m *CurrentTime) readFields(r *fieldReader) {
	r.version()
	m.Time = r.int64()
}

type ContractDataEnd struct {
	ReqID int64
}

func (ContractDataEnd) MsgID() int { return OutContractDataEnd }
func (ContractDataEnd) event()     {}

func (m ContractDataEnd) writeFields(w *fieldWriter) {
	w.int(1)
	w.int64(m.ReqID)
}

func (m *ContractDataEnd) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
}

type OpenOrderEnd struct{}

func (OpenOrderEnd) MsgID() int                  { return OutOpenOrderEnd }
func (OpenOrderEnd) event()                      {}
func (OpenOrderEnd) writeFields(w *fieldWriter)  { w.int(1) }
func (*OpenOrderEnd) readFields(r *fieldReader) { r.version() }

type AcctDownloadEnd struct {
	Account string
}

func (AcctDownloadEnd) MsgID() int { return OutAcctDownloadEnd }
func (AcctDownloadEnd) event()     {}

func (m AcctDownloadEnd) writeFields(w *fieldWriter) {
	w.int(1)
	w.str(m.Account)
}

func (m *AcctDownloadEnd) readFields(r *fieldReader) {
	r.version()
	m.Account = r.str()
}

type ExecutionDataEnd struct {
	ReqID int64
}

func (ExecutionDataEnd) MsgID() int { return OutExecutionDataEnd }
func (ExecutionDataEnd) event()     {}

func (m ExecutionDataEnd) writeFields(w *fieldWriter) {
	w.int(1)
	w.int64(m.ReqID)
}

func (m *ExecutionDataEnd) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
}

type TickSnapshotEnd struct {
	ReqID int64
}

func (TickSnapshotEnd) MsgID() int { return OutTickSnapshotEnd }
func (TickSnapshotEnd) event()     {}

func (m TickSnapshotEnd) writeFields(w *fieldWriter) {
	w.int(1)
	w.int64(m.ReqID)
}

func (m *TickSnapshotEnd) readFields(r *fieldReader) {
	r.version()
	m.ReqID = r.int64()
}

type CommissionReport struct {
	ExecID              string
	Commission          float64
	Currency            string
	RealizedPnL         float64
	Yield               float64
	YieldRedemptionDate int
}

func (CommissionReport) MsgID() int { return OutCommissionReport }
func (CommissionReport) event()     {}

func (m CommissionReport) writeFields(w *fieldWriter) {
	w.int(1)
	w.str(m.ExecID)
	w.float(m.Commission)
	w.str(m.Currency)
	w.float(m.RealizedPnL)
	w.float(m.Yield)
	w.int(m.YieldRedemptionDate)
}

func (m *CommissionReport) readFields(r *fieldReader) {
	r.version()
	m.ExecID = r.str()
	m.Commission = r.float()
	m.Currency = r.str()
	m.RealizedPnL = r.float()
	m.Yield = r.float()
	m.YieldRedemptionDate = r.int()
}

type PositionData struct {
	Account  string
	Contract Contract
	Position float64
	AvgCost  float64
}

func (PositionData) MsgID() int { return OutPositionData }
func (PositionData) event()     {}

func (m PositionData) writeFields(w *fieldWriter) {
	w.int(3)
	w.str(m.Account)
	m.Contract.write(w)
	w.float(m.Position)
	w.float(m.AvgCost)
}

func (m *PositionData) readFields(r *fieldReader) {
	r.version()
	m.Account = r.str()
	m.Contract.read(r)
	m.Position = r.float()
	m.AvgCost = r.float()
}

type PositionEnd struct{}

func (PositionEnd) MsgID() int                  { return OutPositionEnd }
func (PositionEnd) event()                      {}
func (PositionEnd) writeFields(w *fieldWriter)  { w.int(1) }
func (*PositionEnd) readFields(r *fieldReader) { r.version() }

// SecDefOptParams lists the option chain of one underlying on one exchange.
type SecDefOptParams struct {
	ReqID           int64
	Exchange        string
	UnderlyingConID int64
	TradingClass    string
	Multiplier      string
	Expirations     []string
	Strikes         []float64
}

func (SecDefOptParams) MsgID() int { return OutSecDefOptParams }
func (SecDefOptParams) event()     {}

func (m SecDefOptParams) writeFields(w *fieldWriter) {
	w.int64(m.ReqID)
	w.str(m.Exchange)
	w.int64(m.UnderlyingConID)
	w.str(m.TradingClass)
	w.str(m.Multiplier)
	w.int(len(m.Expirations))
	for _, e := range m.Expirations {
		w.str(e)
	}
	w.int(len(m.Strikes))
	for _, s := range m.Strikes {
		w.float(s)
	}
}

func (m *SecDefOptParams) readFields(r *fieldReader) {
	m.ReqID = r.int64()
	m.Exchange = r.str()
	m.UnderlyingConID = r.int64()
	m.TradingClass = r.str()
	m.Multiplier = r.str()
	m.Expirations = readList(r, r.str)
	m.Strikes = readList(r, r.float)
}

func readList[T any](r *fieldReader, read func() T) []T {
	idx := r.pos
	n := r.int()
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.fields)-r.pos {
		r.fail(idx, "bad list length")
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = read()
	}
	return out
}

type SecDefOptParamsEnd struct {
	ReqID int64
}

func (SecDefOptParamsEnd) MsgID() int { return OutSecDefOptParamsEnd }
func (SecDefOptParamsEnd) event()     {}

func (m SecDefOptParamsEnd) writeFields(w *fieldWriter) {
	w.int64(m.ReqID)
}

func (m *SecDefOptParamsEnd) readFields(r *fieldReader) {
	m.ReqID = r.int64()
}

// Bar is one OHLC bar of a HISTORICAL_DATA answer.
type Bar struct {
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	WAP    float64
	Count  int
}

const barFields = 8

// HistoricalData answers REQ_HISTORICAL_DATA with a bar count and the bars.
type HistoricalData struct {
	ReqID     int64
	StartDate string
	EndDate   string
	Bars      []Bar
}

func (HistoricalData) MsgID() int { return OutHistoricalData }
func (HistoricalData) event()     {}

func (m HistoricalData) writeFields(w *fieldWriter) {
	w.int64(m.ReqID)
	w.str(m.StartDate)
	w.str(m.EndDate)
	w.int(len(m.Bars))
	for _, b := range m.Bars {
		w.str(b.Date)
		w.float(b.Open)
		w.float(b.High)
		w.float(b.Low)
		w.float(b.Close)
		w.int64(b.Volume)
		w.float(b.WAP)
		w.int(b.Count)
	}
}

func (m *HistoricalData) readFields(r *fieldReader) {
	m.ReqID = r.int64()
	m.StartDate = r.str()
	m.EndDate = r.str()

	idx := r.pos
	n := r.int()
	if r.err != nil {
		return
	}
	if n < 0 || n > (len(r.fields)-r.pos)/barFields {
		r.fail(idx, "bad bar count")
		return
	}
	if n == 0 {
		return
	}
	m.Bars = make([]Bar, n)
	for i := range m.Bars {
		b := &m.Bars[i]
		b.Date = r.str()
		b.Open = r.float()
		b.High = r.float()
		b.Low = r.float()
		b.Close = r.float()
		b.Volume = r.int64()
		b.WAP = r.float()
		b.Count = r.int()
	}
}
