package wire

// Client to server message ids.
const (
	InReqMktData         = 1
	InCancelMktData      = 2
	InPlaceOrder         = 3
	InCancelOrder        = 4
	InReqOpenOrders      = 5
	InReqAcctData        = 6
	InReqExecutions      = 7
	InReqIDs             = 8
	InReqContractData    = 9
	InReqManagedAccts    = 17
	InReqHistoricalData  = 20
	InReqCurrentTime     = 49
	InReqPositions       = 61
	InStartAPI           = 71
	InReqSecDefOptParams = 78
)

// Server to client message ids.
const (
	OutTickPrice             = 1
	OutTickSize              = 2
	OutOrderStatus           = 3
	OutErrMsg                = 4
	OutOpenOrder             = 5
	OutAcctValue             = 6
	OutPortfolioValue        = 7
	OutAcctUpdateTime        = 8
	OutNextValidID           = 9
	OutContractData          = 10
	OutExecutionData         = 11
	OutManagedAccts          = 15
	OutHistoricalData        = 17
	OutTickOptionComputation = 21
	OutCurrentTime           = 49
	OutContractDataEnd       = 52
	OutOpenOrderEnd          = 53
	OutAcctDownloadEnd       = 54
	OutExecutionDataEnd      = 55
	OutTickSnapshotEnd       = 57
	OutCommissionReport      = 59
	OutPositionData          = 61
	OutPositionEnd           = 62
	OutSecDefOptParams       = 75
	OutSecDefOptParamsEnd    = 76
)

// Tick types used by TICK_PRICE, TICK_SIZE and TICK_OPTION_COMPUTATION.
const (
	TickBidSize     = 0
	TickBid         = 1
	TickAsk         = 2
	TickAskSize     = 3
	TickLast        = 4
	TickLastSize    = 5
	TickHigh        = 6
	TickLow         = 7
	TickVolume      = 8
	TickClose       = 9
	TickModelOption = 13
)

// Error codes carried by ERR_MSG.
const (
	CodeMaxRateExceeded   = 100
	CodeDuplicateOrderID  = 103
	CodeOrderNotFound     = 135
	CodeNotCancellable    = 161
	CodeNoSecurityDef     = 200
	CodeOrderRejected     = 201
	CodeUnknownTickerID   = 300
	CodeReadError         = 320
	CodeValidateError     = 321
	CodeInternalError     = 322
	CodeUpdateTWS         = 503
	CodeNotConnected      = 504
	CodeUnknownID         = 505
	CodeMarketDataFarmOK  = 2104
	CodeHistFarmOK        = 2106
	CodeSecDefFarmOK      = 2158
	CodeAuthFailed        = 10350
	CodeSlowConsumer      = 10351
	CodeSessionTerminated = 10352
)

// NoRequestID keys connection-level errors.
const NoRequestID = -1
