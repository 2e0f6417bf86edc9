package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// API response types for REST endpoints and WebSocket messages.
// Money and quantities are decimals and marshal as JSON strings.

// ==============================
// REST Response Types
// ==============================

// AccountInfo is an account's valuation at current marks
type AccountInfo struct {
	Code               string          `json:"code"`
	Type               string          `json:"type"`     // LIVE or PAPER
	Currency           string          `json:"currency"` // base currency
	NetLiquidation     decimal.Decimal `json:"netLiquidation"`
	TotalCashValue     decimal.Decimal `json:"totalCashValue"`
	GrossPositionValue decimal.Decimal `json:"grossPositionValue"`
	BuyingPower        decimal.Decimal `json:"buyingPower"`
	AvailableFunds     decimal.Decimal `json:"availableFunds"`
	UnrealizedPnL      decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL        decimal.Decimal `json:"realizedPnl"`
	Commissions        decimal.Decimal `json:"commissions"`
	OpenPositions      int             `json:"openPositions"`
	WorkingOrders      int             `json:"workingOrders"`
	Subscribers        int             `json:"subscribers"` // attached sessions
	Version            uint64          `json:"version"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// PositionInfo is one open position
type PositionInfo struct {
	ConID         int64           `json:"conId"`
	Symbol        string          `json:"symbol"`
	Position      decimal.Decimal `json:"position"` // +ve long, -ve short
	AvgCost       decimal.Decimal `json:"avgCost"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
}

// OrderInfo is an order in any state
type OrderInfo struct {
	OrderID      int64           `json:"orderId"`
	PermID       int64           `json:"permId"`
	ClientID     int             `json:"clientId"`
	ConID        int64           `json:"conId"`
	Symbol       string          `json:"symbol"`
	Action       string          `json:"action"` // BUY or SELL
	Type         string          `json:"type"`   // MKT, LMT, STP
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limitPrice"`
	StopPrice    decimal.Decimal `json:"stopPrice"`
	TIF          string          `json:"tif,omitempty"`
	Status       string          `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	RejectCode   int             `json:"rejectCode,omitempty"`
	RejectReason string          `json:"rejectReason,omitempty"`
	SubmittedAt  time.Time       `json:"submittedAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ContractInfo is a registered contract
type ContractInfo struct {
	ConID           int64   `json:"conId"`
	Symbol          string  `json:"symbol"`
	SecType         string  `json:"secType"`
	Exchange        string  `json:"exchange"`
	Currency        string  `json:"currency"`
	LocalSymbol     string  `json:"localSymbol"`
	Multiplier      int64   `json:"multiplier"`
	MinTick         float64 `json:"minTick"`
	Status          string  `json:"status"`
	UnderlyingConID int64   `json:"underlyingConId,omitempty"`
	Expiry          string  `json:"expiry,omitempty"` // YYYYMMDD
	Strike          float64 `json:"strike,omitempty"`
	Right           string  `json:"right,omitempty"` // C or P
}

// QuoteInfo is the top of book for one contract
type QuoteInfo struct {
	ConID   int64     `json:"conId"`
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	Last    float64   `json:"last"`
	BidSize float64   `json:"bidSize"`
	AskSize float64   `json:"askSize"`
	Volume  float64   `json:"volume"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Close   float64   `json:"close"`
	Time    time.Time `json:"time"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Accounts  int    `json:"accounts"`
	Contracts int    `json:"contracts"`
	Uptime    string `json:"uptime"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to subscribe/unsubscribe.
// Channels: "fills:<account>", "orders:<account>", "quotes:<conId>".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// FillUpdate is pushed on "fills:<account>"
type FillUpdate struct {
	Type       string          `json:"type"` // "fill"
	Account    string          `json:"account"`
	OrderID    int64           `json:"orderId"`
	ExecID     string          `json:"execId"`
	ConID      int64           `json:"conId"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"` // BOT or SLD
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Time       time.Time       `json:"time"`
}

// OrderUpdate is pushed on "orders:<account>"
type OrderUpdate struct {
	Type    string    `json:"type"` // "order"
	Account string    `json:"account"`
	Order   OrderInfo `json:"order"`
}

// QuoteUpdate is pushed on "quotes:<conId>"
type QuoteUpdate struct {
	Type  string    `json:"type"` // "quote"
	Quote QuoteInfo `json:"quote"`
}
