package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/uhyunpark/twsim/pkg/app/core/account"
	"github.com/uhyunpark/twsim/pkg/app/core/market"
	"github.com/uhyunpark/twsim/pkg/marketdata"
)

// Stream publishes engine activity and quotes to WebSocket subscribers.
// It is an execution.Observer, so it is built before the engine and handed
// to the Server afterwards.
type Stream struct {
	ledger    *account.Ledger
	contracts *market.ContractRegistry
	quotes    marketdata.Source
	hub       *Hub
}

// NewStream creates a stream and its hub. Call Run to start the hub.
func NewStream(ledger *account.Ledger, contracts *market.ContractRegistry, quotes marketdata.Source, logger *zap.SugaredLogger) *Stream {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	st := &Stream{ledger: ledger, contracts: contracts, quotes: quotes}
	st.hub = NewHub(logger, st.openFeed)
	return st
}

// Hub returns the WebSocket hub
func (st *Stream) Hub() *Hub { return st.hub }

// Run runs the hub until ctx is cancelled
func (st *Stream) Run(ctx context.Context) { st.hub.Run(ctx) }

func (st *Stream) OrderPlaced(o *account.Order)    { st.broadcastOrder(o) }
func (st *Stream) OrderRejected(o *account.Order)  { st.broadcastOrder(o) }
func (st *Stream) OrderCancelled(o *account.Order) { st.broadcastOrder(o) }

func (st *Stream) Filled(acct string, f *account.Fill) {
	st.hub.BroadcastToChannel("fills:"+acct, FillUpdate{
		Type:       "fill",
		Account:    acct,
		OrderID:    f.OrderID,
		ExecID:     f.ExecID,
		ConID:      f.ConID,
		Symbol:     f.Symbol,
		Side:       f.Side.ExecSide(),
		Quantity:   f.Qty,
		Price:      f.Price,
		Commission: f.Commission,
		Time:       f.Time,
	})
}

func (st *Stream) broadcastOrder(o *account.Order) {
	st.hub.BroadcastToChannel("orders:"+o.Account, OrderUpdate{
		Type:    "order",
		Account: o.Account,
		Order:   orderInfo(o),
	})
}

// openFeed validates a channel name and, for quotes, subscribes to the
// market-data source.
func (st *Stream) openFeed(channel string) (func(), error) {
	kind, arg, ok := strings.Cut(channel, ":")
	if !ok || arg == "" {
		return nil, errUnknownChannel
	}
	switch kind {
	case "fills", "orders":
		if _, err := st.ledger.Snapshot(arg); err != nil {
			return nil, err
		}
		return nil, nil
	case "quotes":
		conID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid conId %q", arg)
		}
		if _, err := st.contracts.GetContract(conID); err != nil {
			return nil, err
		}
		return st.quotes.Subscribe(conID, func(q marketdata.Quote) {
			st.hub.BroadcastToChannel(channel, QuoteUpdate{Type: "quote", Quote: quoteInfo(q)})
		}), nil
	}
	return nil, errUnknownChannel
}
