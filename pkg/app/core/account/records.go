package account

import (
	"github.com/uhyunpark/twsim/pkg/storage"
)

// WireStatus maps a state to the status string clients expect.
func (s OrderState) WireStatus() string {
	switch s {
	case Submitted:
		return "PendingSubmit"
	case Working, PartiallyFilled:
		return "Submitted"
	case Filled:
		return "Filled"
	case Cancelled:
		return "Cancelled"
	case Rejected:
		return "Inactive"
	default:
		return "Unknown"
	}
}

func accountRecord(a *Account) storage.Record {
	return storage.Record{
		Kind: storage.KindAccount,
		AccountState: &storage.AccountRow{
			AccountID:    a.Code,
			AccountType:  a.Type,
			BaseCurrency: a.BaseCurrency,
			Cash:         a.Cash,
			RealizedPnL:  a.RealizedPnL,
			Commissions:  a.Commissions,
		},
	}
}

// OrderRow converts an order to its persisted form
func OrderRow(o *Order) *storage.OrderRow {
	return &storage.OrderRow{
		OrderID:      o.ID,
		PermID:       o.PermID,
		ClientID:     o.ClientID,
		AccountID:    o.Account,
		ConID:        o.ConID,
		Symbol:       o.Symbol,
		Action:       o.Side.String(),
		OrderType:    string(o.Type),
		TotalQty:     o.Qty,
		FilledQty:    o.Filled,
		LimitPrice:   o.LimitPrice,
		AuxPrice:     o.StopPrice,
		AvgFillPrice: o.AvgFillPrice,
		Status:       o.State.WireStatus(),
		TIF:          o.TIF,
		RejectReason: o.RejectReason,
	}
}

// ExecutionRow converts a fill to its persisted form
func ExecutionRow(account string, f *Fill) *storage.ExecutionRow {
	return &storage.ExecutionRow{
		ExecID:      f.ExecID,
		OrderID:     f.OrderID,
		AccountID:   account,
		ConID:       f.ConID,
		Symbol:      f.Symbol,
		Side:        f.Side.ExecSide(),
		Shares:      f.Qty,
		Price:       f.Price,
		Commission:  f.Commission,
		RealizedPnL: f.RealizedPnL,
		Time:        f.Time,
	}
}

func recordsFor(acc *Account, deltas []Delta) []storage.Record {
	recs := make([]storage.Record, 0, len(deltas))
	for _, d := range deltas {
		switch d.Kind {
		case DeltaFill:
			recs = append(recs, storage.Record{Kind: storage.KindExecution, Execution: ExecutionRow(acc.Code, d.Fill)})
		case DeltaOrder:
			recs = append(recs, storage.Record{Kind: storage.KindOrder, Order: OrderRow(d.Order)})
		case DeltaPosition:
			recs = append(recs, storage.Record{Kind: storage.KindPosition, Position: &storage.PositionRow{
				AccountID:   acc.Code,
				ConID:       d.Position.ConID,
				Symbol:      d.Position.Symbol,
				Position:    d.Position.Qty,
				AvgCost:     d.Position.AvgCost(),
				RealizedPnL: d.Position.RealizedPnL,
			}})
		case DeltaAccount:
			recs = append(recs, accountRecord(acc))
		}
	}
	return recs
}
