package models

import (
	"github.com/shopspring/decimal"
)

// AggTradeHeaders is the column order of a tick file.
var AggTradeHeaders = []string{"id", "price", "qty", "firstTradeId", "lastTradeId", "time", "isBuyerMaker", "isBestMatch"}

// AggTrade is one aggregated trade as published by the exchange. ID is strictly
// increasing within a file and unique across files of the same instrument.
type AggTrade struct {
	ID           int64
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	FirstTradeID int64
	LastTradeID  int64
	Time         int64 // milliseconds since epoch
	IsBuyerMaker bool
	IsBestMatch  bool
}

// TradeCount is the number of underlying trades folded into the aggregate.
func (t AggTrade) TradeCount() int64 {
	if t.LastTradeID < t.FirstTradeID {
		return 1
	}
	return t.LastTradeID - t.FirstTradeID + 1
}

// AggTradeKey returns the reconciliation key of a tick.
func AggTradeKey(t AggTrade) int64 { return t.ID }
