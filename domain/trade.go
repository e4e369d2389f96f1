package domain

import "time"

// Trade represents a matched trade between a resting and an aggressor order.
// Price is always the resting order's price, never the aggressor's (spec.md
// section 3, invariant P3).
type Trade struct {
	ID        string
	BidOrderID string
	AskOrderID string
	Price     int64
	Qty       int64
	Timestamp time.Time
}

// NewTrade builds a Trade record. bidOrderID/askOrderID are the buy-side and
// sell-side order IDs respectively, regardless of which one is the aggressor.
func NewTrade(id, bidOrderID, askOrderID string, price, qty int64, ts time.Time) *Trade {
	return &Trade{
		ID:         id,
		BidOrderID: bidOrderID,
		AskOrderID: askOrderID,
		Price:      price,
		Qty:        qty,
		Timestamp:  ts,
	}
}
