// Package emitter publishes trade and snapshot events to downstream
// consumers after WAL durability, per spec.md section 4.4. Publication is
// best-effort: a slow or absent subscriber never blocks the matching loop.
package emitter

import "time"

// TradeEvent is the wire shape spec.md section 6 defines for broadcast.
type TradeEvent struct {
	LSN        int64     `json:"lsn"`
	TradeID    string    `json:"trade_id"`
	Timestamp  time.Time `json:"ts"`
	PricePaise int64     `json:"price_paise"`
	Qty        int64     `json:"qty"`
	BidOrderID string    `json:"bid_order_id"`
	AskOrderID string    `json:"ask_order_id"`
}

// SnapshotEvent is the wire shape for the 1Hz depth broadcast. Bids/Asks are
// [price, total_qty] pairs, best-first, capped at K levels.
type SnapshotEvent struct {
	LSN       int64     `json:"lsn"`
	Timestamp time.Time `json:"ts"`
	Bids      [][2]int64 `json:"bids"`
	Asks      [][2]int64 `json:"asks"`
}

// envelope tags every broadcast message with a type so a single WebSocket
// connection can multiplex both event kinds, mirroring the
// type-discriminated WebSocketMessage this design is grounded on.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func tradeEnvelope(ev TradeEvent) envelope    { return envelope{Type: "trade", Data: ev} }
func snapshotEnvelope(ev SnapshotEvent) envelope { return envelope{Type: "snapshot", Data: ev} }
