package wal

import (
	"encoding/json"
	"time"

	"github.com/lightningbook/obm/domain"
)

// Kind identifies the operation a Record describes, exactly the five kinds
// spec.md section 4.1 enumerates.
type Kind uint8

const (
	OrderInsert Kind = iota + 1
	OrderModify
	OrderCancel
	Trade
	OrderUpdate
)

func (k Kind) String() string {
	switch k {
	case OrderInsert:
		return "ORDER_INSERT"
	case OrderModify:
		return "ORDER_MODIFY"
	case OrderCancel:
		return "ORDER_CANCEL"
	case Trade:
		return "TRADE"
	case OrderUpdate:
		return "ORDER_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Record is one totally-ordered, durable unit of the log. LSN is assigned by
// the Store at Append time, strictly increasing by 1.
type Record struct {
	LSN       int64           `json:"lsn"`
	Timestamp time.Time       `json:"ts"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// OrderInsertPayload carries the full accepted order state.
type OrderInsertPayload struct {
	Order domain.Snapshot `json:"order"`
}

// OrderModifyPayload carries a re-seat: same id, new price, fresh arrival_seq.
type OrderModifyPayload struct {
	ID            string `json:"id"`
	NewPrice      int64  `json:"new_price"`
	NewArrivalSeq int64  `json:"new_arrival_seq"`
}

// OrderCancelPayload carries only the cancelled order's id.
type OrderCancelPayload struct {
	ID string `json:"id"`
}

// TradePayload carries a full trade record.
type TradePayload struct {
	ID         string    `json:"id"`
	BidOrderID string    `json:"bid_order_id"`
	AskOrderID string    `json:"ask_order_id"`
	Price      int64     `json:"price"`
	Qty        int64     `json:"qty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OrderUpdatePayload is emitted once per order per fill.
type OrderUpdatePayload struct {
	ID             string             `json:"id"`
	TradedQty      int64              `json:"traded_qty"`
	AvgTradedPrice int64              `json:"avg_traded_price"`
	Status         domain.OrderStatus `json:"status"`
}

// NewOrderInsert builds an ORDER_INSERT record (LSN filled in by Store.Append).
func NewOrderInsert(ts time.Time, order domain.Snapshot) (Record, error) {
	return newRecord(ts, OrderInsert, OrderInsertPayload{Order: order})
}

// NewOrderModify builds an ORDER_MODIFY record.
func NewOrderModify(ts time.Time, id string, newPrice, newArrivalSeq int64) (Record, error) {
	return newRecord(ts, OrderModify, OrderModifyPayload{ID: id, NewPrice: newPrice, NewArrivalSeq: newArrivalSeq})
}

// NewOrderCancel builds an ORDER_CANCEL record.
func NewOrderCancel(ts time.Time, id string) (Record, error) {
	return newRecord(ts, OrderCancel, OrderCancelPayload{ID: id})
}

// NewTrade builds a TRADE record.
func NewTrade(ts time.Time, t *domain.Trade) (Record, error) {
	return newRecord(ts, Trade, TradePayload{
		ID:         t.ID,
		BidOrderID: t.BidOrderID,
		AskOrderID: t.AskOrderID,
		Price:      t.Price,
		Qty:        t.Qty,
		Timestamp:  t.Timestamp,
	})
}

// NewOrderUpdate builds an ORDER_UPDATE record for one order's post-fill state.
func NewOrderUpdate(ts time.Time, order *domain.Order) (Record, error) {
	avg, _ := order.AvgTradedPrice()
	return newRecord(ts, OrderUpdate, OrderUpdatePayload{
		ID:             order.ID,
		TradedQty:      order.TradedQty,
		AvgTradedPrice: avg,
		Status:         order.Status,
	})
}

func newRecord(ts time.Time, kind Kind, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}
	return Record{Timestamp: ts, Kind: kind, Payload: raw}, nil
}

// DecodeOrderInsert unmarshals the payload of an ORDER_INSERT record.
func (r Record) DecodeOrderInsert() (OrderInsertPayload, error) {
	var p OrderInsertPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeOrderModify unmarshals the payload of an ORDER_MODIFY record.
func (r Record) DecodeOrderModify() (OrderModifyPayload, error) {
	var p OrderModifyPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeOrderCancel unmarshals the payload of an ORDER_CANCEL record.
func (r Record) DecodeOrderCancel() (OrderCancelPayload, error) {
	var p OrderCancelPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeTrade unmarshals the payload of a TRADE record.
func (r Record) DecodeTrade() (TradePayload, error) {
	var p TradePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// DecodeOrderUpdate unmarshals the payload of an ORDER_UPDATE record.
func (r Record) DecodeOrderUpdate() (OrderUpdatePayload, error) {
	var p OrderUpdatePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}
