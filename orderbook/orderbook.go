package orderbook

import (
	"errors"
	"time"

	"github.com/lightningbook/obm/domain"
)

// ErrOrderNotFound is returned when an operation references an order ID that
// is not currently live in the book.
var ErrOrderNotFound = errors.New("orderbook: order not found")

// IOrderBook defines the operations the matching engine drives against a
// single-instrument order book.
type IOrderBook interface {
	AddOrder(order *domain.Order) error
	CancelOrder(orderID string, now time.Time) error
	ModifyOrder(orderID string, newPrice int64, now time.Time) error
	GetBestBid() int64
	GetBestAsk() int64
	GetDepth(levels int) (bids, asks []PriceLevel)
	GetOrder(orderID string) (*domain.Order, bool)
	RemoveFilled(order *domain.Order)
	ApplyRestingFill(order *domain.Order, qty int64)
	PeekNextArrivalSeq() int64
}

// PriceLevel is the external, read-only view of a price level, returned by
// GetDepth for snapshot events.
type PriceLevel struct {
	Price    int64
	Quantity int64
	Orders   int
}

// OrderBook is a price-time priority limit order book for one instrument.
// It is not safe for concurrent use: the matching engine is the only writer,
// and it drives the book from a single goroutine (spec.md section 5's
// single-threaded matching invariant). Reads for snapshotting happen on the
// same goroutine between requests.
type OrderBook struct {
	bids       PriceTreeInterface // buy orders, best = highest price
	asks       PriceTreeInterface // sell orders, best = lowest price
	orders     map[string]*domain.Order
	arrivalSeq int64
}

// NewOrderBook builds an empty book backed by the sharded price tree.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:   NewPriceTreeWithType(ShardedType, true),
		asks:   NewPriceTreeWithType(ShardedType, false),
		orders: make(map[string]*domain.Order),
	}
}

// nextArrivalSeq hands out the monotone sequence that fixes time priority.
// Every (re)insertion — including a MODIFY's reseat — takes a fresh value,
// so a modified order always loses priority at its new price, per spec.md
// section 3.
func (ob *OrderBook) nextArrivalSeq() int64 {
	ob.arrivalSeq++
	return ob.arrivalSeq
}

// AddOrder inserts a new resting order into the book, assigning it the next
// arrival sequence.
func (ob *OrderBook) AddOrder(order *domain.Order) error {
	if _, exists := ob.orders[order.ID]; exists {
		return nil
	}
	order.ArrivalSeq = ob.nextArrivalSeq()
	ob.orders[order.ID] = order

	if order.Side == domain.SideBuy {
		ob.bids.Insert(order)
	} else {
		ob.asks.Insert(order)
	}
	return nil
}

// CancelOrder removes a live order from the book and marks it CANCELLED.
func (ob *OrderBook) CancelOrder(orderID string, now time.Time) error {
	order, exists := ob.orders[orderID]
	if !exists {
		return ErrOrderNotFound
	}

	ob.removeFromTree(order)
	delete(ob.orders, orderID)
	order.Cancel(now)
	return nil
}

// ModifyOrder reseats a live order at newPrice with a fresh arrival
// sequence, per the price-only MODIFY semantics decided in SPEC_FULL.md
// (quantity cannot be changed in place; cancel-and-replace covers that).
func (ob *OrderBook) ModifyOrder(orderID string, newPrice int64, now time.Time) error {
	order, exists := ob.orders[orderID]
	if !exists {
		return ErrOrderNotFound
	}

	ob.removeFromTree(order)
	order.Reseat(newPrice, ob.nextArrivalSeq(), now)

	if order.Side == domain.SideBuy {
		ob.bids.Insert(order)
	} else {
		ob.asks.Insert(order)
	}
	return nil
}

func (ob *OrderBook) removeFromTree(order *domain.Order) {
	if order.Side == domain.SideBuy {
		ob.bids.Remove(order)
	} else {
		ob.asks.Remove(order)
	}
}

// GetOrder returns the live order with the given ID, if any.
func (ob *OrderBook) GetOrder(orderID string) (*domain.Order, bool) {
	order, exists := ob.orders[orderID]
	return order, exists
}

// GetBestBid returns the highest live buy price, or 0 if the bid side is
// empty.
func (ob *OrderBook) GetBestBid() int64 {
	return ob.bids.GetBestPrice()
}

// GetBestAsk returns the lowest live sell price, or 0 if the ask side is
// empty.
func (ob *OrderBook) GetBestAsk() int64 {
	return ob.asks.GetBestPrice()
}

// GetDepth returns up to levels price levels per side, best-first, for
// snapshot events.
func (ob *OrderBook) GetDepth(levels int) (bids, asks []PriceLevel) {
	bidLevels := ob.bids.GetDepth(levels)
	askLevels := ob.asks.GetDepth(levels)

	bids = make([]PriceLevel, len(bidLevels))
	for i, level := range bidLevels {
		bids[i] = PriceLevel{
			Price:    level.Price,
			Quantity: level.Volume,
			Orders:   level.Orders.Len(),
		}
	}

	asks = make([]PriceLevel, len(askLevels))
	for i, level := range askLevels {
		asks[i] = PriceLevel{
			Price:    level.Price,
			Quantity: level.Volume,
			Orders:   level.Orders.Len(),
		}
	}

	return bids, asks
}

// GetBestBuyOrders returns the resting orders at the best bid, in arrival
// order, for the matching loop.
func (ob *OrderBook) GetBestBuyOrders() []*domain.Order {
	return ob.bids.GetBestOrders()
}

// GetBestSellOrders returns the resting orders at the best ask, in arrival
// order, for the matching loop.
func (ob *OrderBook) GetBestSellOrders() []*domain.Order {
	return ob.asks.GetBestOrders()
}

// GetBestBuyLevel returns the best bid price level without allocating.
func (ob *OrderBook) GetBestBuyLevel() *PriceLevel_ {
	return ob.bids.GetBestLevel()
}

// GetBestSellLevel returns the best ask price level without allocating.
func (ob *OrderBook) GetBestSellLevel() *PriceLevel_ {
	return ob.asks.GetBestLevel()
}

// RemoveFilled splices a fully filled order out of its price level and
// drops it from the ID index. The matching loop calls it the instant a
// resting order's remaining quantity reaches zero; the MODIFY handler calls
// it after matching when the re-seated aggressor itself is fully filled; and
// replay calls it for either side of a recorded trade that fills an order.
func (ob *OrderBook) RemoveFilled(order *domain.Order) {
	ob.removeFromTree(order)
	delete(ob.orders, order.ID)
}

// ApplyRestingFill keeps a price level's aggregate Volume in sync with a
// fill applied in place to order via domain.Order.ApplyFill, which only
// updates the order itself. Only meaningful for an order that is currently
// a live member of its side's tree (order.ListElement != nil) — an
// aggressor that has not yet been inserted (the ordinary INSERT path) has
// no level of its own to adjust, and touching the price that happens to
// already exist on its side from unrelated resting orders would corrupt
// their volume instead. A full fill is followed by RemoveFilled, whose own
// splice subtracts the order's (by-then-zero) RemainingQty, so there is no
// double adjustment.
func (ob *OrderBook) ApplyRestingFill(order *domain.Order, qty int64) {
	if order.ListElement == nil {
		return
	}
	var tree PriceTreeInterface
	if order.Side == domain.SideBuy {
		tree = ob.bids
	} else {
		tree = ob.asks
	}
	if level := tree.GetLevel(order.Price); level != nil {
		level.Volume -= qty
	}
}

// PeekNextArrivalSeq returns the arrival sequence the next (re)insertion
// would receive, without consuming it. Used to build the ORDER_MODIFY WAL
// record before ModifyOrder itself assigns the sequence.
func (ob *OrderBook) PeekNextArrivalSeq() int64 {
	return ob.arrivalSeq + 1
}

// ReplayInsert inserts order into the book using the arrival_seq already
// recorded in its WAL snapshot, rather than minting a fresh one, and
// advances the book's internal counter past it if needed. Used only by
// Recovery, where determinism requires reproducing history exactly
// (spec.md section 4.3, "Determinism").
func (ob *OrderBook) ReplayInsert(order *domain.Order) {
	ob.orders[order.ID] = order
	if order.ArrivalSeq > ob.arrivalSeq {
		ob.arrivalSeq = order.ArrivalSeq
	}
	if order.Side == domain.SideBuy {
		ob.bids.Insert(order)
	} else {
		ob.asks.Insert(order)
	}
}

// ReplayModify re-seats an already-indexed order at newPrice using the
// arrival_seq recorded in the ORDER_MODIFY record, mirroring ReplayInsert's
// no-fresh-sequence discipline.
func (ob *OrderBook) ReplayModify(orderID string, newPrice, newArrivalSeq int64, now time.Time) error {
	order, exists := ob.orders[orderID]
	if !exists {
		return ErrOrderNotFound
	}
	ob.removeFromTree(order)
	order.Reseat(newPrice, newArrivalSeq, now)
	if newArrivalSeq > ob.arrivalSeq {
		ob.arrivalSeq = newArrivalSeq
	}
	if order.Side == domain.SideBuy {
		ob.bids.Insert(order)
	} else {
		ob.asks.Insert(order)
	}
	return nil
}
