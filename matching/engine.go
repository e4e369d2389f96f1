package matching

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightningbook/obm/domain"
	"github.com/lightningbook/obm/metrics"
	"github.com/lightningbook/obm/orderbook"
	"github.com/lightningbook/obm/wal"
)

// requestCacheCapacity bounds the recent-request-id set spec.md section 6
// requires for idempotent re-delivery.
const requestCacheCapacity = 65536

// SnapshotDepth is the default depth cap (K) for snapshot events, spec.md
// section 6.
const SnapshotDepth = 50

// Emitter is the sink for trade and snapshot events, implemented by
// package emitter. Kept as a narrow interface here so the matching loop
// never depends on websocket/NATS machinery directly.
type Emitter interface {
	EmitTrade(ev TradeEvent)
	EmitSnapshot(ev SnapshotEvent)
}

// TradeEvent is handed to the Emitter after a trade's WAL records are
// durable, matching spec.md section 6's broadcast shape.
type TradeEvent struct {
	LSN        int64
	TradeID    string
	Timestamp  time.Time
	PricePaise int64
	Qty        int64
	BidOrderID string
	AskOrderID string
}

// SnapshotEvent is handed to the Emitter on the 1Hz cadence tick.
type SnapshotEvent struct {
	LSN       int64
	Timestamp time.Time
	Bids      [][2]int64
	Asks      [][2]int64
}

// Engine is the single-threaded matching engine for the one instrument this
// system trades. It owns the Book, the WAL, and the ingress ring-buffer
// handoff: no other goroutine ever mutates the Book.
//
// Architecture carried over from this repo's original design: the matching
// loop runs in a dedicated goroutine pinned with runtime.LockOSThread() to
// reduce scheduling jitter on the hot path. Requests reach it through a
// RingBuffer (Submit serializes producers with a mutex and waits on a
// per-request reply channel); trade and snapshot events are handed to the
// Emitter by a direct call from the matching goroutine.
type Engine struct {
	book   *orderbook.OrderBook
	store  *wal.Store
	emit   Emitter
	logger *zap.Logger
	metric *metrics.Engine

	submitMu    sync.Mutex
	requests    *RingBuffer[*Request]
	requestDone *Consumer[*Request]

	cache *requestCache

	snapshotDepth int
	snapshotEvery time.Duration

	stopChan chan struct{}
	stopped  chan struct{}
}

// Config configures an Engine.
type Config struct {
	Store         *wal.Store
	Emitter       Emitter
	Logger        *zap.Logger
	Metrics       *metrics.Engine
	SnapshotDepth int
	SnapshotEvery time.Duration
}

// New constructs an Engine with an empty Book. Callers that need to resume
// from WAL history should use Recover instead.
func New(cfg Config) *Engine {
	return newEngine(orderbook.NewOrderBook(), cfg)
}

func newEngine(book *orderbook.OrderBook, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = SnapshotDepth
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = time.Second
	}
	rb := NewRingBuffer[*Request](4096)
	return &Engine{
		book:          book,
		store:         cfg.Store,
		emit:          cfg.Emitter,
		logger:        cfg.Logger,
		metric:        cfg.Metrics,
		requests:      rb,
		requestDone:   rb.NewConsumer(),
		cache:         newRequestCache(requestCacheCapacity),
		snapshotDepth: cfg.SnapshotDepth,
		snapshotEvery: cfg.SnapshotEvery,
		stopChan:      make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Submit enqueues a request and blocks until the engine has produced a
// Reply for it (i.e. until WAL durability per spec.md section 4.3 step 6,
// or immediately for a cache hit / validation rejection). Safe to call
// concurrently from many ingress goroutines: submitMu keeps the RingBuffer
// single-producer, and the per-request Done channel carries each reply
// back from the single matching goroutine.
func (e *Engine) Submit(req *Request) Reply {
	req.Done = make(chan Reply, 1)
	e.submitMu.Lock()
	e.requests.Publish(req)
	e.submitMu.Unlock()
	return <-req.Done
}

// Run executes the matching loop until Stop is called or ctx is cancelled.
// It must be invoked in its own goroutine; Run does not return until the
// in-flight request (if any) has finished its WAL flush, per spec.md
// section 5's shutdown ordering.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(e.snapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.emitSnapshot()
			continue
		default:
		}

		// TryConsume rather than the blocking Consume: the loop must keep
		// servicing the snapshot ticker even while idle, so it cannot sit
		// blocked waiting for the next request.
		req, ok := e.requestDone.TryConsume()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		e.process(req)
	}
}

// Stop signals the matching loop to halt after finishing any in-flight
// request, then waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopChan)
	<-e.stopped
}

// Book returns the engine's order book, for read-only inspection (depth
// queries, admin endpoints).
func (e *Engine) Book() *orderbook.OrderBook { return e.book }

// process handles exactly one request to completion: validate, write
// intent to WAL, mutate the Book, run the matching loop, flush, emit,
// reply. This is the sole place that mutates e.book.
func (e *Engine) process(req *Request) {
	if reply, ok := e.cache.Get(req.RequestID); ok {
		req.Done <- reply
		return
	}

	reply, err := e.dispatch(req)
	if err != nil {
		e.logger.Error("matching: fatal error processing request",
			zap.String("request_id", req.RequestID), zap.Error(err))
		panic(fmt.Sprintf("obm: unrecoverable engine error: %v", err))
	}

	// Validation rejections are idempotent but never WAL'd (spec.md
	// section 9, Open Question 2): still cached so a redelivery gets the
	// same rejection without re-validating against now-stale state.
	e.cache.Put(req.RequestID, reply)
	req.Done <- reply
}

func (e *Engine) dispatch(req *Request) (Reply, error) {
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	switch req.Op {
	case OpInsert:
		return e.handleInsert(req, now)
	case OpModify:
		return e.handleModify(req, now)
	case OpCancel:
		return e.handleCancel(req, now)
	default:
		if e.metric != nil {
			e.metric.RequestsRejected.Inc()
		}
		return newReply(req, StatusRejected, "", "unrecognized op"), nil
	}
}

func (e *Engine) handleInsert(req *Request, now time.Time) (Reply, error) {
	if req.Price <= 0 || req.Qty <= 0 {
		if e.metric != nil {
			e.metric.RequestsRejected.Inc()
		}
		return newReply(req, StatusRejected, "", "price and qty must be positive"), nil
	}
	if req.OrderID != "" {
		if _, live := e.book.GetOrder(req.OrderID); live {
			if e.metric != nil {
				e.metric.RequestsRejected.Inc()
			}
			return newReply(req, StatusRejected, req.OrderID, "order id is already live"), nil
		}
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}
	order := domain.NewOrder(orderID, req.Side, req.Price, req.Qty, now)
	// Record the arrival_seq AddOrder will assign if the order rests, so the
	// ORDER_INSERT snapshot carries it for replay.
	order.ArrivalSeq = e.book.PeekNextArrivalSeq()

	insertRec, err := wal.NewOrderInsert(now, order.ToSnapshot())
	if err != nil {
		return Reply{}, err
	}
	var records []wal.Record
	records = append(records, insertRec)

	// Match first, against the opposite side only; the aggressor is not
	// yet a member of its own side's tree, so it cannot self-match.
	trades, updateRecs, err := e.matchLoop(order, now)
	if err != nil {
		return Reply{}, err
	}
	records = append(records, updateRecs...)

	// Per spec.md section 4.3's pseudocode: only a limit order with
	// remaining quantity after matching rests in the book.
	if order.RemainingQty() > 0 {
		if err := e.book.AddOrder(order); err != nil {
			return Reply{}, err
		}
	}

	if err := e.appendWAL(records...); err != nil {
		return Reply{}, err
	}
	if e.metric != nil {
		e.metric.RequestsProcessed.Inc()
		e.metric.TradesEmitted.Add(float64(len(trades)))
	}
	e.emitTrades(trades, records)
	e.updateGauges()

	return newReply(req, StatusOK, orderID, ""), nil
}

func (e *Engine) handleModify(req *Request, now time.Time) (Reply, error) {
	order, ok := e.book.GetOrder(req.OrderID)
	if !ok || !order.Status.IsLive() {
		if e.metric != nil {
			e.metric.RequestsRejected.Inc()
		}
		return newReply(req, StatusRejected, req.OrderID, "order not found or not live"), nil
	}
	if req.Price <= 0 {
		if e.metric != nil {
			e.metric.RequestsRejected.Inc()
		}
		return newReply(req, StatusRejected, req.OrderID, "price must be positive"), nil
	}

	newArrivalSeq := e.book.PeekNextArrivalSeq()
	modifyRec, err := wal.NewOrderModify(now, req.OrderID, req.Price, newArrivalSeq)
	if err != nil {
		return Reply{}, err
	}
	var records []wal.Record
	records = append(records, modifyRec)

	if err := e.book.ModifyOrder(req.OrderID, req.Price, now); err != nil {
		return Reply{}, err
	}

	trades, updateRecs, err := e.matchLoop(order, now)
	if err != nil {
		return Reply{}, err
	}
	records = append(records, updateRecs...)

	// The reseat already re-homed order in the book; if matching filled
	// it completely, it must now be spliced back out.
	if order.RemainingQty() == 0 {
		e.book.RemoveFilled(order)
	}

	if err := e.appendWAL(records...); err != nil {
		return Reply{}, err
	}
	if e.metric != nil {
		e.metric.RequestsProcessed.Inc()
		e.metric.TradesEmitted.Add(float64(len(trades)))
	}
	e.emitTrades(trades, records)
	e.updateGauges()

	return newReply(req, StatusOK, req.OrderID, ""), nil
}

func (e *Engine) handleCancel(req *Request, now time.Time) (Reply, error) {
	order, ok := e.book.GetOrder(req.OrderID)
	if !ok || !order.Status.IsLive() {
		if e.metric != nil {
			e.metric.RequestsRejected.Inc()
		}
		return newReply(req, StatusRejected, req.OrderID, "order not found or not live"), nil
	}

	cancelRec, err := wal.NewOrderCancel(now, req.OrderID)
	if err != nil {
		return Reply{}, err
	}
	if err := e.book.CancelOrder(req.OrderID, now); err != nil {
		return Reply{}, err
	}
	if err := e.appendWAL(cancelRec); err != nil {
		return Reply{}, err
	}
	if e.metric != nil {
		e.metric.RequestsProcessed.Inc()
	}
	e.updateGauges()

	return newReply(req, StatusOK, req.OrderID, ""), nil
}

// appendWAL flushes records to the WAL, timing the call for the
// obm_wal_flush_latency_seconds histogram.
func (e *Engine) appendWAL(records ...wal.Record) error {
	start := time.Now()
	err := e.store.Append(records...)
	if e.metric != nil {
		e.metric.ObserveWALFlush(time.Since(start))
	}
	return err
}

// updateGauges refreshes the best-price and depth gauges from current book
// state, called after every request. The best-price reads are O(1) peeks;
// the depth counts walk up to SnapshotDepth levels per side.
func (e *Engine) updateGauges() {
	if e.metric == nil {
		return
	}
	e.metric.BestBid.Set(float64(e.book.GetBestBid()))
	e.metric.BestAsk.Set(float64(e.book.GetBestAsk()))
	bids, asks := e.book.GetDepth(SnapshotDepth)
	e.metric.BidDepthLevels.Set(float64(len(bids)))
	e.metric.AskDepthLevels.Set(float64(len(asks)))
}

// matchLoop runs the aggressor order against the opposite side of the book,
// exactly per spec.md section 4.3's matching loop pseudocode, returning the
// trades produced and the WAL records (TRADE + ORDER_UPDATE pairs) that
// describe them. It does not append to the WAL or emit events itself; the
// caller batches those into the request's single flush.
func (e *Engine) matchLoop(aggressor *domain.Order, now time.Time) ([]*domain.Trade, []wal.Record, error) {
	var trades []*domain.Trade
	var records []wal.Record

	for aggressor.RemainingQty() > 0 {
		var resting *domain.Order
		var restingPrice int64
		if aggressor.Side == domain.SideBuy {
			restingPrice = e.book.GetBestAsk()
			if restingPrice == 0 || aggressor.Price < restingPrice {
				break
			}
			level := e.book.GetBestSellLevel()
			if level == nil || level.Orders.Len() == 0 {
				break
			}
			resting = level.Orders.Front().Value.(*domain.Order)
		} else {
			restingPrice = e.book.GetBestBid()
			if restingPrice == 0 || aggressor.Price > restingPrice {
				break
			}
			level := e.book.GetBestBuyLevel()
			if level == nil || level.Orders.Len() == 0 {
				break
			}
			resting = level.Orders.Front().Value.(*domain.Order)
		}

		qty := aggressor.RemainingQty()
		if r := resting.RemainingQty(); r < qty {
			qty = r
		}

		var bidOrderID, askOrderID string
		if aggressor.Side == domain.SideBuy {
			bidOrderID, askOrderID = aggressor.ID, resting.ID
		} else {
			bidOrderID, askOrderID = resting.ID, aggressor.ID
		}
		trade := domain.NewTrade(uuid.NewString(), bidOrderID, askOrderID, restingPrice, qty, now)

		aggressor.ApplyFill(qty, restingPrice, now)
		resting.ApplyFill(qty, restingPrice, now)
		// Keep each side's level Volume in sync with the in-place fill above;
		// a no-op for an aggressor not yet seated in the book (the ordinary
		// INSERT path), and a real decrement for a MODIFY aggressor, which is
		// already resting by the time matchLoop runs.
		e.book.ApplyRestingFill(aggressor, qty)
		e.book.ApplyRestingFill(resting, qty)

		tradeRec, err := wal.NewTrade(now, trade)
		if err != nil {
			return nil, nil, err
		}
		aggUpdateRec, err := wal.NewOrderUpdate(now, aggressor)
		if err != nil {
			return nil, nil, err
		}
		restUpdateRec, err := wal.NewOrderUpdate(now, resting)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, tradeRec, aggUpdateRec, restUpdateRec)
		trades = append(trades, trade)

		if resting.IsFilled() {
			e.book.RemoveFilled(resting)
		}
	}

	return trades, records, nil
}

// emitTrades publishes one TradeEvent per trade, tagged with that trade's
// own TRADE record's LSN (not the batch's high-water LSN), so a consumer
// dedupes against the LSN that actually originated the event: flushedRecords
// must be the same, already-Append'd slice handleInsert/handleModify built,
// so each record's LSN field is populated.
func (e *Engine) emitTrades(trades []*domain.Trade, flushedRecords []wal.Record) {
	if e.emit == nil {
		return
	}
	lsnByTradeID := make(map[string]int64, len(trades))
	for _, rec := range flushedRecords {
		if rec.Kind != wal.Trade {
			continue
		}
		p, err := rec.DecodeTrade()
		if err != nil {
			continue
		}
		lsnByTradeID[p.ID] = rec.LSN
	}

	for _, t := range trades {
		e.emit.EmitTrade(TradeEvent{
			LSN:        lsnByTradeID[t.ID],
			TradeID:    t.ID,
			Timestamp:  t.Timestamp,
			PricePaise: t.Price,
			Qty:        t.Qty,
			BidOrderID: t.BidOrderID,
			AskOrderID: t.AskOrderID,
		})
	}
}

func (e *Engine) emitSnapshot() {
	if e.emit == nil {
		return
	}
	bids, asks := e.book.GetDepth(e.snapshotDepth)
	snap := SnapshotEvent{
		LSN:       e.store.NextLSN() - 1,
		Timestamp: time.Now(),
		Bids:      make([][2]int64, len(bids)),
		Asks:      make([][2]int64, len(asks)),
	}
	for i, l := range bids {
		snap.Bids[i] = [2]int64{l.Price, l.Quantity}
	}
	for i, l := range asks {
		snap.Asks[i] = [2]int64{l.Price, l.Quantity}
	}
	e.emit.EmitSnapshot(snap)
}
