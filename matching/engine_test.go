package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightningbook/obm/domain"
	"github.com/lightningbook/obm/wal"
)

// recordingEmitter captures every event handed to it, for assertions; real
// subscribers (the emitter package's Hub) instead push them out over
// WebSocket.
type recordingEmitter struct {
	mu        sync.Mutex
	trades    []TradeEvent
	snapshots []SnapshotEvent
}

func (r *recordingEmitter) EmitTrade(ev TradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, ev)
}

func (r *recordingEmitter) EmitSnapshot(ev SnapshotEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, ev)
}

func (r *recordingEmitter) tradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

func newTestEngine(t *testing.T) (*Engine, *recordingEmitter) {
	t.Helper()
	store, err := wal.Open(wal.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	emit := &recordingEmitter{}
	engine := New(Config{Store: store, Emitter: emit, SnapshotEvery: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(func() {
		cancel()
		engine.Stop()
	})
	return engine, emit
}

func insert(t *testing.T, e *Engine, requestID, orderID string, side domain.Side, price, qty int64) Reply {
	t.Helper()
	reply := e.Submit(&Request{
		RequestID: requestID,
		Op:        OpInsert,
		Timestamp: time.Now(),
		OrderID:   orderID,
		Side:      side,
		Price:     price,
		Qty:       qty,
	})
	require.Equal(t, StatusOK, reply.Status, reply.Reason)
	return reply
}

// Scenario 1: no cross — both orders rest, no trades.
func TestScenarioNoCross(t *testing.T) {
	e, emit := newTestEngine(t)

	insert(t, e, "r1", "b1", domain.SideBuy, 10000, 10)
	insert(t, e, "r2", "s1", domain.SideSell, 10100, 5)

	require.Equal(t, 0, emit.tradeCount())
	require.Equal(t, int64(10000), e.Book().GetBestBid())
	require.Equal(t, int64(10100), e.Book().GetBestAsk())

	b1, ok := e.Book().GetOrder("b1")
	require.True(t, ok)
	require.True(t, b1.Status.IsLive())
	s1, ok := e.Book().GetOrder("s1")
	require.True(t, ok)
	require.True(t, s1.Status.IsLive())
}

// Scenario 2: exact cross, full fill on both sides.
func TestScenarioExactCrossFullFill(t *testing.T) {
	e, emit := newTestEngine(t)

	insert(t, e, "r1", "b1", domain.SideBuy, 10000, 10)
	insert(t, e, "r2", "s1", domain.SideSell, 10100, 5)
	insert(t, e, "r3", "b2", domain.SideBuy, 10100, 5)

	require.Equal(t, 1, emit.tradeCount())
	tr := emit.trades[0]
	require.Equal(t, int64(10100), tr.PricePaise)
	require.Equal(t, int64(5), tr.Qty)
	require.Equal(t, "b2", tr.BidOrderID)
	require.Equal(t, "s1", tr.AskOrderID)

	_, ok := e.Book().GetOrder("s1")
	require.False(t, ok, "s1 must be removed once FILLED")
	_, ok = e.Book().GetOrder("b2")
	require.False(t, ok, "b2 must never rest: it arrived already FILLED")

	b1, ok := e.Book().GetOrder("b1")
	require.True(t, ok)
	require.Equal(t, int64(10), b1.RemainingQty(), "b1 is untouched by the b2/s1 match")
}

// Scenario 3: partial fill, aggressor rests with the remainder.
func TestScenarioPartialFillAggressorRests(t *testing.T) {
	e, _ := newTestEngine(t)

	insert(t, e, "r1", "s1", domain.SideSell, 10000, 3)
	insert(t, e, "r2", "b1", domain.SideBuy, 10000, 10)

	_, ok := e.Book().GetOrder("s1")
	require.False(t, ok)

	b1, ok := e.Book().GetOrder("b1")
	require.True(t, ok)
	require.Equal(t, domain.StatusPartiallyFilled, b1.Status)
	require.Equal(t, int64(7), b1.RemainingQty())
	require.Equal(t, int64(10000), b1.Price)
}

// Scenario 4: price-time priority across two resting orders at one level.
func TestScenarioPriceTimePriority(t *testing.T) {
	e, emit := newTestEngine(t)

	insert(t, e, "r1", "s1", domain.SideSell, 10000, 4)
	insert(t, e, "r2", "s2", domain.SideSell, 10000, 4)
	insert(t, e, "r3", "b1", domain.SideBuy, 10000, 6)

	require.Equal(t, 2, emit.tradeCount())
	require.Equal(t, "s1", emit.trades[0].AskOrderID)
	require.Equal(t, int64(4), emit.trades[0].Qty)
	require.Equal(t, "s2", emit.trades[1].AskOrderID)
	require.Equal(t, int64(2), emit.trades[1].Qty)

	_, ok := e.Book().GetOrder("s1")
	require.False(t, ok)
	s2, ok := e.Book().GetOrder("s2")
	require.True(t, ok)
	require.Equal(t, int64(2), s2.RemainingQty())
	_, ok = e.Book().GetOrder("b1")
	require.False(t, ok, "b1 arrived fully filled and never rests")
}

// Scenario 5: a MODIFY, even at an unchanged price, forfeits time priority.
func TestScenarioModifyForfeitsPriority(t *testing.T) {
	e, emit := newTestEngine(t)

	insert(t, e, "r1", "s1", domain.SideSell, 10000, 5)
	insert(t, e, "r2", "s2", domain.SideSell, 10000, 5)

	modReply := e.Submit(&Request{
		RequestID: "r3",
		Op:        OpModify,
		Timestamp: time.Now(),
		OrderID:   "s1",
		Price:     10000,
	})
	require.Equal(t, StatusOK, modReply.Status)

	insert(t, e, "r4", "b1", domain.SideBuy, 10000, 5)

	require.Equal(t, 1, emit.tradeCount())
	require.Equal(t, "s2", emit.trades[0].AskOrderID, "s2 now has the older arrival_seq")
}

// Scenario 6: recovery reproduces durable state exactly, and a redelivered
// request that never reached durability before the "crash" applies cleanly
// against the recovered book.
func TestScenarioCrashRecovery(t *testing.T) {
	dir := t.TempDir()

	store1, err := wal.Open(wal.DefaultConfig(dir))
	require.NoError(t, err)

	engine1 := New(Config{Store: store1, SnapshotEvery: time.Hour})
	ctx1, cancel1 := context.WithCancel(context.Background())
	go engine1.Run(ctx1)

	insert(t, engine1, "r1", "b1", domain.SideBuy, 10000, 10)

	// s1's request never reached this engine: this stands in for a crash
	// between the producer sending it and the engine flushing its records.
	cancel1()
	engine1.Stop()
	require.NoError(t, store1.Close())

	store2, err := wal.Open(wal.DefaultConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	emit2 := &recordingEmitter{}
	engine2, err := Recover(Config{Store: store2, Emitter: emit2, SnapshotEvery: time.Hour})
	require.NoError(t, err)

	b1, ok := engine2.Book().GetOrder("b1")
	require.True(t, ok, "b1 must survive recovery at its last durable state")
	require.Equal(t, int64(10), b1.RemainingQty())
	_, ok = engine2.Book().GetOrder("s1")
	require.False(t, ok, "s1 was never durable and must not reappear")

	ctx2, cancel2 := context.WithCancel(context.Background())
	go engine2.Run(ctx2)
	t.Cleanup(func() {
		cancel2()
		engine2.Stop()
	})

	reply := insert(t, engine2, "r2", "s1", domain.SideSell, 10000, 3)
	require.Equal(t, "s1", reply.OrderID)
	require.Equal(t, 1, emit2.tradeCount())
	require.Equal(t, int64(3), emit2.trades[0].Qty)

	b1, ok = engine2.Book().GetOrder("b1")
	require.True(t, ok)
	require.Equal(t, int64(7), b1.RemainingQty())

	// Redelivery of the same request_id must not double-apply it (P6).
	replyAgain := engine2.Submit(&Request{
		RequestID: "r2",
		Op:        OpInsert,
		Timestamp: time.Now(),
		OrderID:   "s1",
		Side:      domain.SideSell,
		Price:     10000,
		Qty:       3,
	})
	require.Equal(t, reply, replyAgain)
	require.Equal(t, 1, emit2.tradeCount(), "a duplicate request_id must not re-run the match")

	b1, ok = engine2.Book().GetOrder("b1")
	require.True(t, ok)
	require.Equal(t, int64(7), b1.RemainingQty(), "redelivery must not double-fill b1")
}

// P6: idempotent re-submission of a cancel produces one outcome.
func TestIdempotentCancel(t *testing.T) {
	e, _ := newTestEngine(t)
	insert(t, e, "r1", "o1", domain.SideBuy, 10000, 10)

	cancel := func() Reply {
		return e.Submit(&Request{RequestID: "cancel-1", Op: OpCancel, Timestamp: time.Now(), OrderID: "o1"})
	}
	first := cancel()
	second := cancel()
	require.Equal(t, first, second)
	require.Equal(t, StatusOK, first.Status)

	_, ok := e.Book().GetOrder("o1")
	require.False(t, ok)
}

// Rejections: non-positive price/qty, and operating on an unknown order id.
func TestValidationRejections(t *testing.T) {
	e, _ := newTestEngine(t)

	reply := e.Submit(&Request{RequestID: "r1", Op: OpInsert, Timestamp: time.Now(), Side: domain.SideBuy, Price: 0, Qty: 10})
	require.Equal(t, StatusRejected, reply.Status)

	reply = e.Submit(&Request{RequestID: "r2", Op: OpCancel, Timestamp: time.Now(), OrderID: "does-not-exist"})
	require.Equal(t, StatusRejected, reply.Status)

	reply = e.Submit(&Request{RequestID: "r3", Op: OpModify, Timestamp: time.Now(), OrderID: "does-not-exist", Price: 100})
	require.Equal(t, StatusRejected, reply.Status)
}

// A partial fill of a resting order must decrement its price level's
// aggregate Volume, not just the order's own RemainingQty, or GetDepth (and
// the snapshot it feeds) reports stale-high quantity at that level.
func TestPartialFillUpdatesLevelVolume(t *testing.T) {
	e, _ := newTestEngine(t)

	insert(t, e, "r1", "s1", domain.SideSell, 10100, 10)
	_, asks := e.Book().GetDepth(1)
	require.Equal(t, int64(10), asks[0].Quantity)

	insert(t, e, "r2", "b1", domain.SideBuy, 10100, 4)

	s1, ok := e.Book().GetOrder("s1")
	require.True(t, ok)
	require.Equal(t, int64(6), s1.RemainingQty())

	_, asks = e.Book().GetDepth(1)
	require.Equal(t, int64(6), asks[0].Quantity, "the ask level's Volume must track s1's remaining qty after the partial fill")
}

// A MODIFY aggressor that is already resting (reseated before matching) must
// also have its own level's Volume decremented as it fills, the same as an
// opposite-side resting order: a MODIFY reseats before matching, so the
// aggressor in this path is already a tree member when matchLoop runs.
func TestModifyAggressorPartialFillUpdatesLevelVolume(t *testing.T) {
	e, _ := newTestEngine(t)

	insert(t, e, "r1", "o2", domain.SideBuy, 9800, 8)
	insert(t, e, "r2", "s1", domain.SideSell, 9950, 4)

	modReply := e.Submit(&Request{
		RequestID: "r3",
		Op:        OpModify,
		Timestamp: time.Now(),
		OrderID:   "o2",
		Price:     9950,
	})
	require.Equal(t, StatusOK, modReply.Status)

	o2, ok := e.Book().GetOrder("o2")
	require.True(t, ok, "o2 partially fills against s1 and keeps resting with the remainder")
	require.Equal(t, int64(4), o2.RemainingQty())

	bids, _ := e.Book().GetDepth(1)
	require.Equal(t, int64(9950), bids[0].Price)
	require.Equal(t, int64(4), bids[0].Quantity, "o2 is the sole occupant of the 9950 bid level; its Volume must track the reseated aggressor's own fill")
}

// P2: the book never ends up crossed after any sequence of requests.
func TestBookNeverCrossed(t *testing.T) {
	e, _ := newTestEngine(t)

	insert(t, e, "r1", "b1", domain.SideBuy, 9900, 10)
	insert(t, e, "r2", "s1", domain.SideSell, 10100, 10)
	insert(t, e, "r3", "b2", domain.SideBuy, 10050, 10)
	insert(t, e, "r4", "s2", domain.SideSell, 10020, 10)

	bid := e.Book().GetBestBid()
	ask := e.Book().GetBestAsk()
	if bid != 0 && ask != 0 {
		require.Less(t, bid, ask)
	}
}
