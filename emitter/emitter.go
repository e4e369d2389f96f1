package emitter

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lightningbook/obm/matching"
)

// subscriberBuffer bounds how many unconsumed events a connection may queue;
// once it is full, further events for that connection are dropped, so a slow
// reader never makes the matching loop wait (spec.md section 4.4).
const subscriberBuffer = 256

// Hub fans trade and snapshot events out to WebSocket subscribers. It
// implements matching.Emitter. Grounded on tradSys's WebSocketGateway
// (services/websocket/websocket_core.go), trimmed to this system's single
// broadcast channel: no per-exchange routing, license tiers, or compliance
// filtering, none of which this spec's scope includes.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	out  chan envelope
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// HandleConnection upgrades an HTTP request to a WebSocket and registers it
// as a subscriber until the client disconnects.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("emitter: websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{conn: conn, out: make(chan envelope, subscriberBuffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// readLoop exists only to notice the connection closing; this system never
// accepts client-initiated messages over this socket.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for env := range sub.out {
		sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := sub.conn.WriteJSON(env); err != nil {
			h.logger.Debug("emitter: write failed, dropping subscriber", zap.Error(err))
			h.remove(sub)
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.out)
	}
	h.mu.Unlock()
	sub.conn.Close()
}

func (h *Hub) broadcast(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.out <- env:
		default:
			// Subscriber's queue is saturated: best-effort delivery drops
			// this event for it rather than blocking the matching loop.
			h.logger.Warn("emitter: subscriber buffer full, dropping event")
		}
	}
}

// EmitTrade implements matching.Emitter.
func (h *Hub) EmitTrade(ev matching.TradeEvent) {
	h.broadcast(tradeEnvelope(TradeEvent{
		LSN:        ev.LSN,
		TradeID:    ev.TradeID,
		Timestamp:  ev.Timestamp,
		PricePaise: ev.PricePaise,
		Qty:        ev.Qty,
		BidOrderID: ev.BidOrderID,
		AskOrderID: ev.AskOrderID,
	}))
}

// EmitSnapshot implements matching.Emitter.
func (h *Hub) EmitSnapshot(ev matching.SnapshotEvent) {
	h.broadcast(snapshotEnvelope(SnapshotEvent{
		LSN:       ev.LSN,
		Timestamp: ev.Timestamp,
		Bids:      ev.Bids,
		Asks:      ev.Asks,
	}))
}

var _ matching.Emitter = (*Hub)(nil)
