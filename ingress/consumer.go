// Package ingress adapts the NATS JetStream ordered, at-least-once queue
// spec.md section 6 requires into matching.Request calls against the
// Engine, grounded on tradSys's NatsEventBus
// (internal/architecture/cqrs/eventbus/nats_adapter.go).
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lightningbook/obm/domain"
	"github.com/lightningbook/obm/matching"
)

// Config configures a Consumer, following this repo's Default*Config idiom.
type Config struct {
	URLs              []string
	Subject           string
	StreamName        string
	DurableName       string
	ReplySubjectPrefix string
	ConnectionTimeout time.Duration
	MaxReconnects     int
	ReconnectWait     time.Duration
	Logger            *zap.Logger
}

// DefaultConfig returns sane defaults, with URLs set to nats.DefaultURL;
// Logger is left nil and NewConsumer substitutes a no-op logger.
func DefaultConfig() Config {
	return Config{
		URLs:               []string{nats.DefaultURL},
		Subject:            "obm.requests",
		StreamName:         "obm",
		DurableName:        "obm-engine",
		ReplySubjectPrefix: "obm.replies.",
		ConnectionTimeout:  5 * time.Second,
		MaxReconnects:      10,
		ReconnectWait:      time.Second,
	}
}

// wireOrder is the nested order object in an ingress message, per spec.md
// section 6: { id?, side: +1|-1, price_paise: int>0, qty: int>0 }.
type wireOrder struct {
	ID         string `json:"id,omitempty"`
	Side       int    `json:"side"`
	PricePaise int64  `json:"price_paise"`
	Qty        int64  `json:"qty"`
}

// wireMessage is the full ingress queue message shape.
type wireMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"ts"`
	Op        string    `json:"op"`
	Order     wireOrder `json:"order"`
}

// wireReply is the error-reply shape spec.md section 6 defines.
type wireReply struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Consumer subscribes to the ingress subject and drives an Engine. Exactly
// one Consumer may run against a given Engine/subject pair at a time,
// mirroring spec.md section 5's "running two is undefined behavior".
type Consumer struct {
	cfg    Config
	engine *matching.Engine
	logger *zap.Logger

	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
}

// NewConsumer connects to NATS and ensures the JetStream stream backing
// cfg.Subject exists, but does not yet subscribe; call Start for that.
func NewConsumer(cfg Config, engine *matching.Engine) (*Consumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name("obm-ingress"),
		nats.Timeout(cfg.ConnectionTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			cfg.Logger.Warn("ingress: nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Info("ingress: nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("ingress: connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ingress: creating jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  []string{cfg.Subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("ingress: creating jetstream stream: %w", err)
		}
	}

	return &Consumer{cfg: cfg, engine: engine, logger: cfg.Logger, conn: nc, js: js}, nil
}

// Start subscribes to the ingress subject with manual ack, so a message is
// only acknowledged once the engine has flushed its WAL records.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.js.Subscribe(c.cfg.Subject, c.handle,
		nats.Durable(c.cfg.DurableName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("ingress: subscribing: %w", err)
	}
	c.sub = sub

	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Stop drains the subscription and closes the connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Error("ingress: failed to drain subscription", zap.Error(err))
		}
	}
	c.conn.Close()
}

// handle decodes one ingress message, drives it through the engine, and
// acks only after a Reply is produced — which for an OK or REJECTED
// outcome has already cleared WAL durability or validation. A fatal engine
// error panics inside Engine.process before handle ever resumes, so the
// message is never acked and NATS will redeliver it after restart.
func (c *Consumer) handle(msg *nats.Msg) {
	var wm wireMessage
	if err := json.Unmarshal(msg.Data, &wm); err != nil {
		c.logger.Error("ingress: malformed message, dropping", zap.Error(err))
		msg.Ack()
		return
	}

	req := &matching.Request{
		RequestID: wm.RequestID,
		Timestamp: wm.Timestamp,
		OrderID:   wm.Order.ID,
		Price:     wm.Order.PricePaise,
		Qty:       wm.Order.Qty,
	}
	if wm.Order.Side >= 0 {
		req.Side = domain.SideBuy
	} else {
		req.Side = domain.SideSell
	}
	switch wm.Op {
	case "INSERT":
		req.Op = matching.OpInsert
	case "MODIFY":
		req.Op = matching.OpModify
	case "CANCEL":
		req.Op = matching.OpCancel
	default:
		c.replyAndAck(msg, wireReply{RequestID: wm.RequestID, Status: "REJECTED", Reason: "unrecognized op"})
		return
	}

	reply := c.engine.Submit(req)

	wr := wireReply{RequestID: reply.RequestID, Status: reply.Status.String()}
	if reply.Status == matching.StatusRejected {
		wr.Reason = reply.Reason
	}
	c.replyAndAck(msg, wr)
}

func (c *Consumer) replyAndAck(msg *nats.Msg, wr wireReply) {
	payload, err := json.Marshal(wr)
	if err != nil {
		c.logger.Error("ingress: failed to marshal reply", zap.Error(err))
	} else if err := c.conn.Publish(c.cfg.ReplySubjectPrefix+wr.RequestID, payload); err != nil {
		c.logger.Warn("ingress: failed to publish reply", zap.Error(err))
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("ingress: failed to ack message", zap.Error(err))
	}
}
