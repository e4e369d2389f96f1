package matching

import (
	"fmt"
	"time"

	"github.com/lightningbook/obm/domain"
	"github.com/lightningbook/obm/orderbook"
	"github.com/lightningbook/obm/wal"
)

// Recover implements spec.md section 4.5: it replays every durable WAL
// record into a fresh Book, in LSN order, and returns an Engine ready to
// begin consuming the ingress queue. cfg.Store must already be Open'd (so
// Replay can see the torn-tail-truncated history); Recover does not call
// store.Replay a second time.
//
// Record effects applied during replay:
//   - ORDER_INSERT seats the order at its recorded arrival_seq.
//   - ORDER_MODIFY re-seats it at the recorded new price/arrival_seq.
//   - ORDER_CANCEL removes it.
//   - TRADE re-derives each side's fill via the same ApplyFill path the
//     live matching loop uses, from the trade's own price/qty, so the
//     resulting order state is bit-identical without needing to trust the
//     companion ORDER_UPDATE record's derived fields.
//   - ORDER_UPDATE is a redundant durability record for the persistence
//     stream's consumers; replay does not need it to reconstruct state.
func Recover(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("matching: recover requires a Store")
	}

	book := orderbook.NewOrderBook()

	err := cfg.Store.Replay(func(rec wal.Record) error {
		switch rec.Kind {
		case wal.OrderInsert:
			p, err := rec.DecodeOrderInsert()
			if err != nil {
				return err
			}
			book.ReplayInsert(domain.FromSnapshot(p.Order))

		case wal.OrderModify:
			p, err := rec.DecodeOrderModify()
			if err != nil {
				return err
			}
			if err := book.ReplayModify(p.ID, p.NewPrice, p.NewArrivalSeq, rec.Timestamp); err != nil {
				return fmt.Errorf("replaying ORDER_MODIFY for %s: %w", p.ID, err)
			}

		case wal.OrderCancel:
			p, err := rec.DecodeOrderCancel()
			if err != nil {
				return err
			}
			if err := book.CancelOrder(p.ID, rec.Timestamp); err != nil {
				return fmt.Errorf("replaying ORDER_CANCEL for %s: %w", p.ID, err)
			}

		case wal.Trade:
			p, err := rec.DecodeTrade()
			if err != nil {
				return err
			}
			if err := applyReplayedTrade(book, p, rec.Timestamp); err != nil {
				return err
			}

		case wal.OrderUpdate:
			// No-op: TRADE handling above already reproduced this order's
			// post-fill state.
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("matching: recovery replay failed: %w", err)
	}

	return newEngine(book, cfg), nil
}

func applyReplayedTrade(book *orderbook.OrderBook, p wal.TradePayload, now time.Time) error {
	bid, ok := book.GetOrder(p.BidOrderID)
	if !ok {
		return fmt.Errorf("replaying TRADE %s: bid order %s not live", p.ID, p.BidOrderID)
	}
	ask, ok := book.GetOrder(p.AskOrderID)
	if !ok {
		return fmt.Errorf("replaying TRADE %s: ask order %s not live", p.ID, p.AskOrderID)
	}

	bid.ApplyFill(p.Qty, p.Price, now)
	ask.ApplyFill(p.Qty, p.Price, now)
	book.ApplyRestingFill(bid, p.Qty)
	book.ApplyRestingFill(ask, p.Qty)

	if bid.IsFilled() {
		book.RemoveFilled(bid)
	}
	if ask.IsFilled() {
		book.RemoveFilled(ask)
	}
	return nil
}

// EmitInitialSnapshot publishes one snapshot event reflecting the
// just-recovered book, per spec.md section 4.5 step 4, before the engine
// begins consuming the ingress queue.
func (e *Engine) EmitInitialSnapshot() {
	e.emitSnapshot()
}
