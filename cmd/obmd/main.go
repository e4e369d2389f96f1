// Command obmd is the composition root: it wires the WAL, the matching
// engine, the WebSocket event emitter, the NATS JetStream ingress consumer,
// and Prometheus metrics into one running process, grounded on tradSys's
// cmd/server/main.go (flag-configured, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lightningbook/obm/checkpoint"
	"github.com/lightningbook/obm/emitter"
	"github.com/lightningbook/obm/ingress"
	"github.com/lightningbook/obm/matching"
	"github.com/lightningbook/obm/metrics"
	"github.com/lightningbook/obm/wal"
)

func main() {
	var (
		walDir         = flag.String("wal-dir", "./data/wal", "directory holding the write-ahead log")
		checkpointPath = flag.String("checkpoint-file", "./data/checkpoint.json", "path to the recovery checkpoint file")
		natsURL        = flag.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
		natsSubject    = flag.String("nats-subject", "obm.requests", "ingress subject")
		wsAddr         = flag.String("ws-addr", ":8081", "address to serve the trade/snapshot WebSocket feed on")
		snapshotEvery  = flag.Duration("snapshot-every", time.Second, "book depth snapshot cadence")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "obmd: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*walDir, *checkpointPath, *natsURL, *natsSubject, *wsAddr, *snapshotEvery, logger); err != nil {
		logger.Fatal("obmd: fatal startup error", zap.Error(err))
	}
}

func run(walDir, checkpointPath, natsURL, natsSubject, wsAddr string, snapshotEvery time.Duration, logger *zap.Logger) error {
	if err := os.MkdirAll(filepath.Dir(checkpointPath), 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	store, err := wal.Open(wal.Config{Dir: walDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening wal: %w", err)
	}
	defer store.Close()

	if lsn, ok, err := checkpoint.Read(checkpointPath); err != nil {
		logger.Warn("obmd: failed to read checkpoint, falling back to full replay", zap.Error(err))
	} else if ok {
		logger.Info("obmd: found checkpoint; replaying full history regardless (no segment-skip support yet)",
			zap.Int64("checkpoint_lsn", lsn))
	}

	reg := prometheus.NewRegistry()
	engineMetrics := metrics.NewEngine(reg)

	hub := emitter.NewHub(logger)

	engine, err := matching.Recover(matching.Config{
		Store:         store,
		Emitter:       hub,
		Logger:        logger,
		Metrics:       engineMetrics,
		SnapshotEvery: snapshotEvery,
	})
	if err != nil {
		return fmt.Errorf("recovering engine: %w", err)
	}
	engine.EmitInitialSnapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleConnection)
	wsServer := &http.Server{Addr: wsAddr, Handler: mux}
	go func() {
		logger.Info("obmd: serving websocket feed", zap.String("addr", wsAddr))
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("obmd: websocket server error", zap.Error(err))
		}
	}()

	consumer, err := ingress.NewConsumer(ingress.Config{
		URLs:               []string{natsURL},
		Subject:            natsSubject,
		StreamName:         "obm",
		DurableName:        "obm-engine",
		ReplySubjectPrefix: "obm.replies.",
		ConnectionTimeout:  5 * time.Second,
		MaxReconnects:      10,
		ReconnectWait:      time.Second,
		Logger:             logger,
	}, engine)
	if err != nil {
		return fmt.Errorf("creating ingress consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("starting ingress consumer: %w", err)
	}

	checkpointTicker := time.NewTicker(snapshotEvery)
	defer checkpointTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-checkpointTicker.C:
				if err := checkpoint.Write(checkpointPath, store.NextLSN()-1); err != nil {
					logger.Warn("obmd: failed to write checkpoint", zap.Error(err))
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("obmd: shutting down")

	// Graceful shutdown per spec.md section 5: stop ingress first so no new
	// request starts, then let the in-flight one finish its WAL flush, then
	// close the WAL.
	consumer.Stop()
	engine.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("obmd: websocket server forced shutdown", zap.Error(err))
	}

	if err := checkpoint.Write(checkpointPath, store.NextLSN()-1); err != nil {
		logger.Warn("obmd: failed to write final checkpoint", zap.Error(err))
	}

	logger.Info("obmd: shutdown complete")
	return nil
}
