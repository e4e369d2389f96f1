package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightningbook/obm/domain"
	"github.com/lightningbook/obm/matching"
	"github.com/lightningbook/obm/wal"
)

func main() {
	fmt.Println("=== matching engine throughput benchmark ===")

	dir, err := os.MkdirTemp("", "obm-benchmark-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	store, err := wal.Open(wal.Config{Dir: dir, Logger: zap.NewNop()})
	if err != nil {
		panic(err)
	}
	defer store.Close()

	engine := matching.New(matching.Config{Store: store, Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	defer func() {
		cancel()
		engine.Stop()
	}()

	testDuration := 5 * time.Second
	numCPU := runtime.NumCPU()
	numWorkers := numCPU - 1
	if numWorkers < 1 {
		numWorkers = 1
	}

	var orderCount, rejectCount atomic.Int64

	fmt.Printf("CPU cores: %d\n", numCPU)
	fmt.Printf("submitter goroutines: %d\n", numWorkers)
	fmt.Printf("test duration: %v\n\n", testDuration)

	stopChan := make(chan struct{})
	startTime := time.Now()

	// Prices overlap across sides (500000..500199 on both books) so the
	// matching loop actually produces trades rather than just resting
	// orders.
	for w := 0; w < numWorkers; w++ {
		go func(workerID int) {
			seq := 0
			for {
				select {
				case <-stopChan:
					return
				default:
				}

				var side domain.Side
				if seq%2 == 0 {
					side = domain.SideBuy
				} else {
					side = domain.SideSell
				}
				price := int64(500000 + seq%200)

				reply := engine.Submit(&matching.Request{
					RequestID: uuid.NewString(),
					Op:        matching.OpInsert,
					Timestamp: time.Now(),
					Side:      side,
					Price:     price,
					Qty:       1,
				})
				orderCount.Add(1)
				if reply.Status == matching.StatusRejected {
					rejectCount.Add(1)
				}
				seq++
			}
		}(w)
	}

	ticker := time.NewTicker(time.Second)
	go func() {
		for range ticker.C {
			elapsed := time.Since(startTime)
			orders := orderCount.Load()
			fmt.Printf("[%.0fs] orders: %d (%.0f/s)\n", elapsed.Seconds(), orders, float64(orders)/elapsed.Seconds())
		}
	}()

	time.Sleep(testDuration)
	close(stopChan)
	ticker.Stop()
	time.Sleep(50 * time.Millisecond)

	elapsed := time.Since(startTime)
	totalOrders := orderCount.Load()
	qps := float64(totalOrders) / elapsed.Seconds()
	avgLatency := elapsed.Seconds() * 1e6 / float64(totalOrders)

	fmt.Println("\n=== results ===")
	fmt.Printf("duration:        %v\n", elapsed)
	fmt.Printf("total requests:  %d\n", totalOrders)
	fmt.Printf("rejected:        %d\n", rejectCount.Load())
	fmt.Printf("throughput:      %.0f requests/sec\n", qps)
	fmt.Printf("avg latency:     %.2f us/request\n", avgLatency)

	book := engine.Book()
	fmt.Println("\n=== book state ===")
	fmt.Printf("best bid: %d\n", book.GetBestBid())
	fmt.Printf("best ask: %d\n", book.GetBestAsk())

	bids, asks := book.GetDepth(5)
	fmt.Println("\nbid depth (top 5):")
	for i, level := range bids {
		fmt.Printf("  %d. price=%d qty=%d orders=%d\n", i+1, level.Price, level.Quantity, level.Orders)
	}
	fmt.Println("ask depth (top 5):")
	for i, level := range asks {
		fmt.Printf("  %d. price=%d qty=%d orders=%d\n", i+1, level.Price, level.Quantity, level.Orders)
	}
}
