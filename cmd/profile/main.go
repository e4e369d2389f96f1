package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightningbook/obm/domain"
	"github.com/lightningbook/obm/matching"
	"github.com/lightningbook/obm/wal"
)

func main() {
	cpuFile, err := os.Create("cpu.prof")
	if err != nil {
		panic(err)
	}
	defer cpuFile.Close()

	pprof.StartCPUProfile(cpuFile)
	defer pprof.StopCPUProfile()

	fmt.Println("=== matching engine cpu profile ===")
	fmt.Println("writing cpu.prof")

	dir, err := os.MkdirTemp("", "obm-profile-*")
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

	duration := 10 * time.Second
	numCPU := runtime.NumCPU()
	numWorkers := numCPU - 1
	if numWorkers < 1 {
		numWorkers = 1
	}

	var orderCount atomic.Int64

	fmt.Printf("CPU cores: %d\n", numCPU)
	fmt.Printf("submitter goroutines: %d\n", numWorkers)
	fmt.Printf("test duration: %v\n\n", duration)

	startTime := time.Now()
	stopChan := make(chan struct{})

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

				engine.Submit(&matching.Request{
					RequestID: uuid.NewString(),
					Op:        matching.OpInsert,
					Timestamp: time.Now(),
					Side:      side,
					Price:     price,
					Qty:       1,
				})
				orderCount.Add(1)
				seq++
			}
		}(w)
	}

	time.Sleep(duration)
	close(stopChan)
	time.Sleep(50 * time.Millisecond)

	elapsed := time.Since(startTime)
	totalOrders := orderCount.Load()

	fmt.Println("\n=== results ===")
	fmt.Printf("total requests: %d\n", totalOrders)
	fmt.Printf("throughput:     %.0f requests/sec\n", float64(totalOrders)/elapsed.Seconds())

	fmt.Println("\nanalyze with:")
	fmt.Println("  go tool pprof -http=:8080 cpu.prof")
}
