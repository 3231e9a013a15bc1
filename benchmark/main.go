// Package main provides a benchmark tool for reqflow to measure orchestration overhead.
// It pushes a large number of dummy operations through a SerialQueue and a Batcher and
// reports throughput, retries and dispatch counts.
//
// Usage:
//
//	go run ./benchmark --tasks 100000 --fail-rate 0.1 --latency 0
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/reqflow/pkg/batch"
	"github.com/guido-cesarano/reqflow/pkg/queue"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
	"github.com/spf13/pflag"
)

var errInjected = errors.New("injected failure")

// counter is an Observer tallying attempts and dispatches.
type counter struct {
	attempts   atomic.Int64
	failures   atomic.Int64
	dispatches atomic.Int64
}

func (c *counter) OnAttempt(_ tasks.Task, err error) {
	c.attempts.Add(1)
	if err != nil {
		c.failures.Add(1)
	}
}

func (c *counter) OnSettle(tasks.Task, error) {}

func (c *counter) OnDispatch(string, int) { c.dispatches.Add(1) }

// work simulates a network operation.
func work(latency time.Duration, failRate float64) error {
	if latency > 0 {
		time.Sleep(latency)
	}
	if failRate > 0 && rand.Float64() < failRate {
		return errInjected
	}
	return nil
}

func benchQueue(n, enqueuers, retries int, latency time.Duration, failRate float64) {
	obs := &counter{}
	q := queue.New(queue.Options{Name: "bench", Retries: retries, Observer: obs})
	ctx := context.Background()

	fmt.Printf("SerialQueue\n")
	fmt.Printf("-----------\n")
	start := time.Now()

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	perEnqueuer := n / enqueuers
	for i := 0; i < enqueuers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futs := make([]*tasks.Future[int], 0, perEnqueuer)
			for j := 0; j < perEnqueuer; j++ {
				futs = append(futs, queue.Enqueue(ctx, q, func(context.Context, string, tasks.Metadata) (int, error) {
					return j, work(latency, failRate)
				}))
			}
			for _, f := range futs {
				if _, err := f.Await(ctx); err != nil {
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := perEnqueuer * enqueuers
	fmt.Printf("✓ Settled %d tasks in %s\n", total, elapsed)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(total)/elapsed.Seconds())
	fmt.Printf("  Attempts: %d (failed attempts %d)\n", obs.attempts.Load(), obs.failures.Load())
	fmt.Printf("  Retries exhausted: %d\n\n", failed.Load())
}

func benchBatcher(n, enqueuers int, delay time.Duration, maxSize int, latency time.Duration, failRate float64) {
	obs := &counter{}
	b := batch.New(batch.Options{Name: "bench", Delay: delay, MaxBatchSize: maxSize, Observer: obs})
	ctx := context.Background()

	fmt.Printf("Batcher\n")
	fmt.Printf("-------\n")
	start := time.Now()

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	perEnqueuer := n / enqueuers
	for i := 0; i < enqueuers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futs := make([]*tasks.Future[int], 0, perEnqueuer)
			for j := 0; j < perEnqueuer; j++ {
				futs = append(futs, batch.Add(ctx, b, func(context.Context) (int, error) {
					return j, work(latency, failRate)
				}))
			}
			for _, f := range futs {
				if _, err := f.Await(ctx); err != nil {
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := perEnqueuer * enqueuers
	fmt.Printf("✓ Settled %d requests in %s\n", total, elapsed)
	fmt.Printf("  Throughput: %.2f requests/sec\n", float64(total)/elapsed.Seconds())
	fmt.Printf("  Dispatches: %d (avg %.2f per batch)\n", obs.dispatches.Load(), float64(total)/float64(max(obs.dispatches.Load(), 1)))
	fmt.Printf("  Failed: %d\n\n", failed.Load())
}

func main() {
	numTasks := pflag.Int("tasks", 100000, "Number of tasks per component")
	enqueuers := pflag.Int("enqueuers", 10, "Number of concurrent enqueuers")
	retries := pflag.Int("retries", queue.DefaultRetries, "Queue retry limit")
	failRate := pflag.Float64("fail-rate", 0.1, "Probability that an attempt fails")
	latency := pflag.Duration("latency", 0, "Simulated latency per operation")
	delay := pflag.Duration("delay", batch.DefaultDelay, "Batch window")
	maxSize := pflag.Int("max-batch", batch.DefaultMaxBatchSize, "Batch size threshold")
	pflag.Parse()

	if *enqueuers < 1 {
		*enqueuers = 1
	}

	fmt.Printf("reqflow Benchmark\n")
	fmt.Printf("=================\n")
	fmt.Printf("Tasks per component: %d\n", *numTasks)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *enqueuers)

	benchQueue(*numTasks, *enqueuers, *retries, *latency, *failRate)
	benchBatcher(*numTasks, *enqueuers, *delay, *maxSize, *latency, *failRate)
}
