// Package main implements the reqflow demo client.
// It drives the ingest server through the orchestration layer: ordered writes go through a
// SerialQueue, lookups through a Batcher, and a cron job keeps the session alive on the
// same queue as the writes.
//
// Features:
//   - Prometheus metrics exposed on the metrics address (default :8080/metrics)
//   - Settled tasks journaled to Redis (completed, dead_letter, cancelled)
//   - Identity markers and client metadata on every request
//   - Graceful shutdown: pending work is cleared, in-flight work settles
//
// Usage:
//
//	go run ./cmd/client --user user-42 --writes 5 --reads 12
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/guido-cesarano/reqflow/pkg/batch"
	"github.com/guido-cesarano/reqflow/pkg/config"
	"github.com/guido-cesarano/reqflow/pkg/envinfo"
	"github.com/guido-cesarano/reqflow/pkg/identity"
	"github.com/guido-cesarano/reqflow/pkg/journal"
	"github.com/guido-cesarano/reqflow/pkg/logger"
	"github.com/guido-cesarano/reqflow/pkg/metrics"
	"github.com/guido-cesarano/reqflow/pkg/queue"
	"github.com/guido-cesarano/reqflow/pkg/schedule"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

// components is everything main builds from configuration.
type components struct {
	api       *apiClient
	writes    *queue.SerialQueue
	reads     *batch.Batcher
	scheduler *schedule.Scheduler
}

// build wires the queue and batcher with metrics and, when rdb is set, the Redis journal.
func build(cfg config.Config, rdb *redis.Client) (*components, error) {
	env := envinfo.New(cfg.Client.UserAgent, cfg.Client.FrontendURL)
	if cfg.Client.Platform != "" {
		env.SetPlatform(cfg.Client.Platform)
	}
	if cfg.Client.ScreenSize != "" {
		w, h, err := envinfo.ParseScreen(cfg.Client.ScreenSize)
		if err != nil {
			return nil, err
		}
		env.SetScreen(w, h)
	}

	api := newAPIClient(cfg.Client.ServerURL, cfg.Client.APIKey)
	api.env = env

	var signer queue.Signer
	if cfg.Identity.Secret != "" {
		s, err := identity.NewSigner(cfg.Identity.Secret)
		if err != nil {
			return nil, err
		}
		signer = s
		api.signer = s
	}

	observers := func(name string) tasks.Observer {
		obs := []tasks.Observer{metrics.NewRecorder(name)}
		if rdb != nil {
			obs = append(obs, journal.New(rdb, name))
		}
		return tasks.Observers(obs...)
	}

	writes := queue.New(queue.Options{
		Name:     "writes",
		Retries:  cfg.Queue.Retries,
		Signer:   signer,
		Metadata: env,
		Observer: observers("writes"),
	})
	reads := batch.New(batch.Options{
		Name:         "reads",
		Delay:        cfg.Batch.Delay,
		MaxBatchSize: cfg.Batch.MaxBatchSize,
		Observer:     observers("reads"),
	})

	return &components{
		api:       api,
		writes:    writes,
		reads:     reads,
		scheduler: schedule.New(writes),
	}, nil
}

// runDemo enqueues writes ordered write requests and reads batched lookups for user and
// waits for all of them. It returns the number of failed requests.
func runDemo(ctx context.Context, c *components, user string, writes, reads int) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	report := func(kind string, i int, fut *tasks.Future[ack]) {
		defer wg.Done()
		a, err := fut.Await(ctx)
		if err != nil {
			mu.Lock()
			failed++
			mu.Unlock()
			logger.Log.Error().Err(err).Str("kind", kind).Int("n", i).Msg("Request failed")
			return
		}
		logger.Log.Info().Str("kind", kind).Int("n", i).Str("ack", a.ID).Msg("Request acknowledged")
	}

	for i := 0; i < writes; i++ {
		payload := map[string]any{"claim_id": fmt.Sprintf("CLM-%03d", i), "step": i}
		fut := queue.Enqueue(ctx, c.writes, c.api.write("claim.update", payload), queue.WithSubject(user))
		wg.Add(1)
		go report("write", i, fut)
	}
	for i := 0; i < reads; i++ {
		payload := map[string]any{"claim_id": fmt.Sprintf("CLM-%03d", i)}
		fut := batch.Add(ctx, c.reads, c.api.read(user, "claim.lookup", payload))
		wg.Add(1)
		go report("read", i, fut)
	}

	wg.Wait()
	return failed
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is main without os.Exit, so deferred cleanup happens before the process ends.
// It returns the process exit code.
func run(args []string) int {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	user := fs.String("user", "demo-user", "Identity subject the requests are signed for")
	writes := fs.Int("writes", 5, "Number of ordered writes to send")
	reads := fs.Int("reads", 12, "Number of batched lookups to send")
	keepalive := fs.String("keepalive", "@every 30s", "Cron spec for session keep-alives (empty disables)")
	once := fs.Bool("once", false, "Exit after the demo requests settle")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger.Configure(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := journal.NewClient(cfg.Redis.Addr)
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	journalRDB := rdb
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Log.Warn().Err(err).Msg("Redis not reachable. Journal disabled.")
		journalRDB = nil
	}
	pingCancel()

	c, err := build(cfg, journalRDB)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	// Start Prometheus metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Queue depth collectors (update gauges every 5 seconds)
	go metrics.TrackDepth(ctx, "writes", 5*time.Second, c.writes.Len)
	go metrics.TrackDepth(ctx, "reads", 5*time.Second, c.reads.Size)

	if *keepalive != "" {
		_, err := c.scheduler.Add(*keepalive, "keepalive", func(ctx context.Context, marker string, meta tasks.Metadata) (any, error) {
			a, err := c.api.send(ctx, marker, meta, "session.keepalive", nil)
			return a, err
		}, queue.WithSubject(*user), queue.WithRetries(1))
		if err != nil {
			logger.Log.Error().Err(err).Str("spec", *keepalive).Msg("Invalid keep-alive schedule")
			return 1
		}
		c.scheduler.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Log.Info().Str("server", cfg.Client.ServerURL).Str("user", *user).Msg("Client started")
	failed := runDemo(ctx, c, *user, *writes, *reads)
	logger.Log.Info().Int("failed", failed).Msg("Demo requests settled")

	if !*once {
		<-sigChan
	}

	logger.Log.Info().Msg("Shutting down client...")
	c.writes.Clear()
	c.reads.Clear()
	c.scheduler.Stop()

	if failed > 0 {
		return 1
	}
	return 0
}
