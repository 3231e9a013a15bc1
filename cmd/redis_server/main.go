// Package main runs an in-memory Redis for local development, so the server's replay guard
// and rate limiter and the client's journal work without a real Redis.
//
// Usage:
//
//	go run ./cmd/redis_server --addr 127.0.0.1:6379
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/reqflow/pkg/logger"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:6379", "Listen address")
	tick := pflag.Duration("tick", time.Second, "How often key TTLs are advanced (0 disables expiry)")
	pflag.Parse()

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(*addr); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start miniredis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	// miniredis only expires keys when told time has passed. Replay claims and results
	// rely on TTLs, so advance the clock in real time.
	done := make(chan struct{})
	if *tick > 0 {
		go func() {
			t := time.NewTicker(*tick)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					s.FastForward(*tick)
				case <-done:
					return
				}
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	close(done)

	logger.Log.Info().Msg("Shutting down MiniRedis...")
}
