// Package main implements the reqflow ingest server, the receiving end of the request
// orchestration layer. It authenticates callers, verifies identity markers, records the
// provenance metadata sent with each request and stores an acknowledgement in Redis.
//
// API Endpoints:
//
//	POST /requests        - Accepts a request envelope
//	GET  /result?id=<id>  - Returns the stored acknowledgement for a request
//	GET  /stats           - Returns the journal list depths
//	GET  /entries?list=   - Returns entries of a journal list (completed, dead_letter, cancelled)
//
// Request Format:
//
//	POST /requests
//	X-API-Key: <key>
//	X-Identity: <userId>:<epochMillis>:<hmac>
//	X-Client-userAgent: ...
//
//	{
//	  "type": "claim.update",
//	  "payload": {"claim_id": "CLM-001", "status": "approved"}
//	}
//
// Usage:
//
//	go run ./cmd/server --config configs/config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/reqflow/pkg/config"
	"github.com/guido-cesarano/reqflow/pkg/envinfo"
	"github.com/guido-cesarano/reqflow/pkg/identity"
	"github.com/guido-cesarano/reqflow/pkg/journal"
	"github.com/guido-cesarano/reqflow/pkg/logger"
	"github.com/guido-cesarano/reqflow/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

// Ack is stored for every accepted request and returned by /result.
type Ack struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Subject    string            `json:"subject,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// deps groups what the handlers need so tests can build a router around miniredis.
type deps struct {
	journal  *journal.Journal
	verifier *identity.Verifier
	limiter  ratelimit.Limiter
	apiKey   string
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// No key configured: dev mode
		if requiredKey == "" {
			next(w, r)
			return
		}

		if r.Header.Get("X-API-Key") != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers. Preflight requests are answered
// before authentication.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-API-Key, "+
			identity.Header+", "+envinfo.HeaderPrefix+"*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// rateLimit rejects callers that exceed their token bucket. The bucket key is the API key
// when present, the remote host otherwise. Limiter errors fail open.
func rateLimit(next http.HandlerFunc, limiter ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil {
			next(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
		}

		allowed, err := limiter.Allow(r.Context(), key)
		if err != nil {
			logger.Log.Error().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(d deps) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return enableCORS(authMiddleware(rateLimit(h, d.limiter), d.apiKey))
	}

	mux.HandleFunc("/requests", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var subject string
		if d.verifier != nil {
			marker := r.Header.Get(identity.Header)
			if marker == "" {
				http.Error(w, "Missing identity marker", http.StatusUnauthorized)
				return
			}
			claims, err := d.verifier.Check(r.Context(), marker)
			switch {
			case err == nil:
				subject = claims.Subject
			case errors.Is(err, identity.ErrReplayed), errors.Is(err, identity.ErrStale):
				http.Error(w, err.Error(), http.StatusConflict)
				return
			case errors.Is(err, identity.ErrMalformed), errors.Is(err, identity.ErrBadSignature):
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		var req struct {
			Type    string      `json:"type"`
			Payload interface{} `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Type == "" {
			http.Error(w, "Missing request type", http.StatusBadRequest)
			return
		}

		ack := Ack{
			ID:         uuid.New().String(),
			Type:       req.Type,
			Subject:    subject,
			Metadata:   envinfo.ReadHeader(r.Header),
			ReceivedAt: time.Now(),
		}
		if err := d.journal.SetResult(r.Context(), ack.ID, ack); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Log.Info().
			Str("id", ack.ID).
			Str("type", ack.Type).
			Str("subject", ack.Subject).
			Str("platform", ack.Metadata[envinfo.KeyPlatform]).
			Str("frontend_url", ack.Metadata[envinfo.KeyFrontendURL]).
			Msg("Request accepted")

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ack); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	mux.HandleFunc("/result", wrap(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing request ID", http.StatusBadRequest)
			return
		}

		result, err := d.journal.GetResult(r.Context(), id)
		if err == redis.Nil {
			http.Error(w, "Result not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(result))
	}))

	mux.HandleFunc("/stats", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.journal.Depths(r.Context())); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	mux.HandleFunc("/entries", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		list := r.URL.Query().Get("list")
		if list == "" {
			http.Error(w, "Missing list parameter", http.StatusBadRequest)
			return
		}
		limit := int64(50)
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n < 1 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		entries, err := d.journal.Inspect(r.Context(), list, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))

	return mux
}

// buildDeps wires the handler dependencies from configuration.
func buildDeps(cfg config.Config, rdb *redis.Client) (deps, error) {
	d := deps{
		journal: journal.New(rdb, "server"),
		apiKey:  cfg.Server.APIKey,
	}

	if cfg.Identity.Secret != "" {
		signer, err := identity.NewSigner(cfg.Identity.Secret)
		if err != nil {
			return deps{}, err
		}
		d.verifier = &identity.Verifier{
			Signer: signer,
			MaxAge: cfg.Identity.MaxAge,
			Guard:  identity.NewRedisReplayGuard(rdb),
		}
	}

	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst > 0 {
		if cfg.Server.SharedRate {
			d.limiter = ratelimit.NewRedis(rdb, cfg.Server.RateLimit, cfg.Server.RateBurst)
		} else {
			d.limiter = ratelimit.NewLocal(cfg.Server.RateLimit, cfg.Server.RateBurst, 0)
		}
	}
	return d, nil
}

func main() {
	configPath := pflag.String("config", "", "Path to a YAML config file")
	addr := pflag.String("addr", "", "Listen address (overrides config)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Configure(cfg.Env, cfg.LogLevel)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	rdb := journal.NewClient(cfg.Redis.Addr)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("redis", cfg.Redis.Addr).Msg("Redis not reachable yet")
	}
	cancel()

	d, err := buildDeps(cfg, rdb)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if d.apiKey == "" {
		logger.Log.Warn().Msg("SERVER_API_KEY not set. Authentication disabled.")
	}
	if d.verifier == nil {
		logger.Log.Warn().Msg("IDENTITY_SECRET not set. Identity markers are not verified.")
	} else if cfg.Identity.MaxAge == 0 {
		logger.Log.Warn().
			Dur("replay_ttl", d.verifier.ReplayTTL()).
			Msg("IDENTITY_MAX_AGE is 0. Markers never go stale; replays are rejected only within the replay TTL.")
	}

	logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
	if err := http.ListenAndServe(cfg.Server.Addr, setupRouter(d)); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
