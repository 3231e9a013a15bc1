package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/reqflow/pkg/config"
	"github.com/guido-cesarano/reqflow/pkg/identity"
	"github.com/guido-cesarano/reqflow/pkg/journal"
)

const testSecret = "server-test-secret"

func setupServer(t *testing.T, mutate func(*config.Config)) (*miniredis.Miniredis, *http.ServeMux) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	cfg := config.Default()
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := buildDeps(cfg, journal.NewClient(s.Addr()))
	if err != nil {
		t.Fatalf("buildDeps failed: %v", err)
	}
	return s, setupRouter(d)
}

func TestAuthMiddleware(t *testing.T) {
	_, mux := setupServer(t, func(c *config.Config) { c.Server.APIKey = "secret-key" })

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // 400 because body is empty, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/requests", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	_, mux := setupServer(t, func(c *config.Config) { c.Server.APIKey = "secret-key" })

	req := httptest.NewRequest(http.MethodOptions, "/requests", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected preflight 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), identity.Header) {
		t.Errorf("Expected %s in allowed headers", identity.Header)
	}
}

func postRequest(mux *http.ServeMux, marker string) *httptest.ResponseRecorder {
	body := strings.NewReader(`{"type":"claim.update","payload":{"claim_id":"CLM-001"}}`)
	req := httptest.NewRequest(http.MethodPost, "/requests", body)
	if marker != "" {
		req.Header.Set(identity.Header, marker)
	}
	req.Header.Set("X-Client-platform", "linux/amd64")
	req.Header.Set("X-Client-frontendURL", "https://portal.example.com/claims/CLM-001")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestRequestsVerifiesMarker(t *testing.T) {
	_, mux := setupServer(t, func(c *config.Config) { c.Identity.Secret = testSecret })
	signer, _ := identity.NewSigner(testSecret)
	forged, _ := identity.NewSigner("other-secret")

	marker := signer.Sign("user-7")
	tests := []struct {
		name   string
		marker string
		want   int
	}{
		{name: "Missing marker", marker: "", want: http.StatusUnauthorized},
		{name: "Forged marker", marker: forged.Sign("user-7"), want: http.StatusUnauthorized},
		{name: "Malformed marker", marker: "user-7", want: http.StatusUnauthorized},
		{name: "Stale marker", marker: signer.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }).Sign("user-7"), want: http.StatusConflict},
		{name: "Valid marker", marker: marker, want: http.StatusOK},
		{name: "Replayed marker", marker: marker, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postRequest(mux, tt.marker); w.Code != tt.want {
				t.Errorf("Expected status %d, got %d (%s)", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestReplayRejectedWithoutMaxAge(t *testing.T) {
	_, mux := setupServer(t, func(c *config.Config) {
		c.Identity.Secret = testSecret
		c.Identity.MaxAge = 0
	})
	signer, _ := identity.NewSigner(testSecret)
	marker := signer.Sign("user-7")

	if w := postRequest(mux, marker); w.Code != http.StatusOK {
		t.Fatalf("Expected first use to pass, got %d (%s)", w.Code, w.Body.String())
	}
	if w := postRequest(mux, marker); w.Code != http.StatusConflict {
		t.Errorf("Expected replay to be rejected, got %d", w.Code)
	}
}

func TestRequestAckAndResult(t *testing.T) {
	_, mux := setupServer(t, func(c *config.Config) { c.Identity.Secret = testSecret })
	signer, _ := identity.NewSigner(testSecret)

	w := postRequest(mux, signer.Sign("user-7"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var ack Ack
	if err := json.NewDecoder(w.Body).Decode(&ack); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}
	if ack.Subject != "user-7" || ack.Type != "claim.update" {
		t.Errorf("Unexpected ack %+v", ack)
	}
	if ack.Metadata["platform"] != "linux/amd64" {
		t.Errorf("Expected platform metadata, got %v", ack.Metadata)
	}

	req := httptest.NewRequest(http.MethodGet, "/result?id="+ack.ID, nil)
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("Expected stored result, got %d", rw.Code)
	}
	var stored Ack
	if err := json.NewDecoder(rw.Body).Decode(&stored); err != nil {
		t.Fatalf("Failed to decode stored ack: %v", err)
	}
	if stored.ID != ack.ID {
		t.Errorf("Expected stored ID %s, got %s", ack.ID, stored.ID)
	}

	missing := httptest.NewRecorder()
	mux.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/result?id=nope", nil))
	if missing.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown result, got %d", missing.Code)
	}
}

func TestRateLimit(t *testing.T) {
	for _, shared := range []bool{false, true} {
		name := "local"
		if shared {
			name = "redis"
		}
		t.Run(name, func(t *testing.T) {
			_, mux := setupServer(t, func(c *config.Config) {
				c.Server.RateLimit = 1
				c.Server.RateBurst = 1
				c.Server.SharedRate = shared
			})

			if w := postRequest(mux, ""); w.Code != http.StatusOK {
				t.Fatalf("Expected first request to pass, got %d", w.Code)
			}
			if w := postRequest(mux, ""); w.Code != http.StatusTooManyRequests {
				t.Errorf("Expected 429, got %d", w.Code)
			}
		})
	}
}

func TestSharedRateLimitFractional(t *testing.T) {
	_, mux := setupServer(t, func(c *config.Config) {
		c.Server.RateLimit = 0.5
		c.Server.RateBurst = 1
		c.Server.SharedRate = true
	})

	var codes []int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
		codes = append(codes, w.Code)
	}
	want := []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("Expected codes %v, got %v", want, codes)
		}
	}
}

func TestStatsAndEntries(t *testing.T) {
	_, mux := setupServer(t, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var depths map[string]int64
	if err := json.NewDecoder(w.Body).Decode(&depths); err != nil {
		t.Fatalf("Failed to decode depths: %v", err)
	}
	if _, ok := depths[journal.ListDeadLetter]; !ok {
		t.Errorf("Expected dead letter depth, got %v", depths)
	}

	tests := []struct {
		url  string
		want int
	}{
		{url: "/entries?list=completed", want: http.StatusOK},
		{url: "/entries", want: http.StatusBadRequest},
		{url: "/entries?list=queue:high", want: http.StatusBadRequest},
		{url: "/entries?list=completed&limit=0", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, tt.url, nil))
		if rw.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.url, tt.want, rw.Code)
		}
	}
}
