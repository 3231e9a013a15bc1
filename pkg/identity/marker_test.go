package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func fixedSigner(t *testing.T, at time.Time) *Signer {
	s, err := NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return s.WithClock(func() time.Time { return at })
}

func TestSignFormat(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	marker := fixedSigner(t, at).Sign("user-42")

	parts := strings.Split(marker, ":")
	if len(parts) != 3 {
		t.Fatalf("Expected 3 parts, got %d (%s)", len(parts), marker)
	}
	if parts[0] != "user-42" || parts[1] != "1700000000123" {
		t.Errorf("Unexpected payload %q", marker)
	}

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte("user-42:1700000000123"))
	if want := hex.EncodeToString(mac.Sum(nil)); parts[2] != want {
		t.Errorf("Expected signature %s, got %s", want, parts[2])
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(""); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Expected ErrNoSecret, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	signer := fixedSigner(t, at)
	good := signer.Sign("tenant:user-1")

	tests := []struct {
		name    string
		marker  string
		now     time.Time
		maxAge  time.Duration
		wantErr error
	}{
		{name: "Valid", marker: good, now: at.Add(time.Second), maxAge: time.Minute},
		{name: "No age limit", marker: good, now: at.Add(24 * time.Hour)},
		{name: "Stale", marker: good, now: at.Add(2 * time.Minute), maxAge: time.Minute, wantErr: ErrStale},
		{name: "From the future", marker: good, now: at.Add(-2 * time.Minute), maxAge: time.Minute, wantErr: ErrStale},
		{name: "Tampered subject", marker: "tenant:user-2" + good[len("tenant:user-1"):], now: at, wantErr: ErrBadSignature},
		{name: "Not hex", marker: "user:1:zz", now: at, wantErr: ErrMalformed},
		{name: "Missing parts", marker: "user", now: at, wantErr: ErrMalformed},
		{name: "Bad timestamp", marker: "user:abc:00", now: at, wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := signer.WithClock(func() time.Time { return tt.now })
			claims, err := v.Verify(tt.marker, tt.maxAge)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil {
				if claims.Subject != "tenant:user-1" {
					t.Errorf("Expected subject tenant:user-1, got %s", claims.Subject)
				}
				if !claims.IssuedAt.Equal(at) {
					t.Errorf("Expected issued at %v, got %v", at, claims.IssuedAt)
				}
			}
		})
	}
}

func TestVerifierReplayGuard(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	signer, _ := NewSigner("test-secret")
	v := &Verifier{Signer: signer, MaxAge: time.Minute, Guard: NewRedisReplayGuard(rdb)}

	ctx := context.Background()
	marker := signer.Sign("user-1")

	if _, err := v.Check(ctx, marker); err != nil {
		t.Fatalf("First check failed: %v", err)
	}
	if _, err := v.Check(ctx, marker); !errors.Is(err, ErrReplayed) {
		t.Errorf("Expected ErrReplayed on second check, got %v", err)
	}

	if ttl := s.TTL("replay:" + marker); ttl != 2*time.Minute {
		t.Errorf("Expected replay TTL 2m, got %v", ttl)
	}

	s.FastForward(3 * time.Minute)
	if s.Exists("replay:" + marker) {
		t.Error("Expected replay key to expire")
	}
}

func TestVerifierReplayGuardWithoutMaxAge(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	signer, _ := NewSigner("test-secret")
	v := &Verifier{Signer: signer, Guard: NewRedisReplayGuard(rdb)}

	ctx := context.Background()
	marker := signer.Sign("user-1")

	if _, err := v.Check(ctx, marker); err != nil {
		t.Fatalf("First check failed: %v", err)
	}
	if _, err := v.Check(ctx, marker); !errors.Is(err, ErrReplayed) {
		t.Errorf("Expected ErrReplayed on second check, got %v", err)
	}
	if ttl := s.TTL("replay:" + marker); ttl != UnboundedReplayTTL {
		t.Errorf("Expected replay TTL %v, got %v", UnboundedReplayTTL, ttl)
	}
}
