// Package identity produces and checks identity markers: signed, timestamped strings that bind a
// request to a user so a server can correlate it without a session token.
//
// Marker format:
//
//	<userId>:<epochMillis>:<hex(HMAC-SHA256(secret, "<userId>:<epochMillis>"))>
//
// The user id may itself contain ':'; parsing always splits from the right.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Header carries the marker on HTTP requests.
const Header = "X-Identity"

var (
	ErrMalformed    = errors.New("identity marker is malformed")
	ErrBadSignature = errors.New("identity marker signature mismatch")
	ErrStale        = errors.New("identity marker is stale")
	ErrReplayed     = errors.New("identity marker was already used")
	ErrNoSecret     = errors.New("identity secret is empty")
)

// Signer signs and verifies markers with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner returns a signer for the given secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock returns a copy of s reading the time from now. Used by tests and by servers
// that verify against a synchronised clock.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

// Sign returns the marker for subject at the current time.
func (s *Signer) Sign(subject string) string {
	payload := subject + ":" + strconv.FormatInt(s.now().UnixMilli(), 10)
	return payload + ":" + s.signature(payload)
}

func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Claims are the verified contents of a marker.
type Claims struct {
	Subject  string
	IssuedAt time.Time
}

// Parse reads the claims of a marker without checking its signature.
func Parse(marker string) (Claims, error) {
	claims, _, _, err := split(marker)
	return claims, err
}

func split(marker string) (Claims, string, string, error) {
	sigAt := strings.LastIndexByte(marker, ':')
	if sigAt <= 0 {
		return Claims{}, "", "", ErrMalformed
	}
	payload, sig := marker[:sigAt], marker[sigAt+1:]
	tsAt := strings.LastIndexByte(payload, ':')
	if tsAt <= 0 || sig == "" {
		return Claims{}, "", "", ErrMalformed
	}
	ms, err := strconv.ParseInt(payload[tsAt+1:], 10, 64)
	if err != nil || ms < 0 {
		return Claims{}, "", "", ErrMalformed
	}
	return Claims{Subject: payload[:tsAt], IssuedAt: time.UnixMilli(ms)}, payload, sig, nil
}

// Verify checks the signature of marker and, when maxAge > 0, that it was issued no longer
// than maxAge ago. Markers from the future beyond maxAge are treated as stale too.
func (s *Signer) Verify(marker string, maxAge time.Duration) (Claims, error) {
	claims, payload, sig, err := split(marker)
	if err != nil {
		return Claims{}, err
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	want, _ := hex.DecodeString(s.signature(payload))
	if !hmac.Equal(got, want) {
		return Claims{}, ErrBadSignature
	}
	if maxAge > 0 {
		age := s.now().Sub(claims.IssuedAt)
		if age > maxAge || age < -maxAge {
			return Claims{}, ErrStale
		}
	}
	return claims, nil
}
