// Package envinfo captures the provenance metadata attached to every serial request.
package envinfo

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/guido-cesarano/reqflow/pkg/tasks"
)

// Metadata keys.
const (
	KeyUserAgent   = "userAgent"
	KeyPlatform    = "platform"
	KeyScreenSize  = "screenSize"
	KeyFrontendURL = "frontendURL"
)

// Environment holds the values reported for the running client. It is safe for concurrent
// use; setters take effect for captures made after they return.
type Environment struct {
	mu          sync.RWMutex
	userAgent   string
	platform    string
	width       int
	height      int
	frontendURL string
}

// New returns an environment with the platform set to GOOS/GOARCH.
func New(userAgent, frontendURL string) *Environment {
	return &Environment{
		userAgent:   userAgent,
		platform:    runtime.GOOS + "/" + runtime.GOARCH,
		frontendURL: frontendURL,
	}
}

// SetScreen records the current display size.
func (e *Environment) SetScreen(width, height int) {
	e.mu.Lock()
	e.width, e.height = width, height
	e.mu.Unlock()
}

// SetFrontendURL records the location the client is currently at.
func (e *Environment) SetFrontendURL(u string) {
	e.mu.Lock()
	e.frontendURL = u
	e.mu.Unlock()
}

// SetPlatform overrides the detected platform.
func (e *Environment) SetPlatform(p string) {
	e.mu.Lock()
	e.platform = p
	e.mu.Unlock()
}

// Capture returns a fresh metadata map for the values current at call time.
func (e *Environment) Capture() tasks.Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return tasks.Metadata{
		KeyUserAgent:   e.userAgent,
		KeyPlatform:    e.platform,
		KeyScreenSize:  fmt.Sprintf("%dx%d", e.width, e.height),
		KeyFrontendURL: e.frontendURL,
	}
}

// ParseScreen reads a "<width>x<height>" string.
func ParseScreen(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("screen size %q: want <width>x<height>", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("screen width %q: %w", w, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("screen height %q: %w", h, err)
	}
	return width, height, nil
}

// HeaderPrefix prefixes metadata keys when they travel as HTTP headers.
const HeaderPrefix = "X-Client-"

var keys = []string{KeyUserAgent, KeyPlatform, KeyScreenSize, KeyFrontendURL}

// WriteHeader copies meta into h as X-Client-<Key> headers.
func WriteHeader(h http.Header, meta tasks.Metadata) {
	for _, k := range keys {
		if v, ok := meta[k]; ok {
			h.Set(HeaderPrefix+k, v)
		}
	}
}

// ReadHeader is the inverse of WriteHeader. Absent headers are omitted.
func ReadHeader(h http.Header) tasks.Metadata {
	meta := make(tasks.Metadata, len(keys))
	for _, k := range keys {
		if v := h.Get(HeaderPrefix + k); v != "" {
			meta[k] = v
		}
	}
	return meta
}
