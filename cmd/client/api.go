package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guido-cesarano/reqflow/pkg/envinfo"
	"github.com/guido-cesarano/reqflow/pkg/identity"
	"github.com/guido-cesarano/reqflow/pkg/tasks"
)

// ack mirrors the server's acknowledgement.
type ack struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Subject    string            `json:"subject,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// statusError is returned for non-2xx responses.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// apiClient is the transport the orchestration layer wraps. It knows nothing about
// ordering or batching.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client

	// Used by batch calls, which sign for themselves.
	signer *identity.Signer
	env    *envinfo.Environment
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// send posts one request envelope. marker and meta may be empty.
func (c *apiClient) send(ctx context.Context, marker string, meta tasks.Metadata, typ string, payload any) (ack, error) {
	body, err := json.Marshal(map[string]any{"type": typ, "payload": payload})
	if err != nil {
		return ack{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/requests", bytes.NewReader(body))
	if err != nil {
		return ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if marker != "" {
		req.Header.Set(identity.Header, marker)
	}
	envinfo.WriteHeader(req.Header, meta)

	resp, err := c.http.Do(req)
	if err != nil {
		return ack{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ack{}, &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	var a ack
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return a, nil
}

// write is a queue operation sending an ordered write.
func (c *apiClient) write(typ string, payload any) tasks.Operation[ack] {
	return func(ctx context.Context, marker string, meta tasks.Metadata) (ack, error) {
		return c.send(ctx, marker, meta, typ, payload)
	}
}

// read is a batch call sending an unordered lookup on behalf of subject.
func (c *apiClient) read(subject, typ string, payload any) tasks.Call[ack] {
	return func(ctx context.Context) (ack, error) {
		var (
			marker string
			meta   tasks.Metadata
		)
		if c.signer != nil && subject != "" {
			marker = c.signer.Sign(subject)
		}
		if c.env != nil {
			meta = c.env.Capture()
		}
		return c.send(ctx, marker, meta, typ, payload)
	}
}
