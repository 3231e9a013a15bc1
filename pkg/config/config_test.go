package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Retries != 3 {
		t.Errorf("Expected 3 retries, got %d", cfg.Queue.Retries)
	}
	if cfg.Batch.Delay != 100*time.Millisecond || cfg.Batch.MaxBatchSize != 10 {
		t.Errorf("Unexpected batch defaults %+v", cfg.Batch)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
queue:
  retries: 5
batch:
  delay: 250ms
  maxBatchSize: 4
identity:
  secret: from-file
client:
  frontendURL: https://portal.example.com
`)
	t.Setenv("BATCH_MAX_SIZE", "8")
	t.Setenv("IDENTITY_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Queue.Retries != 5 {
		t.Errorf("Expected retries from file, got %d", cfg.Queue.Retries)
	}
	if cfg.Batch.Delay != 250*time.Millisecond {
		t.Errorf("Expected delay from file, got %s", cfg.Batch.Delay)
	}
	if cfg.Batch.MaxBatchSize != 8 {
		t.Errorf("Expected env to override batch size, got %d", cfg.Batch.MaxBatchSize)
	}
	if cfg.Identity.Secret != "from-env" {
		t.Errorf("Expected env to override secret, got %s", cfg.Identity.Secret)
	}
	if cfg.Client.FrontendURL != "https://portal.example.com" {
		t.Errorf("Expected frontend URL from file, got %s", cfg.Client.FrontendURL)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Expected default Redis address to survive, got %s", cfg.Redis.Addr)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "Zero retries", body: "queue:\n  retries: 0\n", want: "queue.retries"},
		{name: "Zero batch size", body: "batch:\n  maxBatchSize: 0\n", want: "batch.maxBatchSize"},
		{name: "Bad YAML", body: "queue: [", want: "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}
