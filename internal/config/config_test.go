package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8000" {
		t.Errorf("expected port 8000, got %q", cfg.Server.Port)
	}
	if cfg.Store.WorkDir != "./workdir" {
		t.Errorf("expected default work dir, got %q", cfg.Store.WorkDir)
	}
	if cfg.Executor.Backend != BackendLocal {
		t.Errorf("expected local backend, got %q", cfg.Executor.Backend)
	}
	if cfg.Executor.MaxConcurrency != 0 {
		t.Errorf("expected unbounded concurrency, got %d", cfg.Executor.MaxConcurrency)
	}
	if !cfg.Executor.RecoverOrphans {
		t.Error("expected orphan recovery enabled by default")
	}
	if cfg.Pipeline.Mode != PipelineMock {
		t.Errorf("expected mock pipeline, got %q", cfg.Pipeline.Mode)
	}
	if cfg.Pipeline.MockDelay != 2*time.Second {
		t.Errorf("expected 2s mock delay, got %s", cfg.Pipeline.MockDelay)
	}
	if cfg.UsesRedis() {
		t.Error("local backend should not need redis")
	}
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BA2_WORKDIR", "/srv/ba2")
	t.Setenv("EXECUTOR_BACKEND", "ASYNQ")
	t.Setenv("EXECUTOR_MAX_CONCURRENCY", "4")
	t.Setenv("EXECUTOR_JOB_TIMEOUT", "90s")
	t.Setenv("PIPELINE_MODE", "http")
	t.Setenv("PIPELINE_URL", "http://pipeline:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Store.WorkDir != "/srv/ba2" {
		t.Errorf("expected work dir from env, got %q", cfg.Store.WorkDir)
	}
	if cfg.Executor.Backend != BackendAsynq {
		t.Errorf("expected asynq backend, got %q", cfg.Executor.Backend)
	}
	if cfg.Executor.MaxConcurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Executor.MaxConcurrency)
	}
	if cfg.Executor.JobTimeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %s", cfg.Executor.JobTimeout)
	}
	if cfg.Pipeline.URL != "http://pipeline:9000" {
		t.Errorf("unexpected pipeline url %q", cfg.Pipeline.URL)
	}
	if !cfg.UsesRedis() {
		t.Error("asynq backend should need redis")
	}
}

func TestLoadReadsSecretFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	secretPath := filepath.Join(dir, "api_key")
	if err := os.WriteFile(secretPath, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	t.Setenv("PIPELINE_API_KEY", "")
	t.Setenv("PIPELINE_API_KEY_FILE", secretPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Pipeline.APIKey != "s3cret" {
		t.Errorf("expected api key from secret file, got %q", cfg.Pipeline.APIKey)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := "server:\n  port: \"9100\"\nstore:\n  work_dir: /data/jobs\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("expected port from file, got %q", cfg.Server.Port)
	}
	if cfg.Store.WorkDir != "/data/jobs" {
		t.Errorf("expected work dir from file, got %q", cfg.Store.WorkDir)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{BodyLimitMB: 10},
			Store:    StoreConfig{WorkDir: "/tmp/x"},
			Executor: ExecutorConfig{Backend: BackendLocal},
			Pipeline: PipelineConfig{Mode: PipelineMock},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty work dir", func(c *Config) { c.Store.WorkDir = "" }, "work_dir"},
		{"unknown backend", func(c *Config) { c.Executor.Backend = "kafka" }, "backend"},
		{"negative concurrency", func(c *Config) { c.Executor.MaxConcurrency = -1 }, "max_concurrency"},
		{"unknown pipeline", func(c *Config) { c.Pipeline.Mode = "grpc" }, "pipeline mode"},
		{"zero body limit", func(c *Config) { c.Server.BodyLimitMB = 0 }, "body_limit_mb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
