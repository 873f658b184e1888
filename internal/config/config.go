package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Executor backends
const (
	BackendLocal = "local"
	BackendAsynq = "asynq"
)

// Pipeline modes
const (
	PipelineMock    = "mock"
	PipelineHTTP    = "http"
	PipelineCommand = "command"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Log      LogConfig
	Executor ExecutorConfig
	Redis    RedisConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	BodyLimitMB     int
	ShutdownTimeout time.Duration
	TranscribeWait  time.Duration
}

type StoreConfig struct {
	WorkDir string
}

type LogConfig struct {
	Level  string
	Format string // console or json
}

type ExecutorConfig struct {
	Backend        string
	MaxConcurrency int           // 0 means unbounded
	JobTimeout     time.Duration // 0 means no deadline
	RecoverOrphans bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PipelineConfig struct {
	Mode      string
	URL       string
	APIKey    string
	Timeout   time.Duration
	Binary    string
	MockDelay time.Duration
}

// Load reads configuration from an optional config.yaml and the environment.
// Each call uses its own viper instance so nothing is shared process-wide.
func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("PIPELINE_API_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.body_limit_mb", "SERVER_BODY_LIMIT_MB")
	_ = v.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("server.transcribe_wait", "SERVER_TRANSCRIBE_WAIT")
	_ = v.BindEnv("store.work_dir", "BA2_WORKDIR")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
	_ = v.BindEnv("executor.backend", "EXECUTOR_BACKEND")
	_ = v.BindEnv("executor.max_concurrency", "EXECUTOR_MAX_CONCURRENCY")
	_ = v.BindEnv("executor.job_timeout", "EXECUTOR_JOB_TIMEOUT")
	_ = v.BindEnv("executor.recover_orphans", "EXECUTOR_RECOVER_ORPHANS")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("pipeline.mode", "PIPELINE_MODE")
	_ = v.BindEnv("pipeline.url", "PIPELINE_URL")
	_ = v.BindEnv("pipeline.api_key", "PIPELINE_API_KEY")
	_ = v.BindEnv("pipeline.timeout", "PIPELINE_TIMEOUT")
	_ = v.BindEnv("pipeline.binary", "PIPELINE_BINARY")
	_ = v.BindEnv("pipeline.mock_delay", "PIPELINE_MOCK_DELAY")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.body_limit_mb", 512)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.transcribe_wait", 10*time.Minute)
	v.SetDefault("store.work_dir", "./workdir")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("executor.backend", BackendLocal)
	v.SetDefault("executor.max_concurrency", 0)
	v.SetDefault("executor.job_timeout", time.Duration(0))
	v.SetDefault("executor.recover_orphans", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pipeline.mode", PipelineMock)
	v.SetDefault("pipeline.url", "http://localhost:8084")
	v.SetDefault("pipeline.timeout", time.Duration(0))
	v.SetDefault("pipeline.binary", "batchalign")
	v.SetDefault("pipeline.mock_delay", 2*time.Second)

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			Env:             v.GetString("server.env"),
			BodyLimitMB:     v.GetInt("server.body_limit_mb"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			TranscribeWait:  v.GetDuration("server.transcribe_wait"),
		},
		Store: StoreConfig{
			WorkDir: v.GetString("store.work_dir"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Executor: ExecutorConfig{
			Backend:        strings.ToLower(v.GetString("executor.backend")),
			MaxConcurrency: v.GetInt("executor.max_concurrency"),
			JobTimeout:     v.GetDuration("executor.job_timeout"),
			RecoverOrphans: v.GetBool("executor.recover_orphans"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Pipeline: PipelineConfig{
			Mode:      strings.ToLower(v.GetString("pipeline.mode")),
			URL:       v.GetString("pipeline.url"),
			APIKey:    v.GetString("pipeline.api_key"),
			Timeout:   v.GetDuration("pipeline.timeout"),
			Binary:    v.GetString("pipeline.binary"),
			MockDelay: v.GetDuration("pipeline.mock_delay"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Store.WorkDir == "" {
		return fmt.Errorf("store.work_dir must not be empty")
	}
	switch c.Executor.Backend {
	case BackendLocal, BackendAsynq:
	default:
		return fmt.Errorf("unknown executor backend %q", c.Executor.Backend)
	}
	if c.Executor.MaxConcurrency < 0 {
		return fmt.Errorf("executor.max_concurrency must be >= 0, got %d", c.Executor.MaxConcurrency)
	}
	switch c.Pipeline.Mode {
	case PipelineMock, PipelineHTTP, PipelineCommand:
	default:
		return fmt.Errorf("unknown pipeline mode %q", c.Pipeline.Mode)
	}
	if c.Server.BodyLimitMB <= 0 {
		return fmt.Errorf("server.body_limit_mb must be positive")
	}
	return nil
}

// UsesRedis reports whether the configured backend needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Executor.Backend == BackendAsynq
}
