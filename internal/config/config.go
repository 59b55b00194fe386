package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageConfig holds the embedded state-store settings.
type StorageConfig struct {
	StateRoot   string        `json:"state_root"`    // directory containing state.db, envs/, output/, quarantine/, logs/
	BusyTimeout time.Duration `json:"busy_timeout"`  // SQLite busy_timeout pragma
	RetryCap    time.Duration `json:"retry_cap"`      // bounded exponential backoff cap for Locked/Busy retries
	MaxDataAge  time.Duration `json:"max_data_age"`   // cleanup_old_data(max_age) horizon for terminal jobs/events/approvals
}

// SentinelConfig holds job-orchestration settings.
type SentinelConfig struct {
	BindAddr       string        `json:"bind_addr"`        // worker-connect listen address (unix:// or tcp://)
	ClaimPollIdle  time.Duration `json:"claim_poll_idle"`  // idle window before responding NoWork to a claim
	WorkerTimeout  time.Duration `json:"worker_timeout"`   // max gap between progress events before declaring worker_lost
	MaxRetries     int           `json:"max_retries"`      // retry ceiling for retryable failure categories
	RetryBaseDelay time.Duration `json:"retry_base_delay"` // base of the exponential backoff before a retried job becomes visible
	RetryMaxDelay  time.Duration `json:"retry_max_delay"`
	CancelDrainMs  int           `json:"cancel_drain_ms"` // bounded drain window workers get to flush + commit on cancel
}

// CancelDrainDuration returns the cancel drain window as a Duration.
func (c SentinelConfig) CancelDrainDuration() time.Duration {
	return time.Duration(c.CancelDrainMs) * time.Millisecond
}

// EnvCacheConfig holds content-addressed environment cache settings.
type EnvCacheConfig struct {
	Root    string        `json:"root"`     // envs/<env_hash>/...
	MaxEnvs int           `json:"max_envs"` // LRU eviction: retain at most this many environments
	MaxAge  time.Duration `json:"max_age"`  // delete environments untouched for this long
}

// GuestTransportConfig holds host<->guest IPC settings.
type GuestTransportConfig struct {
	Kind           string `json:"kind"`             // "unix" (default) or "vsock"
	SocketPath     string `json:"socket_path"`      // guest-IPC socket path override, unix transport
	VsockCID       uint32 `json:"vsock_cid"`        // vsock transport only
	VsockPort      uint32 `json:"vsock_port"`       // vsock transport only
	ProtocolVersion int   `json:"protocol_version"` // handshake version; mismatch fails the connection
}

// WorkerConfig holds host-process invocation settings.
type WorkerConfig struct {
	Transport    GuestTransportConfig `json:"transport"`
	EnvCache     EnvCacheConfig       `json:"env_cache"`
	ProgressEvery time.Duration       `json:"progress_every"` // how often the worker acks progress to the Sentinel and persists it to the job row
}

// BacktestConfig holds the backtest engine's fail-fast scheduling settings.
type BacktestConfig struct {
	TargetPassRate   float64       `json:"target_pass_rate"`  // stop once an iteration reaches this rate
	MaxIterations    int           `json:"max_iterations"`
	WindowSize       int           `json:"window_size"`       // plateau detection window W
	MinImprovement   float64       `json:"min_improvement"`   // plateau detection delta
	IterationTimeout time.Duration `json:"iteration_timeout"` // per-iteration wall-clock budget, 0 = unbounded
	HighFailureBias  bool          `json:"high_failure_bias"` // schedule previously-high-failure files first
}

// ApprovalConfig holds the approval gate's sweep settings.
type ApprovalConfig struct {
	DefaultTTL    time.Duration `json:"default_ttl"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`     // stdout, none
	ServiceName string  `json:"service_name"` // casparianflow-sentinel, casparianflow-worker
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics exposition settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"` // casparianflow_sentinel
	Addr      string `json:"addr"`      // metrics scrape listen address
}

// LoggingConfig holds structured operational logging settings.
type LoggingConfig struct {
	Level         string `json:"level"`           // debug, info, warn, error
	Format        string `json:"format"`          // text, json
	JobEventFile  string `json:"job_event_file"`  // path for the per-job-event audit log
	JobEventStdout bool  `json:"job_event_stdout"`
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// LicenseConfig holds licensing/feature-gate settings (NotLicensed errors).
type LicenseConfig struct {
	Path     string   `json:"path"` // license file path override
	Features []string `json:"features"`
}

// Config is the central configuration tree shared by the Sentinel and Worker
// daemons; each reads only the sections it needs.
type Config struct {
	Storage       StorageConfig       `json:"storage"`
	Sentinel      SentinelConfig      `json:"sentinel"`
	Worker        WorkerConfig        `json:"worker"`
	Backtest      BacktestConfig      `json:"backtest"`
	Approval      ApprovalConfig      `json:"approval"`
	Observability ObservabilityConfig `json:"observability"`
	License       LicenseConfig       `json:"license"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			StateRoot:   "./state",
			BusyTimeout: 5 * time.Second,
			RetryCap:    5 * time.Second,
			MaxDataAge:  30 * 24 * time.Hour,
		},
		Sentinel: SentinelConfig{
			BindAddr:       "unix:///tmp/casparianflow/sentinel.sock",
			ClaimPollIdle:  2 * time.Second,
			WorkerTimeout:  30 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  30 * time.Second,
			CancelDrainMs:  2000,
		},
		Worker: WorkerConfig{
			Transport: GuestTransportConfig{
				Kind:            "unix",
				SocketPath:      "",
				ProtocolVersion: 1,
			},
			EnvCache: EnvCacheConfig{
				Root:    "./state/envs",
				MaxEnvs: 32,
				MaxAge:  14 * 24 * time.Hour,
			},
			ProgressEvery: 1 * time.Second,
		},
		Backtest: BacktestConfig{
			TargetPassRate:  1.0,
			MaxIterations:   5,
			WindowSize:      5,
			MinImprovement:  0.01,
			HighFailureBias: true,
		},
		Approval: ApprovalConfig{
			DefaultTTL:    15 * time.Minute,
			SweepInterval: 1 * time.Second,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "stdout",
				ServiceName: "casparianflow",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "casparianflow",
				Addr:      ":9464",
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				JobEventStdout: true,
			},
		},
		License: LicenseConfig{
			Path: "",
		},
	}
}

// LoadFromFile loads configuration from a JSON file layered on top of
// DefaultConfig. Unknown fields are rejected so a typo in a config file
// fails loudly instead of silently keeping the default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to cfg in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CF_STATE_ROOT"); v != "" {
		cfg.Storage.StateRoot = v
	}
	if v := os.Getenv("CF_DATA_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.MaxDataAge = d
		}
	}

	if v := os.Getenv("CF_BIND_ADDR"); v != "" {
		cfg.Sentinel.BindAddr = v
	}
	if v := os.Getenv("CF_WORKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sentinel.WorkerTimeout = d
		}
	}
	if v := os.Getenv("CF_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sentinel.MaxRetries = n
		}
	}
	if v := os.Getenv("CF_CANCEL_DRAIN_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sentinel.CancelDrainMs = n
		}
	}

	if v := os.Getenv("CF_GUEST_IPC_SOCKET"); v != "" {
		cfg.Worker.Transport.SocketPath = v
	}
	if v := os.Getenv("CF_GUEST_TRANSPORT"); v != "" {
		cfg.Worker.Transport.Kind = v
	}
	if v := os.Getenv("CF_ENV_CACHE_ROOT"); v != "" {
		cfg.Worker.EnvCache.Root = v
	}
	if v := os.Getenv("CF_ENV_CACHE_MAX_ENVS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.EnvCache.MaxEnvs = n
		}
	}
	if v := os.Getenv("CF_ENV_CACHE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.EnvCache.MaxAge = d
		}
	}

	if v := os.Getenv("CF_BACKTEST_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backtest.WindowSize = n
		}
	}
	if v := os.Getenv("CF_BACKTEST_MIN_IMPROVEMENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backtest.MinImprovement = f
		}
	}

	if v := os.Getenv("CF_APPROVAL_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.DefaultTTL = d
		}
	}

	if v := os.Getenv("CF_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("CF_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("CF_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("CF_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("CF_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("CF_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("CF_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("CF_JOB_EVENT_FILE"); v != "" {
		cfg.Observability.Logging.JobEventFile = v
	}

	if v := os.Getenv("CF_LICENSE_PATH"); v != "" {
		cfg.License.Path = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
