// Package config provides unified configuration loading for the Amphibian
// core: defaults, YAML file, then environment overrides, in that priority
// order. Environment variables use the AMPHIBIAN_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/amphibian-ai/amphibian/types"
)

// Config is the complete configuration of the core.
type Config struct {
	// StateRoot is the directory holding persisted state (memory/,
	// identity/, audit db).
	StateRoot string `yaml:"state_root"`

	Memory  MemoryConfig  `yaml:"memory"`
	Pool    PoolConfig    `yaml:"pool"`
	Router  RouterConfig  `yaml:"router"`
	Log     LogConfig     `yaml:"log"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MemoryConfig tunes the co-occurrence tracker.
type MemoryConfig struct {
	LinkThreshold         float64 `yaml:"link_threshold"`
	DecayRate             float64 `yaml:"decay_rate"`
	MaxObservationAgeDays float64 `yaml:"max_observation_age_days"`
}

// PoolConfig tunes the coordinator and worker.
type PoolConfig struct {
	PoolName   string `yaml:"pool_name"`
	ListenAddr string `yaml:"listen_addr"`

	// TLSCertFile and TLSKeyFile enable wss on the pool listener when
	// both are set.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// ChunkTimeoutsByCapability maps capability class to the chunk
	// deadline in milliseconds.
	ChunkTimeoutsByCapability map[string]int64 `yaml:"chunk_timeouts_by_capability"`
	// WindowSizesByCapability maps capability class to the number of
	// output tokens per chunk.
	WindowSizesByCapability map[string]int `yaml:"window_sizes_by_capability"`

	HeartbeatIntervalMs int64 `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int64 `yaml:"heartbeat_timeout_ms"`
	CancelDeadlineMs    int64 `yaml:"cancel_deadline_ms"`
	NoWorkerTimeoutMs   int64 `yaml:"no_worker_timeout_ms"`
}

// RouterConfig tunes the session router.
type RouterConfig struct {
	LLMConfidenceFloor float64 `yaml:"llm_confidence_floor"`
	CacheCapacity      int     `yaml:"cache_capacity"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AuditConfig configures the sqlite pool-event audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the baked-in defaults.
func Default() Config {
	return Config{
		StateRoot: "amphibian-state",
		Memory: MemoryConfig{
			LinkThreshold:         3.0,
			DecayRate:             0.5,
			MaxObservationAgeDays: 30,
		},
		Pool: PoolConfig{
			PoolName:   "amphibian-pool",
			ListenAddr: "0.0.0.0:8766",
			ChunkTimeoutsByCapability: map[string]int64{
				"low": 30_000, "medium": 15_000, "high": 8_000, "tpu": 4_000,
			},
			WindowSizesByCapability: map[string]int{
				"low": 2, "medium": 16, "high": 32, "tpu": 64,
			},
			HeartbeatIntervalMs: 5_000,
			HeartbeatTimeoutMs:  15_000,
			CancelDeadlineMs:    2_000,
			NoWorkerTimeoutMs:   10_000,
		},
		Router: RouterConfig{
			LLMConfidenceFloor: 0.6,
			CacheCapacity:      50,
		},
		Log: LogConfig{Level: "info"},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "audit.db",
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9094"},
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, types.Errorf(types.ErrInputInvalid, "read config %s", path).WithCause(err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, types.Errorf(types.ErrIntegrity, "parse config %s", path).WithCause(err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides recognized keys from AMPHIBIAN_* variables.
func applyEnv(cfg *Config) {
	envString("AMPHIBIAN_STATE_ROOT", &cfg.StateRoot)
	envString("AMPHIBIAN_POOL_NAME", &cfg.Pool.PoolName)
	envString("AMPHIBIAN_POOL_LISTEN_ADDR", &cfg.Pool.ListenAddr)
	envFloat("AMPHIBIAN_MEMORY_LINK_THRESHOLD", &cfg.Memory.LinkThreshold)
	envFloat("AMPHIBIAN_MEMORY_DECAY_RATE", &cfg.Memory.DecayRate)
	envFloat("AMPHIBIAN_MEMORY_MAX_OBSERVATION_AGE_DAYS", &cfg.Memory.MaxObservationAgeDays)
	envInt64("AMPHIBIAN_POOL_HEARTBEAT_INTERVAL_MS", &cfg.Pool.HeartbeatIntervalMs)
	envInt64("AMPHIBIAN_POOL_HEARTBEAT_TIMEOUT_MS", &cfg.Pool.HeartbeatTimeoutMs)
	envInt64("AMPHIBIAN_POOL_CANCEL_DEADLINE_MS", &cfg.Pool.CancelDeadlineMs)
	envInt64("AMPHIBIAN_POOL_NO_WORKER_TIMEOUT_MS", &cfg.Pool.NoWorkerTimeoutMs)
	envFloat("AMPHIBIAN_ROUTER_LLM_CONFIDENCE_FLOOR", &cfg.Router.LLMConfidenceFloor)
	envIntVal("AMPHIBIAN_ROUTER_CACHE_CAPACITY", &cfg.Router.CacheCapacity)
	envString("AMPHIBIAN_LOG_LEVEL", &cfg.Log.Level)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envIntVal(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Memory.LinkThreshold <= 0 {
		return types.NewError(types.ErrInputInvalid, "memory.link_threshold must be positive")
	}
	if c.Memory.DecayRate < 0 {
		return types.NewError(types.ErrInputInvalid, "memory.decay_rate must be non-negative")
	}
	if c.Router.CacheCapacity < 1 {
		return types.NewError(types.ErrInputInvalid, "router.cache_capacity must be at least 1")
	}
	if c.Router.LLMConfidenceFloor < 0 || c.Router.LLMConfidenceFloor > 1 {
		return types.NewError(types.ErrInputInvalid, "router.llm_confidence_floor must be in [0,1]")
	}
	if c.Pool.HeartbeatIntervalMs <= 0 || c.Pool.HeartbeatTimeoutMs <= 0 {
		return types.NewError(types.ErrInputInvalid, "pool heartbeat settings must be positive")
	}
	for cap, ms := range c.Pool.ChunkTimeoutsByCapability {
		if ms <= 0 {
			return types.Errorf(types.ErrInputInvalid, "chunk timeout for %q must be positive", cap)
		}
	}
	for cap, tokens := range c.Pool.WindowSizesByCapability {
		if tokens < 1 {
			return types.Errorf(types.ErrInputInvalid, "window size for %q must be at least 1", cap)
		}
	}
	return nil
}

// String renders the config with sensitive-free YAML, for logging.
func (c Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config{error: %v}", err)
	}
	return string(data)
}
