// Package config provides hierarchical configuration for the substrate:
// YAML file, environment variable overlay, and compiled-in defaults, for
// the five knob groups named in spec.md §6 (Cluster, Consensus, Jobs,
// Cache, RateLimits) plus the ambient logging/metrics surface every
// subsystem shares.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/accuscene/corefabric/pkg/utils"
)

// Configuration is the complete, nested application configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
}

// GlobalConfig carries the ambient settings every component shares:
// logging, metrics/health HTTP ports, and the debug/profiling knobs a
// node can turn on without a rebuild.
type GlobalConfig struct {
	LogLevel         string `yaml:"log_level"`
	LogFile          string `yaml:"log_file"`
	MetricsPort      int    `yaml:"metrics_port"`
	HealthPort       int    `yaml:"health_port"`
	APIAddress       string `yaml:"api_address"`
	DebugMode        bool   `yaml:"debug_mode"`
	RuntimeProfiling bool   `yaml:"runtime_profiling"`
}

// ClusterConfig configures gossip membership (§4.1, §6).
type ClusterConfig struct {
	NodeID           string        `yaml:"node_id"`
	SeedPeers        []string      `yaml:"seed_peers"`
	BindAddr         string        `yaml:"bind_addr"`
	GossipInterval   time.Duration `yaml:"gossip_interval"`
	SuspectTimeout   time.Duration `yaml:"suspect_timeout"`
	MaxTransmissions int           `yaml:"max_transmissions"`
	IndirectProbes   int           `yaml:"indirect_probes"`
}

// ConsensusConfig configures the Raft-style engine (§4.3, §6).
type ConsensusConfig struct {
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MaxLogSize         int           `yaml:"max_log_size"`
	SnapshotThreshold  int           `yaml:"snapshot_threshold"`
}

// JobsConfig configures the job execution fabric (§4.6, §6).
type JobsConfig struct {
	MinWorkers        int           `yaml:"min_workers"`
	MaxWorkers        int           `yaml:"max_workers"`
	ScaleUpThreshold  float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64      `yaml:"scale_down_threshold"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RetryMultiplier   float64       `yaml:"retry_multiplier"`
	RetryJitter       float64       `yaml:"retry_jitter"`
}

// CacheConfig configures the cache layer: per-partition settings plus a
// global byte ceiling (§4.7, §6).
type CacheConfig struct {
	MaxBytes   int64                        `yaml:"max_bytes"`
	Partitions map[string]PartitionConfig   `yaml:"partitions"`
}

// PartitionConfig is the per-partition capacity/TTL knob pair.
type PartitionConfig struct {
	Capacity   int           `yaml:"capacity"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitConfig configures one named token-bucket limiter (§4.6, §6).
type RateLimitConfig struct {
	Tokens         uint32        `yaml:"tokens"`
	RefillRate     uint32        `yaml:"refill_rate"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// NewDefault returns a configuration with sensible defaults for a
// single-process dev deployment.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:         "INFO",
			LogFile:          "",
			MetricsPort:      9090,
			HealthPort:       8081,
			APIAddress:       "localhost:8080",
			DebugMode:        false,
			RuntimeProfiling: false,
		},
		Cluster: ClusterConfig{
			BindAddr:         "0.0.0.0:7946",
			GossipInterval:   time.Second,
			SuspectTimeout:   5 * time.Second,
			MaxTransmissions: 0, // 0 = derive log2(N)*lambda at runtime
			IndirectProbes:   3,
		},
		Consensus: ConsensusConfig{
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			MaxLogSize:         100000,
			SnapshotThreshold:  10000,
		},
		Jobs: JobsConfig{
			MinWorkers:         2,
			MaxWorkers:         16,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
			DefaultTimeout:     30 * time.Second,
			RetryMaxAttempts:   3,
			RetryInitialDelay:  100 * time.Millisecond,
			RetryMaxDelay:      10 * time.Second,
			RetryMultiplier:    2.0,
			RetryJitter:        0.1,
		},
		Cache: CacheConfig{
			MaxBytes: 512 * 1024 * 1024,
			Partitions: map[string]PartitionConfig{
				"default": {Capacity: 10000, DefaultTTL: 5 * time.Minute},
			},
		},
		RateLimits: map[string]RateLimitConfig{
			"default": {Tokens: 100, RefillRate: 50, RefillInterval: time.Second},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying it onto
// the receiver (so callers typically start from NewDefault()).
func (c *Configuration) LoadFromFile(filename string) error {
	if err := utils.ValidatePath(filename, true); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays recognized FABRIC_* environment variables onto
// the receiver.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("FABRIC_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("FABRIC_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("FABRIC_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("FABRIC_DEBUG_MODE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Global.DebugMode = b
		}
	}
	if val := os.Getenv("FABRIC_RUNTIME_PROFILING"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Global.RuntimeProfiling = b
		}
	}
	if val := os.Getenv("FABRIC_NODE_ID"); val != "" {
		c.Cluster.NodeID = val
	}
	if val := os.Getenv("FABRIC_SEED_PEERS"); val != "" {
		c.Cluster.SeedPeers = strings.Split(val, ",")
	}
	if val := os.Getenv("FABRIC_BIND_ADDR"); val != "" {
		c.Cluster.BindAddr = val
	}
	if val := os.Getenv("FABRIC_MIN_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Jobs.MinWorkers = n
		}
	}
	if val := os.Getenv("FABRIC_MAX_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Jobs.MaxWorkers = n
		}
	}
	return nil
}

// SaveToFile marshals the configuration to filename as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	if err := utils.ValidatePath(filename, true); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	dir := filepath.Dir(filename)
	target, err := utils.SecureJoin(dir, filepath.Base(filename))
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime errors deep in a subsystem.
func (c *Configuration) Validate() error {
	if c.Jobs.MinWorkers <= 0 {
		return fmt.Errorf("jobs.min_workers must be greater than 0")
	}
	if c.Jobs.MaxWorkers < c.Jobs.MinWorkers {
		return fmt.Errorf("jobs.max_workers must be >= jobs.min_workers")
	}
	if c.Consensus.ElectionTimeoutMax <= c.Consensus.ElectionTimeoutMin {
		return fmt.Errorf("consensus.election_timeout_max must be greater than election_timeout_min")
	}
	if c.Global.MetricsPort != 0 && c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
