package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ClusterConfig contains coordination cluster configuration.
// Durations are in milliseconds.
type ClusterConfig struct {
	// Nodes is the number of nodes in the simulated cluster
	Nodes int `mapstructure:"nodes"`
	// Algorithm selects the election strategy, "raft" or "bully"
	Algorithm string `mapstructure:"algorithm"`
	// ElectionTimeoutMinMs and ElectionTimeoutMaxMs bound the per-node
	// randomized election timeout window
	ElectionTimeoutMinMs int `mapstructure:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int `mapstructure:"election_timeout_max_ms"`
	// HeartBeatIntervalMs is the leader heartbeat broadcast interval
	HeartBeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// CheckIntervalMs is how often the failure detector scans the cluster
	CheckIntervalMs int `mapstructure:"check_interval_ms"`
	// CallTimeoutMs is the per-peer timeout for vote and heartbeat calls
	CallTimeoutMs int `mapstructure:"call_timeout_ms"`
	// DetectionDelayMs is the simulated detection latency between killing a
	// leader and scheduling a replacement election
	DetectionDelayMs int `mapstructure:"detection_delay_ms"`
	// MaxElectionRounds bounds candidacy rounds within one election attempt
	MaxElectionRounds int `mapstructure:"max_election_rounds"`
	// DropRate is the simulated probability of losing a peer call
	DropRate float64 `mapstructure:"drop_rate"`
	// MaxDelayMs is the maximum simulated delivery delay of a peer call
	MaxDelayMs int `mapstructure:"max_delay_ms"`
}

// RegistryConfig contains service registry configuration.
type RegistryConfig struct {
	// Balancer selects the load balancing strategy:
	// round_robin, weighted, least_connections or random
	Balancer string `mapstructure:"balancer"`
	// CheckIntervalMs is the health check polling interval
	CheckIntervalMs int `mapstructure:"check_interval_ms"`
	// FailureThreshold is the consecutive-failure count that triggers
	// automatic deregistration
	FailureThreshold int `mapstructure:"failure_threshold"`
	// HeartbeatTimeoutMs marks an instance stale when its last heartbeat is
	// older than this
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms"`
	// SweepIntervalMs is how often stale instances are swept out
	SweepIntervalMs int `mapstructure:"sweep_interval_ms"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Nodes:                5,
			Algorithm:            "raft",
			ElectionTimeoutMinMs: 3000,
			ElectionTimeoutMaxMs: 5000,
			HeartBeatIntervalMs:  1000,
			CheckIntervalMs:      500,
			CallTimeoutMs:        1000,
			DetectionDelayMs:     500,
			MaxElectionRounds:    3,
		},
		Registry: RegistryConfig{
			Balancer:           "round_robin",
			CheckIntervalMs:    5000,
			FailureThreshold:   3,
			HeartbeatTimeoutMs: 30000,
			SweepIntervalMs:    10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the given file, filling unset keys with
// defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return cfg, nil
}
