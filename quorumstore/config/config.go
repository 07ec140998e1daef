// Copyright 2025 Certen Protocol

// Package config loads the quorum store's node configuration from YAML,
// following pkg/config/anchor_config.go's env-substitution and custom
// Duration idiom.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the quorum store node's complete configuration, one instance
// per epoch per spec §9 ("no process-wide state spans an epoch change").
type Config struct {
	Environment string `yaml:"environment"`

	Node       NodeSettings       `yaml:"node"`
	Aggregator AggregatorSettings `yaml:"aggregator"`
	Store      StoreSettings      `yaml:"store"`
	Proof      ProofSettings      `yaml:"proof"`
	Network    NetworkSettings    `yaml:"network"`
	Mempool    MempoolSettings    `yaml:"mempool"`
	Logging    LoggingSettings    `yaml:"logging"`
	Metrics    MetricsSettings    `yaml:"metrics"`
}

// NodeSettings identifies this validator within the current epoch.
type NodeSettings struct {
	ValidatorID string `yaml:"validator_id"`
	BLSKeyPath  string `yaml:"bls_key_path"`
	DataDir     string `yaml:"data_dir"`
}

// AggregatorSettings bounds the worker's batch-building behavior.
type AggregatorSettings struct {
	MaxBatchBytes          uint64   `yaml:"max_batch_bytes"`
	EndBatchInterval       Duration `yaml:"end_batch_interval"`
	MaxBatchExpiryRoundGap uint64   `yaml:"max_batch_expiry_round_gap"`
}

// StoreSettings bounds BatchStore and BatchReader.
type StoreSettings struct {
	ChannelSize            int      `yaml:"channel_size"`
	MemoryQuotaBytes       uint64   `yaml:"memory_quota_bytes"`
	DBQuotaBytes           uint64   `yaml:"db_quota_bytes"`
	BatchExpiryGraceRounds uint64   `yaml:"batch_expiry_grace_rounds"`
	BatchRequestNumPeers   int      `yaml:"batch_request_num_peers"`
	BatchRequestTimeout    Duration `yaml:"batch_request_timeout"`
	MaxFetchRounds         int      `yaml:"max_fetch_rounds"`
}

// ProofSettings bounds ProofBuilder.
type ProofSettings struct {
	ChannelSize  int      `yaml:"channel_size"`
	ProofTimeout Duration `yaml:"proof_timeout"`
}

// NetworkSettings bounds the libp2p transport.
type NetworkSettings struct {
	ListenAddr string `yaml:"listen_addr"`
	TopicName  string `yaml:"topic_name"`
	Peers      []PeerSettings `yaml:"peers"`
}

// PeerSettings is one entry in the static peer book (spec §1: membership
// and discovery are out of scope, so the peer set and validator public
// keys are both config-driven).
type PeerSettings struct {
	ValidatorID      string `yaml:"validator_id"`
	Multiaddr        string `yaml:"multiaddr"`
	BLSPublicKeyPath string `yaml:"bls_public_key_path"`
	VotingPower      int64  `yaml:"voting_power"`
}

// MempoolSettings bounds transaction pulls feeding new batches.
type MempoolSettings struct {
	PullMaxCount int      `yaml:"pull_max_count"`
	PullInterval Duration `yaml:"pull_interval"`
}

// LoggingSettings matches the teacher's minimal logging knobs; quorum
// store components all log via the stdlib log package (see DESIGN.md:
// no component in the teacher's own application code imports a
// structured logging library directly).
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// MetricsSettings bounds the Prometheus exporter.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads and parses a YAML config file, substituting ${VAR_NAME}
// environment references, and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Aggregator.MaxBatchBytes == 0 {
		c.Aggregator.MaxBatchBytes = 4 * 1024 * 1024
	}
	if c.Aggregator.EndBatchInterval == 0 {
		c.Aggregator.EndBatchInterval = Duration(250 * time.Millisecond)
	}
	if c.Aggregator.MaxBatchExpiryRoundGap == 0 {
		c.Aggregator.MaxBatchExpiryRoundGap = 20
	}
	if c.Store.ChannelSize == 0 {
		c.Store.ChannelSize = 1024
	}
	if c.Store.MemoryQuotaBytes == 0 {
		c.Store.MemoryQuotaBytes = 256 * 1024 * 1024
	}
	if c.Store.DBQuotaBytes == 0 {
		c.Store.DBQuotaBytes = 4 * 1024 * 1024 * 1024
	}
	if c.Store.BatchExpiryGraceRounds == 0 {
		c.Store.BatchExpiryGraceRounds = 10
	}
	if c.Store.BatchRequestNumPeers == 0 {
		c.Store.BatchRequestNumPeers = 3
	}
	if c.Store.BatchRequestTimeout == 0 {
		c.Store.BatchRequestTimeout = Duration(2 * time.Second)
	}
	if c.Store.MaxFetchRounds == 0 {
		c.Store.MaxFetchRounds = 3
	}
	if c.Proof.ChannelSize == 0 {
		c.Proof.ChannelSize = 1024
	}
	if c.Proof.ProofTimeout == 0 {
		c.Proof.ProofTimeout = Duration(2 * time.Second)
	}
	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	}
	if c.Network.TopicName == "" {
		c.Network.TopicName = "quorumstore-fragments"
	}
	if c.Mempool.PullMaxCount == 0 {
		c.Mempool.PullMaxCount = 500
	}
	if c.Mempool.PullInterval == 0 {
		c.Mempool.PullInterval = Duration(100 * time.Millisecond)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks required fields are populated.
func (c *Config) Validate() error {
	var errs []string
	if c.Node.ValidatorID == "" {
		errs = append(errs, "node.validator_id is required")
	}
	if c.Node.BLSKeyPath == "" {
		errs = append(errs, "node.bls_key_path is required")
	}
	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("quorum store configuration validation failed: %v", errs)
	}
	return nil
}
