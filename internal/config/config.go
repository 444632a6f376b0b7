// Package config holds process configuration for the node, loaded
// from environment variables with optional YAML overlay, generalizing
// the teacher's flat Config struct (pkg/config/config.go) from a
// bridge-validator's network endpoints to this node's chain
// parameters.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the chain node process.
type Config struct {
	// Storage
	DataDir string `yaml:"data_dir"`

	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Chain parameters
	EpochLength            uint64  `yaml:"epoch_length"`
	NumBlockProducerSeats  uint64  `yaml:"num_block_producer_seats"`
	NumShards              uint64  `yaml:"num_shards"`
	KickoutThresholdPct    uint64  `yaml:"kickout_threshold_pct"`
	MaxTxValidityPeriod    uint64  `yaml:"max_tx_validity_period"`
	GasLimit               uint64  `yaml:"gas_limit"`
	MaxBlockProductionWait time.Duration `yaml:"max_block_production_wait"`
	BlockProductionRetry   time.Duration `yaml:"block_production_retry"`

	// Validator identity
	ValidatorAccountID string `yaml:"validator_account_id"`
	ValidatorKeyPath   string `yaml:"validator_key_path"`

	// Archive (optional, see internal/archive)
	ArchiveDatabaseURL string `yaml:"archive_database_url"`
	ArchiveEnabled     bool   `yaml:"archive_enabled"`
}

// Default returns the baseline configuration before any environment
// or file overlay is applied.
func Default() *Config {
	return &Config{
		DataDir:                "./data",
		ListenAddr:             ":26700",
		MetricsAddr:            ":26701",
		EpochLength:            43200,
		NumBlockProducerSeats:  100,
		NumShards:              4,
		KickoutThresholdPct:    90,
		MaxTxValidityPeriod:    100,
		GasLimit:               1_000_000_000_000,
		MaxBlockProductionWait: 2 * time.Second,
		BlockProductionRetry:   100 * time.Millisecond,
	}
}

// LoadFromFile overlays YAML configuration from path onto cfg.
func LoadFromFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overlays environment variables onto cfg, following the
// teacher's os.Getenv + strconv pattern.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("SHARDNODE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SHARDNODE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SHARDNODE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("SHARDNODE_EPOCH_LENGTH"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SHARDNODE_EPOCH_LENGTH: %w", err)
		}
		cfg.EpochLength = n
	}
	if v := os.Getenv("SHARDNODE_GAS_LIMIT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SHARDNODE_GAS_LIMIT: %w", err)
		}
		cfg.GasLimit = n
	}
	if v := os.Getenv("SHARDNODE_VALIDATOR_ACCOUNT_ID"); v != "" {
		cfg.ValidatorAccountID = v
	}
	if v := os.Getenv("SHARDNODE_VALIDATOR_KEY_PATH"); v != "" {
		cfg.ValidatorKeyPath = v
	}
	if v := os.Getenv("SHARDNODE_ARCHIVE_DATABASE_URL"); v != "" {
		cfg.ArchiveDatabaseURL = v
		cfg.ArchiveEnabled = true
	}
	return nil
}
