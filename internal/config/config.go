package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ShardRangeConfig is one entry of shard_ranges[]: the inclusive first-byte
// prefix bounds one locking shard owns.
type ShardRangeConfig struct {
	ID   string `mapstructure:"id"`
	Low  uint8  `mapstructure:"low"`
	High uint8  `mapstructure:"high"`
}

// Config is the full set of recognized daemon options, plus the
// process-level fields (node id, data dir, bind addresses) every cmd/*
// binary needs to construct its components.
type Config struct {
	NodeID  string `mapstructure:"node_id"`
	DataDir string `mapstructure:"data_dir"`

	RaftBindAddr string `mapstructure:"raft_bind_addr"`
	RPCBindAddr  string `mapstructure:"rpc_bind_addr"`
	Bootstrap    bool   `mapstructure:"bootstrap"`

	// Coordinator / dtx tunables.
	BatchSize            int      `mapstructure:"batch_size"`
	WindowSize           int      `mapstructure:"window_size"`
	AttestationThreshold int      `mapstructure:"attestation_threshold"`
	SentinelPublicKeys   []string `mapstructure:"sentinel_public_keys"`
	ShardRanges          []ShardRangeConfig `mapstructure:"shard_ranges"`
	ShardAddrs           map[string]string  `mapstructure:"shard_addrs"`

	// Locking shard tunables.
	CompletedTxsCacheSize int    `mapstructure:"completed_txs_cache_size"`
	SnapshotDir           string `mapstructure:"snapshot_dir"`

	// Replication-layer tunables, shared by coordstate and runtimeshard logs.
	ElectionTimeoutLower time.Duration `mapstructure:"election_timeout_lower"`
	ElectionTimeoutUpper time.Duration `mapstructure:"election_timeout_upper"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	RaftMaxBatch         int           `mapstructure:"raft_max_batch"`

	// Runtime locking shard tunables.
	StxoCacheDepth int `mapstructure:"stxo_cache_depth"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Default returns a Config populated with conservative defaults; Load
// overrides these from the config file.
func Default() Config {
	return Config{
		DataDir:               "./data",
		RaftBindAddr:          "127.0.0.1:7000",
		RPCBindAddr:           "127.0.0.1:7100",
		BatchSize:             256,
		WindowSize:            4096,
		AttestationThreshold:  1,
		CompletedTxsCacheSize: 100_000,
		ElectionTimeoutLower:  150 * time.Millisecond,
		ElectionTimeoutUpper:  300 * time.Millisecond,
		HeartbeatInterval:     100 * time.Millisecond,
		RaftMaxBatch:          64,
		StxoCacheDepth:        1000,
		MetricsAddr:           "127.0.0.1:9090",
	}
}

// Load reads path (a TOML file) via viper, overlays it onto Default, and
// returns the merged, typed Config.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
