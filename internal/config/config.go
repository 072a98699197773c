// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads operator configuration from a file, environment
// variables, and flags, in that order of increasing precedence, via
// spf13/viper layered on a spf13/pflag flag set.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the watcher/store/CLI's full operator-facing configuration.
type Config struct {
	RPCEndpoint      string        `mapstructure:"rpc_endpoint"`
	RPCTimeout       time.Duration `mapstructure:"rpc_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FinalityTag      string        `mapstructure:"finality_tag"`
	DataDir          string        `mapstructure:"data_dir"`
	ContractCacheLRU int           `mapstructure:"contract_cache_lru"`
	WatchlistFile    string        `mapstructure:"watchlist_file"`
	TokenlistFile    string        `mapstructure:"tokenlist_file"`
	LogFile          string        `mapstructure:"log_file"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
}

// Defaults returns the configuration's baseline values, applied before any
// file/env/flag source is consulted.
func Defaults() Config {
	return Config{
		RPCEndpoint:      "http://127.0.0.1:8545",
		RPCTimeout:       30 * time.Second,
		PollInterval:     12 * time.Second,
		FinalityTag:      "latest",
		DataDir:          "./coldtrail-data",
		ContractCacheLRU: 0,
		StatsInterval:    0,
	}
}

// BindFlags registers the configuration's flags on fs and binds them into v,
// so that flags override environment variables, which override the config
// file, which overrides Defaults().
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := Defaults()
	fs.String("rpc-endpoint", d.RPCEndpoint, "JSON-RPC endpoint of the upstream node")
	fs.Duration("rpc-timeout", d.RPCTimeout, "RPC timeout (carried into the watcher config; RPC calls are not bounded by it)")
	fs.Duration("poll-interval", d.PollInterval, "tail-loop poll interval when no new block has landed")
	fs.String("finality-tag", d.FinalityTag, "block tag used for tailing (e.g. latest, safe, finalized)")
	fs.String("data-dir", d.DataDir, "pebble database directory")
	fs.Int("contract-cache-lru", d.ContractCacheLRU, "bound the contract cache to an LRU of this size (0 = unbounded)")
	fs.String("watchlist-file", "", "newline-delimited hex-address watchlist file")
	fs.String("tokenlist-file", "", "newline-delimited token:owner watchlist file")
	fs.String("log-file", "", "rotate logs to this file instead of stderr")
	fs.Duration("stats-interval", 0, "log the head block at this interval (0 disables)")

	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("config: bind flags: %w", err)
	}
	v.SetEnvPrefix("coldtrail")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads configFile (if non-empty) through v, then unmarshals the
// merged file/env/flag view into a Config seeded with Defaults().
func Load(v *viper.Viper, configFile string) (Config, error) {
	cfg := Defaults()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg.RPCEndpoint = v.GetString("rpc-endpoint")
	cfg.RPCTimeout = v.GetDuration("rpc-timeout")
	cfg.PollInterval = v.GetDuration("poll-interval")
	cfg.FinalityTag = v.GetString("finality-tag")
	cfg.DataDir = v.GetString("data-dir")
	cfg.ContractCacheLRU = v.GetInt("contract-cache-lru")
	cfg.WatchlistFile = v.GetString("watchlist-file")
	cfg.TokenlistFile = v.GetString("tokenlist-file")
	cfg.LogFile = v.GetString("log-file")
	cfg.StatsInterval = v.GetDuration("stats-interval")

	if cfg.RPCEndpoint == "" {
		return cfg, fmt.Errorf("config: rpc-endpoint must not be empty")
	}
	return cfg, nil
}
