// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadUsesDefaultsWithoutConfigFile(t *testing.T) {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	require.Equal(t, Defaults().RPCEndpoint, cfg.RPCEndpoint)
	require.Equal(t, 12*time.Second, cfg.PollInterval)
}

func TestLoadHonorsFlagOverride(t *testing.T) {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse([]string{"--rpc-endpoint=http://example.invalid:9545"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	require.Equal(t, "http://example.invalid:9545", cfg.RPCEndpoint)
}
