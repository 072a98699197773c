// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command coldtrail runs the state-history watcher and serves range queries
// over its on-disk history.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coldtrail/coldtrail/internal/config"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := &cli.App{
		Name:  "coldtrail",
		Usage: "address/ERC20 balance and nonce history engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML/TOML config file"},
		},
		Before: func(c *cli.Context) error {
			return setupLogging(c)
		},
		Commands: []*cli.Command{
			runCommand(),
			balancesCommand(),
			deltasCommand(),
			erc20BalancesCommand(),
			erc20DeltasCommand(),
			headCommand(),
			accountCommand(),
			codeCommand(),
			storageCommand(),
			headerCommand(),
		},
	}

	if err := app.Run(args); err != nil {
		if _, ok := err.(usageError); ok {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 2
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// usageError marks an error as an operator mistake (bad args/flags) so the
// top-level handler maps it to exit code 2 rather than 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func newUsageError(format string, a ...interface{}) error {
	return usageError{err: fmt.Errorf(format, a...)}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	v := viper.New()
	fs := pflag.NewFlagSet("coldtrail", pflag.ContinueOnError)
	if err := config.BindFlags(fs, v); err != nil {
		return config.Config{}, err
	}
	return config.Load(v, c.String("config"))
}

func setupLogging(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil // deferred to each command's own loadConfig call
	}
	handler := log.StreamHandler(os.Stderr, log.TerminalFormat(false))
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{Filename: cfg.LogFile, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
		handler = log.StreamHandler(rotator, log.JSONFormat())
	}
	log.Root().SetHandler(handler)
	return nil
}
