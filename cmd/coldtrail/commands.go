// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/coldtrail/coldtrail/internal/rpcclient"
	"github.com/coldtrail/coldtrail/internal/store"
	"github.com/coldtrail/coldtrail/internal/watcher"
	"github.com/coldtrail/coldtrail/internal/watchlist"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "initialize (if needed) and tail the chain, persisting history",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			runID := uuid.NewString()
			log.Info("coldtrail: starting", "run_id", runID, "rpc", cfg.RPCEndpoint, "data_dir", cfg.DataDir)

			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			node, err := rpcclient.Dial(ctx, cfg.RPCEndpoint, cfg.FinalityTag)
			if err != nil {
				return err
			}
			defer node.Close()

			w := watcher.New(node, s, cfg.ContractCacheLRU, watcher.Config{
				PollInterval: cfg.PollInterval,
				RPCTimeout:   cfg.RPCTimeout,
			})

			addrs, err := watchlist.LoadAddresses(cfg.WatchlistFile)
			if err != nil {
				return err
			}
			tokens, err := watchlist.LoadTokenOwners(cfg.TokenlistFile)
			if err != nil {
				return err
			}

			if _, ok, err := s.GetHead(); err != nil {
				return err
			} else if !ok {
				if err := w.Initialize(ctx, addrs, tokens); err != nil {
					return err
				}
			} else {
				log.Info("coldtrail: resuming existing history", "run_id", runID)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			go func() {
				for s := range sig {
					if s == syscall.SIGHUP {
						reloadWatchlist(ctx, w, cfg.WatchlistFile, cfg.TokenlistFile)
						continue
					}
					cancel()
					return
				}
			}()

			if cfg.StatsInterval > 0 {
				go logStats(ctx, s, cfg.StatsInterval)
			}

			return w.Run(ctx)
		},
	}
}

func reloadWatchlist(ctx context.Context, w *watcher.Watcher, addrFile, tokenFile string) {
	addrs, err := watchlist.LoadAddresses(addrFile)
	if err != nil {
		log.Error("coldtrail: reload watchlist", "err", err)
		return
	}
	for _, a := range addrs {
		if err := w.AddAddress(ctx, a); err != nil {
			log.Error("coldtrail: add address on reload", "addr", a, "err", err)
		}
	}
	tokens, err := watchlist.LoadTokenOwners(tokenFile)
	if err != nil {
		log.Error("coldtrail: reload tokenlist", "err", err)
		return
	}
	for _, t := range tokens {
		if err := w.AddToken(ctx, t.Token, t.Owner); err != nil {
			log.Error("coldtrail: add token on reload", "token", t.Token, "owner", t.Owner, "err", err)
		}
	}
	log.Info("coldtrail: watchlist reloaded", "addresses", len(addrs), "tokens", len(tokens))
}

func logStats(ctx context.Context, s *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, _, err := s.GetHead()
			if err != nil {
				log.Error("coldtrail: stats", "err", err)
				continue
			}
			log.Info("coldtrail: stats", "head", head)
		}
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, newUsageError("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseBlock(s string) (uint64, error) {
	var b uint64
	if _, err := fmt.Sscanf(s, "%d", &b); err != nil {
		return 0, newUsageError("not a block number: %q", s)
	}
	return b, nil
}

func balancesCommand() *cli.Command {
	return &cli.Command{
		Name:      "balances",
		Usage:     "query a dense balance series for a watched address",
		ArgsUsage: "<addr> <lo> <hi>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 3 {
				return newUsageError("expected <addr> <lo> <hi>")
			}
			addr, err := parseAddress(c.Args().Get(0))
			if err != nil {
				return err
			}
			lo, err := parseBlock(c.Args().Get(1))
			if err != nil {
				return err
			}
			hi, err := parseBlock(c.Args().Get(2))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.GetBalancesInRange(addr, lo, hi)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func deltasCommand() *cli.Command {
	return &cli.Command{
		Name:      "deltas",
		Usage:     "query a delta series for a watched address",
		ArgsUsage: "<addr> <lo> <hi>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dense", Usage: "fill in zero-deltas for blocks with no change"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 3 {
				return newUsageError("expected <addr> <lo> <hi>")
			}
			addr, err := parseAddress(c.Args().Get(0))
			if err != nil {
				return err
			}
			lo, err := parseBlock(c.Args().Get(1))
			if err != nil {
				return err
			}
			hi, err := parseBlock(c.Args().Get(2))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			res, series, err := s.GetDeltasInRange(addr, lo, hi, c.Bool("dense"))
			if err != nil {
				return err
			}
			return printJSON(struct {
				*store.QueryResult
				Series []store.DeltaSeriesPoint `json:"series"`
			}{res, series})
		},
	}
}

func erc20BalancesCommand() *cli.Command {
	return &cli.Command{
		Name:      "erc20-balances",
		Usage:     "query a dense ERC20 balance series for a watched (token, owner)",
		ArgsUsage: "<token> <owner> <lo> <hi>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 4 {
				return newUsageError("expected <token> <owner> <lo> <hi>")
			}
			token, err := parseAddress(c.Args().Get(0))
			if err != nil {
				return err
			}
			owner, err := parseAddress(c.Args().Get(1))
			if err != nil {
				return err
			}
			lo, err := parseBlock(c.Args().Get(2))
			if err != nil {
				return err
			}
			hi, err := parseBlock(c.Args().Get(3))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.GetErc20BalancesInRange(store.Erc20Key{Token: token, Owner: owner}, lo, hi)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func erc20DeltasCommand() *cli.Command {
	return &cli.Command{
		Name:      "erc20-deltas",
		Usage:     "query an ERC20 delta series for a watched (token, owner)",
		ArgsUsage: "<token> <owner> <lo> <hi>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dense", Usage: "fill in zero-deltas for blocks with no change"},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 4 {
				return newUsageError("expected <token> <owner> <lo> <hi>")
			}
			token, err := parseAddress(c.Args().Get(0))
			if err != nil {
				return err
			}
			owner, err := parseAddress(c.Args().Get(1))
			if err != nil {
				return err
			}
			lo, err := parseBlock(c.Args().Get(2))
			if err != nil {
				return err
			}
			hi, err := parseBlock(c.Args().Get(3))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			res, series, err := s.GetErc20DeltasInRange(store.Erc20Key{Token: token, Owner: owner}, lo, hi, c.Bool("dense"))
			if err != nil {
				return err
			}
			return printJSON(struct {
				*store.QueryResult
				Series []store.Erc20DeltaSeriesPoint `json:"series"`
			}{res, series})
		},
	}
}

func headCommand() *cli.Command {
	return &cli.Command{
		Name:  "head",
		Usage: "print the current head block",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			head, ok, err := s.GetHead()
			if err != nil {
				return err
			}
			return printJSON(struct {
				Head        uint64 `json:"head"`
				Initialized bool   `json:"initialized"`
			}{head, ok})
		},
	}
}

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:      "account",
		Usage:     "print the current AccountRecord for an address",
		ArgsUsage: "<addr>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return newUsageError("expected <addr>")
			}
			addr, err := parseAddress(c.Args().Get(0))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			rec, ok, err := s.GetAccount(addr)
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(struct {
					Found bool `json:"found"`
				}{false})
			}
			return printJSON(struct {
				Found   bool          `json:"found"`
				Nonce   uint64        `json:"nonce"`
				Balance *uint256.Int  `json:"balance"`
			}{true, rec.Nonce, rec.Balance})
		},
	}
}

func codeCommand() *cli.Command {
	return &cli.Command{
		Name:      "code",
		Usage:     "print contract bytecode by hash",
		ArgsUsage: "<hash>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return newUsageError("expected <hash>")
			}
			hash := common.HexToHash(c.Args().Get(0))
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			code, ok, err := s.GetCode(hash)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Found bool   `json:"found"`
				Code  string `json:"code,omitempty"`
			}{ok, fmt.Sprintf("0x%x", code)})
		},
	}
}

func storageCommand() *cli.Command {
	return &cli.Command{
		Name:      "storage",
		Usage:     "print a storage slot value",
		ArgsUsage: "<addr> <slot>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return newUsageError("expected <addr> <slot>")
			}
			addr, err := parseAddress(c.Args().Get(0))
			if err != nil {
				return err
			}
			slot := common.HexToHash(c.Args().Get(1))
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			val, err := s.GetStorage(addr, slot)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Value *uint256.Int `json:"value"`
			}{val})
		},
	}
}

func headerCommand() *cli.Command {
	return &cli.Command{
		Name:      "header",
		Usage:     "print the stored header for a block",
		ArgsUsage: "<block>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return newUsageError("expected <block>")
			}
			block, err := parseBlock(c.Args().Get(0))
			if err != nil {
				return err
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer s.Close()
			h, ok, err := s.GetHeader(block)
			if err != nil {
				return err
			}
			if !ok {
				return printJSON(struct {
					Found bool `json:"found"`
				}{false})
			}
			return printJSON(struct {
				Found bool          `json:"found"`
				Header store.Header `json:"header"`
			}{true, h})
		},
	}
}
