// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package watchlist loads the external watchlist/token-list files the core
// treats as a collaborator named only by contract: a
// newline-delimited list of hex addresses, and of token:owner pairs.
package watchlist

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coldtrail/coldtrail/internal/store"
)

// LoadAddresses reads a newline-delimited hex-address file. Blank lines and
// lines starting with '#' are ignored.
func LoadAddresses(path string) ([]common.Address, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("watchlist: open %s: %w", path, err)
	}
	defer f.Close()

	var out []common.Address
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !common.IsHexAddress(line) {
			return nil, fmt.Errorf("watchlist: %s: not a hex address: %q", path, line)
		}
		out = append(out, common.HexToAddress(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("watchlist: read %s: %w", path, err)
	}
	return out, nil
}

// LoadTokenOwners reads a newline-delimited "token:owner" file.
func LoadTokenOwners(path string) ([]store.Erc20Key, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("watchlist: open %s: %w", path, err)
	}
	defer f.Close()

	var out []store.Erc20Key
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("watchlist: %s: expected token:owner, got %q", path, line)
		}
		out = append(out, store.Erc20Key{
			Token: common.HexToAddress(parts[0]),
			Owner: common.HexToAddress(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("watchlist: read %s: %w", path, err)
	}
	return out, nil
}
