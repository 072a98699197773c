// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package contractcache memoizes "has code at address?" probes against the
// node. The watched-address set is operator-declared and bounded, so
// the cache defaults to unbounded; an LRU bound is available for operators
// who extend watching to a large or dynamic address set.
package contractcache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/common"
)

// CodeProber fetches the bytecode at addr as of the latest block. Returning
// a nil/empty slice indicates an EOA.
type CodeProber interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// Cache is a process-wide address -> is_contract memo. Reads and writes are
// safe for concurrent use; the watcher loop is the sole writer in normal
// operation, but query-serving goroutines may read concurrently.
type Cache struct {
	mu     sync.RWMutex
	plain  map[common.Address]bool
	lru    *lru.Cache
	prober CodeProber
}

// New returns a cache bounded to an LRU of size entries when size > 0.
// size <= 0 disables the LRU bound and uses an unbounded plain map instead.
func New(prober CodeProber, size int) *Cache {
	c := &Cache{prober: prober}
	if size > 0 {
		l, err := lru.New(size)
		if err == nil {
			c.lru = l
			return c
		}
	}
	c.plain = make(map[common.Address]bool)
	return c
}

func (c *Cache) lookup(addr common.Address) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lru != nil {
		v, ok := c.lru.Get(addr)
		if !ok {
			return false, false
		}
		return v.(bool), true
	}
	v, ok := c.plain[addr]
	return v, ok
}

func (c *Cache) store(addr common.Address, isContract bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru != nil {
		c.lru.Add(addr, isContract)
		return
	}
	c.plain[addr] = isContract
}

// IsContract answers "does addr have code?", probing the node on a cache
// miss and remembering the result. A probed address is a settled fact for
// the lifetime of the cache: contract addresses never revert to EOA and
// vice versa in this engine's observation window.
func (c *Cache) IsContract(ctx context.Context, addr common.Address) (bool, error) {
	if v, ok := c.lookup(addr); ok {
		return v, nil
	}
	code, err := c.prober.CodeAt(ctx, addr)
	if err != nil {
		return false, err
	}
	isContract := len(code) > 0
	c.store(addr, isContract)
	return isContract, nil
}
