// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package watcher implements the Initialize/Tail state machine that ties
// the store, apply logic, trace parser and ERC20 tracker together.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/coldtrail/coldtrail/internal/apply"
	"github.com/coldtrail/coldtrail/internal/contractcache"
	"github.com/coldtrail/coldtrail/internal/erc20tracker"
	"github.com/coldtrail/coldtrail/internal/store"
	"github.com/coldtrail/coldtrail/internal/tracewalk"
)

// State is the watcher's lifecycle stage.
type State int

const (
	Uninitialized State = iota
	Initializing
	Tailing
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Tailing:
		return "tailing"
	default:
		return "unknown"
	}
}

// DefaultPollInterval is the tail-loop sleep when no new block has
// landed.
const DefaultPollInterval = 12 * time.Second

// Node is the upstream JSON-RPC surface the watcher needs. A concrete
// implementation lives in package rpcclient; tests supply a fake.
type Node interface {
	LatestBlock(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TraceTransaction(ctx context.Context, hash common.Hash) (*tracewalk.CallFrame, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	BalanceAt(ctx context.Context, addr common.Address, block uint64) (*uint256.Int, error)
	NonceAt(ctx context.Context, addr common.Address, block uint64) (uint64, error)
	Erc20BalanceOf(ctx context.Context, token, owner common.Address, block uint64) (*uint256.Int, error)
}

// Config bundles the watcher's tunables.
type Config struct {
	PollInterval time.Duration
	RPCTimeout   time.Duration
}

// Watcher drives the state machine: one goroutine, sequential block
// processing, no reordering of transactions within a block.
type Watcher struct {
	node  Node
	store *store.Store
	cache *contractcache.Cache
	cfg   Config

	mu      sync.RWMutex
	state   State
	addrs   map[common.Address]struct{}
	tokens  map[common.Address]map[common.Address]struct{} // token -> owners
}

// New constructs a Watcher. cacheSize <= 0 gives an unbounded contract cache.
func New(node Node, s *store.Store, cacheSize int, cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	w := &Watcher{
		node:   node,
		store:  s,
		cfg:    cfg,
		state:  Uninitialized,
		addrs:  make(map[common.Address]struct{}),
		tokens: make(map[common.Address]map[common.Address]struct{}),
	}
	w.cache = contractcache.New(node, cacheSize)
	return w
}

func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Watcher) isWatchedAddress(addr common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.addrs[addr]
	return ok
}

func (w *Watcher) isWatchedToken(token common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tokens[token]
	return ok
}

func (w *Watcher) isWatchedOwner(token, owner common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	owners, ok := w.tokens[token]
	if !ok {
		return false
	}
	_, ok = owners[owner]
	return ok
}

// AddAddress registers a new watched address at runtime (e.g. on a
// watchlist-file reload). Its history starts at the current head: an
// address added mid-run has no authoritative data before the block it was
// added at.
func (w *Watcher) AddAddress(ctx context.Context, addr common.Address) error {
	w.mu.Lock()
	if _, ok := w.addrs[addr]; ok {
		w.mu.Unlock()
		return nil
	}
	w.addrs[addr] = struct{}{}
	w.mu.Unlock()

	head, ok, err := w.store.GetHead()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("watcher: cannot add address before initialization")
	}
	bal, err := w.node.BalanceAt(ctx, addr, head)
	if err != nil {
		return fmt.Errorf("watcher: add address %s: %w", addr, err)
	}
	nonce, err := w.node.NonceAt(ctx, addr, head)
	if err != nil {
		return fmt.Errorf("watcher: add address %s: %w", addr, err)
	}
	return w.store.WriteBlockBatch(store.BlockBatch{
		Block:             head,
		AddressSnapshots:  map[common.Address]*uint256.Int{addr: bal},
		AddressAccounts:   map[common.Address]store.AccountRecord{addr: {Nonce: nonce, Balance: bal}},
		NewAddressWatches: map[common.Address]uint64{addr: head},
		NewHead:           head,
	})
}

// AddToken registers a new watched (token, owner) pair at runtime,
// symmetric to AddAddress.
func (w *Watcher) AddToken(ctx context.Context, token, owner common.Address) error {
	w.mu.Lock()
	owners, ok := w.tokens[token]
	if !ok {
		owners = make(map[common.Address]struct{})
		w.tokens[token] = owners
	}
	if _, ok := owners[owner]; ok {
		w.mu.Unlock()
		return nil
	}
	owners[owner] = struct{}{}
	w.mu.Unlock()

	head, ok, err := w.store.GetHead()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("watcher: cannot add token watch before initialization")
	}
	bal, err := w.node.Erc20BalanceOf(ctx, token, owner, head)
	if err != nil {
		return fmt.Errorf("watcher: add token watch %s/%s: %w", token, owner, err)
	}
	k := store.Erc20Key{Token: token, Owner: owner}
	return w.store.WriteBlockBatch(store.BlockBatch{
		Block:                head,
		TokenSnapshots:       map[store.Erc20Key]*uint256.Int{k: bal},
		TokenCurrentBalances: map[store.Erc20Key]*uint256.Int{k: bal},
		NewTokenWatches:      map[store.Erc20Key]uint64{k: head},
		NewHead:              head,
	})
}

// Initialize performs the one-shot startup sequence: reads the
// current head from the node, snapshots every watched address and
// (token,owner) at that block, and commits it all atomically with
// head = B0.
func (w *Watcher) Initialize(ctx context.Context, addrs []common.Address, tokenOwners []store.Erc20Key) error {
	w.setState(Initializing)

	w.mu.Lock()
	for _, a := range addrs {
		w.addrs[a] = struct{}{}
	}
	for _, t := range tokenOwners {
		owners, ok := w.tokens[t.Token]
		if !ok {
			owners = make(map[common.Address]struct{})
			w.tokens[t.Token] = owners
		}
		owners[t.Owner] = struct{}{}
	}
	w.mu.Unlock()

	b0, err := w.node.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("watcher: initialize: %w", err)
	}

	addrInits := make([]store.AddressInit, 0, len(addrs))
	for _, a := range addrs {
		bal, err := w.node.BalanceAt(ctx, a, b0)
		if err != nil {
			return fmt.Errorf("watcher: initialize balance(%s): %w", a, err)
		}
		nonce, err := w.node.NonceAt(ctx, a, b0)
		if err != nil {
			return fmt.Errorf("watcher: initialize nonce(%s): %w", a, err)
		}
		addrInits = append(addrInits, store.AddressInit{
			Addr:    a,
			Account: store.AccountRecord{Nonce: nonce, Balance: bal},
		})
	}

	tokenInits := make([]store.TokenInit, 0, len(tokenOwners))
	for _, t := range tokenOwners {
		bal, err := w.node.Erc20BalanceOf(ctx, t.Token, t.Owner, b0)
		if err != nil {
			return fmt.Errorf("watcher: initialize balanceOf(%s,%s): %w", t.Token, t.Owner, err)
		}
		tokenInits = append(tokenInits, store.TokenInit{Key: t, Balance: bal})
	}

	if err := w.store.Initialize(b0, addrInits, tokenInits); err != nil {
		return fmt.Errorf("watcher: initialize commit: %w", err)
	}
	w.setState(Tailing)
	log.Info("watcher: initialized", "head", b0, "addresses", len(addrs), "tokens", len(tokenOwners))
	return nil
}

// Run repeats the tail loop until ctx is cancelled. Initialize must
// have already been called.
func (w *Watcher) Run(ctx context.Context) error {
	if w.State() != Tailing {
		return fmt.Errorf("watcher: Run called before Initialize")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.tailOnce(ctx); err != nil {
			log.Error("watcher: tail iteration failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) tailOnce(ctx context.Context) error {
	head, ok, err := w.store.GetHead()
	if err != nil {
		return fmt.Errorf("watcher: read head: %w", err)
	}
	if !ok {
		return fmt.Errorf("watcher: no head; Initialize was not run")
	}

	latest, err := w.node.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("watcher: latest block: %w", err)
	}
	if latest <= head {
		return nil
	}

	for b := head + 1; b <= latest; b++ {
		if err := w.processBlock(ctx, b); err != nil {
			// Abandon this block, retry on next poll. No partial
			// state from the in-flight block was persisted.
			return fmt.Errorf("watcher: block %d: %w", b, err)
		}
	}
	return nil
}

func (w *Watcher) processBlock(ctx context.Context, block uint64) error {
	blk, err := w.node.BlockByNumber(ctx, block)
	if err != nil {
		return err
	}

	var baseFee *uint256.Int
	if bf := blk.BaseFee(); bf != nil {
		v, overflow := uint256.FromBig(bf)
		if !overflow {
			baseFee = v
		}
	}

	receipts, err := w.fetchReceipts(ctx, blk.Transactions())
	if err != nil {
		return err
	}

	acc := apply.New()
	for i, tx := range blk.Transactions() {
		r := receipts[i]

		status := apply.StatusFailed
		if r.Status == types.ReceiptStatusSuccessful {
			status = apply.StatusSuccess
		}

		var effGasPrice *uint256.Int
		if r.EffectiveGasPrice != nil {
			v, overflow := uint256.FromBig(r.EffectiveGasPrice)
			if !overflow {
				effGasPrice = v
			}
		}

		var value *uint256.Int
		if v := tx.Value(); v != nil {
			cv, overflow := uint256.FromBig(v)
			if !overflow {
				value = cv
			}
		}
		var gasPrice, maxFee, maxTip *uint256.Int
		if gp := tx.GasPrice(); gp != nil {
			if v, overflow := uint256.FromBig(gp); !overflow {
				gasPrice = v
			}
		}
		if tx.Type() == types.DynamicFeeTxType {
			if v, overflow := uint256.FromBig(tx.GasFeeCap()); !overflow {
				maxFee = v
			}
			if v, overflow := uint256.FromBig(tx.GasTipCap()); !overflow {
				maxTip = v
			}
		}

		logs := make([]erc20tracker.Log, 0, len(r.Logs))
		for _, l := range r.Logs {
			topics := make([]common.Hash, len(l.Topics))
			copy(topics, l.Topics)
			logs = append(logs, erc20tracker.Log{Address: l.Address, Topics: topics, Data: l.Data})
		}

		applyTx := apply.Tx{
			From:                 senderOrZero(tx),
			To:                   tx.To(),
			Value:                value,
			Input:                tx.Data(),
			GasPrice:             gasPrice,
			MaxFeePerGas:         maxFee,
			MaxPriorityFeePerGas: maxTip,
		}
		applyReceipt := apply.Receipt{Status: status, GasUsed: r.GasUsed, EffectiveGasPrice: effGasPrice, Logs: logs}

		if err := acc.Tx(applyTx, applyReceipt, baseFee, w.isWatchedAddress, w.cachedIsContract(ctx)); err != nil {
			var probeErr *apply.ProbeError
			if errors.As(err, &probeErr) {
				log.Error("watcher: contract probe failed, aborting block", "tx", tx.Hash(), "addr", probeErr.Addr, "err", probeErr.Err)
				return fmt.Errorf("watcher: tx %s: %w", tx.Hash(), err)
			}
			log.Debug("watcher: fee computation degraded", "tx", tx.Hash(), "err", err)
		}

		if status == apply.StatusSuccess {
			frame, err := w.node.TraceTransaction(ctx, tx.Hash())
			if err != nil {
				log.Debug("watcher: trace unavailable, no internal credits", "tx", tx.Hash(), "err", err)
			} else {
				for _, credit := range tracewalk.Walk(frame, w.isWatchedAddress) {
					acc.AddInternalCredit(credit.To, credit.Value)
				}
			}
			acc.Erc20Logs(logs, w.isWatchedToken, w.isWatchedOwner)
		}
	}

	return w.commitBlock(ctx, block, blk, acc)
}

// receiptFetchConcurrency bounds how many in-flight eth_getTransactionReceipt
// calls a single block's processing may issue at once. Results are collected
// into a slice indexed by transaction position, so the accumulator still
// applies them in strict transaction order regardless of fetch completion
// order -- only the I/O is concurrent, not the accounting.
const receiptFetchConcurrency = 8

func (w *Watcher) fetchReceipts(ctx context.Context, txs types.Transactions) ([]*types.Receipt, error) {
	receipts := make([]*types.Receipt, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(receiptFetchConcurrency)
	for i, tx := range txs {
		i, tx := i, tx
		g.Go(func() error {
			r, err := w.node.TransactionReceipt(gctx, tx.Hash())
			if err != nil {
				return fmt.Errorf("fetch receipt %s: %w", tx.Hash(), err)
			}
			receipts[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func (w *Watcher) cachedIsContract(ctx context.Context) apply.IsContract {
	return func(addr common.Address) (bool, error) {
		return w.cache.IsContract(ctx, addr)
	}
}

func senderOrZero(tx *types.Transaction) common.Address {
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil {
		return common.Address{}
	}
	return from
}

func (w *Watcher) commitBlock(ctx context.Context, block uint64, blk *types.Block, acc *apply.Accumulator) error {
	batch := store.BlockBatch{
		Block: block,
		Header: &store.Header{
			Number:     block,
			Hash:       blk.Hash(),
			ParentHash: blk.ParentHash(),
			Time:       blk.Time(),
		},
		NewHead:              block,
		AddressDeltas:        make([]store.AddressDelta, 0, len(acc.Addresses)),
		AddressSnapshots:     make(map[common.Address]*uint256.Int, len(acc.Addresses)),
		AddressAccounts:      make(map[common.Address]store.AccountRecord, len(acc.Addresses)),
		TokenDeltas:          make([]store.TokenDelta, 0, len(acc.Tokens)),
		TokenSnapshots:       make(map[store.Erc20Key]*uint256.Int, len(acc.Tokens)),
		TokenCurrentBalances: make(map[store.Erc20Key]*uint256.Int, len(acc.Tokens)),
	}
	if bf := blk.BaseFee(); bf != nil {
		if v, overflow := uint256.FromBig(bf); !overflow {
			batch.Header.BaseFee = v
		}
	}
	hash := blk.Hash()
	batch.BlockHash = &hash

	for addr, delta := range acc.Addresses {
		batch.AddressDeltas = append(batch.AddressDeltas, store.AddressDelta{Addr: addr, Delta: delta})

		prevBal, err := w.currentBalance(addr)
		if err != nil {
			return err
		}
		newBal := new(uint256.Int).Add(prevBal, delta.DeltaPlus)
		newBal = new(uint256.Int).Sub(newBal, delta.DeltaMinus)
		batch.AddressSnapshots[addr] = newBal

		prevAcc, _, err := w.store.GetAccount(addr)
		if err != nil {
			return err
		}
		batch.AddressAccounts[addr] = store.AccountRecord{
			Nonce:    prevAcc.Nonce + uint64(delta.NonceDelta),
			Balance:  newBal,
			CodeHash: prevAcc.CodeHash,
		}
	}

	for k, delta := range acc.Tokens {
		batch.TokenDeltas = append(batch.TokenDeltas, store.TokenDelta{Key: k, Delta: delta})
		prevBal, ok, err := w.store.GetTokenBalance(k)
		if err != nil {
			return err
		}
		if !ok {
			prevBal = new(uint256.Int)
		}
		newBal := new(uint256.Int).Add(prevBal, delta.DeltaPlus)
		newBal = new(uint256.Int).Sub(newBal, delta.DeltaMinus)
		batch.TokenSnapshots[k] = newBal
		batch.TokenCurrentBalances[k] = newBal
	}

	return w.store.WriteBlockBatch(batch)
}

func (w *Watcher) currentBalance(addr common.Address) (*uint256.Int, error) {
	rec, ok, err := w.store.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Balance == nil {
		return new(uint256.Int), nil
	}
	return rec.Balance, nil
}
