// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// defaultCodeCacheBytes bounds the in-memory contract-bytecode cache.
// Bytecode is immutable once written (keyed by hash), making it a pure
// read-through cache with no invalidation to worry about.
const defaultCodeCacheBytes = 32 * 1024 * 1024

// BelowCoverageError is returned when a query's anchor snapshot would need
// to sit below WatchMeta.start_block -- the engine has no usable anchor for
// the requested range.
type BelowCoverageError struct {
	RequestedBlock uint64
	WatchStart     uint64
}

func (e *BelowCoverageError) Error() string {
	return fmt.Sprintf("store: no anchor snapshot at or below block %d within watch coverage starting at %d", e.RequestedBlock, e.WatchStart)
}

// EngineError wraps an underlying key-value engine failure.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }

// Store is the typed, pebble-backed key-value engine backing the
// history engine's . All mutation happens through atomic batches; reads
// are safe for concurrent use by multiple goroutines (e.g. a query caller
// racing the watcher loop), matching the multiple-readers/single-writer
// requirement.
type Store struct {
	db *pebble.DB
	// mu serializes the single writer (the watcher loop) against itself;
	// pebble already makes concurrent reads safe, this only serializes the
	// Initialize and WriteBlockBatch commits against each other.
	mu sync.Mutex
	// codeCache memoizes GetCode reads; bytecode keyed by hash never
	// changes, so there is nothing to invalidate.
	codeCache *fastcache.Cache
}

// Open opens (creating if absent) a Store backed by a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, &EngineError{Op: "open", Err: err}
	}
	return &Store{db: db, codeCache: fastcache.New(defaultCodeCacheBytes)}, nil
}

// OpenWithPebble wraps an already-open pebble database, primarily so tests
// can supply an in-memory vfs.
func OpenWithPebble(db *pebble.DB) *Store {
	return &Store{db: db, codeCache: fastcache.New(defaultCodeCacheBytes)}
}

// Close releases the underlying engine handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &EngineError{Op: "close", Err: err}
	}
	return nil
}

func (s *Store) getRaw(key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &EngineError{Op: "get", Err: err}
	}
	out := append([]byte(nil), v...)
	if cerr := closer.Close(); cerr != nil {
		return nil, false, &EngineError{Op: "get/close", Err: cerr}
	}
	return out, true, nil
}

// PutAccount writes the current AccountRecord for addr.
func (s *Store) PutAccount(addr common.Address, rec AccountRecord) error {
	if err := s.db.Set(AccountKey(addr), EncodeAccountRecord(rec), pebble.Sync); err != nil {
		return &EngineError{Op: "put account", Err: err}
	}
	return nil
}

// GetAccount reads the current AccountRecord for addr, or (zero, false, nil)
// if none has been written.
func (s *Store) GetAccount(addr common.Address) (AccountRecord, bool, error) {
	v, ok, err := s.getRaw(AccountKey(addr))
	if err != nil || !ok {
		return AccountRecord{}, false, err
	}
	rec, err := DecodeAccountRecord(v)
	return rec, err == nil, err
}

// PutCode writes contract bytecode keyed by its hash.
func (s *Store) PutCode(hash common.Hash, code []byte) error {
	if err := s.db.Set(CodeKey(hash), code, pebble.Sync); err != nil {
		return &EngineError{Op: "put code", Err: err}
	}
	s.codeCache.Set(hash.Bytes(), code)
	return nil
}

// GetCode reads contract bytecode by hash, serving from the in-memory
// bytecode cache when possible.
func (s *Store) GetCode(hash common.Hash) ([]byte, bool, error) {
	if v, ok := s.codeCache.HasGet(nil, hash.Bytes()); ok {
		return v, true, nil
	}
	v, ok, err := s.getRaw(CodeKey(hash))
	if err == nil && ok {
		s.codeCache.Set(hash.Bytes(), v)
	}
	return v, ok, err
}

// PutStorage writes a single storage slot value.
func (s *Store) PutStorage(addr common.Address, slot common.Hash, value *uint256.Int) error {
	if err := s.db.Set(StorageKey(addr, slot), EncodeU256(value), pebble.Sync); err != nil {
		return &EngineError{Op: "put storage", Err: err}
	}
	return nil
}

// GetStorage reads a storage slot value; a slot never written reads as zero
// (a missing storage slot reads as u256 zero).
func (s *Store) GetStorage(addr common.Address, slot common.Hash) (*uint256.Int, error) {
	v, ok, err := s.getRaw(StorageKey(addr, slot))
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return DecodeU256(v)
}

// PutHeader writes the header record for block.
func (s *Store) PutHeader(block uint64, h Header) error {
	if err := s.db.Set(HeaderKey(block), EncodeHeader(h), pebble.Sync); err != nil {
		return &EngineError{Op: "put header", Err: err}
	}
	return nil
}

// GetHeader reads the header record for block.
func (s *Store) GetHeader(block uint64) (Header, bool, error) {
	v, ok, err := s.getRaw(HeaderKey(block))
	if err != nil || !ok {
		return Header{}, false, err
	}
	h, err := DecodeHeader(v)
	return h, err == nil, err
}

// PutBlockHash writes the canonical hash for block.
func (s *Store) PutBlockHash(block uint64, hash common.Hash) error {
	if err := s.db.Set(BlockHashKey(block), hash[:], pebble.Sync); err != nil {
		return &EngineError{Op: "put block hash", Err: err}
	}
	return nil
}

// GetBlockHash reads the canonical hash for block.
func (s *Store) GetBlockHash(block uint64) (common.Hash, bool, error) {
	v, ok, err := s.getRaw(BlockHashKey(block))
	if err != nil || !ok {
		return common.Hash{}, false, err
	}
	var h common.Hash
	copy(h[:], v)
	return h, true, nil
}

// SetHead sets the head-block meta scalar directly. Outside of
// WriteBlockBatch/Initialize this is only used by tests and repair tooling;
// normal operation always advances head as part of an atomic batch.
func (s *Store) SetHead(block uint64) error {
	buf := make([]byte, 8)
	putBlock(buf, block)
	if err := s.db.Set(MetaKey(MetaHead), buf, pebble.Sync); err != nil {
		return &EngineError{Op: "set head", Err: err}
	}
	return nil
}

// GetHead returns the current head block, or (0, false, nil) if no block has
// ever been committed.
func (s *Store) GetHead() (uint64, bool, error) {
	v, ok, err := s.getRaw(MetaKey(MetaHead))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, &MalformedValue{Kind: "head", Got: len(v), Want: 8}
	}
	return getBlock(v), true, nil
}

func (s *Store) getWatchMeta(addr common.Address) (WatchMeta, bool, error) {
	v, ok, err := s.getRaw(WatchMetaKey(addr))
	if err != nil || !ok {
		return WatchMeta{}, false, err
	}
	m, err := DecodeWatchMeta(v)
	return m, err == nil, err
}

// GetWatchMeta exposes the WatchMeta for addr, for callers (e.g. the CLI)
// that want coverage information without running a full range query.
func (s *Store) GetWatchMeta(addr common.Address) (WatchMeta, bool, error) {
	return s.getWatchMeta(addr)
}

func (s *Store) getTokenWatchMeta(k Erc20Key) (TokenWatchMeta, bool, error) {
	v, ok, err := s.getRaw(TokenWatchMetaKey(k))
	if err != nil || !ok {
		return TokenWatchMeta{}, false, err
	}
	m, err := DecodeTokenWatchMeta(v)
	return m, err == nil, err
}

// GetTokenWatchMeta exposes the TokenWatchMeta for (token, owner).
func (s *Store) GetTokenWatchMeta(k Erc20Key) (TokenWatchMeta, bool, error) {
	return s.getTokenWatchMeta(k)
}

// GetTokenBalance reads the O(1) "current balance" maintained alongside
// TokenWatchMeta, for callers that only need the latest value.
func (s *Store) GetTokenBalance(k Erc20Key) (*uint256.Int, bool, error) {
	v, ok, err := s.getRaw(TokenBalanceKey(k))
	if err != nil || !ok {
		return nil, false, err
	}
	bal, err := DecodeU256(v)
	return bal, err == nil, err
}

// AddressInit bundles the per-address data the Initialize step writes: the
// account's state at the initialization block and its starting watched
// balance.
type AddressInit struct {
	Addr    common.Address
	Account AccountRecord
}

// TokenInit bundles the per-(token,owner) data the Initialize step writes.
type TokenInit struct {
	Key     Erc20Key
	Balance *uint256.Int
}

// Initialize performs the one-shot atomic commit for the watcher's
// Initialize phase: a snapshot, WatchMeta and AccountRecord for every
// watched address, a snapshot, TokenWatchMeta and current balance for every
// watched (token, owner), and the head, all in one batch.
func (s *Store) Initialize(startBlock uint64, addrs []AddressInit, tokens []TokenInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, a := range addrs {
		if err := batch.Set(AccountKey(a.Addr), EncodeAccountRecord(a.Account), nil); err != nil {
			return &EngineError{Op: "init account", Err: err}
		}
		if err := batch.Set(SnapshotKey(a.Addr, startBlock), EncodeU256(a.Account.Balance), nil); err != nil {
			return &EngineError{Op: "init snapshot", Err: err}
		}
		if err := batch.Set(WatchMetaKey(a.Addr), EncodeWatchMeta(WatchMeta{StartBlock: startBlock}), nil); err != nil {
			return &EngineError{Op: "init watch meta", Err: err}
		}
	}
	for _, t := range tokens {
		if err := batch.Set(Erc20SnapshotKey(t.Key, startBlock), EncodeU256(t.Balance), nil); err != nil {
			return &EngineError{Op: "init token snapshot", Err: err}
		}
		if err := batch.Set(TokenWatchMetaKey(t.Key), EncodeTokenWatchMeta(TokenWatchMeta{StartBlock: startBlock}), nil); err != nil {
			return &EngineError{Op: "init token watch meta", Err: err}
		}
		if err := batch.Set(TokenBalanceKey(t.Key), EncodeU256(t.Balance), nil); err != nil {
			return &EngineError{Op: "init token balance", Err: err}
		}
	}
	headBuf := make([]byte, 8)
	putBlock(headBuf, startBlock)
	if err := batch.Set(MetaKey(MetaHead), headBuf, nil); err != nil {
		return &EngineError{Op: "init head", Err: err}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return &EngineError{Op: "init commit", Err: err}
	}
	log.Info("store: initialized watch", "startBlock", startBlock, "addresses", len(addrs), "tokens", len(tokens))
	return nil
}

// AddressDelta pairs an address with the BlockDelta to persist for it.
type AddressDelta struct {
	Addr  common.Address
	Delta BlockDelta
}

// TokenDelta pairs a (token,owner) key with the Erc20Delta to persist for it.
type TokenDelta struct {
	Key   Erc20Key
	Delta Erc20Delta
}

// BlockBatch is everything a single block's processing produces, to be
// committed atomically by WriteBlockBatch.
type BlockBatch struct {
	Block uint64

	Header    *Header
	BlockHash *common.Hash

	AddressDeltas    []AddressDelta
	AddressSnapshots map[common.Address]*uint256.Int
	AddressAccounts  map[common.Address]AccountRecord
	// NewAddressWatches starts WatchMeta for an address discovered after the
	// initial Initialize phase (e.g. added to the watchlist at runtime).
	NewAddressWatches map[common.Address]uint64

	TokenDeltas           []TokenDelta
	TokenSnapshots        map[Erc20Key]*uint256.Int
	TokenCurrentBalances  map[Erc20Key]*uint256.Int
	NewTokenWatches       map[Erc20Key]uint64

	NewHead uint64
}

// WriteBlockBatch atomically commits every delta, snapshot, WatchMeta
// initialization and the new head produced while processing one block.
// Partial visibility is forbidden: either the whole batch lands, or none of
// it does (, ).
func (s *Store) WriteBlockBatch(b BlockBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if b.Header != nil {
		if err := batch.Set(HeaderKey(b.Block), EncodeHeader(*b.Header), nil); err != nil {
			return &EngineError{Op: "batch header", Err: err}
		}
	}
	if b.BlockHash != nil {
		if err := batch.Set(BlockHashKey(b.Block), b.BlockHash[:], nil); err != nil {
			return &EngineError{Op: "batch block hash", Err: err}
		}
	}

	for addr, startBlock := range b.NewAddressWatches {
		if err := batch.Set(WatchMetaKey(addr), EncodeWatchMeta(WatchMeta{StartBlock: startBlock}), nil); err != nil {
			return &EngineError{Op: "batch new watch", Err: err}
		}
	}
	for _, ad := range b.AddressDeltas {
		if err := batch.Set(DeltaKey(ad.Addr, b.Block), EncodeBlockDelta(ad.Delta), nil); err != nil {
			return &EngineError{Op: "batch delta", Err: err}
		}
	}
	for addr, bal := range b.AddressSnapshots {
		if err := batch.Set(SnapshotKey(addr, b.Block), EncodeU256(bal), nil); err != nil {
			return &EngineError{Op: "batch snapshot", Err: err}
		}
	}
	for addr, rec := range b.AddressAccounts {
		if err := batch.Set(AccountKey(addr), EncodeAccountRecord(rec), nil); err != nil {
			return &EngineError{Op: "batch account", Err: err}
		}
	}

	for k, startBlock := range b.NewTokenWatches {
		if err := batch.Set(TokenWatchMetaKey(k), EncodeTokenWatchMeta(TokenWatchMeta{StartBlock: startBlock}), nil); err != nil {
			return &EngineError{Op: "batch new token watch", Err: err}
		}
	}
	for _, td := range b.TokenDeltas {
		if err := batch.Set(Erc20DeltaKey(td.Key, b.Block), EncodeErc20Delta(td.Delta), nil); err != nil {
			return &EngineError{Op: "batch token delta", Err: err}
		}
	}
	for k, bal := range b.TokenSnapshots {
		if err := batch.Set(Erc20SnapshotKey(k, b.Block), EncodeU256(bal), nil); err != nil {
			return &EngineError{Op: "batch token snapshot", Err: err}
		}
	}
	for k, bal := range b.TokenCurrentBalances {
		if err := batch.Set(TokenBalanceKey(k), EncodeU256(bal), nil); err != nil {
			return &EngineError{Op: "batch token balance", Err: err}
		}
	}

	headBuf := make([]byte, 8)
	putBlock(headBuf, b.NewHead)
	if err := batch.Set(MetaKey(MetaHead), headBuf, nil); err != nil {
		return &EngineError{Op: "batch head", Err: err}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return &EngineError{Op: "batch commit", Err: err}
	}
	return nil
}

func (s *Store) iterateRange(lower, upperInclusive []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBoundExclusive(upperInclusive)})
	if err != nil {
		return &EngineError{Op: "iter", Err: err}
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return &EngineError{Op: "iter", Err: err}
	}
	return nil
}

func (s *Store) seekLastAtMost(lower, upperInclusive []byte) (key, value []byte, found bool, err error) {
	iter, itErr := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBoundExclusive(upperInclusive)})
	if itErr != nil {
		return nil, nil, false, &EngineError{Op: "seek", Err: itErr}
	}
	defer iter.Close()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, nil, false, &EngineError{Op: "seek", Err: err}
		}
		return nil, nil, false, nil
	}
	return append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...), true, nil
}

func clampMessage(reqLo, reqHi, effLo, effHi uint64) string {
	switch {
	case reqLo < effLo && reqHi > effHi:
		return fmt.Sprintf("clamped requested range [%d,%d] to coverage [%d,%d]", reqLo, reqHi, effLo, effHi)
	case reqLo < effLo:
		return fmt.Sprintf("clamped requested start %d up to watch start %d", reqLo, effLo)
	case reqHi > effHi:
		return fmt.Sprintf("clamped requested end %d down to head %d", reqHi, effHi)
	default:
		return ""
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
