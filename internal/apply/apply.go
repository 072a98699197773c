// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package apply converts one transaction, its receipt, and (optionally) its
// call trace into per-address balance/nonce deltas, and ERC20 Transfer logs
// into per-(token,owner) deltas, accumulating both into a per-block
// Accumulator.
package apply

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/coldtrail/coldtrail/internal/erc20tracker"
	"github.com/coldtrail/coldtrail/internal/feecalc"
	"github.com/coldtrail/coldtrail/internal/store"
)

// Status mirrors the receipt's execution outcome.
type Status uint8

const (
	StatusFailed  Status = 0
	StatusSuccess Status = 1
)

// Tx is the subset of transaction fields apply logic needs.
type Tx struct {
	From                 common.Address
	To                   *common.Address // nil for contract creation
	Value                *uint256.Int
	Input                []byte
	GasPrice             *uint256.Int
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
}

// Receipt is the subset of receipt fields apply logic needs.
type Receipt struct {
	Status            Status
	GasUsed           uint64
	EffectiveGasPrice *uint256.Int
	Logs              []erc20tracker.Log
}

// Accumulator is the in-memory per-block buffer the watcher owns exclusively
// while processing a block. It merges by address and by
// (token, owner).
type Accumulator struct {
	Addresses map[common.Address]store.BlockDelta
	Tokens    map[store.Erc20Key]store.Erc20Delta
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{
		Addresses: make(map[common.Address]store.BlockDelta),
		Tokens:    make(map[store.Erc20Key]store.Erc20Delta),
	}
}

// Empty reports whether anything has been accumulated.
func (a *Accumulator) Empty() bool {
	return len(a.Addresses) == 0 && len(a.Tokens) == 0
}

func (a *Accumulator) addressDelta(addr common.Address) store.BlockDelta {
	d, ok := a.Addresses[addr]
	if !ok {
		d = store.BlockDelta{DeltaPlus: new(uint256.Int), DeltaMinus: new(uint256.Int), FeePaid: new(uint256.Int)}
	}
	return d
}

func (a *Accumulator) creditAddress(addr common.Address, value *uint256.Int) {
	d := a.addressDelta(addr)
	d.DeltaPlus = new(uint256.Int).Add(d.DeltaPlus, value)
	a.Addresses[addr] = d
}

// AddInternalCredit folds one internal-transfer credit into the
// accumulator. It does not bump tx_count: TxCount is counted only by Tx's
// sender and top-level receiver accounting, so an address credited solely
// through a sub-call gets no TxCount for that transaction.
func (a *Accumulator) AddInternalCredit(addr common.Address, value *uint256.Int) {
	a.creditAddress(addr, value)
}

// IsContract is the contract-cache probe the "is to an EOA" check in
// step 3 needs.
type IsContract func(addr common.Address) (bool, error)

// ProbeError indicates the contract/EOA probe backing receiver accounting
// failed. Unlike a FeeOverflow, this is not safe to paper over: skipping
// the receiver credit would leave on-disk state missing a real balance
// change with no way to recover it later, so the caller must abandon the
// block and retry rather than treat the transaction as fully applied.
type ProbeError struct {
	Addr common.Address
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("apply: contract probe for %s failed: %v", e.Addr, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// IsWatchedAddress reports whether addr is in the watched set.
type IsWatchedAddress func(addr common.Address) bool

// IsWatchedToken/IsWatchedOwner are the ERC20 watch-set predicates 
// needs; see erc20tracker for their exact shape.
type IsWatchedToken = erc20tracker.WatchedToken
type IsWatchedOwner = erc20tracker.WatchedOwner

// Tx applies sender and receiver accounting for a single transaction:
// receiver accounting, and fee computation. Internal credits (step 4) are
// the caller's responsibility once it has walked the call trace (package
// tracewalk), via AddInternalCredit. ERC20 log parsing is likewise
// the caller's responsibility via Erc20Logs, once receipts for the whole
// block have been collected.
func (a *Accumulator) Tx(tx Tx, r Receipt, baseFee *uint256.Int, watched IsWatchedAddress, isContract IsContract) error {
	fee, err := feecalc.Fee(
		feecalc.Tx{GasPrice: tx.GasPrice, MaxFeePerGas: tx.MaxFeePerGas, MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas},
		feecalc.Receipt{GasUsed: r.GasUsed, EffectiveGasPrice: r.EffectiveGasPrice},
		baseFee,
	)
	if err != nil {
		// FeeOverflow: fee already capped at u256 max by feecalc; the block
		// continues.
	}

	if watched(tx.From) {
		d := a.addressDelta(tx.From)
		d.NonceDelta++
		d.TxCount++
		d.FeePaid = new(uint256.Int).Add(d.FeePaid, fee)
		// Combined so the net change (delta_plus - delta_minus) equals the
		// true balance change: fee is always charged, value only on success.
		d.DeltaMinus = new(uint256.Int).Add(d.DeltaMinus, fee)
		if r.Status == StatusSuccess && tx.Value != nil {
			d.DeltaMinus = new(uint256.Int).Add(d.DeltaMinus, tx.Value)
		}
		a.Addresses[tx.From] = d
	}

	if r.Status == StatusSuccess && tx.Value != nil && tx.Value.Sign() > 0 &&
		len(tx.Input) == 0 && tx.To != nil && watched(*tx.To) {
		eoa, probeErr := isContract(*tx.To)
		if probeErr != nil {
			err = errors.Join(err, &ProbeError{Addr: *tx.To, Err: probeErr})
		} else if !eoa {
			d := a.addressDelta(*tx.To)
			d.DeltaPlus = new(uint256.Int).Add(d.DeltaPlus, tx.Value)
			d.TxCount++
			a.Addresses[*tx.To] = d
		}
	}

	return err
}

func (a *Accumulator) tokenDelta(k store.Erc20Key) store.Erc20Delta {
	d, ok := a.Tokens[k]
	if !ok {
		d = store.Erc20Delta{DeltaPlus: new(uint256.Int), DeltaMinus: new(uint256.Int)}
	}
	return d
}

// Erc20Logs parses every log of a successful transaction's
// receipt, folding the resulting debit/credit Entry values into the
// accumulator.
func (a *Accumulator) Erc20Logs(logs []erc20tracker.Log, isWatchedToken IsWatchedToken, isWatchedOwner IsWatchedOwner) {
	for _, lg := range logs {
		entries := erc20tracker.Parse(lg, isWatchedToken, isWatchedOwner)
		for _, e := range entries {
			k := store.Erc20Key{Token: e.Token, Owner: e.Owner}
			d := a.tokenDelta(k)
			switch e.Side {
			case erc20tracker.Credit:
				d.DeltaPlus = new(uint256.Int).Add(d.DeltaPlus, e.Value)
			case erc20tracker.Debit:
				d.DeltaMinus = new(uint256.Int).Add(d.DeltaMinus, e.Value)
			}
			d.TxCount++
			a.Tokens[k] = d
		}
	}
}
