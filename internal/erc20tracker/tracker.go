// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package erc20tracker parses ERC20 Transfer logs from transaction receipts
// into per-(token,owner,block) deltas.
package erc20tracker

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// TransferSig is keccak256("Transfer(address,address,uint256)").
var TransferSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Log is the subset of receipt log fields the tracker needs.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// WatchedToken reports whether token is one of the tokens being tracked,
// and whether owner is a tracked holder of it.
type WatchedToken func(token common.Address) bool
type WatchedOwner func(token, owner common.Address) bool

// Side identifies which half of a Transfer a Credit entry represents.
type Side int

const (
	Debit Side = iota
	Credit
)

// Entry is one per-(token,owner) effect produced by a single Transfer log.
type Entry struct {
	Token common.Address
	Owner common.Address
	Side  Side
	Value *uint256.Int
}

var zeroAddr common.Address

// Parse inspects one log and returns the Entry values it produces, or nil
// if the log is not a qualifying Transfer event for a watched token. Only
// logs from successful transactions should be passed in; the caller is
// responsible for that filter ( point 5 / reverted-tx logs are
// ignored).
func Parse(log Log, isWatchedToken WatchedToken, isWatchedOwner WatchedOwner) []Entry {
	if len(log.Topics) != 3 || log.Topics[0] != TransferSig {
		return nil
	}
	if !isWatchedToken(log.Address) {
		return nil
	}
	from := common.BytesToAddress(log.Topics[1][12:])
	to := common.BytesToAddress(log.Topics[2][12:])
	if len(log.Data) != 32 {
		return nil
	}
	value := new(uint256.Int).SetBytes(log.Data)

	var out []Entry
	if from != zeroAddr && isWatchedOwner(log.Address, from) {
		out = append(out, Entry{Token: log.Address, Owner: from, Side: Debit, Value: value})
	}
	if to != zeroAddr && isWatchedOwner(log.Address, to) {
		out = append(out, Entry{Token: log.Address, Owner: to, Side: Credit, Value: value})
	}
	return out
}
