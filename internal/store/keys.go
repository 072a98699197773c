// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store implements the on-disk schema and query algorithms for the
// address/ERC20 state history engine: key and record codecs, and the typed
// pebble-backed Store on top of them.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Single-byte entity prefixes. Every key begins with one of these so that
// different entity classes occupy disjoint lexicographic ranges, letting
// prefix/range scans work without column-family coordination.
const (
	prefixAccount        byte = 'A'
	prefixCode           byte = 'C'
	prefixStorage        byte = 'S'
	prefixHeader         byte = 'H'
	prefixBlockHash      byte = 'B'
	prefixMeta           byte = 'M'
	prefixDelta          byte = 'D'
	prefixSnapshot       byte = 'Z'
	prefixWatchMeta      byte = 'W'
	prefixErc20Delta     byte = 'T'
	prefixErc20Snapshot  byte = 'U'
	prefixTokenWatchMeta byte = 'X'
)

// tags distinguish the two record kinds segregated under prefixTokenWatchMeta.
const (
	tagTokenWatchMeta byte = 0x00
	tagTokenBalance   byte = 0x01
)

// MetaHead is the single-byte id of the head-block scalar under prefixMeta.
const MetaHead byte = 0x01

const (
	addrLen  = common.AddressLength // 20
	hashLen  = common.HashLength    // 32
	blockLen = 8
)

// MalformedKey indicates an on-disk key whose length does not match the
// layout declared for its prefix. Data-on-disk corruption; never recovered
// automatically.
type MalformedKey struct {
	Prefix byte
	Got    int
	Want   int
}

func (e *MalformedKey) Error() string {
	return fmt.Sprintf("store: malformed key for prefix %q: got %d bytes, want %d", e.Prefix, e.Got, e.Want)
}

func putBlock(dst []byte, block uint64) {
	binary.BigEndian.PutUint64(dst, block)
}

func getBlock(src []byte) uint64 {
	return binary.BigEndian.Uint64(src)
}

// AccountKey encodes the key for an AccountRecord: 'A' ‖ addr.
func AccountKey(addr common.Address) []byte {
	k := make([]byte, 1+addrLen)
	k[0] = prefixAccount
	copy(k[1:], addr[:])
	return k
}

// DecodeAccountKey recovers the address from an AccountKey.
func DecodeAccountKey(key []byte) (common.Address, error) {
	var addr common.Address
	if len(key) != 1+addrLen {
		return addr, &MalformedKey{Prefix: prefixAccount, Got: len(key), Want: 1 + addrLen}
	}
	copy(addr[:], key[1:])
	return addr, nil
}

// CodeKey encodes the key for contract bytecode: 'C' ‖ hash.
func CodeKey(hash common.Hash) []byte {
	k := make([]byte, 1+hashLen)
	k[0] = prefixCode
	copy(k[1:], hash[:])
	return k
}

// StorageKey encodes the key for a storage slot: 'S' ‖ addr ‖ slot.
func StorageKey(addr common.Address, slot common.Hash) []byte {
	k := make([]byte, 1+addrLen+hashLen)
	k[0] = prefixStorage
	copy(k[1:], addr[:])
	copy(k[1+addrLen:], slot[:])
	return k
}

// HeaderKey encodes the key for a header: 'H' ‖ block_be.
func HeaderKey(block uint64) []byte {
	k := make([]byte, 1+blockLen)
	k[0] = prefixHeader
	putBlock(k[1:], block)
	return k
}

// BlockHashKey encodes the key for a block hash: 'B' ‖ block_be.
func BlockHashKey(block uint64) []byte {
	k := make([]byte, 1+blockLen)
	k[0] = prefixBlockHash
	putBlock(k[1:], block)
	return k
}

// MetaKey encodes the key for a meta scalar: 'M' ‖ id.
func MetaKey(id byte) []byte {
	return []byte{prefixMeta, id}
}

// DeltaKey encodes the key for an ETH delta: 'D' ‖ addr ‖ block_be.
func DeltaKey(addr common.Address, block uint64) []byte {
	k := make([]byte, 1+addrLen+blockLen)
	k[0] = prefixDelta
	copy(k[1:], addr[:])
	putBlock(k[1+addrLen:], block)
	return k
}

// DecodeDeltaKey recovers the address and block from a DeltaKey.
func DecodeDeltaKey(key []byte) (common.Address, uint64, error) {
	var addr common.Address
	want := 1 + addrLen + blockLen
	if len(key) != want {
		return addr, 0, &MalformedKey{Prefix: prefixDelta, Got: len(key), Want: want}
	}
	copy(addr[:], key[1:1+addrLen])
	return addr, getBlock(key[1+addrLen:]), nil
}

// DeltaPrefix returns the shared prefix of every delta key for addr, used as
// the lower bound of a full-history scan.
func DeltaPrefix(addr common.Address) []byte {
	k := make([]byte, 1+addrLen)
	k[0] = prefixDelta
	copy(k[1:], addr[:])
	return k
}

// SnapshotKey encodes the key for an ETH snapshot: 'Z' ‖ addr ‖ block_be.
func SnapshotKey(addr common.Address, block uint64) []byte {
	k := make([]byte, 1+addrLen+blockLen)
	k[0] = prefixSnapshot
	copy(k[1:], addr[:])
	putBlock(k[1+addrLen:], block)
	return k
}

// DecodeSnapshotKey recovers the address and block from a SnapshotKey.
func DecodeSnapshotKey(key []byte) (common.Address, uint64, error) {
	var addr common.Address
	want := 1 + addrLen + blockLen
	if len(key) != want {
		return addr, 0, &MalformedKey{Prefix: prefixSnapshot, Got: len(key), Want: want}
	}
	copy(addr[:], key[1:1+addrLen])
	return addr, getBlock(key[1+addrLen:]), nil
}

// SnapshotPrefix returns the shared prefix of every ETH snapshot key for addr.
func SnapshotPrefix(addr common.Address) []byte {
	k := make([]byte, 1+addrLen)
	k[0] = prefixSnapshot
	copy(k[1:], addr[:])
	return k
}

// WatchMetaKey encodes the key for a WatchMeta: 'W' ‖ addr.
func WatchMetaKey(addr common.Address) []byte {
	k := make([]byte, 1+addrLen)
	k[0] = prefixWatchMeta
	copy(k[1:], addr[:])
	return k
}

// Erc20Key is the (token, owner) pair that prefixes every ERC20 composite key.
type Erc20Key struct {
	Token common.Address
	Owner common.Address
}

func putErc20(dst []byte, k Erc20Key) {
	copy(dst, k.Token[:])
	copy(dst[addrLen:], k.Owner[:])
}

// Erc20DeltaKey encodes: 'T' ‖ token ‖ owner ‖ block_be.
func Erc20DeltaKey(k Erc20Key, block uint64) []byte {
	buf := make([]byte, 1+2*addrLen+blockLen)
	buf[0] = prefixErc20Delta
	putErc20(buf[1:], k)
	putBlock(buf[1+2*addrLen:], block)
	return buf
}

// DecodeErc20DeltaKey recovers (token, owner, block) from an Erc20DeltaKey.
func DecodeErc20DeltaKey(key []byte) (Erc20Key, uint64, error) {
	var k Erc20Key
	want := 1 + 2*addrLen + blockLen
	if len(key) != want {
		return k, 0, &MalformedKey{Prefix: prefixErc20Delta, Got: len(key), Want: want}
	}
	copy(k.Token[:], key[1:1+addrLen])
	copy(k.Owner[:], key[1+addrLen:1+2*addrLen])
	return k, getBlock(key[1+2*addrLen:]), nil
}

// Erc20DeltaPrefix returns the shared prefix of every ERC20 delta key for k.
func Erc20DeltaPrefix(k Erc20Key) []byte {
	buf := make([]byte, 1+2*addrLen)
	buf[0] = prefixErc20Delta
	putErc20(buf[1:], k)
	return buf
}

// Erc20SnapshotKey encodes: 'U' ‖ token ‖ owner ‖ block_be.
func Erc20SnapshotKey(k Erc20Key, block uint64) []byte {
	buf := make([]byte, 1+2*addrLen+blockLen)
	buf[0] = prefixErc20Snapshot
	putErc20(buf[1:], k)
	putBlock(buf[1+2*addrLen:], block)
	return buf
}

// DecodeErc20SnapshotKey recovers (token, owner, block) from an Erc20SnapshotKey.
func DecodeErc20SnapshotKey(key []byte) (Erc20Key, uint64, error) {
	var k Erc20Key
	want := 1 + 2*addrLen + blockLen
	if len(key) != want {
		return k, 0, &MalformedKey{Prefix: prefixErc20Snapshot, Got: len(key), Want: want}
	}
	copy(k.Token[:], key[1:1+addrLen])
	copy(k.Owner[:], key[1+addrLen:1+2*addrLen])
	return k, getBlock(key[1+2*addrLen:]), nil
}

// Erc20SnapshotPrefix returns the shared prefix of every ERC20 snapshot key for k.
func Erc20SnapshotPrefix(k Erc20Key) []byte {
	buf := make([]byte, 1+2*addrLen)
	buf[0] = prefixErc20Snapshot
	putErc20(buf[1:], k)
	return buf
}

// TokenWatchMetaKey encodes: 'X' ‖ token ‖ owner ‖ tagTokenWatchMeta.
func TokenWatchMetaKey(k Erc20Key) []byte {
	buf := make([]byte, 1+2*addrLen+1)
	buf[0] = prefixTokenWatchMeta
	putErc20(buf[1:], k)
	buf[1+2*addrLen] = tagTokenWatchMeta
	return buf
}

// TokenBalanceKey encodes the "current balance" scalar segregated under the
// same prefix as TokenWatchMeta: 'X' ‖ token ‖ owner ‖ tagTokenBalance.
func TokenBalanceKey(k Erc20Key) []byte {
	buf := make([]byte, 1+2*addrLen+1)
	buf[0] = prefixTokenWatchMeta
	putErc20(buf[1:], k)
	buf[1+2*addrLen] = tagTokenBalance
	return buf
}

// upperBoundExclusive turns an inclusive fixed-length upper key into an
// exclusive pebble iterator bound. Every key family here has a fixed length
// per prefix, so appending one byte produces a value strictly greater than
// the inclusive key but strictly less than any key one byte longer that
// shares its prefix -- which never occurs in this schema.
func upperBoundExclusive(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}
