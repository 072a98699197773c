// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// recordVersion is written as the first byte of every framed record so a
// future format change can be detected instead of silently misparsed.
const recordVersion = 0x00

// MalformedValue indicates an on-disk record whose length or version tag
// does not match what its codec expects. Data-on-disk corruption; never
// recovered automatically.
type MalformedValue struct {
	Kind string
	Got  int
	Want int
}

func (e *MalformedValue) Error() string {
	if e.Want == 0 {
		return fmt.Sprintf("store: malformed %s value: bad version byte", e.Kind)
	}
	return fmt.Sprintf("store: malformed %s value: got %d bytes, want %d", e.Kind, e.Got, e.Want)
}

func putU256(dst []byte, v *uint256.Int) {
	if v == nil {
		return
	}
	b := v.Bytes32()
	copy(dst, b[:])
}

func getU256(src []byte) *uint256.Int {
	return new(uint256.Int).SetBytes32(src)
}

func checkFramed(kind string, buf []byte, want int) error {
	if len(buf) != want {
		return &MalformedValue{Kind: kind, Got: len(buf), Want: want}
	}
	if buf[0] != recordVersion {
		return &MalformedValue{Kind: kind}
	}
	return nil
}

// AccountRecord is the {nonce, balance, code_hash} tuple for a watched
// address at the time it was last written.
type AccountRecord struct {
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash common.Hash
}

const accountRecordLen = 1 + 8 + 32 + 32

// EncodeAccountRecord serializes an AccountRecord. Re-encoding a decoded
// record yields byte-identical output.
func EncodeAccountRecord(rec AccountRecord) []byte {
	buf := make([]byte, accountRecordLen)
	buf[0] = recordVersion
	putUint64(buf[1:9], rec.Nonce)
	bal := rec.Balance
	if bal == nil {
		bal = new(uint256.Int)
	}
	putU256(buf[9:41], bal)
	copy(buf[41:73], rec.CodeHash[:])
	return buf
}

// DecodeAccountRecord deserializes an AccountRecord.
func DecodeAccountRecord(buf []byte) (AccountRecord, error) {
	var rec AccountRecord
	if err := checkFramed("AccountRecord", buf, accountRecordLen); err != nil {
		return rec, err
	}
	rec.Nonce = getUint64(buf[1:9])
	rec.Balance = getU256(buf[9:41])
	copy(rec.CodeHash[:], buf[41:73])
	return rec, nil
}

// BlockDelta is the per-address, per-block accumulator: separate
// plus/minus accumulators, a fee-paid accumulator, a nonce delta (one per
// transaction the address sent in the block), and a tx count.
type BlockDelta struct {
	DeltaPlus  *uint256.Int
	DeltaMinus *uint256.Int
	FeePaid    *uint256.Int
	NonceDelta uint32
	TxCount    uint32
}

const blockDeltaLen = 1 + 32 + 32 + 32 + 4 + 4

// EncodeBlockDelta serializes a BlockDelta.
func EncodeBlockDelta(d BlockDelta) []byte {
	buf := make([]byte, blockDeltaLen)
	buf[0] = recordVersion
	putU256(buf[1:33], zeroIfNil(d.DeltaPlus))
	putU256(buf[33:65], zeroIfNil(d.DeltaMinus))
	putU256(buf[65:97], zeroIfNil(d.FeePaid))
	putUint32(buf[97:101], d.NonceDelta)
	putUint32(buf[101:105], d.TxCount)
	return buf
}

// DecodeBlockDelta deserializes a BlockDelta.
func DecodeBlockDelta(buf []byte) (BlockDelta, error) {
	var d BlockDelta
	if err := checkFramed("BlockDelta", buf, blockDeltaLen); err != nil {
		return d, err
	}
	d.DeltaPlus = getU256(buf[1:33])
	d.DeltaMinus = getU256(buf[33:65])
	d.FeePaid = getU256(buf[65:97])
	d.NonceDelta = getUint32(buf[97:101])
	d.TxCount = getUint32(buf[101:105])
	return d, nil
}

// Erc20Delta is the per-(token,owner,block) accumulator from .
type Erc20Delta struct {
	DeltaPlus  *uint256.Int
	DeltaMinus *uint256.Int
	TxCount    uint32
}

const erc20DeltaLen = 1 + 32 + 32 + 4

// EncodeErc20Delta serializes an Erc20Delta.
func EncodeErc20Delta(d Erc20Delta) []byte {
	buf := make([]byte, erc20DeltaLen)
	buf[0] = recordVersion
	putU256(buf[1:33], zeroIfNil(d.DeltaPlus))
	putU256(buf[33:65], zeroIfNil(d.DeltaMinus))
	putUint32(buf[65:69], d.TxCount)
	return buf
}

// DecodeErc20Delta deserializes an Erc20Delta.
func DecodeErc20Delta(buf []byte) (Erc20Delta, error) {
	var d Erc20Delta
	if err := checkFramed("Erc20Delta", buf, erc20DeltaLen); err != nil {
		return d, err
	}
	d.DeltaPlus = getU256(buf[1:33])
	d.DeltaMinus = getU256(buf[33:65])
	d.TxCount = getUint32(buf[65:69])
	return d, nil
}

// WatchMeta records the first block at which a watched address has
// authoritative history.
type WatchMeta struct {
	StartBlock uint64
}

const watchMetaLen = 1 + 8

// EncodeWatchMeta serializes a WatchMeta.
func EncodeWatchMeta(m WatchMeta) []byte {
	buf := make([]byte, watchMetaLen)
	buf[0] = recordVersion
	putUint64(buf[1:9], m.StartBlock)
	return buf
}

// DecodeWatchMeta deserializes a WatchMeta.
func DecodeWatchMeta(buf []byte) (WatchMeta, error) {
	var m WatchMeta
	if err := checkFramed("WatchMeta", buf, watchMetaLen); err != nil {
		return m, err
	}
	m.StartBlock = getUint64(buf[1:9])
	return m, nil
}

// TokenWatchMeta is the (token, owner) analog of WatchMeta.
type TokenWatchMeta struct {
	StartBlock uint64
}

// EncodeTokenWatchMeta serializes a TokenWatchMeta. The wire format is
// identical to WatchMeta; they are kept as distinct types because they are
// stored under different key families and mean different things.
func EncodeTokenWatchMeta(m TokenWatchMeta) []byte {
	return EncodeWatchMeta(WatchMeta(m))
}

// DecodeTokenWatchMeta deserializes a TokenWatchMeta.
func DecodeTokenWatchMeta(buf []byte) (TokenWatchMeta, error) {
	m, err := DecodeWatchMeta(buf)
	return TokenWatchMeta(m), err
}

// Header is the minimal per-block record the store keeps for the blocks it
// has processed: enough to answer get_header without a second RPC round
// trip during a query.
type Header struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	BaseFee    *uint256.Int
	Time       uint64
}

const headerRecordLen = 1 + 8 + 32 + 32 + 32 + 8

// EncodeHeader serializes a Header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerRecordLen)
	buf[0] = recordVersion
	putUint64(buf[1:9], h.Number)
	copy(buf[9:41], h.Hash[:])
	copy(buf[41:73], h.ParentHash[:])
	putU256(buf[73:105], zeroIfNil(h.BaseFee))
	putUint64(buf[105:113], h.Time)
	return buf
}

// DecodeHeader deserializes a Header.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if err := checkFramed("Header", buf, headerRecordLen); err != nil {
		return h, err
	}
	h.Number = getUint64(buf[1:9])
	copy(h.Hash[:], buf[9:41])
	copy(h.ParentHash[:], buf[41:73])
	h.BaseFee = getU256(buf[73:105])
	h.Time = getUint64(buf[105:113])
	return h, nil
}

// EncodeU256 serializes a raw snapshot value: a fixed 32-byte big-endian
// u256, with no framing envelope (snapshots are read in bulk on the query
// hot path and carry no version concern of their own).
func EncodeU256(v *uint256.Int) []byte {
	b := zeroIfNil(v).Bytes32()
	out := make([]byte, 32)
	copy(out, b[:])
	return out
}

// DecodeU256 deserializes a raw snapshot value. A missing key is handled by
// the caller (missing storage slot / absent snapshot ⇒ zero), not here.
func DecodeU256(buf []byte) (*uint256.Int, error) {
	if len(buf) != 32 {
		return nil, &MalformedValue{Kind: "u256 snapshot", Got: len(buf), Want: 32}
	}
	var arr [32]byte
	copy(arr[:], buf)
	return new(uint256.Int).SetBytes32(arr[:]), nil
}

func zeroIfNil(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[7-i] = byte(v >> (8 * i))
	}
}

func getUint64(src []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(src[i])
	}
	return v
}

func putUint32(dst []byte, v uint32) {
	for i := 0; i < 4; i++ {
		dst[3-i] = byte(v >> (8 * i))
	}
}

func getUint32(src []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(src[i])
	}
	return v
}
