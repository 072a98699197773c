// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestAccountRecordRoundTrip(t *testing.T) {
	rec := AccountRecord{
		Nonce:    7,
		Balance:  uint256.NewInt(123456789),
		CodeHash: common.HexToHash("0xdeadbeef"),
	}
	buf := EncodeAccountRecord(rec)
	require.Equal(t, buf, EncodeAccountRecord(rec), "re-encoding must be byte-identical")

	got, err := DecodeAccountRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec.Nonce, got.Nonce)
	require.True(t, rec.Balance.Eq(got.Balance), "balance mismatch: %s", spew.Sdump(rec, got))
	require.Equal(t, rec.CodeHash, got.CodeHash)
}

func TestBlockDeltaRoundTrip(t *testing.T) {
	d := BlockDelta{
		DeltaPlus:  uint256.NewInt(10),
		DeltaMinus: uint256.NewInt(42010),
		FeePaid:    uint256.NewInt(42000),
		NonceDelta: 1,
		TxCount:    1,
	}
	buf := EncodeBlockDelta(d)
	got, err := DecodeBlockDelta(buf)
	require.NoError(t, err)
	require.True(t, d.DeltaPlus.Eq(got.DeltaPlus))
	require.True(t, d.DeltaMinus.Eq(got.DeltaMinus))
	require.True(t, d.FeePaid.Eq(got.FeePaid))
	require.Equal(t, d.NonceDelta, got.NonceDelta)
	require.Equal(t, d.TxCount, got.TxCount)
}

func TestBlockDeltaMalformed(t *testing.T) {
	_, err := DecodeBlockDelta([]byte{0x00, 0x01})
	require.Error(t, err)
	var malformed *MalformedValue
	require.ErrorAs(t, err, &malformed)
}

func TestErc20DeltaRoundTrip(t *testing.T) {
	d := Erc20Delta{DeltaPlus: uint256.NewInt(1000), DeltaMinus: new(uint256.Int), TxCount: 1}
	got, err := DecodeErc20Delta(EncodeErc20Delta(d))
	require.NoError(t, err)
	require.True(t, d.DeltaPlus.Eq(got.DeltaPlus))
	require.True(t, d.DeltaMinus.Eq(got.DeltaMinus))
	require.Equal(t, d.TxCount, got.TxCount)
}

func TestWatchMetaRoundTrip(t *testing.T) {
	m := WatchMeta{StartBlock: 100}
	got, err := DecodeWatchMeta(EncodeWatchMeta(m))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Number:     99,
		Hash:       common.HexToHash("0x01"),
		ParentHash: common.HexToHash("0x02"),
		BaseFee:    uint256.NewInt(7),
		Time:       1700000000,
	}
	got, err := DecodeHeader(EncodeHeader(h))
	require.NoError(t, err)
	require.Equal(t, h.Number, got.Number)
	require.Equal(t, h.Hash, got.Hash)
	require.Equal(t, h.ParentHash, got.ParentHash)
	require.True(t, h.BaseFee.Eq(got.BaseFee))
	require.Equal(t, h.Time, got.Time)
}

func TestU256RoundTrip(t *testing.T) {
	v := uint256.NewInt(0).Not(new(uint256.Int)) // max u256
	got, err := DecodeU256(EncodeU256(v))
	require.NoError(t, err)
	require.True(t, v.Eq(got))
}
