// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	s := OpenWithPebble(db)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

var addrA = common.HexToAddress("0x000000000000000000000000000000000000AA")

// TestScenario1FillForward mirrors spec scenario 1: init at block 100 with balance
// 1000 wei; block 101 has a successful 10-wei transfer with a 42000-wei fee.
func TestScenario1FillForward(t *testing.T) {
	s := newTestStore(t)

	err := s.Initialize(100, []AddressInit{
		{Addr: addrA, Account: AccountRecord{Nonce: 0, Balance: uint256.NewInt(1000)}},
	}, nil)
	require.NoError(t, err)

	delta := BlockDelta{
		DeltaPlus:  new(uint256.Int),
		DeltaMinus: uint256.NewInt(10 + 42000),
		FeePaid:    uint256.NewInt(42000),
		NonceDelta: 1,
		TxCount:    1,
	}
	expectedBal := new(uint256.Int).Sub(uint256.NewInt(1000), uint256.NewInt(42010))

	err = s.WriteBlockBatch(BlockBatch{
		Block:            101,
		AddressDeltas:    []AddressDelta{{Addr: addrA, Delta: delta}},
		AddressSnapshots: map[common.Address]*uint256.Int{addrA: expectedBal},
		AddressAccounts:  map[common.Address]AccountRecord{addrA: {Nonce: 1, Balance: expectedBal}},
		NewHead:          101,
	})
	require.NoError(t, err)

	res, err := s.GetBalancesInRange(addrA, 100, 102)
	require.NoError(t, err)
	require.Equal(t, uint64(100), res.EffectiveStart)
	require.Equal(t, uint64(101), res.EffectiveEnd) // head is 101, req_hi 102 clamps
	require.NotEmpty(t, res.Message)
	require.Len(t, res.Data, 2)
	require.True(t, res.Data[0].Balance.Eq(uint256.NewInt(1000)), "block 100 balance")
	require.True(t, res.Data[1].Balance.Eq(expectedBal), "block 101 balance")
}

// TestFillForwardCarriesAcrossGap verifies balances carry forward over
// blocks with no delta.
func TestFillForwardCarriesAcrossGap(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(10, []AddressInit{
		{Addr: addrA, Account: AccountRecord{Balance: uint256.NewInt(500)}},
	}, nil))

	bal12 := uint256.NewInt(600)
	require.NoError(t, s.WriteBlockBatch(BlockBatch{
		Block:            12,
		AddressDeltas:    []AddressDelta{{Addr: addrA, Delta: BlockDelta{DeltaPlus: uint256.NewInt(100), DeltaMinus: new(uint256.Int), FeePaid: new(uint256.Int)}}},
		AddressSnapshots: map[common.Address]*uint256.Int{addrA: bal12},
		NewHead:          15,
	}))

	res, err := s.GetBalancesInRange(addrA, 10, 15)
	require.NoError(t, err)
	require.Len(t, res.Data, 6)
	require.True(t, res.Data[0].Balance.Eq(uint256.NewInt(500))) // block 10
	require.True(t, res.Data[1].Balance.Eq(uint256.NewInt(500))) // block 11, carried forward
	require.True(t, res.Data[2].Balance.Eq(bal12))               // block 12, changed
	require.True(t, res.Data[5].Balance.Eq(bal12))               // block 15, carried forward
}

// TestQueryClampsBelowWatchStart exercises req_lo < WatchMeta.start_block.
func TestQueryClampsBelowWatchStart(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(100, []AddressInit{
		{Addr: addrA, Account: AccountRecord{Balance: uint256.NewInt(1000)}},
	}, nil))
	require.NoError(t, s.WriteBlockBatch(BlockBatch{Block: 150, NewHead: 150}))

	res, err := s.GetBalancesInRange(addrA, 80, 120)
	require.NoError(t, err)
	require.Equal(t, uint64(100), res.EffectiveStart)
	require.Equal(t, uint64(120), res.EffectiveEnd)
	require.NotEmpty(t, res.Message)
	require.Equal(t, uint64(100), res.Data[0].Block)
}

func TestUnknownAddressReturnsEmptySeries(t *testing.T) {
	s := newTestStore(t)
	res, err := s.GetBalancesInRange(addrA, 0, 10)
	require.NoError(t, err)
	require.Nil(t, res.WatchStartBlock)
	require.Nil(t, res.Data)
}

func TestMissingStorageSlotReadsZero(t *testing.T) {
	s := newTestStore(t)
	v, err := s.GetStorage(addrA, common.HexToHash("0x01"))
	require.NoError(t, err)
	require.True(t, v.IsZero())
}

func TestWriteBlockBatchIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Initialize(0, []AddressInit{
		{Addr: addrA, Account: AccountRecord{Balance: new(uint256.Int)}},
	}, nil))

	batch := BlockBatch{
		Block:            1,
		AddressDeltas:    []AddressDelta{{Addr: addrA, Delta: BlockDelta{DeltaPlus: uint256.NewInt(5), DeltaMinus: new(uint256.Int), FeePaid: new(uint256.Int)}}},
		AddressSnapshots: map[common.Address]*uint256.Int{addrA: uint256.NewInt(5)},
		NewHead:          1,
	}
	require.NoError(t, s.WriteBlockBatch(batch))
	require.NoError(t, s.WriteBlockBatch(batch))

	res, err := s.GetBalancesInRange(addrA, 1, 1)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.True(t, res.Data[0].Balance.Eq(uint256.NewInt(5)))
}

func TestErc20Mint(t *testing.T) {
	s := newTestStore(t)
	token := common.HexToAddress("0x00000000000000000000000000000000000010")
	k := Erc20Key{Token: token, Owner: addrA}
	require.NoError(t, s.Initialize(0, nil, []TokenInit{{Key: k, Balance: new(uint256.Int)}}))

	require.NoError(t, s.WriteBlockBatch(BlockBatch{
		Block:                1,
		TokenDeltas:          []TokenDelta{{Key: k, Delta: Erc20Delta{DeltaPlus: uint256.NewInt(1000), DeltaMinus: new(uint256.Int), TxCount: 1}}},
		TokenSnapshots:       map[Erc20Key]*uint256.Int{k: uint256.NewInt(1000)},
		TokenCurrentBalances: map[Erc20Key]*uint256.Int{k: uint256.NewInt(1000)},
		NewHead:              1,
	}))

	bal, ok, err := s.GetTokenBalance(k)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, bal.Eq(uint256.NewInt(1000)))

	res, err := s.GetErc20BalancesInRange(k, 0, 1)
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	require.True(t, res.Data[1].Balance.Eq(uint256.NewInt(1000)))
}
