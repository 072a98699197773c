// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDeltaKeyOrdering(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000001")
	k1 := DeltaKey(addr, 100)
	k2 := DeltaKey(addr, 101)
	require.Less(t, string(k1), string(k2))

	decodedAddr, block, err := DecodeDeltaKey(k1)
	require.NoError(t, err)
	require.Equal(t, addr, decodedAddr)
	require.Equal(t, uint64(100), block)
}

func TestSnapshotKeyOrdering(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000002")
	k1 := SnapshotKey(addr, 5)
	k2 := SnapshotKey(addr, 6)
	require.Less(t, string(k1), string(k2))
}

func TestAccountKeyRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000003")
	k := AccountKey(addr)
	got, err := DecodeAccountKey(k)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	_, err = DecodeAccountKey(k[:len(k)-1])
	require.Error(t, err)
	var malformed *MalformedKey
	require.ErrorAs(t, err, &malformed)
}

func TestErc20KeyOrdering(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000004")
	owner := common.HexToAddress("0x00000000000000000000000000000000000005")
	k := Erc20Key{Token: token, Owner: owner}
	k1 := Erc20DeltaKey(k, 10)
	k2 := Erc20DeltaKey(k, 11)
	require.Less(t, string(k1), string(k2))

	gotKey, block, err := DecodeErc20DeltaKey(k1)
	require.NoError(t, err)
	require.Equal(t, k, gotKey)
	require.Equal(t, uint64(10), block)
}

func TestTokenWatchMetaAndBalanceKeysDiffer(t *testing.T) {
	k := Erc20Key{
		Token: common.HexToAddress("0x00000000000000000000000000000000000006"),
		Owner: common.HexToAddress("0x00000000000000000000000000000000000007"),
	}
	require.NotEqual(t, TokenWatchMetaKey(k), TokenBalanceKey(k))
}

func TestUpperBoundExclusive(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000008")
	key := SnapshotKey(addr, 42)
	bound := upperBoundExclusive(key)
	require.Greater(t, string(bound), string(key))
	require.Less(t, string(key), string(bound))
}
