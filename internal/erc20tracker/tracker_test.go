// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package erc20tracker

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	token = common.HexToAddress("0x01")
	owner = common.HexToAddress("0x02")
	other = common.HexToAddress("0x03")
)

func addrTopic(a common.Address) common.Hash {
	var h common.Hash
	copy(h[12:], a[:])
	return h
}

func dataFor(v uint64) []byte {
	b := new(uint256.Int).SetUint64(v).Bytes32()
	return b[:]
}

func watchedToken(a common.Address) bool { return a == token }
func watchedOwner(tok, ow common.Address) bool {
	return tok == token && (ow == owner || ow == other)
}

func TestParseTransferCreditsAndDebits(t *testing.T) {
	log := Log{
		Address: token,
		Topics:  []common.Hash{TransferSig, addrTopic(owner), addrTopic(other)},
		Data:    dataFor(1000),
	}
	entries := Parse(log, watchedToken, watchedOwner)
	require.Len(t, entries, 2)
	require.Equal(t, Debit, entries[0].Side)
	require.Equal(t, owner, entries[0].Owner)
	require.Equal(t, Credit, entries[1].Side)
	require.Equal(t, other, entries[1].Owner)
}

func TestParseMintOnlyCredits(t *testing.T) {
	var zero common.Address
	log := Log{
		Address: token,
		Topics:  []common.Hash{TransferSig, addrTopic(zero), addrTopic(owner)},
		Data:    dataFor(500),
	}
	entries := Parse(log, watchedToken, watchedOwner)
	require.Len(t, entries, 1)
	require.Equal(t, Credit, entries[0].Side)
}

func TestParseBurnOnlyDebits(t *testing.T) {
	var zero common.Address
	log := Log{
		Address: token,
		Topics:  []common.Hash{TransferSig, addrTopic(owner), addrTopic(zero)},
		Data:    dataFor(500),
	}
	entries := Parse(log, watchedToken, watchedOwner)
	require.Len(t, entries, 1)
	require.Equal(t, Debit, entries[0].Side)
}

func TestParseRejectsUnwatchedToken(t *testing.T) {
	log := Log{
		Address: other,
		Topics:  []common.Hash{TransferSig, addrTopic(owner), addrTopic(other)},
		Data:    dataFor(1),
	}
	require.Nil(t, Parse(log, watchedToken, watchedOwner))
}

func TestParseRejectsWrongTopicCount(t *testing.T) {
	log := Log{
		Address: token,
		Topics:  []common.Hash{TransferSig, addrTopic(owner)},
		Data:    dataFor(1),
	}
	require.Nil(t, Parse(log, watchedToken, watchedOwner))
}
