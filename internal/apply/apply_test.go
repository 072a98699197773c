// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package apply

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/coldtrail/coldtrail/internal/erc20tracker"
	"github.com/coldtrail/coldtrail/internal/store"
)

var (
	addrA = common.HexToAddress("0xA0")
	addrB = common.HexToAddress("0xB0")
)

func watchAll(common.Address) bool { return true }

func eoaAlways(common.Address) (bool, error) { return false, nil }

// TestScenario1SenderAccounting mirrors spec scenario 1: successful
// A->B transfer of 10 wei with a 42000-wei fee.
func TestScenario1SenderAccounting(t *testing.T) {
	acc := New()
	tx := Tx{From: addrA, To: &addrB, Value: uint256.NewInt(10)}
	r := Receipt{Status: StatusSuccess, GasUsed: 21000, EffectiveGasPrice: uint256.NewInt(2)}
	err := acc.Tx(tx, r, nil, watchAll, eoaAlways)
	require.NoError(t, err)

	sender := acc.Addresses[addrA]
	require.Equal(t, uint32(1), sender.NonceDelta)
	require.True(t, sender.DeltaMinus.Eq(uint256.NewInt(10+42000)))
	require.True(t, sender.FeePaid.Eq(uint256.NewInt(42000)))

	receiver := acc.Addresses[addrB]
	require.True(t, receiver.DeltaPlus.Eq(uint256.NewInt(10)))
}

// TestScenario2RevertedTx mirrors spec scenario 2: reverted transfer only
// charges the fee.
func TestScenario2RevertedTx(t *testing.T) {
	acc := New()
	tx := Tx{From: addrA, To: &addrB, Value: uint256.NewInt(100)}
	r := Receipt{Status: StatusFailed, GasUsed: 30000, EffectiveGasPrice: uint256.NewInt(3)}
	err := acc.Tx(tx, r, nil, watchAll, eoaAlways)
	require.NoError(t, err)

	sender := acc.Addresses[addrA]
	require.Equal(t, uint32(1), sender.NonceDelta)
	require.True(t, sender.FeePaid.Eq(uint256.NewInt(90000)))
	require.True(t, sender.DeltaMinus.Eq(uint256.NewInt(90000)))

	_, receiverTouched := acc.Addresses[addrB]
	require.False(t, receiverTouched)
}

func TestReceiverRequiresEmptyInput(t *testing.T) {
	acc := New()
	tx := Tx{From: addrA, To: &addrB, Value: uint256.NewInt(10), Input: []byte{0x01}}
	r := Receipt{Status: StatusSuccess, GasUsed: 21000, EffectiveGasPrice: new(uint256.Int)}
	require.NoError(t, acc.Tx(tx, r, nil, watchAll, eoaAlways))
	_, ok := acc.Addresses[addrB]
	require.False(t, ok, "non-empty input must not credit the receiver directly")
}

func TestReceiverSkippedWhenContract(t *testing.T) {
	acc := New()
	isContract := func(common.Address) (bool, error) { return true, nil }
	tx := Tx{From: addrA, To: &addrB, Value: uint256.NewInt(10)}
	r := Receipt{Status: StatusSuccess, GasUsed: 21000, EffectiveGasPrice: new(uint256.Int)}
	require.NoError(t, acc.Tx(tx, r, nil, watchAll, isContract))
	_, ok := acc.Addresses[addrB]
	require.False(t, ok)
}

func TestReceiverProbeErrorIsSurfaced(t *testing.T) {
	acc := New()
	probeFailure := errors.New("dial tcp: connection refused")
	isContract := func(common.Address) (bool, error) { return false, probeFailure }
	tx := Tx{From: addrA, To: &addrB, Value: uint256.NewInt(10)}
	r := Receipt{Status: StatusSuccess, GasUsed: 21000, EffectiveGasPrice: new(uint256.Int)}

	err := acc.Tx(tx, r, nil, watchAll, isContract)
	require.Error(t, err)

	var probeErr *ProbeError
	require.True(t, errors.As(err, &probeErr), "error must unwrap to a *ProbeError")
	require.Equal(t, addrB, probeErr.Addr)
	require.ErrorIs(t, err, probeFailure)

	_, ok := acc.Addresses[addrB]
	require.False(t, ok, "receiver must not be credited when the probe fails")
}

func TestAddInternalCredit(t *testing.T) {
	acc := New()
	acc.AddInternalCredit(addrA, uint256.NewInt(5))
	require.True(t, acc.Addresses[addrA].DeltaPlus.Eq(uint256.NewInt(5)))
}

// TestScenario4Erc20Mint mirrors spec scenario 4.
func TestScenario4Erc20Mint(t *testing.T) {
	acc := New()
	token := common.HexToAddress("0x10")
	var zero common.Address
	var topicTo common.Hash
	copy(topicTo[12:], addrA[:])
	var topicFrom common.Hash
	copy(topicFrom[12:], zero[:])
	value := new(uint256.Int).SetUint64(1000).Bytes32()

	logs := []erc20tracker.Log{{
		Address: token,
		Topics:  []common.Hash{erc20tracker.TransferSig, topicFrom, topicTo},
		Data:    value[:],
	}}
	acc.Erc20Logs(logs, func(a common.Address) bool { return a == token }, func(t, o common.Address) bool { return o == addrA })

	d := acc.Tokens[store.Erc20Key{Token: token, Owner: addrA}]
	require.True(t, d.DeltaPlus.Eq(uint256.NewInt(1000)))
	require.True(t, d.DeltaMinus.IsZero())
	require.Equal(t, uint32(1), d.TxCount)
}
