// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tracewalk

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

var (
	watchedA = common.HexToAddress("0xA0")
	unrelC   = common.HexToAddress("0xC0")
)

func watched(a common.Address) bool { return a == watchedA }

func bigVal(v int64) *hexutil.Big {
	b := hexutil.Big(*big.NewInt(v))
	return &b
}

// TestScenario3InternalCredit mirrors spec scenario 3: a successful
// top-level call to contract C with a depth-1 sub-call C->A crediting 5
// wei, alongside a reverted sibling sub-call contributing 7 wei that must
// be ignored.
func TestScenario3InternalCredit(t *testing.T) {
	root := &CallFrame{
		From: common.HexToAddress("0xF0"),
		To:   &unrelC,
		Calls: []CallFrame{
			{From: unrelC, To: &watchedA, Value: bigVal(5)},
			{From: unrelC, To: &watchedA, Value: bigVal(7), Error: "execution reverted"},
		},
	}
	credits := Walk(root, watched)
	require.Len(t, credits, 1)
	require.Equal(t, watchedA, credits[0].To)
	require.Equal(t, uint64(5), credits[0].Value.Uint64())
}

func TestTopLevelCreditIgnored(t *testing.T) {
	root := &CallFrame{From: common.HexToAddress("0xF0"), To: &watchedA, Value: bigVal(100)}
	require.Empty(t, Walk(root, watched))
}

func TestRevertedParentSkipsDescendants(t *testing.T) {
	root := &CallFrame{
		From:  common.HexToAddress("0xF0"),
		To:    &unrelC,
		Error: "execution reverted",
		Calls: []CallFrame{
			{From: unrelC, To: &watchedA, Value: bigVal(9)},
		},
	}
	require.Empty(t, Walk(root, watched))
}

func TestNilRootNoCredits(t *testing.T) {
	require.Nil(t, Walk(nil, watched))
}
