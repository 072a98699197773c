// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tracewalk walks the call-trace tree returned by
// debug_traceTransaction(hash, {tracer:"callTracer"}) to enumerate inbound
// ETH credits to watched addresses produced by successful sub-calls.
package tracewalk

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// CallFrame mirrors the JSON shape geth's callTracer emits: a tree of
// frames, each carrying from/to/value and an error string set on revert.
// Fields are tagged for direct json.Unmarshal from the RPC response.
type CallFrame struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
	Calls []CallFrame     `json:"calls,omitempty"`
}

func (f *CallFrame) success() bool { return f.Error == "" }

// Credit is one inbound ETH transfer discovered at depth >= 1.
type Credit struct {
	To    common.Address
	Value *uint256.Int
}

// Watched reports whether addr is one of the addresses the watcher tracks.
type Watched func(addr common.Address) bool

// Walk depth-first walks root and returns every credit to a watched address
// produced by a successful, non-top-level frame. A reverted frame and all
// of its descendants are skipped entirely. The top-level frame (depth 0)
// never contributes -- its value transfer is handled by the apply logic's
// receiver-accounting step to avoid double counting.
func Walk(root *CallFrame, watched Watched) []Credit {
	if root == nil {
		return nil
	}
	var out []Credit
	var visit func(f *CallFrame, depth int)
	visit = func(f *CallFrame, depth int) {
		if !f.success() {
			return
		}
		if depth >= 1 && f.To != nil && watched(*f.To) && f.Value != nil {
			v := (*uint256.Int)(nil)
			if f.Value.ToInt().Sign() > 0 {
				v = uint256.MustFromBig(f.Value.ToInt())
				out = append(out, Credit{To: *f.To, Value: v})
			}
		}
		for i := range f.Calls {
			visit(&f.Calls[i], depth+1)
		}
	}
	visit(root, 0)
	return out
}
