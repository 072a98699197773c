// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcclient wraps the upstream JSON-RPC contract: block and
// receipt fetching and the balanceOf eth_call via ethclient, and the calls
// ethclient does not expose (debug_traceTransaction, the tagged
// eth_getBlockByNumber head lookup) via the underlying rpc.Client.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/coldtrail/coldtrail/internal/tracewalk"
)

// defaultFinalityTag is used when Dial is given an empty tag.
const defaultFinalityTag = "latest"

// Client is the upstream node connection the watcher drives. It composes
// ethclient.Client (for the standard calls, including the balanceOf
// eth_call) with the raw rpc.Client (for debug_traceTransaction and the
// tagged eth_getBlockByNumber head lookup, neither of which ethclient
// exposes directly).
type Client struct {
	eth         *ethclient.Client
	rpc         *rpc.Client
	finalityTag string
}

// Dial connects to the node at rawurl. finalityTag selects which block the
// watcher treats as "latest" when tailing (e.g. "latest", "safe",
// "finalized"); an empty string defaults to "latest".
func Dial(ctx context.Context, rawurl string, finalityTag string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", rawurl, err)
	}
	if finalityTag == "" {
		finalityTag = defaultFinalityTag
	}
	return &Client{eth: ethclient.NewClient(rc), rpc: rc, finalityTag: finalityTag}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// latestBlockHead is the subset of the eth_getBlockByNumber response this
// package needs to resolve the watcher's configured finality tag to a
// concrete block number.
type latestBlockHead struct {
	Number *hexutil.Big `json:"number"`
}

// LatestBlock resolves the watcher's configured finality tag (eth_getBlockByNumber(tag, false))
// to a concrete block number. The engine is tag-agnostic beyond this: whatever
// block the node reports for the tag becomes the new tail target.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var head latestBlockHead
	if err := c.rpc.CallContext(ctx, &head, "eth_getBlockByNumber", c.finalityTag, false); err != nil {
		return 0, fmt.Errorf("rpcclient: eth_getBlockByNumber(%s): %w", c.finalityTag, err)
	}
	if head.Number == nil {
		return 0, fmt.Errorf("rpcclient: eth_getBlockByNumber(%s): node has no block for this tag yet", c.finalityTag)
	}
	return head.Number.ToInt().Uint64(), nil
}

// BlockByNumber fetches a full block with transactions
// (eth_getBlockByNumber(..., full=true)).
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	b, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: eth_getBlockByNumber(%d): %w", number, err)
	}
	return b, nil
}

// TransactionReceipt fetches a transaction's receipt
// (eth_getTransactionReceipt).
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: eth_getTransactionReceipt(%s): %w", hash, err)
	}
	return r, nil
}

// TraceTransaction requests a callTracer call trace for hash
// (debug_traceTransaction). A node without debug_* support, or any
// transport error, is reported to the caller, which treats it as "no
// internal credits" rather than failing the block.
func (c *Client) TraceTransaction(ctx context.Context, hash common.Hash) (*tracewalk.CallFrame, error) {
	var raw json.RawMessage
	err := c.rpc.CallContext(ctx, &raw, "debug_traceTransaction", hash, map[string]string{"tracer": "callTracer"})
	if err != nil {
		return nil, fmt.Errorf("rpcclient: debug_traceTransaction(%s): %w", hash, err)
	}
	var frame tracewalk.CallFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("rpcclient: malformed trace for %s: %w", hash, err)
	}
	return &frame, nil
}

// CodeAt fetches the bytecode at addr at the latest tag (eth_getCode).
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: eth_getCode(%s): %w", addr, err)
	}
	return code, nil
}

// BalanceAt fetches the native balance of addr at block (eth_getBalance).
func (c *Client) BalanceAt(ctx context.Context, addr common.Address, block uint64) (*uint256.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, addr, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: eth_getBalance(%s, %d): %w", addr, block, err)
	}
	v, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, fmt.Errorf("rpcclient: eth_getBalance(%s, %d): value overflows u256", addr, block)
	}
	return v, nil
}

// NonceAt fetches the transaction count of addr at block
// (eth_getTransactionCount).
func (c *Client) NonceAt(ctx context.Context, addr common.Address, block uint64) (uint64, error) {
	n, err := c.eth.NonceAt(ctx, addr, new(big.Int).SetUint64(block))
	if err != nil {
		return 0, fmt.Errorf("rpcclient: eth_getTransactionCount(%s, %d): %w", addr, block, err)
	}
	return n, nil
}

// balanceOfSelector is the 4-byte selector of balanceOf(address).
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Erc20BalanceOf calls token.balanceOf(owner) at block via eth_call.
func (c *Client) Erc20BalanceOf(ctx context.Context, token, owner common.Address, block uint64) (*uint256.Int, error) {
	data := make([]byte, 4+32)
	copy(data, balanceOfSelector)
	copy(data[4+12:], owner[:])
	msg := ethereum.CallMsg{To: &token, Data: data}
	out, err := c.eth.CallContract(ctx, msg, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: eth_call balanceOf(%s) on %s at %d: %w", owner, token, block, err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("rpcclient: eth_call balanceOf(%s) on %s: malformed response length %d", owner, token, len(out))
	}
	return new(uint256.Int).SetBytes(out), nil
}
