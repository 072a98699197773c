// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package feecalc computes the per-transaction effective fee for both
// legacy and EIP-1559 transactions: total fee paid in wei.
package feecalc

import (
	"fmt"

	"github.com/holiman/uint256"
)

// FeeOverflow indicates gas_used * effective_gas_price overflowed u256. The
// caller logs and treats the transaction as if the fee were capped at u256
// max; real-world values never reach this.
type FeeOverflow struct {
	GasUsed            uint64
	EffectiveGasPrice  *uint256.Int
}

func (e *FeeOverflow) Error() string {
	return fmt.Sprintf("feecalc: gas_used=%d * effective_gas_price=%s overflows u256", e.GasUsed, e.EffectiveGasPrice)
}

// Tx is the subset of transaction fields the fee calculation needs.
type Tx struct {
	GasPrice             *uint256.Int // legacy form
	MaxFeePerGas         *uint256.Int // EIP-1559 form; nil for legacy
	MaxPriorityFeePerGas *uint256.Int // EIP-1559 form; nil for legacy
}

// Receipt is the subset of receipt fields the fee calculation needs.
type Receipt struct {
	GasUsed            uint64
	EffectiveGasPrice  *uint256.Int // nil when the node does not report it
}

// EffectiveGasPrice selects the effective price: the receipt's
// reported value wins outright when present; otherwise EIP-1559
// transactions use min(max_fee_per_gas, base_fee+max_priority_fee_per_gas)
// and legacy transactions use gas_price.
func EffectiveGasPrice(tx Tx, r Receipt, baseFee *uint256.Int) *uint256.Int {
	if r.EffectiveGasPrice != nil {
		return r.EffectiveGasPrice
	}
	if tx.MaxFeePerGas != nil && tx.MaxPriorityFeePerGas != nil {
		bf := baseFee
		if bf == nil {
			bf = new(uint256.Int)
		}
		tip, overflow := new(uint256.Int).AddOverflow(bf, tx.MaxPriorityFeePerGas)
		if overflow {
			tip = new(uint256.Int).SetAllOne()
		}
		if tx.MaxFeePerGas.Lt(tip) {
			return tx.MaxFeePerGas
		}
		return tip
	}
	if tx.GasPrice != nil {
		return tx.GasPrice
	}
	return new(uint256.Int)
}

// Fee computes gas_used * effective_gas_price as a u256, returning
// FeeOverflow if the product does not fit.
func Fee(tx Tx, r Receipt, baseFee *uint256.Int) (*uint256.Int, error) {
	price := EffectiveGasPrice(tx, r, baseFee)
	gasUsed := new(uint256.Int).SetUint64(r.GasUsed)
	fee, overflow := new(uint256.Int).MulOverflow(gasUsed, price)
	if overflow {
		return new(uint256.Int).SetAllOne(), &FeeOverflow{GasUsed: r.GasUsed, EffectiveGasPrice: price}
	}
	return fee, nil
}
