// Copyright 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalancePoint is one entry of a dense fill-forward series.
type BalancePoint struct {
	Block   uint64
	Balance *uint256.Int
}

// QueryResult is the response shape for a range query, following 
// step 7.
type QueryResult struct {
	RequestedStart uint64
	RequestedEnd   uint64
	EffectiveStart uint64
	EffectiveEnd   uint64
	WatchStartBlock *uint64
	HeadBlock       uint64
	Message         string
	Data            []BalancePoint
}

type changePoint struct {
	block uint64
	bal   *uint256.Int
}

// mergeDeltasAndSnapshots walks the delta and snapshot key families for one
// scan range in ascending block order and produces one authoritative change
// point per block that has either a delta or a snapshot. When both exist at
// the same block the snapshot wins.
func mergeDeltasAndSnapshots(anchor *uint256.Int, deltas []struct {
	block uint64
	d     BlockDelta
}, snaps map[uint64]*uint256.Int) []changePoint {
	var out []changePoint
	bal := anchor.Clone()
	di := 0
	// Collect and sort snapshot blocks.
	snapBlocks := make([]uint64, 0, len(snaps))
	for b := range snaps {
		snapBlocks = append(snapBlocks, b)
	}
	sortU64(snapBlocks)
	si := 0
	for di < len(deltas) || si < len(snapBlocks) {
		var nextDelta, nextSnap uint64
		hasDelta := di < len(deltas)
		hasSnap := si < len(snapBlocks)
		if hasDelta {
			nextDelta = deltas[di].block
		}
		if hasSnap {
			nextSnap = snapBlocks[si]
		}
		switch {
		case hasDelta && hasSnap && nextDelta == nextSnap:
			bal = snaps[nextSnap].Clone()
			out = append(out, changePoint{block: nextSnap, bal: bal})
			di++
			si++
		case hasSnap && (!hasDelta || nextSnap < nextDelta):
			bal = snaps[nextSnap].Clone()
			out = append(out, changePoint{block: nextSnap, bal: bal})
			si++
		default:
			d := deltas[di].d
			bal = new(uint256.Int).Add(bal, d.DeltaPlus)
			bal = new(uint256.Int).Sub(bal, d.DeltaMinus)
			out = append(out, changePoint{block: nextDelta, bal: bal})
			di++
		}
	}
	return out
}

func sortU64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func densify(anchor *uint256.Int, changes []changePoint, effLo, effHi uint64) []BalancePoint {
	data := make([]BalancePoint, 0, effHi-effLo+1)
	cur := anchor
	idx := 0
	for b := effLo; b <= effHi; b++ {
		for idx < len(changes) && changes[idx].block <= b {
			cur = changes[idx].bal
			idx++
		}
		data = append(data, BalancePoint{Block: b, Balance: cur.Clone()})
	}
	return data
}

// GetBalancesInRange implements the fill-forward query algorithm
// for a watched native-ETH address.
func (s *Store) GetBalancesInRange(addr common.Address, reqLo, reqHi uint64) (*QueryResult, error) {
	wm, ok, err := s.getWatchMeta(addr)
	if err != nil {
		return nil, err
	}
	res := &QueryResult{RequestedStart: reqLo, RequestedEnd: reqHi}
	if !ok {
		return res, nil
	}
	start := wm.StartBlock
	res.WatchStartBlock = &start

	head, _, err := s.GetHead()
	if err != nil {
		return nil, err
	}
	res.HeadBlock = head

	effLo := maxU64(reqLo, start)
	effHi := minU64(reqHi, head)
	res.EffectiveStart = effLo
	res.EffectiveEnd = effHi
	if effLo > effHi {
		res.Message = "requested range has no overlap with watch coverage"
		return res, nil
	}
	res.Message = clampMessage(reqLo, reqHi, effLo, effHi)

	ak, av, found, err := s.seekLastAtMost(SnapshotPrefix(addr), SnapshotKey(addr, effLo))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &BelowCoverageError{RequestedBlock: effLo, WatchStart: start}
	}
	_, anchorBlock, err := DecodeSnapshotKey(ak)
	if err != nil {
		return nil, err
	}
	if anchorBlock < start {
		return nil, &BelowCoverageError{RequestedBlock: effLo, WatchStart: start}
	}
	anchorBal, err := DecodeU256(av)
	if err != nil {
		return nil, err
	}

	var deltas []struct {
		block uint64
		d     BlockDelta
	}
	snaps := map[uint64]*uint256.Int{}
	if anchorBlock < effHi {
		lowerD := DeltaKey(addr, anchorBlock+1)
		upperD := DeltaKey(addr, effHi)
		if err := s.iterateRange(lowerD, upperD, func(k, v []byte) error {
			_, blk, err := DecodeDeltaKey(k)
			if err != nil {
				return err
			}
			d, err := DecodeBlockDelta(v)
			if err != nil {
				return err
			}
			deltas = append(deltas, struct {
				block uint64
				d     BlockDelta
			}{blk, d})
			return nil
		}); err != nil {
			return nil, err
		}
		lowerZ := SnapshotKey(addr, anchorBlock+1)
		upperZ := SnapshotKey(addr, effHi)
		if err := s.iterateRange(lowerZ, upperZ, func(k, v []byte) error {
			_, blk, err := DecodeSnapshotKey(k)
			if err != nil {
				return err
			}
			bal, err := DecodeU256(v)
			if err != nil {
				return err
			}
			snaps[blk] = bal
			return nil
		}); err != nil {
			return nil, err
		}
	}

	changes := mergeDeltasAndSnapshots(anchorBal, deltas, snaps)
	res.Data = densify(anchorBal, changes, effLo, effHi)
	return res, nil
}

// DeltaSeriesPoint is one entry of a delta series (sparse or dense).
type DeltaSeriesPoint struct {
	Block uint64
	Delta BlockDelta
}

// GetDeltasInRange returns either the sparse set of blocks with a BlockDelta
// for addr, or -- when dense is true -- a dense list across
// [effective_lo, effective_hi] with zero-deltas filled in for blocks with no
// recorded change.
func (s *Store) GetDeltasInRange(addr common.Address, reqLo, reqHi uint64, dense bool) (*QueryResult, []DeltaSeriesPoint, error) {
	wm, ok, err := s.getWatchMeta(addr)
	if err != nil {
		return nil, nil, err
	}
	res := &QueryResult{RequestedStart: reqLo, RequestedEnd: reqHi}
	if !ok {
		return res, nil, nil
	}
	start := wm.StartBlock
	res.WatchStartBlock = &start

	head, _, err := s.GetHead()
	if err != nil {
		return nil, nil, err
	}
	res.HeadBlock = head

	effLo := maxU64(reqLo, start)
	effHi := minU64(reqHi, head)
	res.EffectiveStart = effLo
	res.EffectiveEnd = effHi
	if effLo > effHi {
		res.Message = "requested range has no overlap with watch coverage"
		return res, nil, nil
	}
	res.Message = clampMessage(reqLo, reqHi, effLo, effHi)

	found := map[uint64]BlockDelta{}
	if err := s.iterateRange(DeltaKey(addr, effLo), DeltaKey(addr, effHi), func(k, v []byte) error {
		_, blk, err := DecodeDeltaKey(k)
		if err != nil {
			return err
		}
		d, err := DecodeBlockDelta(v)
		if err != nil {
			return err
		}
		found[blk] = d
		return nil
	}); err != nil {
		return nil, nil, err
	}

	if !dense {
		out := make([]DeltaSeriesPoint, 0, len(found))
		blocks := make([]uint64, 0, len(found))
		for b := range found {
			blocks = append(blocks, b)
		}
		sortU64(blocks)
		for _, b := range blocks {
			out = append(out, DeltaSeriesPoint{Block: b, Delta: found[b]})
		}
		return res, out, nil
	}

	out := make([]DeltaSeriesPoint, 0, effHi-effLo+1)
	for b := effLo; b <= effHi; b++ {
		if d, ok := found[b]; ok {
			out = append(out, DeltaSeriesPoint{Block: b, Delta: d})
		} else {
			out = append(out, DeltaSeriesPoint{Block: b, Delta: BlockDelta{
				DeltaPlus:  new(uint256.Int),
				DeltaMinus: new(uint256.Int),
				FeePaid:    new(uint256.Int),
			}})
		}
	}
	return res, out, nil
}

// GetErc20BalancesInRange is the (token, owner) analog of
// GetBalancesInRange.
func (s *Store) GetErc20BalancesInRange(k Erc20Key, reqLo, reqHi uint64) (*QueryResult, error) {
	wm, ok, err := s.getTokenWatchMeta(k)
	if err != nil {
		return nil, err
	}
	res := &QueryResult{RequestedStart: reqLo, RequestedEnd: reqHi}
	if !ok {
		return res, nil
	}
	start := wm.StartBlock
	res.WatchStartBlock = &start

	head, _, err := s.GetHead()
	if err != nil {
		return nil, err
	}
	res.HeadBlock = head

	effLo := maxU64(reqLo, start)
	effHi := minU64(reqHi, head)
	res.EffectiveStart = effLo
	res.EffectiveEnd = effHi
	if effLo > effHi {
		res.Message = "requested range has no overlap with watch coverage"
		return res, nil
	}
	res.Message = clampMessage(reqLo, reqHi, effLo, effHi)

	ak, av, found, err := s.seekLastAtMost(Erc20SnapshotPrefix(k), Erc20SnapshotKey(k, effLo))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &BelowCoverageError{RequestedBlock: effLo, WatchStart: start}
	}
	_, anchorBlock, err := DecodeErc20SnapshotKey(ak)
	if err != nil {
		return nil, err
	}
	if anchorBlock < start {
		return nil, &BelowCoverageError{RequestedBlock: effLo, WatchStart: start}
	}
	anchorBal, err := DecodeU256(av)
	if err != nil {
		return nil, err
	}

	var deltas []struct {
		block uint64
		d     BlockDelta
	}
	snaps := map[uint64]*uint256.Int{}
	if anchorBlock < effHi {
		if err := s.iterateRange(Erc20DeltaKey(k, anchorBlock+1), Erc20DeltaKey(k, effHi), func(kk, v []byte) error {
			_, blk, err := DecodeErc20DeltaKey(kk)
			if err != nil {
				return err
			}
			d, err := DecodeErc20Delta(v)
			if err != nil {
				return err
			}
			deltas = append(deltas, struct {
				block uint64
				d     BlockDelta
			}{blk, BlockDelta{DeltaPlus: d.DeltaPlus, DeltaMinus: d.DeltaMinus}})
			return nil
		}); err != nil {
			return nil, err
		}
		if err := s.iterateRange(Erc20SnapshotKey(k, anchorBlock+1), Erc20SnapshotKey(k, effHi), func(kk, v []byte) error {
			_, blk, err := DecodeErc20SnapshotKey(kk)
			if err != nil {
				return err
			}
			bal, err := DecodeU256(v)
			if err != nil {
				return err
			}
			snaps[blk] = bal
			return nil
		}); err != nil {
			return nil, err
		}
	}

	changes := mergeDeltasAndSnapshots(anchorBal, deltas, snaps)
	res.Data = densify(anchorBal, changes, effLo, effHi)
	return res, nil
}

// Erc20DeltaSeriesPoint is one entry of an ERC20 delta series.
type Erc20DeltaSeriesPoint struct {
	Block uint64
	Delta Erc20Delta
}

// GetErc20DeltasInRange is the (token, owner) analog of GetDeltasInRange.
func (s *Store) GetErc20DeltasInRange(k Erc20Key, reqLo, reqHi uint64, dense bool) (*QueryResult, []Erc20DeltaSeriesPoint, error) {
	wm, ok, err := s.getTokenWatchMeta(k)
	if err != nil {
		return nil, nil, err
	}
	res := &QueryResult{RequestedStart: reqLo, RequestedEnd: reqHi}
	if !ok {
		return res, nil, nil
	}
	start := wm.StartBlock
	res.WatchStartBlock = &start

	head, _, err := s.GetHead()
	if err != nil {
		return nil, nil, err
	}
	res.HeadBlock = head

	effLo := maxU64(reqLo, start)
	effHi := minU64(reqHi, head)
	res.EffectiveStart = effLo
	res.EffectiveEnd = effHi
	if effLo > effHi {
		res.Message = "requested range has no overlap with watch coverage"
		return res, nil, nil
	}
	res.Message = clampMessage(reqLo, reqHi, effLo, effHi)

	found := map[uint64]Erc20Delta{}
	if err := s.iterateRange(Erc20DeltaKey(k, effLo), Erc20DeltaKey(k, effHi), func(kk, v []byte) error {
		_, blk, err := DecodeErc20DeltaKey(kk)
		if err != nil {
			return err
		}
		d, err := DecodeErc20Delta(v)
		if err != nil {
			return err
		}
		found[blk] = d
		return nil
	}); err != nil {
		return nil, nil, err
	}

	if !dense {
		blocks := make([]uint64, 0, len(found))
		for b := range found {
			blocks = append(blocks, b)
		}
		sortU64(blocks)
		out := make([]Erc20DeltaSeriesPoint, 0, len(blocks))
		for _, b := range blocks {
			out = append(out, Erc20DeltaSeriesPoint{Block: b, Delta: found[b]})
		}
		return res, out, nil
	}

	out := make([]Erc20DeltaSeriesPoint, 0, effHi-effLo+1)
	for b := effLo; b <= effHi; b++ {
		if d, ok := found[b]; ok {
			out = append(out, Erc20DeltaSeriesPoint{Block: b, Delta: d})
		} else {
			out = append(out, Erc20DeltaSeriesPoint{Block: b, Delta: Erc20Delta{
				DeltaPlus:  new(uint256.Int),
				DeltaMinus: new(uint256.Int),
			}})
		}
	}
	return res, out, nil
}
