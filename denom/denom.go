// Package denom picks the denominations a wallet mints or swaps into,
// generalizing the token codec's binary AmountSplit to an arbitrary,
// mint-offered list of denominations.
package denom

import "sort"

// DefaultDenominations are the powers of two from 1 to 16384, the set a
// mint typically offers and the fallback when no keyset-specific list is
// known.
func DefaultDenominations() []uint64 {
	denoms := make([]uint64, 0, 15)
	for d := uint64(1); d <= 16384; d *= 2 {
		denoms = append(denoms, d)
	}
	return denoms
}

// OptimalSplit greedily decomposes amount into denom->count using the
// largest available denominations first. If the remainder cannot be
// covered exactly by the greedy pass (unreachable whenever 1 is among
// availableDenoms), a single unit of the smallest denomination is added so
// the split never undershoots.
func OptimalSplit(amount uint64, availableDenoms []uint64) map[uint64]uint64 {
	if amount == 0 {
		return map[uint64]uint64{}
	}

	denoms := make([]uint64, len(availableDenoms))
	copy(denoms, availableDenoms)
	sort.Slice(denoms, func(i, j int) bool { return denoms[i] > denoms[j] })

	split := make(map[uint64]uint64)
	remaining := amount
	for _, d := range denoms {
		if d == 0 {
			continue
		}
		count := remaining / d
		if count > 0 {
			split[d] += count
			remaining -= count * d
		}
	}

	if remaining > 0 && len(denoms) > 0 {
		smallest := denoms[len(denoms)-1]
		split[smallest]++
	}

	return split
}

// ToAmounts expands a denom->count split into the flat, ascending list of
// individual output amounts NUT-03 privacy requires when building blinded
// messages.
func ToAmounts(split map[uint64]uint64) []uint64 {
	amounts := make([]uint64, 0)
	for denom, count := range split {
		for i := uint64(0); i < count; i++ {
			amounts = append(amounts, denom)
		}
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })
	return amounts
}
