package core

import "fmt"

// ClearingTick determines the clearing tick from decrypted threshold flags.
//
// ticks holds the distinct bid ticks in strictly descending order; flags[i]
// is the decrypted result of "cumulative demand at ticks[i] and above ≥
// supply". Cumulative demand is monotone as the price descends, so the first
// true flag marks the highest tick at which the book clears: the
// single-price descending-clock clearing point. When demand never reaches
// supply the auction clears at endTick.
func ClearingTick(ticks []uint64, flags []bool, endTick uint64) (uint64, error) {
	if len(ticks) != len(flags) {
		return 0, fmt.Errorf("%w: %d ticks vs %d flags", ErrInvalidRange, len(ticks), len(flags))
	}

	for i, tick := range ticks {
		if i > 0 && tick >= ticks[i-1] {
			return 0, fmt.Errorf("%w: ticks not strictly descending at index %d", ErrInvalidRange, i)
		}
		if flags[i] {
			return tick, nil
		}
	}
	return endTick, nil
}

// FlagsFromCleartexts converts decrypted 0/1 comparison results into flags.
// Any nonzero cleartext counts as true, matching the encrypted-boolean
// convention of the comparison operation.
func FlagsFromCleartexts(cleartexts []uint64) []bool {
	flags := make([]bool, len(cleartexts))
	for i, v := range cleartexts {
		flags[i] = v != 0
	}
	return flags
}
