package core

import (
	"fmt"
	"math/big"
)

// MarginalFills computes the per-bid fill for bids at exactly the clearing
// tick. lots holds the decrypted requested quantities in submission order;
// remaining is the supply left after all higher-tick bids are fully served.
//
// The returned slice is parallel to lots. The sum of fills never exceeds
// remaining, and no bid is filled beyond its request.
func MarginalFills(lots []uint64, remaining uint64, policy AllocationPolicy) ([]uint64, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown allocation policy %q", policy)
	}

	fills := make([]uint64, len(lots))

	var requested uint64
	for _, l := range lots {
		if requested+l < requested {
			return nil, fmt.Errorf("%w: marginal demand exceeds 64 bits", ErrOverflow)
		}
		requested += l
	}

	// Demand at the margin fits inside remaining supply: everyone fills.
	if requested <= remaining {
		copy(fills, lots)
		return fills, nil
	}

	switch policy {
	case AllocFIFO:
		left := remaining
		for i, l := range lots {
			if l <= left {
				fills[i] = l
				left -= l
			} else {
				fills[i] = left
				left = 0
			}
		}

	case AllocProRata:
		// fill_i = floor(lots_i × remaining / requested), computed in big.Int
		// since the product can exceed 64 bits.
		requestedBig := new(big.Int).SetUint64(requested)
		remainingBig := new(big.Int).SetUint64(remaining)
		var allocated uint64
		for i, l := range lots {
			share := new(big.Int).SetUint64(l)
			share.Mul(share, remainingBig)
			share.Div(share, requestedBig)
			fills[i] = share.Uint64()
			allocated += fills[i]
		}
		// Flooring leaves a few lots unassigned; hand them to the earliest
		// submissions that still have headroom.
		for i := 0; allocated < remaining && i < len(lots); i++ {
			if fills[i] < lots[i] {
				fills[i]++
				allocated++
			}
		}
	}

	return fills, nil
}
