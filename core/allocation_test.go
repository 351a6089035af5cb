package core

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestMarginalFills_EveryoneFitsFully(t *testing.T) {
	fills, err := MarginalFills([]uint64{300, 200}, 1000, AllocFIFO)
	check.Nil(t, err)
	check.Equal(t, []uint64{300, 200}, fills)
}

func TestMarginalFills_FIFO_StraddlingBidPartial(t *testing.T) {
	// Supply after higher ticks: 600; marginal bid wants 700.
	fills, err := MarginalFills([]uint64{700}, 600, AllocFIFO)
	check.Nil(t, err)
	check.Equal(t, []uint64{600}, fills)
}

func TestMarginalFills_FIFO_LaterBidsGetNothing(t *testing.T) {
	fills, err := MarginalFills([]uint64{400, 300, 500}, 600, AllocFIFO)
	check.Nil(t, err)
	check.Equal(t, []uint64{400, 200, 0}, fills)
}

func TestMarginalFills_ProRata_Proportional(t *testing.T) {
	// 600 remaining across 400+200 requested = 2/3 each.
	fills, err := MarginalFills([]uint64{400, 200}, 450, AllocProRata)
	check.Nil(t, err)
	// floor(400*450/600)=300, floor(200*450/600)=150, an exact split.
	check.Equal(t, []uint64{300, 150}, fills)
}

func TestMarginalFills_ProRata_LeftoverToEarliest(t *testing.T) {
	// 100 remaining, 3 bids of 100 each: floor gives 33/33/33, leftover lot
	// goes to the first submission.
	fills, err := MarginalFills([]uint64{100, 100, 100}, 100, AllocProRata)
	check.Nil(t, err)
	check.Equal(t, []uint64{34, 33, 33}, fills)

	var total uint64
	for _, f := range fills {
		total += f
	}
	check.Equal(t, uint64(100), total)
}

func TestMarginalFills_NeverExceedSupplyOrRequest(t *testing.T) {
	lots := []uint64{7, 13, 29, 1, 55}
	for _, policy := range []AllocationPolicy{AllocFIFO, AllocProRata} {
		for _, remaining := range []uint64{0, 1, 50, 104, 105, 200} {
			fills, err := MarginalFills(lots, remaining, policy)
			check.Nil(t, err)

			var total uint64
			for i, f := range fills {
				check.True(t, f <= lots[i])
				total += f
			}
			check.True(t, total <= remaining)
			if remaining >= 105 {
				check.Equal(t, uint64(105), total)
			} else {
				check.Equal(t, remaining, total)
			}
		}
	}
}

func TestMarginalFills_UnknownPolicy(t *testing.T) {
	_, err := MarginalFills([]uint64{1}, 1, AllocationPolicy("lifo"))
	check.Error(t, err)
}
