package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/veilbid-io/sealedauction/core"
	"github.com/veilbid-io/sealedauction/oracle"
)

func TestFinalizeTiming(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")

	_, err := env.ledger.RequestFinalize(id)
	check.True(t, errors.Is(err, ErrAuctionStillOpen))
}

func TestEmptyBookFinalizesAtEndTick(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")

	env.now = env.now.Add(2 * time.Hour)
	req, err := env.ledger.RequestFinalize(id)
	assert.Nil(t, err)
	check.Nil(t, req)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, StatusFinalized, auction.Status)
	check.Equal(t, uint64(10), auction.ClearingTick)
}

func TestClearingWorkedExample(t *testing.T) {
	// 1000 lots, ladder 100→10 × 5000. A bids tick 80 for 400, B bids
	// tick 60 for 700. Demand first covers supply at tick 60 (400+700),
	// so everyone pays 60 × 5000 and B is rationed to the 600 lots left
	// after A.
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 160_000_000)
	env.fundBidder(t, "bob", 210_000_000)
	aliceBid := env.placeBid(t, id, "alice", 80, 400)
	bobBid := env.placeBid(t, id, "bob", 60, 700)

	env.finalize(t, id)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, StatusFinalized, auction.Status)
	check.Equal(t, uint64(60), auction.ClearingTick)

	// B sits at the clearing tick, so its fill was fixed at finalization.
	b, err := env.ledger.GetBid(id, bobBid)
	assert.Nil(t, err)
	check.Equal(t, true, b.FillKnown)
	check.Equal(t, uint64(600), b.Fill)

	// A's fill stays hidden until A claims.
	a, err := env.ledger.GetBid(id, aliceBid)
	assert.Nil(t, err)
	check.Equal(t, false, a.FillKnown)

	env.claim(t, id, aliceBid, "alice")
	env.claim(t, id, bobBid, "bob")

	// Both pay the clearing price 60 × 5000 per filled lot.
	check.Equal(t, uint64(400), env.publicBalance(t, soldToken, "alice"))
	check.Equal(t, uint64(600), env.publicBalance(t, soldToken, "bob"))
	check.Equal(t, uint64(160_000_000-400*300_000), env.confidentialBalance(t, "alice"))
	check.Equal(t, uint64(210_000_000-600*300_000), env.confidentialBalance(t, "bob"))
	check.Equal(t, uint64(1_000*300_000), env.confidentialBalance(t, "seller"))

	auction, err = env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(0), auction.RemainingLots)
	check.Equal(t, uint64(0), env.publicBalance(t, soldToken, env.ledger.Account()))
}

func TestUndersubscribedEveryoneWinsAtEndTick(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 75_000_000)
	bidID := env.placeBid(t, id, "alice", 50, 300)

	env.finalize(t, id)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(10), auction.ClearingTick)

	env.claim(t, id, bidID, "alice")
	check.Equal(t, uint64(300), env.publicBalance(t, soldToken, "alice"))
	// Paid 300 × 10 × 5000, refunded the rest of the tick-50 reservation.
	check.Equal(t, uint64(75_000_000-300*50_000), env.confidentialBalance(t, "alice"))
}

func TestDuplicateFinalizeRejected(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 160_000_000)
	env.placeBid(t, id, "alice", 80, 400)

	env.now = env.now.Add(2 * time.Hour)
	req, err := env.ledger.RequestFinalize(id)
	assert.Nil(t, err)
	assert.NotNil(t, req)

	_, err = env.ledger.RequestFinalize(id)
	check.True(t, errors.Is(err, ErrFinalizePending))

	_, err = env.ledger.OnDecryptionResult(env.answer(t, req))
	assert.Nil(t, err)
	_, err = env.ledger.RequestFinalize(id)
	check.True(t, errors.Is(err, ErrAlreadyFinalized))
}

func TestBadClearingProofFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 500_000_000)
	env.placeBid(t, id, "alice", 80, 1000)

	env.now = env.now.Add(2 * time.Hour)
	req, err := env.ledger.RequestFinalize(id)
	assert.Nil(t, err)

	rogueKey, err := oracle.GenerateSigningKey()
	assert.Nil(t, err)
	rogue, err := oracle.NewSigner(rogueKey)
	assert.Nil(t, err)
	forged, err := rogue.Sign(*req, []uint64{1})
	assert.Nil(t, err)

	_, err = env.ledger.OnDecryptionResult(forged)
	check.True(t, errors.Is(err, oracle.ErrProofInvalid))

	// Still awaiting the clearing round; a genuine answer completes it.
	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, StatusAwaitingClearing, auction.Status)

	next, err := env.ledger.OnDecryptionResult(env.answer(t, req))
	assert.Nil(t, err)
	for next != nil {
		next, err = env.ledger.OnDecryptionResult(env.answer(t, next))
		assert.Nil(t, err)
	}
	auction, err = env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, StatusFinalized, auction.Status)
	check.Equal(t, uint64(80), auction.ClearingTick)
}

func TestResultReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 500_000_000)
	env.placeBid(t, id, "alice", 80, 1000)

	env.now = env.now.Add(2 * time.Hour)
	req, err := env.ledger.RequestFinalize(id)
	assert.Nil(t, err)
	res := env.answer(t, req)

	next, err := env.ledger.OnDecryptionResult(res)
	assert.Nil(t, err)
	for next != nil {
		next, err = env.ledger.OnDecryptionResult(env.answer(t, next))
		assert.Nil(t, err)
	}

	_, err = env.ledger.OnDecryptionResult(res)
	check.True(t, errors.Is(err, ErrUnknownRequest))
}

func TestProRataMarginalAllocation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 100, 100, 10, 100, core.AllocProRata)
	env.fundBidder(t, "alice", 1_000_000)
	env.fundBidder(t, "bob", 1_000_000)
	aliceBid := env.placeBid(t, id, "alice", 50, 60)
	bobBid := env.placeBid(t, id, "bob", 50, 60)

	env.finalize(t, id)

	// 120 lots chase 100 at the clearing tick: 60×100/120 = 50 each.
	a, err := env.ledger.GetBid(id, aliceBid)
	assert.Nil(t, err)
	b, err := env.ledger.GetBid(id, bobBid)
	assert.Nil(t, err)
	check.Equal(t, uint64(50), a.Fill)
	check.Equal(t, uint64(50), b.Fill)
}

func TestFIFOMarginalAllocation(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 100, 100, 10, 100, core.AllocFIFO)
	env.fundBidder(t, "alice", 1_000_000)
	env.fundBidder(t, "bob", 1_000_000)
	aliceBid := env.placeBid(t, id, "alice", 50, 60)
	bobBid := env.placeBid(t, id, "bob", 50, 60)

	env.finalize(t, id)

	// Submission order: alice fills fully, bob gets the 40 lots left.
	a, err := env.ledger.GetBid(id, aliceBid)
	assert.Nil(t, err)
	b, err := env.ledger.GetBid(id, bobBid)
	assert.Nil(t, err)
	check.Equal(t, uint64(60), a.Fill)
	check.Equal(t, uint64(40), b.Fill)
}

func TestCancelExpiredClearingRound(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 500_000_000)
	env.placeBid(t, id, "alice", 80, 1000)

	env.now = env.now.Add(2 * time.Hour)
	_, err := env.ledger.RequestFinalize(id)
	assert.Nil(t, err)

	_, err = env.ledger.CancelPending(id)
	check.True(t, errors.Is(err, ErrDeadlineNotReached))

	env.now = env.now.Add(time.Hour)
	req, err := env.ledger.CancelPending(id)
	assert.Nil(t, err)
	check.Nil(t, req)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, StatusOpen, auction.Status)

	// A fresh round completes normally.
	next, err := env.ledger.RequestFinalize(id)
	assert.Nil(t, err)
	for next != nil {
		next, err = env.ledger.OnDecryptionResult(env.answer(t, next))
		assert.Nil(t, err)
	}
	auction, err = env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, StatusFinalized, auction.Status)
}

func TestCancelExpiredAllocationRoundReissues(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 100, 100, 10, 100, "")
	env.fundBidder(t, "alice", 1_000_000)
	env.placeBid(t, id, "alice", 50, 200)

	env.now = env.now.Add(2 * time.Hour)
	req, err := env.ledger.RequestFinalize(id)
	assert.Nil(t, err)
	alloc, err := env.ledger.OnDecryptionResult(env.answer(t, req))
	assert.Nil(t, err)
	assert.NotNil(t, alloc)

	// Let the allocation round expire unanswered; the clearing tick is
	// already fixed, so cancelling hands back a fresh allocation request.
	env.now = env.now.Add(time.Hour)
	fresh, err := env.ledger.CancelPending(id)
	assert.Nil(t, err)
	assert.NotNil(t, fresh)
	check.NotEqual(t, alloc.ID, fresh.ID)

	// The stale answer no longer lands.
	_, err = env.ledger.OnDecryptionResult(env.answer(t, alloc))
	check.True(t, errors.Is(err, ErrUnknownRequest))

	_, err = env.ledger.OnDecryptionResult(env.answer(t, fresh))
	assert.Nil(t, err)
	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, StatusFinalized, auction.Status)
	check.Equal(t, uint64(50), auction.ClearingTick)
}
