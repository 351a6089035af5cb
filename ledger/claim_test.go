package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/veilbid-io/sealedauction/oracle"
)

func TestClaimGuards(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 160_000_000)
	bidID := env.placeBid(t, id, "alice", 80, 400)

	_, err := env.ledger.RequestClaim(id, bidID, "alice")
	check.True(t, errors.Is(err, ErrNotFinalized))

	env.finalize(t, id)

	_, err = env.ledger.RequestClaim(id, bidID, "mallory")
	check.True(t, errors.Is(err, ErrNotBidOwner))
	_, err = env.ledger.RequestClaim(id, 42, "alice")
	check.True(t, errors.Is(err, ErrBidNotFound))

	env.claim(t, id, bidID, "alice")
	_, err = env.ledger.RequestClaim(id, bidID, "alice")
	check.True(t, errors.Is(err, ErrAlreadyClaimed))
}

func TestDuplicateClaimWhileDecryptionPending(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 200_000_000)
	bidID := env.placeBid(t, id, "alice", 80, 500)
	env.finalize(t, id)

	req, err := env.ledger.RequestClaim(id, bidID, "alice")
	assert.Nil(t, err)
	assert.NotNil(t, req)

	_, err = env.ledger.RequestClaim(id, bidID, "alice")
	check.True(t, errors.Is(err, ErrClaimPending))

	_, err = env.ledger.OnDecryptionResult(env.answer(t, req))
	assert.Nil(t, err)
	_, err = env.ledger.RequestClaim(id, bidID, "alice")
	check.True(t, errors.Is(err, ErrAlreadyClaimed))
}

func TestLoserRefundsSynchronously(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 450_000_000)
	env.fundBidder(t, "bob", 50_000_000)
	aliceBid := env.placeBid(t, id, "alice", 90, 1000)
	bobBid := env.placeBid(t, id, "bob", 20, 500)
	env.finalize(t, id)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(90), auction.ClearingTick)

	// Bob lost: full reservation back, no oracle round, no tokens.
	req, err := env.ledger.RequestClaim(id, bobBid, "bob")
	assert.Nil(t, err)
	check.Nil(t, req)
	check.Equal(t, uint64(50_000_000), env.confidentialBalance(t, "bob"))
	check.Equal(t, uint64(0), env.publicBalance(t, soldToken, "bob"))

	// Alice sits at the clearing tick with a known fill: synchronous too.
	req, err = env.ledger.RequestClaim(id, aliceBid, "alice")
	assert.Nil(t, err)
	check.Nil(t, req)
	check.Equal(t, uint64(1000), env.publicBalance(t, soldToken, "alice"))
	check.Equal(t, uint64(0), env.confidentialBalance(t, "alice"))
	check.Equal(t, uint64(450_000_000), env.confidentialBalance(t, "seller"))
}

func TestUnderfundedBidderCannotDrainOtherReservations(t *testing.T) {
	// Alice bids 100 lots at tick 50 but her balance covers only 1000 of
	// the 5000 reservation, so the wrapper's clamp escrows just 1000. Her
	// fill is capped at the 20 lots that 1000 pays for at the clearing
	// price; the seller sees only her money and losing bidder Bob's refund
	// stays whole.
	env := newTestEnv(t)
	id := env.createAuction(t, 100, 100, 10, 1, "")
	env.fundBidder(t, "alice", 1000)
	env.fundBidder(t, "bob", 2000)
	aliceBid := env.placeBid(t, id, "alice", 50, 100)
	bobBid := env.placeBid(t, id, "bob", 20, 100)
	env.finalize(t, id)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(50), auction.ClearingTick)

	bid, err := env.ledger.GetBid(id, aliceBid)
	assert.Nil(t, err)
	check.Equal(t, true, bid.FillKnown)
	check.Equal(t, uint64(20), bid.Fill)

	env.claim(t, id, aliceBid, "alice")
	check.Equal(t, uint64(20), env.publicBalance(t, soldToken, "alice"))
	check.Equal(t, uint64(0), env.confidentialBalance(t, "alice"))
	check.Equal(t, uint64(1000), env.confidentialBalance(t, "seller"))

	env.claim(t, id, bobBid, "bob")
	check.Equal(t, uint64(2000), env.confidentialBalance(t, "bob"))
	check.Equal(t, uint64(0), env.publicBalance(t, soldToken, "bob"))

	// Custody drains exactly; the unfunded lots stay with the auction.
	check.Equal(t, uint64(0), env.confidentialBalance(t, env.ledger.Account()))
	auction, err = env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(80), auction.RemainingLots)
}

func TestUnderfundedWinnerAboveClearingCappedAtReservation(t *testing.T) {
	// Carol bids above the clearing tick with a short reservation. Her
	// claim round reveals lots and reservation together and she receives
	// only the lots her escrow pays for at the clearing price.
	env := newTestEnv(t)
	id := env.createAuction(t, 150, 100, 10, 1, "")
	env.fundBidder(t, "carol", 1000)
	env.fundBidder(t, "dave", 5000)
	carolBid := env.placeBid(t, id, "carol", 80, 100)
	daveBid := env.placeBid(t, id, "dave", 50, 100)
	env.finalize(t, id)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(50), auction.ClearingTick)

	env.claim(t, id, carolBid, "carol")
	check.Equal(t, uint64(20), env.publicBalance(t, soldToken, "carol"))
	check.Equal(t, uint64(0), env.confidentialBalance(t, "carol"))
	check.Equal(t, uint64(1000), env.confidentialBalance(t, "seller"))

	env.claim(t, id, daveBid, "dave")
	check.Equal(t, uint64(50), env.publicBalance(t, soldToken, "dave"))
	check.Equal(t, uint64(2500), env.confidentialBalance(t, "dave"))
	check.Equal(t, uint64(3500), env.confidentialBalance(t, "seller"))

	check.Equal(t, uint64(0), env.confidentialBalance(t, env.ledger.Account()))
	auction, err = env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(80), auction.RemainingLots)
}

func TestBadClaimProofFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 160_000_000)
	bidID := env.placeBid(t, id, "alice", 80, 400)
	env.finalize(t, id)

	req, err := env.ledger.RequestClaim(id, bidID, "alice")
	assert.Nil(t, err)
	assert.NotNil(t, req)

	// Valid signature over the wrong cleartexts.
	forged, err := env.signer.Sign(*req, []uint64{999_999, 999_999})
	assert.Nil(t, err)
	forged.Cleartexts = []uint64{400, 160_000_000}
	_, err = env.ledger.OnDecryptionResult(forged)
	check.True(t, errors.Is(err, oracle.ErrResultMismatch))

	bid, err := env.ledger.GetBid(id, bidID)
	assert.Nil(t, err)
	check.Equal(t, false, bid.Claimed)

	// The round survives the bad answer and settles with a genuine one.
	_, err = env.ledger.OnDecryptionResult(env.answer(t, req))
	assert.Nil(t, err)
	check.Equal(t, uint64(400), env.publicBalance(t, soldToken, "alice"))
}

func TestCancelExpiredClaimRound(t *testing.T) {
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 5000, "")
	env.fundBidder(t, "alice", 160_000_000)
	bidID := env.placeBid(t, id, "alice", 80, 400)
	env.finalize(t, id)

	req, err := env.ledger.RequestClaim(id, bidID, "alice")
	assert.Nil(t, err)
	assert.NotNil(t, req)

	err = env.ledger.CancelClaim(id, bidID)
	check.True(t, errors.Is(err, ErrDeadlineNotReached))

	env.now = env.now.Add(time.Hour)
	assert.Nil(t, env.ledger.CancelClaim(id, bidID))

	// The stale answer is dead; a fresh claim settles.
	_, err = env.ledger.OnDecryptionResult(env.answer(t, req))
	check.True(t, errors.Is(err, ErrUnknownRequest))
	env.claim(t, id, bidID, "alice")
	check.Equal(t, uint64(400), env.publicBalance(t, soldToken, "alice"))
}

func TestSupplyConservationUnderInterleavedClaims(t *testing.T) {
	// Three winners above the clearing tick plus a rationed clearing-tick
	// bid; however claims interleave, deliveries never exceed supply and
	// escrow drains to exactly zero.
	env := newTestEnv(t)
	id := env.createAuction(t, 1000, 100, 10, 1000, "")
	env.fundBidder(t, "a", 90_000_000)
	env.fundBidder(t, "b", 85_000_000)
	env.fundBidder(t, "c", 16_000_000)
	env.fundBidder(t, "d", 30_000_000)
	bidA := env.placeBid(t, id, "a", 90, 300) // wins fully
	bidB := env.placeBid(t, id, "b", 85, 250) // wins fully
	bidC := env.placeBid(t, id, "c", 80, 200) // wins fully
	bidD := env.placeBid(t, id, "d", 60, 500) // clearing tick, 250 left
	env.finalize(t, id)

	auction, err := env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(60), auction.ClearingTick)

	d, err := env.ledger.GetBid(id, bidD)
	assert.Nil(t, err)
	check.Equal(t, uint64(250), d.Fill)

	// Claim out of submission order.
	env.claim(t, id, bidD, "d")
	env.claim(t, id, bidB, "b")
	env.claim(t, id, bidA, "a")
	env.claim(t, id, bidC, "c")

	delivered := env.publicBalance(t, soldToken, "a") +
		env.publicBalance(t, soldToken, "b") +
		env.publicBalance(t, soldToken, "c") +
		env.publicBalance(t, soldToken, "d")
	check.Equal(t, uint64(1000), delivered)
	check.Equal(t, uint64(0), env.publicBalance(t, soldToken, env.ledger.Account()))

	auction, err = env.ledger.GetAuction(id)
	assert.Nil(t, err)
	check.Equal(t, uint64(0), auction.RemainingLots)

	// Every winner paid 60 × 1000 per filled lot; the rest of each
	// reservation came back.
	check.Equal(t, uint64(90_000_000-300*60_000), env.confidentialBalance(t, "a"))
	check.Equal(t, uint64(85_000_000-250*60_000), env.confidentialBalance(t, "b"))
	check.Equal(t, uint64(16_000_000-200*60_000), env.confidentialBalance(t, "c"))
	check.Equal(t, uint64(30_000_000-250*60_000), env.confidentialBalance(t, "d"))
	paid := uint64(300+250+200+250) * 60_000
	check.Equal(t, paid, env.confidentialBalance(t, "seller"))
}
