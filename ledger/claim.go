package ledger

import (
	"fmt"

	"github.com/veilbid-io/sealedauction/core"
	"github.com/veilbid-io/sealedauction/fhe"
	"github.com/veilbid-io/sealedauction/oracle"
	"github.com/veilbid-io/sealedauction/store"
)

// RequestClaim settles one bid of a finalized auction, callable only by the
// bid's owner. Losing bids and clearing-tick bids settle synchronously: a
// loser's refund needs no plaintext, and a clearing-tick fill was fixed at
// finalization. A winner above the clearing tick fills for its full hidden
// quantity, so its lots must first be decrypted: the returned request goes to
// the gateway and the result comes back through OnDecryptionResult, which
// completes the settlement. A nil request means the bid settled in this call.
func (l *Ledger) RequestClaim(auctionID, bidID uint64, caller string) (*oracle.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	auction, err := l.auction(auctionID)
	if err != nil {
		return nil, err
	}
	if auction.Status != StatusFinalized {
		return nil, fmt.Errorf("%w: auction %d", ErrNotFinalized, auctionID)
	}
	bid, err := l.bid(auctionID, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Bidder != caller {
		return nil, fmt.Errorf("%w: bid %d belongs to %s", ErrNotBidOwner, bidID, bid.Bidder)
	}
	if bid.Claimed {
		return nil, fmt.Errorf("%w: auction %d bid %d", ErrAlreadyClaimed, auctionID, bidID)
	}
	if bid.PendingClaim != "" {
		return nil, fmt.Errorf("%w: request %s", ErrClaimPending, bid.PendingClaim)
	}

	if bid.Tick < auction.ClearingTick {
		return nil, l.settle(auction, bid, 0)
	}
	if bid.FillKnown {
		return nil, l.settle(auction, bid, bid.Fill)
	}

	// The reservation is revealed alongside the lots so settlement can cap
	// the fill at what the bid escrowed; it is lots × bid price, so the
	// reveal adds nothing beyond the lots themselves.
	req := oracle.NewRequest([]fhe.Handle{bid.Lots, bid.Reservation})
	pending := pendingRequest{
		ID:        req.ID.String(),
		AuctionID: auctionID,
		Kind:      pendingClaim,
		Handles:   req.Handles,
		BidIDs:    []uint64{bidID},
		Deadline:  l.deps.Clock().Add(l.deps.PendingTTL),
	}
	bid.PendingClaim = pending.ID

	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Put(pendingKey(pending.ID), pending); err != nil {
			return err
		}
		return tx.Put(bidKey(auctionID, bidID), bid)
	})
	if err != nil {
		return nil, fmt.Errorf("persist claim round: %w", err)
	}

	l.log.Info().
		Uint64("auction_id", auctionID).
		Uint64("bid_id", bidID).
		Str("request_id", pending.ID).
		Msg("claim decryption requested")
	return &req, nil
}

// applyClaim settles a winning bid once its lots are revealed.
func (l *Ledger) applyClaim(pending pendingRequest, res oracle.Result) error {
	auction, err := l.auction(pending.AuctionID)
	if err != nil {
		return err
	}
	bid, err := l.bid(pending.AuctionID, pending.BidIDs[0])
	if err != nil {
		return err
	}
	if bid.PendingClaim != pending.ID {
		return fmt.Errorf("%w: stale claim round %s for bid %d", ErrUnknownRequest, pending.ID, bid.ID)
	}
	if len(res.Cleartexts) != 2 {
		return fmt.Errorf("%w: expected 2 cleartexts, got %d", oracle.ErrResultMismatch, len(res.Cleartexts))
	}

	bid.PendingClaim = ""
	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Delete(pendingKey(pending.ID)); err != nil {
			return err
		}
		return tx.Put(bidKey(auction.ID, bid.ID), bid)
	})
	if err != nil {
		return err
	}

	fill := res.Cleartexts[0]
	if affordable := core.AffordableLots(res.Cleartexts[1], auction.ClearingTick, auction.TickSize); fill > affordable {
		fill = affordable
	}
	return l.settle(auction, bid, fill)
}

// CancelClaim drops a claim decryption round whose deadline has passed, so
// the bidder can request the claim again.
func (l *Ledger) CancelClaim(auctionID, bidID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bid, err := l.bid(auctionID, bidID)
	if err != nil {
		return err
	}
	if bid.PendingClaim == "" {
		return fmt.Errorf("%w: bid %d has no pending claim", ErrUnknownRequest, bidID)
	}
	var pending pendingRequest
	if err := l.deps.Store.Get(pendingKey(bid.PendingClaim), &pending); err != nil {
		return err
	}
	if l.deps.Clock().Before(pending.Deadline) {
		return fmt.Errorf("%w: deadline %s", ErrDeadlineNotReached, pending.Deadline)
	}

	bid.PendingClaim = ""
	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Delete(pendingKey(pending.ID)); err != nil {
			return err
		}
		return tx.Put(bidKey(auctionID, bidID), bid)
	})
	if err != nil {
		return err
	}
	l.log.Warn().
		Uint64("auction_id", auctionID).
		Uint64("bid_id", bidID).
		Str("request_id", pending.ID).
		Msg("expired claim round cancelled")
	return nil
}

// settle moves the money for one bid and marks it claimed. Winners pay the
// clearing price per filled lot out of their reservation and receive the sold
// token from escrow; whatever the reservation holds beyond the payment due is
// refunded, which covers both losers (full refund) and winners who bid above
// the clearing price or were partially filled. The seller payment is capped
// by the bid's own reservation, never drawn from the pooled custody beyond
// it, and supply accounting is atomic under the ledger mutex: a fill never
// exceeds the auction's remaining lots.
func (l *Ledger) settle(auction Auction, bid Bid, fill uint64) error {
	if fill > auction.RemainingLots {
		fill = auction.RemainingLots
	}
	due, err := core.PaymentDueUnits(fill, auction.ClearingTick, auction.TickSize)
	if err != nil {
		return err
	}

	w, err := l.deps.Wrappers.Get(auction.PaymentAsset)
	if err != nil {
		return err
	}
	dueEnc, err := l.deps.Engine.TrivialEncrypt(due)
	if err != nil {
		return err
	}
	paid, err := l.deps.Engine.Min(dueEnc, bid.Reservation)
	if err != nil {
		return err
	}
	refund, err := l.deps.Engine.Sub(bid.Reservation, paid)
	if err != nil {
		return err
	}
	if due > 0 {
		if _, err := w.Transfer(custodyAccount, custodyAccount, auction.Seller, paid); err != nil {
			return fmt.Errorf("pay seller: %w", err)
		}
	}
	if _, err := w.Transfer(custodyAccount, custodyAccount, bid.Bidder, refund); err != nil {
		return fmt.Errorf("refund reservation: %w", err)
	}
	if fill > 0 {
		if err := l.deps.Book.Transfer(auction.TokenSold, custodyAccount, bid.Bidder, fill); err != nil {
			return fmt.Errorf("deliver supply: %w", err)
		}
		auction.RemainingLots -= fill
	}

	bid.Claimed = true
	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Put(bidKey(auction.ID, bid.ID), bid); err != nil {
			return err
		}
		return tx.Put(auctionKey(auction.ID), auction)
	})
	if err != nil {
		return fmt.Errorf("persist settlement: %w", err)
	}

	l.log.Info().
		Uint64("auction_id", auction.ID).
		Uint64("bid_id", bid.ID).
		Str("bidder", bid.Bidder).
		Uint64("fill", fill).
		Uint64("paid_units", due).
		Msg("bid settled")
	l.publish(TopicBidSettled, BidSettledEvent{
		AuctionID: auction.ID, BidID: bid.ID, Bidder: bid.Bidder, Fill: fill, PaidUnits: due,
	})
	return nil
}
