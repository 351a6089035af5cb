package ledger

import (
	"fmt"
	"sort"

	"github.com/veilbid-io/sealedauction/core"
	"github.com/veilbid-io/sealedauction/fhe"
	"github.com/veilbid-io/sealedauction/oracle"
	"github.com/veilbid-io/sealedauction/store"
)

// RequestFinalize starts clearing-price determination after the bidding
// window closes. It accumulates encrypted demand down the price ladder and
// asks the oracle for the threshold flag at each tick boundary; the caller
// ships the returned request to the gateway and feeds the result back through
// OnDecryptionResult. An auction with no bids finalizes immediately at
// endTick with no oracle round, returning a nil request.
func (l *Ledger) RequestFinalize(auctionID uint64) (*oracle.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	auction, err := l.auction(auctionID)
	if err != nil {
		return nil, err
	}
	switch auction.Status {
	case StatusOpen:
	case StatusFinalized:
		return nil, fmt.Errorf("%w: auction %d", ErrAlreadyFinalized, auctionID)
	default:
		return nil, fmt.Errorf("%w: auction %d", ErrFinalizePending, auctionID)
	}
	if l.deps.Clock().Before(auction.EndTime) {
		return nil, fmt.Errorf("%w: auction %d closes at %s", ErrAuctionStillOpen, auctionID, auction.EndTime)
	}

	bids, err := l.bids(auctionID)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		auction.ClearingTick = auction.EndTick
		auction.Status = StatusFinalized
		if err := l.deps.Store.Put(auctionKey(auctionID), auction); err != nil {
			return nil, err
		}
		l.log.Info().Uint64("auction_id", auctionID).Msg("finalized with empty book")
		l.publish(TopicAuctionFinalized, AuctionFinalizedEvent{AuctionID: auctionID, ClearingTick: auction.EndTick})
		return nil, nil
	}

	sums, ticks, err := l.tickSums(bids)
	if err != nil {
		return nil, err
	}
	supply, err := l.deps.Engine.TrivialEncrypt(auction.TotalLots)
	if err != nil {
		return nil, err
	}

	// One flag per distinct tick, descending: cumDemand(tick) >= totalLots.
	flags := make([]fhe.Handle, 0, len(ticks))
	var cum fhe.Handle
	for i, tick := range ticks {
		if i == 0 {
			cum = sums[tick]
		} else {
			cum, err = l.deps.Engine.Add(cum, sums[tick])
			if err != nil {
				return nil, err
			}
		}
		flag, err := l.deps.Engine.Ge(cum, supply)
		if err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}

	req := oracle.NewRequest(flags)
	pending := pendingRequest{
		ID:        req.ID.String(),
		AuctionID: auctionID,
		Kind:      pendingClearing,
		Handles:   flags,
		Ticks:     ticks,
		Deadline:  l.deps.Clock().Add(l.deps.PendingTTL),
	}
	auction.Status = StatusAwaitingClearing
	auction.Pending = pending.ID

	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Put(pendingKey(pending.ID), pending); err != nil {
			return err
		}
		return tx.Put(auctionKey(auctionID), auction)
	})
	if err != nil {
		return nil, fmt.Errorf("persist clearing round: %w", err)
	}

	l.log.Info().
		Uint64("auction_id", auctionID).
		Str("request_id", pending.ID).
		Int("ticks", len(ticks)).
		Msg("clearing round requested")
	return &req, nil
}

// OnDecryptionResult is the oracle callback: the single entry point for every
// decryption round the ledger has outstanding. The proof is verified against
// the handles that were actually requested before any cleartext is used; a
// bad proof leaves the round pending and retryable. When clearing needs a
// follow-up allocation round, the new request is returned for the caller to
// ship to the gateway.
func (l *Ledger) OnDecryptionResult(res oracle.Result) (*oracle.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pending pendingRequest
	err := l.deps.Store.Get(pendingKey(res.RequestID.String()), &pending)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, res.RequestID)
	}

	if err := l.deps.Verifier.Verify(res, pending.Handles); err != nil {
		l.log.Warn().
			Err(err).
			Str("request_id", pending.ID).
			Uint64("auction_id", pending.AuctionID).
			Msg("decryption proof rejected")
		return nil, err
	}

	switch pending.Kind {
	case pendingClearing:
		return l.applyClearing(pending, res)
	case pendingAllocation:
		return nil, l.applyAllocation(pending, res)
	case pendingClaim:
		return nil, l.applyClaim(pending, res)
	default:
		return nil, fmt.Errorf("pending request %s has unknown kind %d", pending.ID, pending.Kind)
	}
}

// applyClearing fixes the clearing tick from the decrypted threshold flags.
// If the book cleared and bids sit at exactly the clearing tick, their fills
// depend on how much supply the higher ticks consume, so a second round
// decrypts that cumulative demand plus each clearing-tick bid's lots. Fixing
// marginal fills here, at finalization, makes allocation independent of the
// order in which bidders later claim.
func (l *Ledger) applyClearing(pending pendingRequest, res oracle.Result) (*oracle.Request, error) {
	auction, err := l.auction(pending.AuctionID)
	if err != nil {
		return nil, err
	}
	if auction.Status != StatusAwaitingClearing || auction.Pending != pending.ID {
		return nil, fmt.Errorf("%w: stale round %s for auction %d", ErrUnknownRequest, pending.ID, auction.ID)
	}

	flags := core.FlagsFromCleartexts(res.Cleartexts)
	clearingTick, err := core.ClearingTick(pending.Ticks, flags, auction.EndTick)
	if err != nil {
		return nil, err
	}
	cleared := false
	for _, f := range flags {
		if f {
			cleared = true
			break
		}
	}
	auction.ClearingTick = clearingTick

	bids, err := l.bids(auction.ID)
	if err != nil {
		return nil, err
	}
	var marginal []Bid
	if cleared {
		for _, b := range bids {
			if b.Tick == clearingTick {
				marginal = append(marginal, b)
			}
		}
	}

	// Undersubscribed book, or cleared with no bid exactly at the clearing
	// tick: every winner fills fully and nothing is left to ration.
	if len(marginal) == 0 {
		auction.Status = StatusFinalized
		auction.Pending = ""
		err = l.deps.Store.Update(func(tx *store.Tx) error {
			if err := tx.Delete(pendingKey(pending.ID)); err != nil {
				return err
			}
			return tx.Put(auctionKey(auction.ID), auction)
		})
		if err != nil {
			return nil, err
		}
		l.log.Info().
			Uint64("auction_id", auction.ID).
			Uint64("clearing_tick", clearingTick).
			Msg("auction finalized")
		l.publish(TopicAuctionFinalized, AuctionFinalizedEvent{AuctionID: auction.ID, ClearingTick: clearingTick})
		return nil, nil
	}

	req, next, err := l.buildAllocationRound(&auction, bids, marginal)
	if err != nil {
		return nil, err
	}
	auction.Status = StatusAwaitingAllocation
	auction.Pending = next.ID

	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Delete(pendingKey(pending.ID)); err != nil {
			return err
		}
		if err := tx.Put(pendingKey(next.ID), next); err != nil {
			return err
		}
		return tx.Put(auctionKey(auction.ID), auction)
	})
	if err != nil {
		return nil, fmt.Errorf("persist allocation round: %w", err)
	}

	l.log.Info().
		Uint64("auction_id", auction.ID).
		Uint64("clearing_tick", clearingTick).
		Str("request_id", next.ID).
		Int("marginal_bids", len(marginal)).
		Msg("allocation round requested")
	return req, nil
}

// buildAllocationRound assembles the second finalization round: handle 0 is
// the cumulative demand strictly above the clearing tick, then the
// clearing-tick bids' lots in submission order, then their payment
// reservations in the same order. Revealing a reservation discloses nothing
// beyond the lots already being revealed, since it is lots × bid price, and
// it lets applyAllocation cap each fill at what the bid actually escrowed.
func (l *Ledger) buildAllocationRound(auction *Auction, bids, marginal []Bid) (*oracle.Request, pendingRequest, error) {
	sums, ticks, err := l.tickSums(bids)
	if err != nil {
		return nil, pendingRequest{}, err
	}
	above, err := l.deps.Engine.TrivialEncrypt(0)
	if err != nil {
		return nil, pendingRequest{}, err
	}
	for _, tick := range ticks {
		if tick <= auction.ClearingTick {
			break
		}
		above, err = l.deps.Engine.Add(above, sums[tick])
		if err != nil {
			return nil, pendingRequest{}, err
		}
	}

	handles := make([]fhe.Handle, 0, 2*len(marginal)+1)
	handles = append(handles, above)
	bidIDs := make([]uint64, 0, len(marginal))
	for _, b := range marginal {
		handles = append(handles, b.Lots)
		bidIDs = append(bidIDs, b.ID)
	}
	for _, b := range marginal {
		handles = append(handles, b.Reservation)
	}

	req := oracle.NewRequest(handles)
	pending := pendingRequest{
		ID:        req.ID.String(),
		AuctionID: auction.ID,
		Kind:      pendingAllocation,
		Handles:   handles,
		BidIDs:    bidIDs,
		Deadline:  l.deps.Clock().Add(l.deps.PendingTTL),
	}
	return &req, pending, nil
}

// applyAllocation fixes the fill of every clearing-tick bid and finalizes the
// auction.
func (l *Ledger) applyAllocation(pending pendingRequest, res oracle.Result) error {
	auction, err := l.auction(pending.AuctionID)
	if err != nil {
		return err
	}
	if auction.Status != StatusAwaitingAllocation || auction.Pending != pending.ID {
		return fmt.Errorf("%w: stale round %s for auction %d", ErrUnknownRequest, pending.ID, auction.ID)
	}
	if len(res.Cleartexts) != 2*len(pending.BidIDs)+1 {
		return fmt.Errorf("%w: expected %d cleartexts, got %d", oracle.ErrResultMismatch, 2*len(pending.BidIDs)+1, len(res.Cleartexts))
	}

	above := res.Cleartexts[0]
	var remaining uint64
	if above < auction.TotalLots {
		remaining = auction.TotalLots - above
	}
	lots := res.Cleartexts[1 : len(pending.BidIDs)+1]
	reservations := res.Cleartexts[len(pending.BidIDs)+1:]
	fills, err := core.MarginalFills(lots, remaining, auction.Policy)
	if err != nil {
		return err
	}

	marginalBids := make([]Bid, len(pending.BidIDs))
	for i, id := range pending.BidIDs {
		bid, err := l.bid(auction.ID, id)
		if err != nil {
			return err
		}
		// An underfunded reservation caps the fill: the bid wins only the
		// lots it escrowed payment for at the clearing price.
		fill := fills[i]
		if affordable := core.AffordableLots(reservations[i], auction.ClearingTick, auction.TickSize); fill > affordable {
			fill = affordable
		}
		bid.Fill = fill
		bid.FillKnown = true
		marginalBids[i] = bid
	}

	auction.Status = StatusFinalized
	auction.Pending = ""
	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Delete(pendingKey(pending.ID)); err != nil {
			return err
		}
		for _, bid := range marginalBids {
			if err := tx.Put(bidKey(auction.ID, bid.ID), bid); err != nil {
				return err
			}
		}
		return tx.Put(auctionKey(auction.ID), auction)
	})
	if err != nil {
		return fmt.Errorf("persist finalization: %w", err)
	}

	l.log.Info().
		Uint64("auction_id", auction.ID).
		Uint64("clearing_tick", auction.ClearingTick).
		Uint64("marginal_supply", remaining).
		Msg("auction finalized")
	l.publish(TopicAuctionFinalized, AuctionFinalizedEvent{AuctionID: auction.ID, ClearingTick: auction.ClearingTick})
	return nil
}

// CancelPending drops a finalization round whose deadline has passed without
// an answer, so a stuck oracle cannot wedge the auction forever. A stale
// clearing round reverts the auction to its pre-finalize state for a fresh
// RequestFinalize; a stale allocation round is reissued immediately (the
// clearing tick is already fixed and is never reset) and the fresh request is
// returned.
func (l *Ledger) CancelPending(auctionID uint64) (*oracle.Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	auction, err := l.auction(auctionID)
	if err != nil {
		return nil, err
	}
	if auction.Pending == "" {
		return nil, fmt.Errorf("%w: auction %d has no pending round", ErrUnknownRequest, auctionID)
	}
	var pending pendingRequest
	if err := l.deps.Store.Get(pendingKey(auction.Pending), &pending); err != nil {
		return nil, err
	}
	if l.deps.Clock().Before(pending.Deadline) {
		return nil, fmt.Errorf("%w: deadline %s", ErrDeadlineNotReached, pending.Deadline)
	}

	if pending.Kind == pendingClearing {
		auction.Status = StatusOpen
		auction.Pending = ""
		err = l.deps.Store.Update(func(tx *store.Tx) error {
			if err := tx.Delete(pendingKey(pending.ID)); err != nil {
				return err
			}
			return tx.Put(auctionKey(auctionID), auction)
		})
		if err != nil {
			return nil, err
		}
		l.log.Warn().
			Uint64("auction_id", auctionID).
			Str("request_id", pending.ID).
			Msg("expired clearing round cancelled")
		return nil, nil
	}

	bids, err := l.bids(auctionID)
	if err != nil {
		return nil, err
	}
	var marginal []Bid
	for _, b := range bids {
		if b.Tick == auction.ClearingTick {
			marginal = append(marginal, b)
		}
	}
	req, next, err := l.buildAllocationRound(&auction, bids, marginal)
	if err != nil {
		return nil, err
	}
	auction.Pending = next.ID
	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Delete(pendingKey(pending.ID)); err != nil {
			return err
		}
		if err := tx.Put(pendingKey(next.ID), next); err != nil {
			return err
		}
		return tx.Put(auctionKey(auctionID), auction)
	})
	if err != nil {
		return nil, err
	}
	l.log.Warn().
		Uint64("auction_id", auctionID).
		Str("stale", pending.ID).
		Str("request_id", next.ID).
		Msg("expired allocation round reissued")
	return req, nil
}

// tickSums aggregates encrypted demand per distinct tick and returns the
// distinct ticks in descending order.
func (l *Ledger) tickSums(bids []Bid) (map[uint64]fhe.Handle, []uint64, error) {
	sums := make(map[uint64]fhe.Handle)
	var ticks []uint64
	for _, b := range bids {
		sum, ok := sums[b.Tick]
		if !ok {
			sums[b.Tick] = b.Lots
			ticks = append(ticks, b.Tick)
			continue
		}
		sum, err := l.deps.Engine.Add(sum, b.Lots)
		if err != nil {
			return nil, nil, err
		}
		sums[b.Tick] = sum
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] > ticks[j] })
	return sums, ticks, nil
}
