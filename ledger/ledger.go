package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/veilbid-io/sealedauction/assets"
	"github.com/veilbid-io/sealedauction/core"
	"github.com/veilbid-io/sealedauction/fhe"
	"github.com/veilbid-io/sealedauction/operators"
	"github.com/veilbid-io/sealedauction/oracle"
	"github.com/veilbid-io/sealedauction/store"
	"github.com/veilbid-io/sealedauction/wrapper"
)

const (
	// custodyAccount holds the sold-token escrow and the confidential payment
	// reservations for every auction.
	custodyAccount = "auction-ledger"

	auctionSeqKey = "auctionseq"

	// defaultPendingTTL bounds how long a decryption round may stay
	// unanswered before it can be cancelled and reissued.
	defaultPendingTTL = 15 * time.Minute
)

// Deps bundles the ledger's collaborators.
type Deps struct {
	Engine    fhe.Engine
	Book      *assets.Book
	Wrappers  *wrapper.Factory
	Operators *operators.Registry
	Store     *store.Store
	Verifier  *oracle.Verifier
	Bus       evbus.Bus
	Logger    zerolog.Logger

	// Clock defaults to time.Now; tests inject a fixed clock.
	Clock func() time.Time
	// PendingTTL defaults to defaultPendingTTL.
	PendingTTL time.Duration
}

// Ledger owns the auction and bid records. All mutating operations serialize
// on one mutex; each is atomic against the store.
type Ledger struct {
	mu   sync.Mutex
	deps Deps
	log  zerolog.Logger
}

// New builds a ledger over the given collaborators.
func New(deps Deps) *Ledger {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.PendingTTL == 0 {
		deps.PendingTTL = defaultPendingTTL
	}
	return &Ledger{
		deps: deps,
		log:  deps.Logger.With().Str("component", "ledger").Logger(),
	}
}

// Account returns the ledger's custody identity. Bidders must grant it an
// operator permission over their confidential payment balance, and external
// bid inputs must be bound to it.
func (l *Ledger) Account() string { return custodyAccount }

// CreateAuction escrows totalLots of tokenSold from the seller and opens a
// new auction. The payment asset must already have a confidential wrapper.
// An empty policy defaults to FIFO marginal allocation.
func (l *Ledger) CreateAuction(seller, tokenSold, paymentAsset string, totalLots, startTick, endTick, tickSize uint64, startTime, endTime time.Time, policy core.AllocationPolicy) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if startTick <= endTick || endTick == 0 || tickSize == 0 || totalLots == 0 {
		return 0, fmt.Errorf("%w: ticks %d..%d size %d lots %d", ErrInvalidRange, startTick, endTick, tickSize, totalLots)
	}
	if !startTime.Before(endTime) {
		return 0, fmt.Errorf("%w: window %s..%s", ErrInvalidRange, startTime, endTime)
	}
	if _, err := core.UnitPrice(startTick, tickSize); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if policy == "" {
		policy = core.AllocFIFO
	}
	if !policy.Valid() {
		return 0, fmt.Errorf("%w: policy %q", ErrInvalidRange, policy)
	}
	if _, err := l.deps.Wrappers.Get(paymentAsset); err != nil {
		return 0, err
	}

	if err := l.deps.Book.TransferFrom(tokenSold, custodyAccount, seller, custodyAccount, totalLots); err != nil {
		return 0, fmt.Errorf("escrow supply: %w", err)
	}

	id, err := l.nextAuctionID()
	if err != nil {
		return 0, err
	}
	auction := Auction{
		ID:            id,
		Seller:        seller,
		TokenSold:     tokenSold,
		PaymentAsset:  paymentAsset,
		TotalLots:     totalLots,
		RemainingLots: totalLots,
		StartTick:     startTick,
		EndTick:       endTick,
		TickSize:      tickSize,
		StartTime:     startTime,
		EndTime:       endTime,
		Status:        StatusOpen,
		Policy:        policy,
	}
	if err := l.deps.Store.Put(auctionKey(id), auction); err != nil {
		return 0, fmt.Errorf("persist auction: %w", err)
	}

	l.log.Info().
		Uint64("auction_id", id).
		Str("seller", seller).
		Str("token_sold", tokenSold).
		Uint64("total_lots", totalLots).
		Uint64("start_tick", startTick).
		Uint64("end_tick", endTick).
		Msg("auction created")
	l.publish(TopicAuctionCreated, AuctionCreatedEvent{
		AuctionID: id, Seller: seller, TokenSold: tokenSold, TotalLots: totalLots,
	})
	return id, nil
}

// PlaceBid records a bid with a public price tick and a hidden quantity. The
// quantity arrives as an external encrypted input bound to the ledger and the
// bidder; the ledger immediately reserves tick × tickSize per hidden lot of
// confidential payment into custody, so claims are solvent by construction.
func (l *Ledger) PlaceBid(auctionID uint64, bidder string, tick uint64, input fhe.ExternalInput) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	auction, err := l.auction(auctionID)
	if err != nil {
		return 0, err
	}
	now := l.deps.Clock()
	if auction.Status != StatusOpen || now.Before(auction.StartTime) || !now.Before(auction.EndTime) {
		return 0, fmt.Errorf("%w: auction %d", ErrAuctionNotOpen, auctionID)
	}
	if tick < auction.EndTick || tick > auction.StartTick {
		return 0, fmt.Errorf("%w: tick %d not in [%d, %d]", ErrTickOutOfRange, tick, auction.EndTick, auction.StartTick)
	}
	if !l.deps.Operators.IsOperator(bidder, custodyAccount) {
		return 0, fmt.Errorf("%w: bidder %s", ErrOperatorNotAuthorized, bidder)
	}

	lots, err := l.deps.Engine.VerifyInput(input, custodyAccount, bidder)
	if err != nil {
		return 0, err
	}

	w, err := l.deps.Wrappers.Get(auction.PaymentAsset)
	if err != nil {
		return 0, err
	}
	unit, err := core.UnitPrice(tick, auction.TickSize)
	if err != nil {
		return 0, err
	}
	amount, err := l.deps.Engine.MulScalar(lots, unit)
	if err != nil {
		return 0, fmt.Errorf("price reservation: %w", err)
	}
	reservation, err := w.Transfer(custodyAccount, bidder, custodyAccount, amount)
	if err != nil {
		return 0, fmt.Errorf("reserve payment: %w", err)
	}

	bid := Bid{
		AuctionID:   auctionID,
		ID:          auction.NextBidID,
		Bidder:      bidder,
		Tick:        tick,
		Lots:        lots,
		Reservation: reservation,
	}
	auction.NextBidID++

	err = l.deps.Store.Update(func(tx *store.Tx) error {
		if err := tx.Put(bidKey(auctionID, bid.ID), bid); err != nil {
			return err
		}
		return tx.Put(auctionKey(auctionID), auction)
	})
	if err != nil {
		return 0, fmt.Errorf("persist bid: %w", err)
	}

	commitment := core.ComputeBidCommitment(auctionID, bidder, tick, lots.Hex(), fmt.Sprintf("%d", bid.ID))
	l.log.Info().
		Uint64("auction_id", auctionID).
		Uint64("bid_id", bid.ID).
		Str("bidder", bidder).
		Uint64("tick", tick).
		Stringer("lots", lots).
		Msg("bid placed")
	l.publish(TopicBidPlaced, BidPlacedEvent{
		AuctionID: auctionID, BidID: bid.ID, Bidder: bidder, Tick: tick, Commitment: commitment,
	})
	return bid.ID, nil
}

// GetAuction returns the auction record.
func (l *Ledger) GetAuction(id uint64) (Auction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.auction(id)
}

// GetBid returns one bid record.
func (l *Ledger) GetBid(auctionID, bidID uint64) (Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bid(auctionID, bidID)
}

// Bids returns every bid of an auction in submission order.
func (l *Ledger) Bids(auctionID uint64) ([]Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bids(auctionID)
}

func (l *Ledger) auction(id uint64) (Auction, error) {
	var auction Auction
	err := l.deps.Store.Get(auctionKey(id), &auction)
	if errors.Is(err, store.ErrNotFound) {
		return Auction{}, fmt.Errorf("%w: %d", ErrAuctionNotFound, id)
	}
	return auction, err
}

func (l *Ledger) bid(auctionID, bidID uint64) (Bid, error) {
	var bid Bid
	err := l.deps.Store.Get(bidKey(auctionID, bidID), &bid)
	if errors.Is(err, store.ErrNotFound) {
		return Bid{}, fmt.Errorf("%w: auction %d bid %d", ErrBidNotFound, auctionID, bidID)
	}
	return bid, err
}

// bids lists in key order, which is submission order because bid ids are
// zero-padded in the key.
func (l *Ledger) bids(auctionID uint64) ([]Bid, error) {
	var out []Bid
	err := l.deps.Store.List(bidPrefix(auctionID), func(key string, raw []byte) error {
		var bid Bid
		if err := cbor.Unmarshal(raw, &bid); err != nil {
			return fmt.Errorf("decode bid %s: %w", key, err)
		}
		out = append(out, bid)
		return nil
	})
	return out, err
}

func (l *Ledger) nextAuctionID() (uint64, error) {
	var id uint64
	err := l.deps.Store.Update(func(tx *store.Tx) error {
		var seq uint64
		err := tx.Get(auctionSeqKey, &seq)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		seq++
		id = seq
		return tx.Put(auctionSeqKey, seq)
	})
	return id, err
}

func (l *Ledger) publish(topic string, event any) {
	if l.deps.Bus != nil {
		l.deps.Bus.Publish(topic, event)
	}
}

func auctionKey(id uint64) string {
	return fmt.Sprintf("auction/%016x", id)
}

func bidKey(auctionID, bidID uint64) string {
	return fmt.Sprintf("bid/%016x/%016x", auctionID, bidID)
}

func bidPrefix(auctionID uint64) string {
	return fmt.Sprintf("bid/%016x/", auctionID)
}

func pendingKey(id string) string {
	return "pending/" + id
}
