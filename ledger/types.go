// Package ledger implements the auction ledger and clearing engine: auction
// and bid records, uniform-clearing-price finalization over encrypted demand,
// and per-bid claim settlement. Quantities stay encrypted end to end; every
// plaintext the ledger acts on arrives as an oracle result whose proof is
// verified first.
package ledger

import (
	"errors"
	"time"

	"github.com/veilbid-io/sealedauction/core"
	"github.com/veilbid-io/sealedauction/fhe"
)

var (
	ErrInvalidRange          = errors.New("invalid auction parameters")
	ErrAuctionNotFound       = errors.New("auction not found")
	ErrBidNotFound           = errors.New("bid not found")
	ErrAuctionNotOpen        = errors.New("auction not open for bidding")
	ErrAuctionStillOpen      = errors.New("bidding window still open")
	ErrAlreadyFinalized      = errors.New("auction already finalized")
	ErrFinalizePending       = errors.New("finalization round already pending")
	ErrTickOutOfRange        = errors.New("tick outside auction price ladder")
	ErrOperatorNotAuthorized = errors.New("ledger lacks an active operator grant")
	ErrNotFinalized          = errors.New("auction not finalized")
	ErrNotBidOwner           = errors.New("caller does not own this bid")
	ErrAlreadyClaimed        = errors.New("bid already claimed")
	ErrClaimPending          = errors.New("claim decryption already pending")
	ErrUnknownRequest        = errors.New("unknown decryption request")
	ErrDeadlineNotReached    = errors.New("pending round has not expired")
)

// Status is the auction lifecycle state. Transitions are one-way except the
// expiry path, which drops an unanswered decryption round.
type Status uint8

const (
	StatusOpen Status = iota
	StatusAwaitingClearing
	StatusAwaitingAllocation
	StatusFinalized
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusAwaitingClearing:
		return "awaiting_clearing"
	case StatusAwaitingAllocation:
		return "awaiting_allocation"
	case StatusFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Auction is the persisted auction record. ClearingTick is meaningful only
// once Status has passed StatusAwaitingClearing, and is written exactly once.
type Auction struct {
	ID            uint64                `cbor:"id"`
	Seller        string                `cbor:"seller"`
	TokenSold     string                `cbor:"token_sold"`
	PaymentAsset  string                `cbor:"payment_asset"`
	TotalLots     uint64                `cbor:"total_lots"`
	RemainingLots uint64                `cbor:"remaining_lots"`
	StartTick     uint64                `cbor:"start_tick"`
	EndTick       uint64                `cbor:"end_tick"`
	TickSize      uint64                `cbor:"tick_size"`
	StartTime     time.Time             `cbor:"start_time"`
	EndTime       time.Time             `cbor:"end_time"`
	Status        Status                `cbor:"status"`
	Policy        core.AllocationPolicy `cbor:"policy"`
	ClearingTick  uint64                `cbor:"clearing_tick"`
	NextBidID     uint64                `cbor:"next_bid_id"`
	Pending       string                `cbor:"pending,omitempty"`
}

// Bid is the persisted bid record. Lots is the hidden quantity; Reservation
// is the encrypted payment moved into ledger custody at placement, sized
// lots × tick × tickSize. Fill is set at finalization for clearing-tick bids
// only; everyone else learns their fill at claim time.
type Bid struct {
	AuctionID    uint64     `cbor:"auction_id"`
	ID           uint64     `cbor:"id"`
	Bidder       string     `cbor:"bidder"`
	Tick         uint64     `cbor:"tick"`
	Lots         fhe.Handle `cbor:"lots"`
	Reservation  fhe.Handle `cbor:"reservation"`
	Claimed      bool       `cbor:"claimed"`
	Fill         uint64     `cbor:"fill"`
	FillKnown    bool       `cbor:"fill_known"`
	PendingClaim string     `cbor:"pending_claim,omitempty"`
}

// pendingKind identifies which protocol round an outstanding decryption
// request belongs to.
type pendingKind uint8

const (
	pendingClearing pendingKind = iota
	pendingAllocation
	pendingClaim
)

// pendingRequest is the persisted record of an outstanding oracle round.
// Handles is the exact handle list of the request, in order, so the proof can
// be verified against what was actually asked.
type pendingRequest struct {
	ID        string       `cbor:"id"`
	AuctionID uint64       `cbor:"auction_id"`
	Kind      pendingKind  `cbor:"kind"`
	Handles   []fhe.Handle `cbor:"handles"`
	Ticks     []uint64     `cbor:"ticks,omitempty"`
	BidIDs    []uint64     `cbor:"bid_ids,omitempty"`
	Deadline  time.Time    `cbor:"deadline"`
}

// Event topics published on the ledger's bus.
const (
	TopicAuctionCreated   = "ledger:auction_created"
	TopicBidPlaced        = "ledger:bid_placed"
	TopicAuctionFinalized = "ledger:auction_finalized"
	TopicBidSettled       = "ledger:bid_settled"
)

type AuctionCreatedEvent struct {
	AuctionID uint64 `json:"auction_id"`
	Seller    string `json:"seller"`
	TokenSold string `json:"token_sold"`
	TotalLots uint64 `json:"total_lots"`
}

// BidPlacedEvent carries the public commitment binding the bid to its
// ciphertext without revealing the quantity.
type BidPlacedEvent struct {
	AuctionID  uint64 `json:"auction_id"`
	BidID      uint64 `json:"bid_id"`
	Bidder     string `json:"bidder"`
	Tick       uint64 `json:"tick"`
	Commitment string `json:"commitment"`
}

type AuctionFinalizedEvent struct {
	AuctionID    uint64 `json:"auction_id"`
	ClearingTick uint64 `json:"clearing_tick"`
}

type BidSettledEvent struct {
	AuctionID uint64 `json:"auction_id"`
	BidID     uint64 `json:"bid_id"`
	Bidder    string `json:"bidder"`
	Fill      uint64 `json:"fill"`
	PaidUnits uint64 `json:"paid_units"`
}
