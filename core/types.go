// Package core implements the pure auction mathematics: clearing-tick
// determination, marginal-tick allocation, settlement pricing, and the
// canonical commitment hashes shared by the ledger and the decryption
// gateway. Nothing in this package touches storage, encryption, or the
// network, which keeps every function deterministic and directly testable.
package core

import "errors"

var (
	// ErrInvalidRange is returned for malformed tick ladders or flag vectors.
	ErrInvalidRange = errors.New("invalid range")

	// ErrOverflow is returned when a settlement amount exceeds the 64-bit
	// unit domain.
	ErrOverflow = errors.New("amount overflow")
)

// AllocationPolicy selects how remaining supply is split among bids at
// exactly the clearing tick.
type AllocationPolicy string

const (
	// AllocFIFO fills clearing-tick bids in submission order until supply
	// runs out; the straddling bid receives a partial fill.
	AllocFIFO AllocationPolicy = "fifo"

	// AllocProRata splits remaining supply among clearing-tick bids in
	// proportion to their requested lots, with leftover lots going to the
	// earliest submissions.
	AllocProRata AllocationPolicy = "prorata"
)

// Valid reports whether the policy is a known allocation policy.
func (p AllocationPolicy) Valid() bool {
	return p == AllocFIFO || p == AllocProRata
}
