// Package oracle implements the decryption-oracle boundary: request and
// result types correlated by request id, COSE_Sign1 proofs of correct
// decryption, and a network client for the gateway. The ledger and wrapper
// never trust a cleartext that has not passed Verifier.Verify.
package oracle

import (
	"errors"

	"github.com/google/uuid"

	"github.com/veilbid-io/sealedauction/fhe"
)

var (
	// ErrProofInvalid is returned when a decryption proof fails verification.
	// Callers treat it as fail-closed: the pending entity keeps its prior
	// state and the request stays retryable.
	ErrProofInvalid = errors.New("decryption proof invalid")

	// ErrResultMismatch is returned when a result's request id or handle set
	// does not match the pending request it claims to answer.
	ErrResultMismatch = errors.New("decryption result mismatch")
)

// Request identifies a batch of handles awaiting decryption.
type Request struct {
	ID      uuid.UUID    `json:"id"`
	Handles []fhe.Handle `json:"handles"`
}

// NewRequest creates a request with a fresh id.
func NewRequest(handles []fhe.Handle) Request {
	return Request{ID: uuid.New(), Handles: handles}
}

// Result is a decryption answer: one cleartext per requested handle, plus a
// COSE_Sign1 proof binding the cleartexts to the request.
type Result struct {
	RequestID  uuid.UUID `json:"request_id"`
	Cleartexts []uint64  `json:"cleartexts"`
	Proof      []byte    `json:"proof"`
}

// resultPayload is the CBOR document the proof signs.
type resultPayload struct {
	RequestID  string   `cbor:"request_id"`
	Handles    []string `cbor:"handles"`
	Cleartexts []uint64 `cbor:"cleartexts"`
	ResultHash string   `cbor:"result_hash"`
	Nonce      string   `cbor:"nonce"`
	Timestamp  int64    `cbor:"timestamp"`
}
