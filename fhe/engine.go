package fhe

import "errors"

var (
	// ErrUnknownHandle is returned when a handle does not refer to a ciphertext.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")

	// ErrInputProofInvalid is returned when an external input fails its
	// contract/account binding check or cannot be authenticated.
	ErrInputProofInvalid = errors.New("input proof invalid")

	// ErrOverflow is returned when a homomorphic operation would exceed the
	// 64-bit plaintext domain.
	ErrOverflow = errors.New("plaintext overflow")
)

// Engine performs homomorphic operations on ciphertext handles. The engine
// never exposes plaintexts: every operation maps handles to a fresh handle.
// Comparison results are themselves encrypted (0 or 1) and must go through
// the decryption gateway to be observed.
type Engine interface {
	// TrivialEncrypt encrypts a publicly known value. Used where the
	// plaintext is already on the ledger (mint amounts, supply thresholds,
	// settlement amounts computed from decrypted results).
	TrivialEncrypt(value uint64) (Handle, error)

	// Add returns a handle for a + b.
	Add(a, b Handle) (Handle, error)

	// Sub returns a handle for a - b, clamped at zero. Clamping mirrors the
	// conditional-select idiom of confidential token transfers: a debit can
	// never drive a balance negative, and the clamp is not observable.
	Sub(a, b Handle) (Handle, error)

	// MulScalar returns a handle for a × k.
	MulScalar(a Handle, k uint64) (Handle, error)

	// Min returns a handle for min(a, b). Confidential transfers move
	// min(amount, balance) so that an overdraft silently transfers the
	// available balance instead of revealing it through a failure.
	Min(a, b Handle) (Handle, error)

	// Ge returns an encrypted boolean handle (1 if a ≥ b, else 0).
	Ge(a, b Handle) (Handle, error)

	// VerifyInput authenticates an externally encrypted input and ingests it
	// as a fresh ciphertext. The input must have been encrypted for this
	// engine and bound to the given contract and account; any mismatch fails
	// with ErrInputProofInvalid before a handle is created.
	VerifyInput(input ExternalInput, contract, account string) (Handle, error)
}
