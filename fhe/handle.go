// Package fhe provides the encrypted-value abstraction used throughout the
// auction engine: opaque ciphertext handles, homomorphic operations on them,
// and ingestion of externally encrypted inputs bound to a contract and
// account. Plaintexts are never observable through this package's Engine
// interface; revealing a value requires the decryption gateway, which returns
// a cleartext together with a verifiable proof.
package fhe

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// HandleSize is the length in bytes of a ciphertext handle.
const HandleSize = 32

// Handle is an opaque reference to a ciphertext. Handles are comparable and
// usable as map keys; the bytes carry no information about the plaintext.
type Handle [HandleSize]byte

// ZeroHandle is the null handle. It never refers to a ciphertext.
var ZeroHandle Handle

// Hex returns the lowercase hex encoding of the handle.
func (h Handle) Hex() string {
	return hex.EncodeToString(h[:])
}

// String returns a short prefix of the handle for logging.
func (h Handle) String() string {
	return hex.EncodeToString(h[:4]) + "…"
}

// IsZero reports whether the handle is the null handle.
func (h Handle) IsZero() bool {
	return bytes.Equal(h[:], ZeroHandle[:])
}

// HandleFromHex parses a handle from its hex encoding.
func HandleFromHex(s string) (Handle, error) {
	var h Handle
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode handle: %w", err)
	}
	if len(raw) != HandleSize {
		return h, fmt.Errorf("invalid handle length: expected %d bytes, got %d", HandleSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}
