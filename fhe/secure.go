package fhe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
)

// SecureEngine is the operational Engine implementation. Plaintexts live in a
// vault sealed with a per-engine AES-256-GCM master key and are addressed by
// random handles, so neither the ledger nor the host process can read a value
// without going through Decrypt, which only the gateway exposes.
//
// SecureEngine stands in for the homomorphic cryptosystem, which is outside
// this engine's scope; every caller interacts with it solely through the
// Engine interface and the gateway's proved decryption path.
type SecureEngine struct {
	mu       sync.Mutex
	aead     cipher.AEAD
	inputKey *rsa.PrivateKey
	vault    map[Handle][]byte
}

// NewSecureEngine creates an engine with a fresh random master key and a
// fresh RSA-2048 input key pair.
func NewSecureEngine() (*SecureEngine, error) {
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	inputKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate input key pair: %w", err)
	}

	return &SecureEngine{
		aead:     aead,
		inputKey: inputKey,
		vault:    make(map[Handle][]byte),
	}, nil
}

// InputPublicKey returns the RSA public key clients encrypt external inputs
// against.
func (e *SecureEngine) InputPublicKey() *rsa.PublicKey {
	return &e.inputKey.PublicKey
}

// TrivialEncrypt implements Engine.
func (e *SecureEngine) TrivialEncrypt(value uint64) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store(value)
}

// Add implements Engine.
func (e *SecureEngine) Add(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	va, err := e.lookup(a)
	if err != nil {
		return ZeroHandle, err
	}
	vb, err := e.lookup(b)
	if err != nil {
		return ZeroHandle, err
	}
	if va+vb < va {
		return ZeroHandle, ErrOverflow
	}
	return e.store(va + vb)
}

// Sub implements Engine. The result clamps at zero.
func (e *SecureEngine) Sub(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	va, err := e.lookup(a)
	if err != nil {
		return ZeroHandle, err
	}
	vb, err := e.lookup(b)
	if err != nil {
		return ZeroHandle, err
	}
	if vb > va {
		return e.store(0)
	}
	return e.store(va - vb)
}

// MulScalar implements Engine.
func (e *SecureEngine) MulScalar(a Handle, k uint64) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	va, err := e.lookup(a)
	if err != nil {
		return ZeroHandle, err
	}
	if k != 0 && va > ^uint64(0)/k {
		return ZeroHandle, ErrOverflow
	}
	return e.store(va * k)
}

// Min implements Engine.
func (e *SecureEngine) Min(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	va, err := e.lookup(a)
	if err != nil {
		return ZeroHandle, err
	}
	vb, err := e.lookup(b)
	if err != nil {
		return ZeroHandle, err
	}
	if vb < va {
		return e.store(vb)
	}
	return e.store(va)
}

// Ge implements Engine.
func (e *SecureEngine) Ge(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	va, err := e.lookup(a)
	if err != nil {
		return ZeroHandle, err
	}
	vb, err := e.lookup(b)
	if err != nil {
		return ZeroHandle, err
	}
	if va >= vb {
		return e.store(1)
	}
	return e.store(0)
}

// VerifyInput implements Engine. The input's authenticated payload must name
// exactly the contract and account it is being ingested for.
func (e *SecureEngine) VerifyInput(input ExternalInput, contract, account string) (Handle, error) {
	plaintext, err := decryptHybrid(input, e.inputKey)
	if err != nil {
		return ZeroHandle, fmt.Errorf("%w: %v", ErrInputProofInvalid, err)
	}

	var payload inputPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return ZeroHandle, fmt.Errorf("%w: invalid payload format", ErrInputProofInvalid)
	}

	if payload.Contract != contract || payload.Account != account {
		return ZeroHandle, fmt.Errorf("%w: binding mismatch", ErrInputProofInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store(payload.Value)
}

// Decrypt reveals the plaintext behind a handle. Only the decryption gateway
// calls this; everything else consumes cleartexts through proved results.
func (e *SecureEngine) Decrypt(h Handle) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookup(h)
}

// store seals a value into the vault under a fresh handle.
// Caller must hold e.mu.
func (e *SecureEngine) store(value uint64) (Handle, error) {
	var h Handle
	if _, err := rand.Read(h[:]); err != nil {
		return ZeroHandle, fmt.Errorf("failed to generate handle: %w", err)
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return ZeroHandle, fmt.Errorf("failed to generate seal nonce: %w", err)
	}

	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, value)

	// Bind the sealed record to its handle so vault entries cannot be swapped.
	sealed := e.aead.Seal(nil, nonce, raw, h[:])
	e.vault[h] = append(nonce, sealed...)
	return h, nil
}

// lookup unseals the value behind a handle.
// Caller must hold e.mu.
func (e *SecureEngine) lookup(h Handle) (uint64, error) {
	record, ok := e.vault[h]
	if !ok {
		return 0, ErrUnknownHandle
	}

	nonceSize := e.aead.NonceSize()
	if len(record) < nonceSize {
		return 0, fmt.Errorf("corrupt vault record for %s", h)
	}

	raw, err := e.aead.Open(nil, record[:nonceSize], record[nonceSize:], h[:])
	if err != nil {
		return 0, fmt.Errorf("unseal %s: %w", h, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt plaintext for %s: %d bytes", h, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
