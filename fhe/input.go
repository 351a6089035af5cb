package fhe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
)

// HashAlgorithm specifies which hash function to use in RSA-OAEP.
type HashAlgorithm string

const (
	// HashAlgorithmSHA256 uses SHA-256 (recommended, default)
	HashAlgorithmSHA256 HashAlgorithm = "SHA-256"
	// HashAlgorithmSHA1 uses SHA-1 (legacy support for client compatibility)
	HashAlgorithmSHA1 HashAlgorithm = "SHA-1"
)

// newHash creates the appropriate implementation of hash.Hash,
// or returns an error if the algorithm is unsupported.
func newHash(hashAlg HashAlgorithm) (hash.Hash, error) {
	switch hashAlg {
	case HashAlgorithmSHA256:
		return sha256.New(), nil
	case HashAlgorithmSHA1:
		return sha1.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", hashAlg)
	}
}

// ExternalInput is an encrypted value produced outside the engine, using
// hybrid RSA-OAEP + AES-256-GCM against the engine's input public key. The
// authenticated payload carries the contract and account the value is bound
// to, so an input intercepted in transit cannot be replayed elsewhere.
type ExternalInput struct {
	KeyEncrypted  string `json:"key_encrypted"`            // base64-encoded RSA-OAEP encrypted AES key
	Payload       string `json:"payload"`                  // base64-encoded AES-GCM encrypted binding payload
	Nonce         string `json:"nonce"`                    // base64-encoded GCM nonce (12 bytes)
	HashAlgorithm string `json:"hash_algorithm,omitempty"` // Optional: "SHA-256" (default) or "SHA-1" for RSA-OAEP
}

// inputPayload is the plaintext structure inside an ExternalInput.
type inputPayload struct {
	Value    uint64 `json:"value"`
	Contract string `json:"contract"`
	Account  string `json:"account"`
	Nonce    string `json:"nonce"`
}

// EncryptInput encrypts a value for the engine identified by publicKey,
// binding it to the given contract and account. This is the client side of
// input ingestion: bidders call it before submitting a hidden quantity.
func EncryptInput(publicKey *rsa.PublicKey, value uint64, contract, account string) (ExternalInput, error) {
	nonce, err := randomNonceHex()
	if err != nil {
		return ExternalInput{}, err
	}

	payload := inputPayload{
		Value:    value,
		Contract: contract,
		Account:  account,
		Nonce:    nonce,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return ExternalInput{}, fmt.Errorf("marshal input payload: %w", err)
	}

	return encryptHybrid(plaintext, publicKey, HashAlgorithmSHA256)
}

// encryptHybrid encrypts data using hybrid RSA-OAEP + AES-256-GCM encryption
// with the specified hash algorithm for RSA-OAEP.
func encryptHybrid(plaintext []byte, publicKey *rsa.PublicKey, hashAlg HashAlgorithm) (ExternalInput, error) {
	hasher, err := newHash(hashAlg)
	if err != nil {
		return ExternalInput{}, err
	}

	// Generate random AES-256 key
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return ExternalInput{}, fmt.Errorf("failed to generate AES key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return ExternalInput{}, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return ExternalInput{}, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceBytes := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonceBytes); err != nil {
		return ExternalInput{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesgcm.Seal(nil, nonceBytes, plaintext, nil)

	encryptedAESKey, err := rsa.EncryptOAEP(hasher, rand.Reader, publicKey, aesKey, nil)
	if err != nil {
		return ExternalInput{}, fmt.Errorf("failed to encrypt AES key: %w", err)
	}

	return ExternalInput{
		KeyEncrypted:  base64.StdEncoding.EncodeToString(encryptedAESKey),
		Payload:       base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:         base64.StdEncoding.EncodeToString(nonceBytes),
		HashAlgorithm: string(hashAlg),
	}, nil
}

// decryptHybrid decrypts an ExternalInput with the engine's RSA private key.
// Returns the authenticated plaintext bytes.
func decryptHybrid(input ExternalInput, privateKey *rsa.PrivateKey) ([]byte, error) {
	hashAlg := HashAlgorithm(input.HashAlgorithm)
	if hashAlg == "" {
		hashAlg = HashAlgorithmSHA256
	}
	hasher, err := newHash(hashAlg)
	if err != nil {
		return nil, err
	}

	encryptedAESKey, err := base64.StdEncoding.DecodeString(input.KeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted AES key: %w", err)
	}

	encryptedPayload, err := base64.StdEncoding.DecodeString(input.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted payload: %w", err)
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(input.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}

	aesKey, err := rsa.DecryptOAEP(hasher, rand.Reader, privateKey, encryptedAESKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt AES key: %w", err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("invalid AES key length: expected 32 bytes, got %d", len(aesKey))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonceBytes) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: expected %d bytes, got %d", aesgcm.NonceSize(), len(nonceBytes))
	}

	plaintext, err := aesgcm.Open(nil, nonceBytes, encryptedPayload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	return plaintext, nil
}

// randomNonceHex returns 256 bits of entropy as a hex string.
func randomNonceHex() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
