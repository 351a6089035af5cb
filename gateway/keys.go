// Package gateway implements the decryption gateway: the service holding the
// engine's secret material, answering decryption requests with proved
// results, and publishing its key material with an optional enclave
// attestation.
package gateway

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/veilbid-io/sealedauction/fhe"
	"github.com/veilbid-io/sealedauction/oracle"
)

// KeyManager holds the gateway's two key pairs: the engine's RSA input key
// that clients encrypt hidden values against, and the ECDSA P-384 proof key
// that signs decryption results.
type KeyManager struct {
	engine *fhe.SecureEngine
	signer *oracle.Signer
}

// NewKeyManager generates a fresh proof key for the given engine.
func NewKeyManager(engine *fhe.SecureEngine) (*KeyManager, error) {
	key, err := oracle.GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate proof key: %w", err)
	}
	signer, err := oracle.NewSigner(key)
	if err != nil {
		return nil, fmt.Errorf("init proof signer: %w", err)
	}
	return &KeyManager{engine: engine, signer: signer}, nil
}

// Signer returns the proof signer.
func (km *KeyManager) Signer() *oracle.Signer { return km.signer }

// InputKeyPEM returns the RSA input public key in PEM format.
func (km *KeyManager) InputKeyPEM() (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(km.engine.InputPublicKey())
	if err != nil {
		return "", fmt.Errorf("marshal input key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: derBytes}
	return string(pem.EncodeToMemory(block)), nil
}

// VerifyKeyPEM returns the proof verification key in PEM format. Consumers
// pin this key and verify every decryption proof against it.
func (km *KeyManager) VerifyKeyPEM() (string, error) {
	return oracle.MarshalVerifyKeyPEM(km.signer.Public())
}
