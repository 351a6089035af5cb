package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"

	"github.com/veilbid-io/sealedauction/api"
)

// Attester produces an attestation document over caller-supplied user data.
// The Nitro NSM handle satisfies it in production; tests inject a mock.
type Attester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// NitroAttester returns the NSM-backed attester, or an error when not
// running inside an enclave.
func NitroAttester() (Attester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

// attestKeys produces a COSE attestation binding both gateway keys to the
// enclave measurements. A nil attester yields no attestation, which is the
// development mode outside an enclave.
func attestKeys(attester Attester, km *KeyManager) ([]byte, error) {
	if attester == nil {
		return nil, nil
	}

	inputPEM, err := km.InputKeyPEM()
	if err != nil {
		return nil, err
	}
	verifyPEM, err := km.VerifyKeyPEM()
	if err != nil {
		return nil, err
	}
	userData, err := json.Marshal(api.KeyAttestationUserData{
		InputKeyAlgorithm:  "RSA-2048",
		VerifyKeyAlgorithm: "ECDSA-P384",
		InputKeyPEM:        inputPEM,
		VerifyKeyPEM:       verifyPEM,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal key user data: %w", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("entropy generation failed: %w", err)
	}

	doc, err := attester.Attest(enclave.AttestationOptions{
		UserData: userData,
		Nonce:    []byte(hex.EncodeToString(nonce)),
	})
	if err != nil {
		return nil, fmt.Errorf("key attestation failed: %w", err)
	}
	return doc, nil
}
