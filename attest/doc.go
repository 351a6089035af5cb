// Package attest verifies AWS Nitro attestation documents served by the
// decryption gateway alongside its public keys. Hosts run a key attestation
// through a Verifier before pinning the gateway's input key or proof
// verification key.
package attest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilbid-io/sealedauction/api"
)

// Document is the raw CBOR attestation structure produced by the Nitro
// Secure Module.
type Document struct {
	ModuleID    string            `cbor:"module_id"`
	Digest      string            `cbor:"digest"`
	Timestamp   uint64            `cbor:"timestamp"`
	PCRs        map[uint64][]byte `cbor:"pcrs"`
	Certificate []byte            `cbor:"certificate"`
	CABundle    [][]byte          `cbor:"cabundle"`
	PublicKey   []byte            `cbor:"public_key"`
	UserData    []byte            `cbor:"user_data"`
	Nonce       []byte            `cbor:"nonce"`
}

// ParseDocument decodes an attestation document from untagged COSE_Sign1
// bytes as emitted by the NSM.
func ParseDocument(coseBytes []byte) (*Document, error) {
	payload, err := ExtractCOSEPayload(coseBytes)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse attestation document: %w", err)
	}
	return &doc, nil
}

// SignedAt returns when the NSM produced the document. The timestamp field
// is milliseconds since the Unix epoch.
func (d *Document) SignedAt() time.Time {
	return time.UnixMilli(int64(d.Timestamp)).UTC()
}

// PCR returns the hex encoding of the given register, or "" when the
// document does not carry it.
func (d *Document) PCR(index uint64) string {
	if len(d.PCRs[index]) == 0 {
		return ""
	}
	return hex.EncodeToString(d.PCRs[index])
}

// KeyUserData decodes the gateway key metadata embedded in user_data.
func (d *Document) KeyUserData() (api.KeyAttestationUserData, error) {
	var data api.KeyAttestationUserData
	if len(d.UserData) == 0 {
		return data, fmt.Errorf("attestation carries no user data")
	}
	if err := json.Unmarshal(d.UserData, &data); err != nil {
		return data, fmt.Errorf("parse key user data: %w", err)
	}
	return data, nil
}
