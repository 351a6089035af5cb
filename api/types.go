// Package api defines the wire format spoken between the decryption gateway
// and its clients. Requests and responses are single JSON documents over a
// vsock or TCP connection; the request type field selects the handler.
package api

import "encoding/base64"

// Request type values.
const (
	TypePing           = "ping"
	TypeKeyRequest     = "key_request"
	TypeDecryptRequest = "decrypt_request"
)

// Response type values.
const (
	TypePong            = "pong"
	TypeKeyResponse     = "key_response"
	TypeDecryptResponse = "decrypt_response"
	TypeError           = "error"
)

// BaseRequest carries the discriminating type field of any request.
type BaseRequest struct {
	Type string `json:"type"`
}

// PingResponse is the health-check reply.
type PingResponse struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// KeyResponse carries the gateway's public key material: the RSA input key
// clients encrypt hidden values against, and the ECDSA P-384 verification key
// decryption proofs are checked with. When the gateway runs inside an
// enclave, the attestation binds both keys to the enclave measurements.
type KeyResponse struct {
	Type                  string `json:"type"`
	InputKeyPEM           string `json:"input_key_pem"`
	VerifyKeyPEM          string `json:"verify_key_pem"`
	AttestationCOSEBase64 string `json:"attestation_cose_base64,omitempty"`
}

// DecryptRequest asks the gateway to reveal the plaintexts behind a batch of
// ciphertext handles. The request id correlates the eventual result with the
// pending entity recorded by the requester.
type DecryptRequest struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id"`
	Handles   []string `json:"handles"`
}

// DecryptResponse returns the cleartexts together with a COSE_Sign1 proof
// over (request id, handles, cleartexts). Consumers must verify the proof
// before trusting any cleartext.
type DecryptResponse struct {
	Type           string   `json:"type"`
	Success        bool     `json:"success"`
	Message        string   `json:"message,omitempty"`
	RequestID      string   `json:"request_id"`
	Cleartexts     []uint64 `json:"cleartexts,omitempty"`
	ProofBase64    string   `json:"proof_base64,omitempty"`
	ProcessingTime int64    `json:"processing_time_ms"`
}

// Proof decodes the base64-encoded COSE proof bytes.
func (r *DecryptResponse) Proof() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.ProofBase64)
}

// KeyAttestationUserData is embedded in the gateway's key attestation
// document so verifiers can pin the exact key material the enclave serves.
type KeyAttestationUserData struct {
	InputKeyAlgorithm  string `json:"input_key_algorithm"`  // e.g. "RSA-2048"
	VerifyKeyAlgorithm string `json:"verify_key_algorithm"` // e.g. "ECDSA-P384"
	InputKeyPEM        string `json:"input_key_pem"`
	VerifyKeyPEM       string `json:"verify_key_pem"`
}
