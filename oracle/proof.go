package oracle

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/veilbid-io/sealedauction/core"
	"github.com/veilbid-io/sealedauction/fhe"
)

// Decryption proofs are untagged COSE_Sign1 structures, signed with ES384
// (ECDSA P-384 over SHA-384): [protected, unprotected, payload, signature].

// GenerateSigningKey generates a fresh P-384 proof signing key.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return key, nil
}

// Signer produces decryption proofs. It lives on the gateway side; the
// matching public key is the ledger's fixed verification key.
type Signer struct {
	key    *ecdsa.PrivateKey
	signer cose.Signer
	now    func() time.Time
}

// NewSigner wraps a P-384 private key as a proof signer.
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key.Curve != elliptic.P384() {
		return nil, fmt.Errorf("proof signing key must be P-384, got %s", key.Curve.Params().Name)
	}
	coseSigner, err := cose.NewSigner(cose.AlgorithmES384, key)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	return &Signer{key: key, signer: coseSigner, now: time.Now}, nil
}

// Public returns the verification key matching this signer.
func (s *Signer) Public() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign builds a proved result for a request: the payload carries the request
// id, handles, cleartexts, a result digest, and a fresh nonce, and the
// signature covers the COSE Sig_structure over that payload.
func (s *Signer) Sign(req Request, cleartexts []uint64) (Result, error) {
	if len(cleartexts) != len(req.Handles) {
		return Result{}, fmt.Errorf("cleartext count %d does not match %d handles", len(cleartexts), len(req.Handles))
	}

	nonce, err := generateNonce()
	if err != nil {
		return Result{}, err
	}

	payload := resultPayload{
		RequestID:  req.ID.String(),
		Handles:    handleHexes(req.Handles),
		Cleartexts: cleartexts,
		ResultHash: core.ComputeResultHash(req.ID.String(), cleartexts, nonce),
		Nonce:      nonce,
		Timestamp:  s.now().Unix(),
	}

	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal proof payload: %w", err)
	}

	protectedBytes, err := protectedHeaderBytes()
	if err != nil {
		return Result{}, err
	}

	sigStructure, err := sigStructureBytes(protectedBytes, payloadBytes)
	if err != nil {
		return Result{}, err
	}

	signature, err := s.signer.Sign(rand.Reader, sigStructure)
	if err != nil {
		return Result{}, fmt.Errorf("sign proof: %w", err)
	}

	proof, err := cbor.Marshal([]any{
		protectedBytes,
		map[any]any{},
		payloadBytes,
		signature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal proof: %w", err)
	}

	return Result{
		RequestID:  req.ID,
		Cleartexts: cleartexts,
		Proof:      proof,
	}, nil
}

// Verifier checks decryption proofs against a fixed verification key.
type Verifier struct {
	key *ecdsa.PublicKey
}

// NewVerifier creates a verifier pinned to the gateway's verification key.
func NewVerifier(key *ecdsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify checks that the result's proof is a valid signature over exactly
// this request id, the expected handles, and the returned cleartexts. Any
// failure returns ErrProofInvalid (or ErrResultMismatch for a correlation
// mismatch) and the caller must not act on the cleartexts.
func (v *Verifier) Verify(res Result, wantHandles []fhe.Handle) error {
	// Parse the untagged COSE_Sign1 array: [protected, unprotected, payload, signature].
	var coseArray []any
	if err := cbor.Unmarshal(res.Proof, &coseArray); err != nil {
		return fmt.Errorf("%w: parse COSE array: %v", ErrProofInvalid, err)
	}
	if len(coseArray) != 4 {
		return fmt.Errorf("%w: invalid COSE_Sign1 structure: expected 4 elements, got %d", ErrProofInvalid, len(coseArray))
	}

	protectedBytes, ok := coseArray[0].([]byte)
	if !ok {
		return fmt.Errorf("%w: invalid protected headers", ErrProofInvalid)
	}
	payloadBytes, ok := coseArray[2].([]byte)
	if !ok {
		return fmt.Errorf("%w: invalid payload", ErrProofInvalid)
	}
	signature, ok := coseArray[3].([]byte)
	if !ok {
		return fmt.Errorf("%w: invalid signature", ErrProofInvalid)
	}

	sigStructure, err := sigStructureBytes(protectedBytes, payloadBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, v.key)
	if err != nil {
		return fmt.Errorf("%w: create verifier: %v", ErrProofInvalid, err)
	}
	if err := verifier.Verify(sigStructure, signature); err != nil {
		return fmt.Errorf("%w: signature verification failed", ErrProofInvalid)
	}

	// Signature holds; now check the payload answers this exact request.
	var payload resultPayload
	if err := cbor.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrProofInvalid, err)
	}

	if payload.RequestID != res.RequestID.String() {
		return fmt.Errorf("%w: proof covers request %s, result claims %s", ErrResultMismatch, payload.RequestID, res.RequestID)
	}
	if len(payload.Handles) != len(wantHandles) {
		return fmt.Errorf("%w: proof covers %d handles, expected %d", ErrResultMismatch, len(payload.Handles), len(wantHandles))
	}
	for i, h := range wantHandles {
		if payload.Handles[i] != h.Hex() {
			return fmt.Errorf("%w: handle %d mismatch", ErrResultMismatch, i)
		}
	}
	if len(payload.Cleartexts) != len(res.Cleartexts) {
		return fmt.Errorf("%w: cleartext count mismatch", ErrResultMismatch)
	}
	for i, v := range res.Cleartexts {
		if payload.Cleartexts[i] != v {
			return fmt.Errorf("%w: cleartext %d mismatch", ErrResultMismatch, i)
		}
	}
	if payload.ResultHash != core.ComputeResultHash(payload.RequestID, payload.Cleartexts, payload.Nonce) {
		return fmt.Errorf("%w: result hash mismatch", ErrProofInvalid)
	}

	return nil
}

// protectedHeaderBytes returns the serialized protected header map {alg: ES384}.
func protectedHeaderBytes() ([]byte, error) {
	raw, err := cbor.Marshal(map[int64]int64{1: int64(cose.AlgorithmES384)})
	if err != nil {
		return nil, fmt.Errorf("marshal protected headers: %w", err)
	}
	return raw, nil
}

// sigStructureBytes builds the COSE Sig_structure for a Sign1 message:
// ["Signature1", protected, external_aad, payload] with empty external_aad.
func sigStructureBytes(protectedBytes, payload []byte) ([]byte, error) {
	raw, err := cbor.Marshal([]any{
		"Signature1",
		protectedBytes,
		[]byte{},
		payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal Sig_structure: %w", err)
	}
	return raw, nil
}

// MarshalVerifyKeyPEM encodes an ECDSA verification key as PEM.
func MarshalVerifyKeyPEM(key *ecdsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal verification key: %w", err)
	}
	pemBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: derBytes,
	}
	return string(pem.EncodeToMemory(pemBlock)), nil
}

// ParseVerifyKeyPEM decodes a PEM-encoded ECDSA verification key.
func ParseVerifyKeyPEM(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse verification key: %w", err)
	}
	ecdsaKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verification key is not ECDSA")
	}
	return ecdsaKey, nil
}

func handleHexes(handles []fhe.Handle) []string {
	hexes := make([]string, len(handles))
	for i, h := range handles {
		hexes[i] = h.Hex()
	}
	return hexes
}

func generateNonce() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secure nonce - %w", err)
	}
	return hex.EncodeToString(raw), nil
}
