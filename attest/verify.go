package attest

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyResult reports the individual checks performed on a gateway key
// attestation. Callers must require Valid before trusting either served key.
type KeyResult struct {
	SignatureValid   bool     `json:"signature_valid"`
	CertificateValid bool     `json:"certificate_valid"`
	PCRsValid        bool     `json:"pcrs_valid"`
	MatchedPCRSet    int      `json:"matched_pcr_set"` // index into the verifier's known sets, -1 when none
	KeysMatch        bool     `json:"keys_match"`
	Details          []string `json:"details,omitempty"`
}

// Valid reports whether every check passed.
func (r *KeyResult) Valid() bool {
	return r.SignatureValid && r.CertificateValid && r.PCRsValid && r.KeysMatch
}

func (r *KeyResult) detail(format string, args ...any) {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

// Verifier checks gateway key attestations against a root of trust and
// known-good enclave measurements.
type Verifier struct {
	pcrSets []PCRSet
	roots   *x509.CertPool
}

// NewVerifier builds a verifier trusting the AWS Nitro root CA and the given
// measurement sets.
func NewVerifier(pcrSets []PCRSet) (*Verifier, error) {
	roots, err := nitroRootPool()
	if err != nil {
		return nil, err
	}
	return &Verifier{pcrSets: pcrSets, roots: roots}, nil
}

// NewVerifierWithRoots builds a verifier trusting the given root pool instead
// of the AWS Nitro root.
func NewVerifierWithRoots(pcrSets []PCRSet, roots *x509.CertPool) *Verifier {
	return &Verifier{pcrSets: pcrSets, roots: roots}
}

// VerifyKeyAttestation checks the base64 COSE attestation from a key
// response and compares the attested key material against the PEMs the
// gateway served with it. All checks run even when an earlier one fails so
// the result reports every problem at once; an error means the input could
// not be parsed at all.
func (v *Verifier) VerifyKeyAttestation(coseBase64, inputKeyPEM, verifyKeyPEM string) (*KeyResult, error) {
	coseBytes, err := base64.StdEncoding.DecodeString(coseBase64)
	if err != nil {
		return nil, fmt.Errorf("decode attestation: %w", err)
	}

	doc, err := ParseDocument(coseBytes)
	if err != nil {
		return nil, err
	}

	result := &KeyResult{MatchedPCRSet: -1}

	cert, err := LeafCertificate(doc)
	if err != nil {
		result.detail("%v", err)
	} else {
		if err := ValidateCertificateChain(doc, cert, v.roots); err != nil {
			result.detail("%v", err)
		} else {
			result.CertificateValid = true
		}

		if err := VerifyCOSESignature(coseBytes, cert); err != nil {
			result.detail("%v", err)
		} else {
			result.SignatureValid = true
		}
	}

	if i := MatchPCRs(doc, v.pcrSets); i >= 0 {
		result.PCRsValid = true
		result.MatchedPCRSet = i
	} else {
		result.detail("PCRs match no known measurement set")
	}

	userData, err := doc.KeyUserData()
	if err != nil {
		result.detail("%v", err)
	} else if pemEqual(userData.InputKeyPEM, inputKeyPEM) && pemEqual(userData.VerifyKeyPEM, verifyKeyPEM) {
		result.KeysMatch = true
	} else {
		result.detail("served keys do not match attested keys")
	}

	return result, nil
}

// pemEqual compares PEM strings ignoring surrounding whitespace, which
// absorbs trailing newline differences from PEM encoders.
func pemEqual(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
