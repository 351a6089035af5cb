package oracle

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/veilbid-io/sealedauction/fhe"
)

func testHandles(t *testing.T, engine *fhe.SecureEngine, values ...uint64) []fhe.Handle {
	t.Helper()
	handles := make([]fhe.Handle, len(values))
	for i, v := range values {
		h, err := engine.TrivialEncrypt(v)
		assert.Nil(t, err)
		handles[i] = h
	}
	return handles
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := GenerateSigningKey()
	assert.Nil(t, err)
	signer, err := NewSigner(key)
	assert.Nil(t, err)
	return signer
}

func TestSignVerifyRoundTrip(t *testing.T) {
	engine, err := fhe.NewSecureEngine()
	assert.Nil(t, err)
	signer := newTestSigner(t)

	req := NewRequest(testHandles(t, engine, 0, 1))
	res, err := signer.Sign(req, []uint64{0, 1})
	assert.Nil(t, err)

	verifier := NewVerifier(signer.Public())
	check.Nil(t, verifier.Verify(res, req.Handles))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	engine, err := fhe.NewSecureEngine()
	assert.Nil(t, err)

	signer := newTestSigner(t)
	otherSigner := newTestSigner(t)

	req := NewRequest(testHandles(t, engine, 42))
	res, err := signer.Sign(req, []uint64{42})
	assert.Nil(t, err)

	verifier := NewVerifier(otherSigner.Public())
	check.True(t, errors.Is(verifier.Verify(res, req.Handles), ErrProofInvalid))
}

func TestVerifyRejectsTamperedCleartext(t *testing.T) {
	engine, err := fhe.NewSecureEngine()
	assert.Nil(t, err)
	signer := newTestSigner(t)

	req := NewRequest(testHandles(t, engine, 1000))
	res, err := signer.Sign(req, []uint64{1000})
	assert.Nil(t, err)

	// An attacker swaps the cleartext but cannot re-sign the payload.
	res.Cleartexts = []uint64{2000}

	verifier := NewVerifier(signer.Public())
	check.True(t, errors.Is(verifier.Verify(res, req.Handles), ErrResultMismatch))
}

func TestVerifyRejectsRequestIDMismatch(t *testing.T) {
	engine, err := fhe.NewSecureEngine()
	assert.Nil(t, err)
	signer := newTestSigner(t)

	req := NewRequest(testHandles(t, engine, 7))
	res, err := signer.Sign(req, []uint64{7})
	assert.Nil(t, err)

	// A proof replayed under a different request id must not verify.
	res.RequestID = uuid.New()

	verifier := NewVerifier(signer.Public())
	check.True(t, errors.Is(verifier.Verify(res, req.Handles), ErrResultMismatch))
}

func TestVerifyRejectsHandleSubstitution(t *testing.T) {
	engine, err := fhe.NewSecureEngine()
	assert.Nil(t, err)
	signer := newTestSigner(t)

	req := NewRequest(testHandles(t, engine, 7))
	res, err := signer.Sign(req, []uint64{7})
	assert.Nil(t, err)

	verifier := NewVerifier(signer.Public())
	check.True(t, errors.Is(verifier.Verify(res, testHandles(t, engine, 7)), ErrResultMismatch))
}

func TestVerifyRejectsCorruptProof(t *testing.T) {
	engine, err := fhe.NewSecureEngine()
	assert.Nil(t, err)
	signer := newTestSigner(t)

	req := NewRequest(testHandles(t, engine, 7))
	res, err := signer.Sign(req, []uint64{7})
	assert.Nil(t, err)

	res.Proof[len(res.Proof)-1] ^= 0xff

	verifier := NewVerifier(signer.Public())
	check.True(t, errors.Is(verifier.Verify(res, req.Handles), ErrProofInvalid))
}

func TestSignRejectsCountMismatch(t *testing.T) {
	engine, err := fhe.NewSecureEngine()
	assert.Nil(t, err)
	signer := newTestSigner(t)

	req := NewRequest(testHandles(t, engine, 1, 2))
	_, err = signer.Sign(req, []uint64{1})
	check.Error(t, err)
}

func TestVerifyKeyPEMRoundTrip(t *testing.T) {
	signer := newTestSigner(t)

	pemStr, err := MarshalVerifyKeyPEM(signer.Public())
	assert.Nil(t, err)

	parsed, err := ParseVerifyKeyPEM(pemStr)
	assert.Nil(t, err)
	check.True(t, signer.Public().Equal(parsed))

	_, err = ParseVerifyKeyPEM("not pem")
	check.Error(t, err)
}
