package fhe

import (
	"errors"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func newTestEngine(t *testing.T) *SecureEngine {
	t.Helper()
	engine, err := NewSecureEngine()
	assert.Nil(t, err)
	return engine
}

func TestTrivialEncryptRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	h, err := engine.TrivialEncrypt(12345)
	assert.Nil(t, err)
	check.False(t, h.IsZero())

	value, err := engine.Decrypt(h)
	assert.Nil(t, err)
	check.Equal(t, uint64(12345), value)
}

func TestHandlesAreUnlinkable(t *testing.T) {
	engine := newTestEngine(t)

	h1, err := engine.TrivialEncrypt(7)
	assert.Nil(t, err)
	h2, err := engine.TrivialEncrypt(7)
	assert.Nil(t, err)

	// Same plaintext, distinct handles.
	check.NotEqual(t, h1, h2)
}

func TestAdd(t *testing.T) {
	engine := newTestEngine(t)

	a, _ := engine.TrivialEncrypt(400)
	b, _ := engine.TrivialEncrypt(700)

	sum, err := engine.Add(a, b)
	assert.Nil(t, err)

	value, err := engine.Decrypt(sum)
	assert.Nil(t, err)
	check.Equal(t, uint64(1100), value)
}

func TestAddOverflow(t *testing.T) {
	engine := newTestEngine(t)

	a, _ := engine.TrivialEncrypt(^uint64(0))
	b, _ := engine.TrivialEncrypt(1)

	_, err := engine.Add(a, b)
	check.Error(t, err)
	check.True(t, errors.Is(err, ErrOverflow))
}

func TestSubClampsAtZero(t *testing.T) {
	engine := newTestEngine(t)

	a, _ := engine.TrivialEncrypt(100)
	b, _ := engine.TrivialEncrypt(250)

	diff, err := engine.Sub(a, b)
	assert.Nil(t, err)

	value, err := engine.Decrypt(diff)
	assert.Nil(t, err)
	check.Equal(t, uint64(0), value)

	diff2, err := engine.Sub(b, a)
	assert.Nil(t, err)
	value2, err := engine.Decrypt(diff2)
	assert.Nil(t, err)
	check.Equal(t, uint64(150), value2)
}

func TestMulScalar(t *testing.T) {
	engine := newTestEngine(t)

	a, _ := engine.TrivialEncrypt(400)

	product, err := engine.MulScalar(a, 300000)
	assert.Nil(t, err)

	value, err := engine.Decrypt(product)
	assert.Nil(t, err)
	check.Equal(t, uint64(120000000), value)
}

func TestMulScalarOverflow(t *testing.T) {
	engine := newTestEngine(t)

	a, _ := engine.TrivialEncrypt(^uint64(0) / 2)
	_, err := engine.MulScalar(a, 3)
	check.True(t, errors.Is(err, ErrOverflow))
}

func TestMinAndGe(t *testing.T) {
	engine := newTestEngine(t)

	a, _ := engine.TrivialEncrypt(1100)
	b, _ := engine.TrivialEncrypt(1000)

	m, err := engine.Min(a, b)
	assert.Nil(t, err)
	value, err := engine.Decrypt(m)
	assert.Nil(t, err)
	check.Equal(t, uint64(1000), value)

	ge, err := engine.Ge(a, b)
	assert.Nil(t, err)
	flag, err := engine.Decrypt(ge)
	assert.Nil(t, err)
	check.Equal(t, uint64(1), flag)

	lt, err := engine.Ge(b, a)
	assert.Nil(t, err)
	flag2, err := engine.Decrypt(lt)
	assert.Nil(t, err)
	check.Equal(t, uint64(0), flag2)
}

func TestDecryptUnknownHandle(t *testing.T) {
	engine := newTestEngine(t)

	var bogus Handle
	bogus[0] = 0xff

	_, err := engine.Decrypt(bogus)
	check.True(t, errors.Is(err, ErrUnknownHandle))
}

func TestVerifyInput(t *testing.T) {
	engine := newTestEngine(t)

	input, err := EncryptInput(engine.InputPublicKey(), 400, "auction-ledger", "bidder_a")
	assert.Nil(t, err)

	h, err := engine.VerifyInput(input, "auction-ledger", "bidder_a")
	assert.Nil(t, err)

	value, err := engine.Decrypt(h)
	assert.Nil(t, err)
	check.Equal(t, uint64(400), value)
}

func TestVerifyInputBindingMismatch(t *testing.T) {
	engine := newTestEngine(t)

	input, err := EncryptInput(engine.InputPublicKey(), 400, "auction-ledger", "bidder_a")
	assert.Nil(t, err)

	_, err = engine.VerifyInput(input, "auction-ledger", "bidder_b")
	check.True(t, errors.Is(err, ErrInputProofInvalid))

	_, err = engine.VerifyInput(input, "some-other-contract", "bidder_a")
	check.True(t, errors.Is(err, ErrInputProofInvalid))
}

func TestVerifyInputWrongKey(t *testing.T) {
	engine := newTestEngine(t)
	other := newTestEngine(t)

	// Encrypted for a different engine's key.
	input, err := EncryptInput(other.InputPublicKey(), 400, "auction-ledger", "bidder_a")
	assert.Nil(t, err)

	_, err = engine.VerifyInput(input, "auction-ledger", "bidder_a")
	check.True(t, errors.Is(err, ErrInputProofInvalid))
}

func TestVerifyInputTamperedPayload(t *testing.T) {
	engine := newTestEngine(t)

	input, err := EncryptInput(engine.InputPublicKey(), 400, "auction-ledger", "bidder_a")
	assert.Nil(t, err)

	input.Payload = input.Payload[:len(input.Payload)-4] + "AAAA"

	_, err = engine.VerifyInput(input, "auction-ledger", "bidder_a")
	check.True(t, errors.Is(err, ErrInputProofInvalid))
}

func TestHandleHexRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	h, err := engine.TrivialEncrypt(1)
	assert.Nil(t, err)

	parsed, err := HandleFromHex(h.Hex())
	assert.Nil(t, err)
	check.Equal(t, h, parsed)

	_, err = HandleFromHex("abcd")
	check.Error(t, err)
}
