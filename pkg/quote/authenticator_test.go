package quote

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Builds a signed quote over the provided register values, the way an
// agent's trust anchor would.
func buildQuote(t *testing.T, nonce []byte, registers map[int32][]byte, signer any) []byte {

	selected := make([]int32, 0, len(registers))
	for idx := range registers {
		selected = append(selected, idx)
	}
	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			if selected[j] < selected[i] {
				selected[i], selected[j] = selected[j], selected[i]
			}
		}
	}

	hasher := sha256.New()
	for _, idx := range selected {
		hasher.Write(registers[idx])
	}

	att := &AttestationData{
		Magic:           tpmGeneratedValue,
		Type:            tpmSTAttestQuote,
		QualifiedSigner: []byte("test-ak"),
		ExtraData:       nonce,
		FirmwareVersion: 0x20240101,
		QuoteInfo: QuoteInfo{
			HashAlg:   tpm2.AlgSHA256,
			Selected:  selected,
			PCRDigest: hasher.Sum(nil),
		},
	}
	attestBytes := att.Encode()

	digest := sha256.Sum256(attestBytes)
	var signature []byte
	var err error
	switch key := signer.(type) {
	case *ecdsa.PrivateKey:
		signature, err = ecdsa.SignASN1(rand.Reader, key, digest[:])
	case *rsa.PrivateKey:
		signature, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	default:
		t.Fatal("unsupported signer")
	}
	require.Nil(t, err)

	bank := RegisterBank{Algorithm: tpm2.AlgSHA256}
	for _, idx := range selected {
		bank.Registers = append(bank.Registers, Register{Index: idx, Value: registers[idx]})
	}

	raw, err := EncodeQuote(Quote{
		KeyID:     "test-ak",
		Attest:    attestBytes,
		Signature: signature,
		Banks:     []RegisterBank{bank},
	})
	require.Nil(t, err)

	return raw
}

func newNonce(t *testing.T) []byte {
	nonce := make([]byte, 20)
	_, err := rand.Read(nonce)
	require.Nil(t, err)
	return nonce
}

func testRegisters() map[int32][]byte {
	value := sha256.Sum256([]byte("pcr10"))
	return map[int32][]byte{10: value[:]}
}

func TestAuthenticateECDSA(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	nonce := newNonce(t)
	registers := testRegisters()
	raw := buildQuote(t, nonce, registers, key)

	authenticator := NewAuthenticator()
	got, err := authenticator.Authenticate(raw, nonce, &key.PublicKey)
	assert.Nil(t, err)
	assert.Equal(t, registers[10], got[10])
}

func TestAuthenticateRSA(t *testing.T) {

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.Nil(t, err)

	nonce := newNonce(t)
	raw := buildQuote(t, nonce, testRegisters(), key)

	authenticator := NewAuthenticator()
	_, err = authenticator.Authenticate(raw, nonce, &key.PublicKey)
	assert.Nil(t, err)
}

func TestReplayedNonceRejected(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	staleNonce := newNonce(t)
	raw := buildQuote(t, staleNonce, testRegisters(), key)

	// The quote is otherwise valid, but it was generated against a
	// previously issued nonce.
	authenticator := NewAuthenticator()
	_, err = authenticator.Authenticate(raw, newNonce(t), &key.PublicKey)
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestInvalidSignatureRejected(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	nonce := newNonce(t)
	raw := buildQuote(t, nonce, testRegisters(), key)

	authenticator := NewAuthenticator()
	_, err = authenticator.Authenticate(raw, nonce, &otherKey.PublicKey)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCompositeDigestMismatch(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	nonce := newNonce(t)
	raw := buildQuote(t, nonce, testRegisters(), key)

	// Tamper with the asserted register value after signing. The
	// signature still covers the attest blob, so only the composite
	// digest check can catch this.
	q, err := DecodeQuote(raw)
	require.Nil(t, err)
	q.Banks[0].Registers[0].Value = make([]byte, 32)
	tampered, err := EncodeQuote(q)
	require.Nil(t, err)

	authenticator := NewAuthenticator()
	_, err = authenticator.Authenticate(tampered, nonce, &key.PublicKey)
	assert.ErrorIs(t, err, ErrCompositeDigest)
}

func TestUnselectedRegisterRejected(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	nonce := newNonce(t)
	raw := buildQuote(t, nonce, testRegisters(), key)

	// Smuggle a value for a register the signed selection does not
	// cover. The composite digest still matches, so only the selection
	// check can refuse the unauthenticated assertion.
	forged := sha256.Sum256([]byte("forged"))
	q, err := DecodeQuote(raw)
	require.Nil(t, err)
	q.Banks[0].Registers = append(q.Banks[0].Registers,
		Register{Index: 11, Value: forged[:]})
	padded, err := EncodeQuote(q)
	require.Nil(t, err)

	authenticator := NewAuthenticator()
	_, err = authenticator.Authenticate(padded, nonce, &key.PublicKey)
	assert.ErrorIs(t, err, ErrMalformedQuote)
}

func TestDuplicateRegisterRejected(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	nonce := newNonce(t)
	raw := buildQuote(t, nonce, testRegisters(), key)

	q, err := DecodeQuote(raw)
	require.Nil(t, err)
	q.Banks[0].Registers = append(q.Banks[0].Registers, q.Banks[0].Registers[0])
	doubled, err := EncodeQuote(q)
	require.Nil(t, err)

	authenticator := NewAuthenticator()
	_, err = authenticator.Authenticate(doubled, nonce, &key.PublicKey)
	assert.ErrorIs(t, err, ErrMalformedQuote)
}

func TestMalformedQuoteRejected(t *testing.T) {

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)

	authenticator := NewAuthenticator()

	_, err = authenticator.Authenticate([]byte("garbage"), newNonce(t), &key.PublicKey)
	assert.ErrorIs(t, err, ErrMalformedQuote)

	// Valid gob envelope, corrupted attest blob
	raw, err := EncodeQuote(Quote{
		Attest:    []byte{0xde, 0xad, 0xbe, 0xef},
		Signature: []byte{0x01},
	})
	require.Nil(t, err)
	_, err = authenticator.Authenticate(raw, newNonce(t), &key.PublicKey)
	assert.ErrorIs(t, err, ErrMalformedQuote)
}

func TestAttestRoundTrip(t *testing.T) {

	digest := sha256.Sum256([]byte("composite"))
	att := &AttestationData{
		Magic:           tpmGeneratedValue,
		Type:            tpmSTAttestQuote,
		QualifiedSigner: []byte("signer"),
		ExtraData:       []byte("nonce-bytes"),
		ClockInfo:       ClockInfo{Clock: 1234, ResetCount: 1, Safe: true},
		FirmwareVersion: 42,
		QuoteInfo: QuoteInfo{
			HashAlg:   tpm2.AlgSHA256,
			Selected:  []int32{0, 10, 23},
			PCRDigest: digest[:],
		},
	}

	parsed, err := ParseAttest(att.Encode())
	require.Nil(t, err)
	assert.Equal(t, att.ExtraData, parsed.ExtraData)
	assert.Equal(t, att.QuoteInfo.Selected, parsed.QuoteInfo.Selected)
	assert.Equal(t, att.QuoteInfo.PCRDigest, parsed.QuoteInfo.PCRDigest)
	assert.Equal(t, att.ClockInfo, parsed.ClockInfo)
	assert.True(t, parsed.QuoteInfo.HashAlg == tpm2.AlgSHA256)
}
