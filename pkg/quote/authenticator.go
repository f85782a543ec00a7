package quote

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
)

// Authenticator performs pure cryptographic validation of agent quotes.
// It holds no state; a single instance is shared by all agent tasks.
type Authenticator struct {
	signatureAlgorithm x509.SignatureAlgorithm
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{}
}

// NewAuthenticatorWithAlgorithm returns an Authenticator that expects
// the given RSA signature scheme (RSASSA vs RSA-PSS) from agent quotes.
func NewAuthenticatorWithAlgorithm(alg x509.SignatureAlgorithm) *Authenticator {
	return &Authenticator{signatureAlgorithm: alg}
}

// Authenticate validates a raw quote received from an untrusted agent
// against the nonce issued for this cycle and the agent's trust anchor
// public key. On success it returns the asserted register values for the
// bank covered by the signed composite digest.
//
// Validation order matters: structural integrity first, then freshness,
// then the signature, then the binding between the asserted register
// values and the signed composite digest. The first failing check wins
// and the quote is rejected without side effects.
func (a *Authenticator) Authenticate(
	raw []byte,
	nonce []byte,
	pub crypto.PublicKey) (map[int32][]byte, error) {

	q, err := DecodeQuote(raw)
	if err != nil {
		return nil, ErrMalformedQuote
	}
	if len(q.Attest) == 0 || len(q.Signature) == 0 {
		return nil, ErrMalformedQuote
	}

	att, err := ParseAttest(q.Attest)
	if err != nil {
		return nil, err
	}

	// Freshness. The embedded qualifying data must equal the nonce
	// issued for this cycle, otherwise the quote is a replay.
	if !bytes.Equal(att.ExtraData, nonce) {
		return nil, ErrNonceMismatch
	}

	if err := a.verifySignature(q.Attest, q.Signature, pub); err != nil {
		return nil, err
	}

	registers, err := a.verifyComposite(att, q.Banks)
	if err != nil {
		return nil, err
	}

	return registers, nil
}

// Verifies the quote signature over the raw TPMS_ATTEST bytes using the
// agent's attestation public key.
func (a *Authenticator) verifySignature(
	attest, signature []byte,
	pub crypto.PublicKey) error {

	digest := sha256.Sum256(attest)

	switch key := pub.(type) {

	case *rsa.PublicKey:
		if a.signatureAlgorithm == x509.SHA256WithRSAPSS {
			pssOpts := &rsa.PSSOptions{
				SaltLength: rsa.PSSSaltLengthEqualsHash,
				Hash:       crypto.SHA256,
			}
			if err := rsa.VerifyPSS(
				key, crypto.SHA256, digest[:], signature, pssOpts); err != nil {
				return ErrInvalidSignature
			}
			return nil
		}
		if err := rsa.VerifyPKCS1v15(
			key, crypto.SHA256, digest[:], signature); err != nil {
			return ErrInvalidSignature
		}
		return nil

	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return ErrInvalidSignature
		}
		return nil

	case ed25519.PublicKey:
		if !ed25519.Verify(key, attest, signature) {
			return ErrInvalidSignature
		}
		return nil
	}

	return ErrUnsupportedKey
}

// Recomputes the composite digest over the asserted register values and
// compares it to the digest the trust anchor signed. This binds the
// individual register values in the quote to the signature; an agent
// cannot assert values that disagree with what its trust anchor reported.
func (a *Authenticator) verifyComposite(
	att *AttestationData,
	banks []RegisterBank) (map[int32][]byte, error) {

	var bank *RegisterBank
	for i := range banks {
		if banks[i].Algorithm == att.QuoteInfo.HashAlg {
			bank = &banks[i]
			break
		}
	}
	if bank == nil {
		return nil, ErrMalformedQuote
	}

	cryptoHash, err := att.QuoteInfo.HashAlg.Hash()
	if err != nil {
		return nil, ErrMalformedQuote
	}

	selected := make(map[int32]struct{}, len(att.QuoteInfo.Selected))
	for _, idx := range att.QuoteInfo.Selected {
		selected[idx] = struct{}{}
	}

	// The bank must carry exactly the selected registers. A register
	// outside the selection is not covered by the signed digest, so
	// accepting it would hand the agent an unauthenticated assertion.
	registers := make(map[int32][]byte, len(selected))
	for _, reg := range bank.Registers {
		if _, ok := selected[reg.Index]; !ok {
			return nil, ErrMalformedQuote
		}
		if _, dup := registers[reg.Index]; dup {
			return nil, ErrMalformedQuote
		}
		registers[reg.Index] = reg.Value
	}

	hasher := cryptoHash.New()
	for _, idx := range att.QuoteInfo.Selected {
		value, ok := registers[idx]
		if !ok {
			return nil, ErrMalformedQuote
		}
		hasher.Write(value)
	}

	if !bytes.Equal(hasher.Sum(nil), att.QuoteInfo.PCRDigest) {
		return nil, ErrCompositeDigest
	}

	return registers, nil
}
