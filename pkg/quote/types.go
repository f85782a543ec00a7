package quote

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"errors"

	"github.com/google/go-tpm/legacy/tpm2"
)

var (
	ErrMalformedQuote   = errors.New("quote: malformed quote structure")
	ErrNonceMismatch    = errors.New("quote: stale or mismatched nonce")
	ErrInvalidSignature = errors.New("quote: invalid signature")
	ErrCompositeDigest  = errors.New("quote: register values do not match signed composite digest")
	ErrUnsupportedKey   = errors.New("quote: unsupported public key type")
)

// Register is a single integrity register value at capture time.
type Register struct {
	Index int32
	Value []byte
}

// RegisterBank holds the register values captured for one hash algorithm.
type RegisterBank struct {
	Algorithm tpm2.Algorithm
	Registers []Register
}

// Quote is a signed snapshot of an agent's integrity registers. Attest
// holds the raw TPMS_ATTEST blob the signature was computed over; the
// register banks assert the individual values the composite digest inside
// the attest structure was derived from. Quotes are immutable once
// received and discarded after the cycle that produced them.
type Quote struct {
	KeyID     string
	Attest    []byte
	Signature []byte
	Banks     []RegisterBank
}

// Encodes bytes to hexidecimal form
func Encode(bytes []byte) string {
	return hex.EncodeToString(bytes)
}

// Decodes hexidecimal form to byte array
func Decode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// Encodes a quote to binary using the encoding/gob package
func EncodeQuote(quote Quote) ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := gob.NewEncoder(buf)
	if err := encoder.Encode(quote); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decodes a quote from binary using the encoding/gob package
func DecodeQuote(quote []byte) (Quote, error) {
	var q Quote
	buf := bytes.NewBuffer(quote)
	decoder := gob.NewDecoder(buf)
	if err := decoder.Decode(&q); err != nil {
		return Quote{}, ErrMalformedQuote
	}
	return q, nil
}
