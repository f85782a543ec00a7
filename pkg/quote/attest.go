package quote

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
)

// TPM constants, TCG TPM 2.0 Library Specification Part 2, section 10.12
const (
	tpmGeneratedValue = 0xff544347
	tpmSTAttestQuote  = 0x8018
)

// ClockInfo mirrors TPMS_CLOCK_INFO.
type ClockInfo struct {
	Clock        uint64
	ResetCount   uint32
	RestartCount uint32
	Safe         bool
}

// QuoteInfo mirrors TPMS_QUOTE_INFO: the selection of quoted registers
// and the digest over their concatenated values.
type QuoteInfo struct {
	HashAlg   tpm2.Algorithm
	Selected  []int32
	PCRDigest []byte
}

// AttestationData is the parsed form of a raw TPMS_ATTEST blob.
type AttestationData struct {
	Magic           uint32
	Type            uint16
	QualifiedSigner []byte
	ExtraData       []byte
	ClockInfo       ClockInfo
	FirmwareVersion uint64
	QuoteInfo       QuoteInfo
}

// Parses a raw big-endian TPMS_ATTEST blob produced by a TPM 2.0 quote
// operation. The producer is untrusted; every length is bounds checked
// and any structural violation fails with ErrMalformedQuote.
func ParseAttest(data []byte) (*AttestationData, error) {
	if len(data) < 20 {
		return nil, ErrMalformedQuote
	}

	r := bytes.NewReader(data)
	att := &AttestationData{}

	if err := binary.Read(r, binary.BigEndian, &att.Magic); err != nil {
		return nil, ErrMalformedQuote
	}
	if att.Magic != tpmGeneratedValue {
		return nil, ErrMalformedQuote
	}

	if err := binary.Read(r, binary.BigEndian, &att.Type); err != nil {
		return nil, ErrMalformedQuote
	}
	if att.Type != tpmSTAttestQuote {
		return nil, ErrMalformedQuote
	}

	var err error
	if att.QualifiedSigner, err = readSized(r); err != nil {
		return nil, err
	}
	if att.ExtraData, err = readSized(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.BigEndian, &att.ClockInfo.Clock); err != nil {
		return nil, ErrMalformedQuote
	}
	if err := binary.Read(r, binary.BigEndian, &att.ClockInfo.ResetCount); err != nil {
		return nil, ErrMalformedQuote
	}
	if err := binary.Read(r, binary.BigEndian, &att.ClockInfo.RestartCount); err != nil {
		return nil, ErrMalformedQuote
	}
	var safe uint8
	if err := binary.Read(r, binary.BigEndian, &safe); err != nil {
		return nil, ErrMalformedQuote
	}
	att.ClockInfo.Safe = safe != 0

	if err := binary.Read(r, binary.BigEndian, &att.FirmwareVersion); err != nil {
		return nil, ErrMalformedQuote
	}

	if err := parseQuoteInfo(r, &att.QuoteInfo); err != nil {
		return nil, err
	}

	return att, nil
}

// Parses TPML_PCR_SELECTION + TPM2B_DIGEST. Mixed hash algorithms within
// a single quote are rejected; the selection bitmap is expanded into the
// ordered list of selected register indices.
func parseQuoteInfo(r *bytes.Reader, qi *QuoteInfo) error {

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return ErrMalformedQuote
	}
	if count == 0 || count > 16 {
		return ErrMalformedQuote
	}

	for i := uint32(0); i < count; i++ {
		var hashAlg uint16
		var sizeOfSelect uint8
		if err := binary.Read(r, binary.BigEndian, &hashAlg); err != nil {
			return ErrMalformedQuote
		}
		if i == 0 {
			qi.HashAlg = tpm2.Algorithm(hashAlg)
		} else if tpm2.Algorithm(hashAlg) != qi.HashAlg {
			return ErrMalformedQuote
		}
		if err := binary.Read(r, binary.BigEndian, &sizeOfSelect); err != nil {
			return ErrMalformedQuote
		}
		selectBytes := make([]byte, sizeOfSelect)
		if _, err := io.ReadFull(r, selectBytes); err != nil {
			return ErrMalformedQuote
		}
		for octet, b := range selectBytes {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) != 0 {
					qi.Selected = append(qi.Selected, int32(octet*8+bit))
				}
			}
		}
	}

	var digestSize uint16
	if err := binary.Read(r, binary.BigEndian, &digestSize); err != nil {
		return ErrMalformedQuote
	}
	qi.PCRDigest = make([]byte, digestSize)
	if _, err := io.ReadFull(r, qi.PCRDigest); err != nil {
		return ErrMalformedQuote
	}

	return nil
}

// Encode serializes the attestation data back to the raw big-endian
// TPMS_ATTEST wire form. Used by transports and test fixtures that
// construct quotes without a hardware trust anchor.
func (att *AttestationData) Encode() []byte {

	buf := new(bytes.Buffer)

	binary.Write(buf, binary.BigEndian, att.Magic)
	binary.Write(buf, binary.BigEndian, att.Type)

	writeSized(buf, att.QualifiedSigner)
	writeSized(buf, att.ExtraData)

	binary.Write(buf, binary.BigEndian, att.ClockInfo.Clock)
	binary.Write(buf, binary.BigEndian, att.ClockInfo.ResetCount)
	binary.Write(buf, binary.BigEndian, att.ClockInfo.RestartCount)
	var safe uint8
	if att.ClockInfo.Safe {
		safe = 1
	}
	binary.Write(buf, binary.BigEndian, safe)
	binary.Write(buf, binary.BigEndian, att.FirmwareVersion)

	// TPML_PCR_SELECTION with a single selection covering 24 registers
	binary.Write(buf, binary.BigEndian, uint32(1))
	binary.Write(buf, binary.BigEndian, uint16(att.QuoteInfo.HashAlg))
	buf.WriteByte(3)
	selection := make([]byte, 3)
	for _, idx := range att.QuoteInfo.Selected {
		if idx >= 0 && idx < 24 {
			selection[idx/8] |= 1 << uint(idx%8)
		}
	}
	buf.Write(selection)

	binary.Write(buf, binary.BigEndian, uint16(len(att.QuoteInfo.PCRDigest)))
	buf.Write(att.QuoteInfo.PCRDigest)

	return buf.Bytes()
}

// Reads a TPM2B size-prefixed buffer
func readSized(r *bytes.Reader) ([]byte, error) {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, ErrMalformedQuote
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrMalformedQuote
	}
	return b, nil
}

func writeSized(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
}
