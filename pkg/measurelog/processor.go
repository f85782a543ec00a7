package measurelog

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
)

// Process parses the log bytes that arrived beyond state.Offset, folds
// each entry into the running digest of its target register, and returns
// the advanced state plus the ordered entries processed this cycle.
//
// The fold is order sensitive: new = H(old ‖ entryDigest), so the running
// value is a function of the full ordered history, not a set. Process is
// pure; the input state is never mutated and on any error the returned
// state is the input state unchanged.
//
// Parsing halts at the first entry that fails structural validation and
// returns a TruncatedError carrying the last good offset. Zero new bytes
// is a no-op. Bytes before state.Offset are never re-parsed; callers hand
// in only the tail.
func Process(state State, data []byte) (State, []Entry, error) {

	if len(data) == 0 {
		return state, nil, nil
	}

	next := state.Clone()
	r := bytes.NewReader(data)
	var entries []Entry

	for r.Len() > 0 {
		entryStart := next.Offset

		entry, consumed, err := parseEntry(r)
		if err != nil {
			// Nothing before the bad entry is lost; the cycle aborts
			// and the tail is re-fetched from the last good offset.
			return state, nil, &TruncatedError{Offset: entryStart}
		}
		entry.Offset = entryStart

		if err := fold(next.Registers, entry); err != nil {
			return state, nil, &TruncatedError{Offset: entryStart}
		}

		next.Offset += consumed
		entries = append(entries, entry)
	}

	return next, entries, nil
}

// Replay refolds a full entry sequence from scratch. It is the reference
// implementation the incremental fold is tested against, and is used to
// audit a stored running digest against a complete log.
func Replay(entries []Entry) (map[int32][]byte, error) {
	registers := map[int32][]byte{}
	for _, entry := range entries {
		if err := fold(registers, entry); err != nil {
			return nil, err
		}
	}
	return registers, nil
}

// fold extends the running digest of the entry's target register.
func fold(registers map[int32][]byte, entry Entry) error {

	cryptoHash, err := entry.Algorithm.Hash()
	if err != nil {
		return ErrTruncatedLog
	}

	old, ok := registers[entry.Register]
	if !ok {
		old = make([]byte, cryptoHash.Size())
	} else if len(old) != cryptoHash.Size() {
		// Algorithm changed mid-stream for this register
		return ErrTruncatedLog
	}

	hasher := cryptoHash.New()
	hasher.Write(old)
	hasher.Write(entry.Digest)
	registers[entry.Register] = hasher.Sum(nil)

	return nil
}

// parseEntry reads one wire-format entry:
//
//	u32 register index, u32 template tag, u16 algorithm id,
//	digest (size per algorithm), u32 descriptor length + bytes,
//	u32 signature length + bytes (zero length = unsigned entry)
//
// all little-endian. Returns the parsed entry and the number of bytes
// consumed.
func parseEntry(r *bytes.Reader) (Entry, uint64, error) {

	var entry Entry
	var consumed uint64

	var register uint32
	if err := binary.Read(r, binary.LittleEndian, &register); err != nil {
		return entry, 0, io.EOF
	}
	if register > 128 {
		return entry, 0, ErrTruncatedLog
	}
	entry.Register = int32(register)
	consumed += 4

	if err := binary.Read(r, binary.LittleEndian, &entry.Template); err != nil {
		return entry, 0, io.EOF
	}
	consumed += 4

	var algID uint16
	if err := binary.Read(r, binary.LittleEndian, &algID); err != nil {
		return entry, 0, io.EOF
	}
	consumed += 2
	entry.Algorithm = tpm2.Algorithm(algID)
	cryptoHash, err := entry.Algorithm.Hash()
	if err != nil {
		return entry, 0, ErrTruncatedLog
	}

	entry.Digest = make([]byte, cryptoHash.Size())
	if _, err := io.ReadFull(r, entry.Digest); err != nil {
		return entry, 0, io.EOF
	}
	consumed += uint64(cryptoHash.Size())

	var descriptorLen uint32
	if err := binary.Read(r, binary.LittleEndian, &descriptorLen); err != nil {
		return entry, 0, io.EOF
	}
	if descriptorLen > MaxDescriptorLen {
		return entry, 0, ErrTruncatedLog
	}
	descriptor := make([]byte, descriptorLen)
	if _, err := io.ReadFull(r, descriptor); err != nil {
		return entry, 0, io.EOF
	}
	entry.Descriptor = string(descriptor)
	consumed += 4 + uint64(descriptorLen)

	var signatureLen uint32
	if err := binary.Read(r, binary.LittleEndian, &signatureLen); err != nil {
		return entry, 0, io.EOF
	}
	if signatureLen > MaxSignatureLen {
		return entry, 0, ErrTruncatedLog
	}
	if signatureLen > 0 {
		entry.Signature = make([]byte, signatureLen)
		if _, err := io.ReadFull(r, entry.Signature); err != nil {
			return entry, 0, io.EOF
		}
	}
	consumed += 4 + uint64(signatureLen)

	return entry, consumed, nil
}

// EncodeEntry serializes an entry to the wire format. Counterpart to
// parseEntry for transports and test fixtures.
func EncodeEntry(entry Entry) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(entry.Register))
	binary.Write(buf, binary.LittleEndian, entry.Template)
	binary.Write(buf, binary.LittleEndian, uint16(entry.Algorithm))
	buf.Write(entry.Digest)
	binary.Write(buf, binary.LittleEndian, uint32(len(entry.Descriptor)))
	buf.WriteString(entry.Descriptor)
	binary.Write(buf, binary.LittleEndian, uint32(len(entry.Signature)))
	buf.Write(entry.Signature)
	return buf.Bytes()
}
