package measurelog

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm/legacy/tpm2"
)

const (
	// Upper bounds for variable-length fields. The log producer is
	// untrusted; anything larger is a structural violation.
	MaxDescriptorLen = 4096
	MaxSignatureLen  = 1024
)

var (
	ErrTruncatedLog = errors.New("measurelog: truncated or structurally invalid log")
)

// TruncatedError reports a structural parse failure together with the
// offset of the last fully verified entry boundary. Processing never
// skips forward past a bad entry.
type TruncatedError struct {
	Offset uint64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("%s at offset %d", ErrTruncatedLog.Error(), e.Offset)
}

func (e *TruncatedError) Unwrap() error {
	return ErrTruncatedLog
}

// Entry is a single measured event from an agent's append-only log.
type Entry struct {
	Offset     uint64
	Register   int32
	Template   uint32
	Algorithm  tpm2.Algorithm
	Digest     []byte
	Descriptor string
	Signature  []byte
}

// State is the running fold over a measurement log: the byte offset of
// the next unparsed entry and the running digest per register. The
// zero-value digest for a register is all zeroes, matching the reset
// state of a hardware integrity register.
type State struct {
	Offset    uint64
	Registers map[int32][]byte
}

func NewState() State {
	return State{Registers: map[int32][]byte{}}
}

// Clone returns a deep copy so folds never alias the caller's state.
func (s State) Clone() State {
	registers := make(map[int32][]byte, len(s.Registers))
	for idx, digest := range s.Registers {
		value := make([]byte, len(digest))
		copy(value, digest)
		registers[idx] = value
	}
	return State{Offset: s.Offset, Registers: registers}
}
