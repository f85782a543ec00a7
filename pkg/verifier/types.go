package verifier

import (
	"context"
	"errors"

	"github.com/marcostork/keylime/pkg/quote"
	"github.com/marcostork/keylime/pkg/revocation"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
)

var (
	ErrAgentNotFound  = errors.New("verifier: agent not found")
	ErrAgentFailed    = errors.New("verifier: agent is in the failed state")
	ErrBadTrustAnchor = errors.New("verifier: agent trust anchor key unusable")
)

// QuoteResponse is one agent's answer to a verification challenge: the
// signed quote bytes and the measurement log tail starting at the
// requested offset.
type QuoteResponse struct {
	Quote   []byte
	LogTail []byte
}

// Transport performs the outbound quote request to an agent. Shared by
// all agent tasks; implementations must be safe for concurrent use.
type Transport interface {
	RequestQuote(
		ctx context.Context,
		agent *entities.Agent,
		nonce []byte,
		offset uint64) (*QuoteResponse, error)
}

// Storage persists agent records between cycles. CommitAttestation must
// reject the write when the stored log offset no longer matches the
// offset the cycle was derived from.
type Storage interface {
	Get(id string) (*entities.Agent, error)
	CommitAttestation(agent *entities.Agent, expectedOffset uint64) error
}

// Revoker delivers a signed revocation notice when an agent enters the
// failed state. Satisfied by the revocation dispatcher.
type Revoker interface {
	Dispatch(ctx context.Context, notice *revocation.Notice) error
}

// authenticityFailure reports whether the error indicates an active
// attack or protocol violation rather than a transient fault. These are
// never retried.
func authenticityFailure(err error) bool {
	return errors.Is(err, quote.ErrNonceMismatch) ||
		errors.Is(err, quote.ErrInvalidSignature) ||
		errors.Is(err, quote.ErrCompositeDigest) ||
		errors.Is(err, quote.ErrUnsupportedKey)
}
