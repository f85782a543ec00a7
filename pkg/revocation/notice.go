package revocation

import (
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/marcostork/keylime/pkg/policy"
)

var (
	ErrInvalidToken  = errors.New("revocation: invalid notice token")
	ErrInvalidNotice = errors.New("revocation: invalid notice")
)

// Notice announces that an agent has entered the failed state.
// Subscribers use it to cut the agent's credentials out of their own
// trust stores, so every notice is signed with the service key.
type Notice struct {
	ID       uuid.UUID        `json:"id"`
	AgentID  string           `json:"agent_id"`
	Reason   string           `json:"reason"`
	Failures []policy.Failure `json:"failures,omitempty"`
	IssuedAt time.Time        `json:"issued_at"`
}

// NewNotice builds a notice for the agent with a fresh identifier.
func NewNotice(agentID, reason string, failures []policy.Failure) *Notice {
	return &Notice{
		ID:       uuid.New(),
		AgentID:  agentID,
		Reason:   reason,
		Failures: failures,
		IssuedAt: time.Now(),
	}
}

type NoticeClaims struct {
	AgentID  string           `json:"agent_id"`
	Reason   string           `json:"reason"`
	Failures []policy.Failure `json:"failures,omitempty"`
	jwt.RegisteredClaims
}

// Signer produces and verifies signed notice tokens using the service
// signing key. Notices are signed as ES256 JSON web tokens so
// subscribers outside this process can verify them with the published
// service public key.
type Signer struct {
	issuer string
	key    *ecdsa.PrivateKey
}

func NewSigner(issuer string, key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		issuer: issuer,
		key:    key,
	}
}

// Sign serializes the notice into a signed token.
func (s *Signer) Sign(notice *Notice) (string, error) {

	if notice.AgentID == "" {
		return "", ErrInvalidNotice
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, NoticeClaims{
		AgentID:  notice.AgentID,
		Reason:   notice.Reason,
		Failures: notice.Failures,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       notice.ID.String(),
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(notice.IssuedAt),
		},
	})
	return token.SignedString(s.key)
}

// Verify parses a notice token and checks its signature against the
// service public key. Used by tests and by subscribers embedding this
// package.
func (s *Signer) Verify(tokenString string) (*Notice, error) {

	claims := &NoticeClaims{}
	token, err := jwt.NewParser(jwt.WithIssuer(s.issuer)).
		ParseWithClaims(tokenString, claims, s.keyFunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &Notice{
		ID:       id,
		AgentID:  claims.AgentID,
		Reason:   claims.Reason,
		Failures: claims.Failures,
		IssuedAt: claims.IssuedAt.Time,
	}, nil
}

func (s *Signer) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
		return nil, ErrInvalidToken
	}
	return &s.key.PublicKey, nil
}
