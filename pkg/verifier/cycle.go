package verifier

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcostork/keylime/pkg/logging"
	"github.com/marcostork/keylime/pkg/measurelog"
	"github.com/marcostork/keylime/pkg/policy"
	"github.com/marcostork/keylime/pkg/quote"
	"github.com/marcostork/keylime/pkg/revocation"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
)

const nonceLength = 20

// Options bound a verification cycle and the comm-failure escalation.
// QuotePCRs lists the registers every quote must cover; a quote whose
// signed selection omits one leaves that register unmonitored and is
// rejected.
type Options struct {
	RequestTimeout   time.Duration
	FailureThreshold int
	PollInterval     time.Duration
	BackoffFactor    float64
	MaxBackoff       time.Duration
	QuotePCRs        []int32
}

// Verifier runs the full verification protocol for one agent at a time:
// challenge, quote authentication, incremental log processing, policy
// evaluation, and the resulting state transition. It owns no per-agent
// state itself; everything an agent carries between cycles lives in its
// stored record, so a single Verifier serves all agents concurrently.
type Verifier struct {
	logger        *logging.Logger
	authenticator *quote.Authenticator
	engine        *policy.Engine
	policies      policy.Store
	transport     Transport
	storage       Storage
	revoker       Revoker
	opts          Options
}

func New(
	logger *logging.Logger,
	policies policy.Store,
	transport Transport,
	storage Storage,
	revoker Revoker,
	opts Options) *Verifier {

	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	return &Verifier{
		logger:        logger,
		authenticator: quote.NewAuthenticator(),
		engine:        policy.NewEngine(),
		policies:      policies,
		transport:     transport,
		storage:       storage,
		revoker:       revoker,
		opts:          opts,
	}
}

// VerifyCycle runs one verification cycle for the agent and returns the
// recommended delay before its next cycle. The returned error is nil
// for any cycle whose outcome was decided and committed, including a
// rejection; a non-nil error means the cycle could not be decided
// (storage conflict, policy store failure) and should be retried next
// cycle. ErrAgentFailed tells the caller to stop scheduling the agent.
func (v *Verifier) VerifyCycle(ctx context.Context, agentID string) (time.Duration, error) {

	agent, err := v.storage.Get(agentID)
	if err != nil {
		return v.opts.PollInterval, ErrAgentNotFound
	}
	if agent.State == entities.AgentStateFailed {
		return v.opts.PollInterval, ErrAgentFailed
	}
	loadedOffset := agent.LogOffset

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return v.opts.PollInterval, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, v.opts.RequestTimeout)
	defer cancel()

	resp, err := v.transport.RequestQuote(reqCtx, agent, nonce, loadedOffset)
	if err != nil {
		// A request aborted by caller cancellation says nothing about
		// the agent. The cycle ends without touching the record.
		if ctx.Err() != nil {
			return v.opts.PollInterval, ctx.Err()
		}
		return v.escalate(ctx, agent, loadedOffset,
			fmt.Sprintf("quote request failed: %v", err))
	}

	pub, err := x509.ParsePKIXPublicKey(agent.AKPub)
	if err != nil {
		return v.opts.PollInterval, ErrBadTrustAnchor
	}

	quoted, err := v.authenticator.Authenticate(resp.Quote, nonce, pub)
	if err != nil {
		if authenticityFailure(err) {
			v.logger.Security(logging.SecurityLogEntry{
				Timestamp:   time.Now(),
				Severity:    logging.SeverityCritical,
				Category:    logging.CategoryAuthenticity,
				Description: "quote authentication failed",
				Details:     err.Error(),
				Source:      logging.SourceVerifier,
				AgentID:     agent.ID,
			})
			return v.fail(ctx, agent, loadedOffset, err.Error(), nil)
		}
		// Malformed quote. A consistently malformed feed is treated
		// like an unreachable agent.
		return v.escalate(ctx, agent, loadedOffset, err.Error())
	}

	for _, register := range v.opts.QuotePCRs {
		if _, ok := quoted[register]; !ok {
			return v.escalate(ctx, agent, loadedOffset,
				fmt.Sprintf("quote selection omits required register %d", register))
		}
	}

	state, err := storedState(agent)
	if err != nil {
		return v.opts.PollInterval, err
	}

	next, entries, err := measurelog.Process(state, resp.LogTail)
	if err != nil {
		if errors.Is(err, measurelog.ErrTruncatedLog) {
			v.logger.Security(logging.SecurityLogEntry{
				Timestamp:   time.Now(),
				Severity:    logging.SeverityHigh,
				Category:    logging.CategoryMeasurementLog,
				Description: "measurement log rejected",
				Details:     err.Error(),
				Source:      logging.SourceVerifier,
				AgentID:     agent.ID,
			})
			return v.escalate(ctx, agent, loadedOffset, err.Error())
		}
		return v.opts.PollInterval, err
	}

	compiled, err := v.policies.Policy(agent.PolicyRef)
	if err != nil {
		// Undecidable without a policy; retried next cycle.
		v.logger.Errorf("verifier: agent %s policy %q: %s", agent.ID, agent.PolicyRef, err)
		return v.opts.PollInterval, err
	}

	verdict := v.engine.Evaluate(compiled, entries, next.Registers, quoted, next.Offset)
	if !verdict.Accepted {
		v.logger.Security(logging.SecurityLogEntry{
			Timestamp:   time.Now(),
			Severity:    logging.SeverityCritical,
			Category:    logging.CategoryPolicyViolation,
			Description: "verification rejected by policy",
			Details:     failureSummary(verdict.Failures),
			Source:      logging.SourceVerifier,
			AgentID:     agent.ID,
		})
		return v.fail(ctx, agent, loadedOffset,
			failureSummary(verdict.Failures), verdict.Failures)
	}

	agent.State = entities.AgentStateActive
	agent.LogOffset = verdict.Offset
	agent.Registers = encodeRegisters(verdict.Registers)
	agent.FailureCount = 0
	agent.Backoff = 0
	agent.LastAttested = time.Now()

	if err := v.storage.CommitAttestation(agent, loadedOffset); err != nil {
		return v.opts.PollInterval, err
	}

	v.logger.Debugf("verifier: agent %s accepted, %d entries, offset %d",
		agent.ID, verdict.Evaluated, verdict.Offset)
	return v.opts.PollInterval, nil
}

// escalate records a communication-class failure. The agent keeps its
// state and offset; only the failure counter and backoff advance. At
// the configured threshold the agent is failed.
func (v *Verifier) escalate(
	ctx context.Context,
	agent *entities.Agent,
	loadedOffset uint64,
	reason string) (time.Duration, error) {

	agent.FailureCount++
	v.logger.Warnf("verifier: agent %s failure %d/%d: %s",
		agent.ID, agent.FailureCount, v.opts.FailureThreshold, reason)

	if agent.FailureCount >= v.opts.FailureThreshold {
		return v.fail(ctx, agent, loadedOffset,
			fmt.Sprintf("%d consecutive failures, last: %s", agent.FailureCount, reason), nil)
	}

	agent.Backoff = v.nextBackoff(agent.Backoff)
	if err := v.storage.CommitAttestation(agent, loadedOffset); err != nil {
		return v.opts.PollInterval, err
	}
	return agent.Backoff, nil
}

// fail commits the terminal state transition and dispatches exactly one
// revocation notice for it. The offset is never advanced on failure so
// the rejected log region stays inspectable. Notice delivery failures
// do not reopen the state; the transition is the trust decision.
func (v *Verifier) fail(
	ctx context.Context,
	agent *entities.Agent,
	loadedOffset uint64,
	reason string,
	failures []policy.Failure) (time.Duration, error) {

	transitioned := agent.State != entities.AgentStateFailed
	agent.State = entities.AgentStateFailed

	if err := v.storage.CommitAttestation(agent, loadedOffset); err != nil {
		return v.opts.PollInterval, err
	}

	if transitioned {
		notice := revocation.NewNotice(agent.ID, reason, failures)
		if err := v.revoker.Dispatch(ctx, notice); err != nil {
			v.logger.Error(err)
		}
	}

	return v.opts.PollInterval, ErrAgentFailed
}

func (v *Verifier) nextBackoff(current time.Duration) time.Duration {
	next := v.opts.PollInterval
	if current > 0 {
		next = time.Duration(float64(current) * v.opts.BackoffFactor)
	}
	if v.opts.MaxBackoff > 0 && next > v.opts.MaxBackoff {
		next = v.opts.MaxBackoff
	}
	return next
}

// storedState reconstructs the measurement log fold from the persisted
// agent record.
func storedState(agent *entities.Agent) (measurelog.State, error) {
	state := measurelog.NewState()
	state.Offset = agent.LogOffset
	for register, digest := range agent.Registers {
		value, err := hex.DecodeString(digest)
		if err != nil {
			return state, fmt.Errorf("verifier: agent %s register %d digest corrupt: %w",
				agent.ID, register, err)
		}
		state.Registers[register] = value
	}
	return state, nil
}

func encodeRegisters(registers map[int32][]byte) map[int32]string {
	encoded := make(map[int32]string, len(registers))
	for register, digest := range registers {
		encoded[register] = hex.EncodeToString(digest)
	}
	return encoded
}

func failureSummary(failures []policy.Failure) string {
	reasons := make([]string, len(failures))
	for i, failure := range failures {
		reasons[i] = failure.Message
	}
	return strings.Join(reasons, "; ")
}
