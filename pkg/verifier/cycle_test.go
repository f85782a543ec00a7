package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/marcostork/keylime/pkg/logging"
	"github.com/marcostork/keylime/pkg/measurelog"
	"github.com/marcostork/keylime/pkg/policy"
	"github.com/marcostork/keylime/pkg/quote"
	"github.com/marcostork/keylime/pkg/revocation"
	"github.com/marcostork/keylime/pkg/store/datastore"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("transport: connection refused")

// fakeTransport answers quote requests from a programmable script. Each
// respond function sees the nonce and offset the verifier issued, so
// fixtures can sign over the real challenge.
type fakeTransport struct {
	mu       sync.Mutex
	requests int
	respond  func(nonce []byte, offset uint64) (*QuoteResponse, error)
}

func (t *fakeTransport) RequestQuote(
	ctx context.Context,
	agent *entities.Agent,
	nonce []byte,
	offset uint64) (*QuoteResponse, error) {

	t.mu.Lock()
	t.requests++
	t.mu.Unlock()
	return t.respond(nonce, offset)
}

// fakeStorage is an in-memory agent store with the same conditional
// commit semantics as the kvstore DAO.
type fakeStorage struct {
	mu     sync.Mutex
	agents map[string]entities.Agent
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{agents: make(map[string]entities.Agent)}
}

func (s *fakeStorage) put(agent *entities.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = *agent
}

func (s *fakeStorage) Get(id string) (*entities.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, datastore.ErrRecordNotFound
	}
	copied := agent
	return &copied, nil
}

func (s *fakeStorage) CommitAttestation(agent *entities.Agent, expectedOffset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.agents[agent.ID]; ok && stored.LogOffset != expectedOffset {
		return datastore.ErrCommitConflict
	}
	s.agents[agent.ID] = *agent
	return nil
}

type fakeRevoker struct {
	mu      sync.Mutex
	notices []*revocation.Notice
}

func (r *fakeRevoker) Dispatch(ctx context.Context, notice *revocation.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
	return nil
}

func (r *fakeRevoker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type fakePolicyStore struct {
	compiled *policy.Compiled
}

func (s *fakePolicyStore) Policy(ref string) (*policy.Compiled, error) {
	if s.compiled == nil {
		return nil, policy.ErrPolicyNotFound
	}
	return s.compiled, nil
}

// fixture holds the simulated agent's attestation key and produces
// signed quotes over arbitrary register states.
type fixture struct {
	key   *ecdsa.PrivateKey
	akPub []byte
}

func newFixture(t *testing.T) *fixture {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.Nil(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.Nil(t, err)
	return &fixture{key: key, akPub: der}
}

func (f *fixture) signedQuote(
	t *testing.T, nonce []byte, registers map[int32][]byte) []byte {

	selected := make([]int32, 0, len(registers))
	for idx := range registers {
		selected = append(selected, idx)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i] < selected[j] })

	composite := sha256.New()
	bank := quote.RegisterBank{Algorithm: tpm2.AlgSHA256}
	for _, idx := range selected {
		composite.Write(registers[idx])
		bank.Registers = append(bank.Registers,
			quote.Register{Index: idx, Value: registers[idx]})
	}

	att := &quote.AttestationData{
		Magic:     0xff544347,
		Type:      0x8018,
		ExtraData: nonce,
		QuoteInfo: quote.QuoteInfo{
			HashAlg:   tpm2.AlgSHA256,
			Selected:  selected,
			PCRDigest: composite.Sum(nil),
		},
	}

	raw := att.Encode()
	digest := sha256.Sum256(raw)
	signature, err := ecdsa.SignASN1(rand.Reader, f.key, digest[:])
	require.Nil(t, err)

	encoded, err := quote.EncodeQuote(quote.Quote{
		KeyID:     "ak",
		Attest:    raw,
		Signature: signature,
		Banks:     []quote.RegisterBank{bank},
	})
	require.Nil(t, err)
	return encoded
}

func measuredEntry(register int32, descriptor, seed string) measurelog.Entry {
	digest := sha256.Sum256([]byte(seed))
	return measurelog.Entry{
		Register:   register,
		Template:   1,
		Algorithm:  tpm2.AlgSHA256,
		Digest:     digest[:],
		Descriptor: descriptor,
	}
}

func encodeEntries(entries ...measurelog.Entry) []byte {
	var data []byte
	for _, entry := range entries {
		data = append(data, measurelog.EncodeEntry(entry)...)
	}
	return data
}

func allowAll(t *testing.T, entries ...measurelog.Entry) *policy.Compiled {
	doc := "version: \"1\"\nname: test\nallow:\n"
	for _, entry := range entries {
		doc += fmt.Sprintf("  - digest: %s\n", hex.EncodeToString(entry.Digest))
	}
	compiled, err := policy.Compile([]byte(doc))
	require.Nil(t, err)
	return compiled
}

type harness struct {
	verifier  *Verifier
	logger    *logging.Logger
	transport *fakeTransport
	storage   *fakeStorage
	revoker   *fakeRevoker
	policies  *fakePolicyStore
	fixture   *fixture
}

func newHarness(t *testing.T) *harness {
	fs := afero.NewMemMapFs()
	logFile, err := fs.Create("/test.log")
	require.Nil(t, err)
	logger := logging.NewLogger(slog.LevelInfo, logFile)

	h := &harness{
		logger:    logger,
		transport: &fakeTransport{},
		storage:   newFakeStorage(),
		revoker:   &fakeRevoker{},
		policies:  &fakePolicyStore{},
		fixture:   newFixture(t),
	}
	h.verifier = New(logger, h.policies, h.transport, h.storage, h.revoker, Options{
		RequestTimeout:   time.Second,
		FailureThreshold: 3,
		PollInterval:     time.Minute,
		BackoffFactor:    2.0,
		MaxBackoff:       10 * time.Minute,
	})
	return h
}

func (h *harness) enroll(t *testing.T) *entities.Agent {
	agent := entities.NewAgent("agent-1", "localhost:9002", h.fixture.akPub, "default")
	h.storage.put(agent)
	return agent
}

func (h *harness) stored(t *testing.T) *entities.Agent {
	agent, err := h.storage.Get("agent-1")
	require.Nil(t, err)
	return agent
}

func TestEmptyLogZeroStateAccepted(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t)

	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote:   h.fixture.signedQuote(t, nonce, map[int32][]byte{}),
			LogTail: nil,
		}, nil
	}

	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateActive, agent.State)
	assert.Equal(t, uint64(0), agent.LogOffset)
	assert.Equal(t, 0, h.revoker.count())
}

func TestAcceptedCycleCommitsOffsetAndRegisters(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)

	entry := measuredEntry(10, "/usr/bin/bash", "bash")
	h.policies.compiled = allowAll(t, entry)
	tail := encodeEntries(entry)
	folded, err := measurelog.Replay([]measurelog.Entry{entry})
	require.Nil(t, err)

	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote:   h.fixture.signedQuote(t, nonce, folded),
			LogTail: tail,
		}, nil
	}

	_, err = h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateActive, agent.State)
	assert.Equal(t, uint64(len(tail)), agent.LogOffset)
	assert.Equal(t, hex.EncodeToString(folded[10]), agent.Registers[10])
	assert.Equal(t, 0, agent.FailureCount)
}

func TestIncrementalCyclesNeverReprocess(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)

	first := measuredEntry(10, "/usr/bin/bash", "bash")
	second := measuredEntry(10, "/usr/bin/sshd", "sshd")
	h.policies.compiled = allowAll(t, first, second)

	firstTail := encodeEntries(first)
	secondTail := encodeEntries(second)
	afterFirst, err := measurelog.Replay([]measurelog.Entry{first})
	require.Nil(t, err)
	afterBoth, err := measurelog.Replay([]measurelog.Entry{first, second})
	require.Nil(t, err)

	// First cycle serves the first entry, second cycle only the tail
	// beyond the committed offset.
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		if offset == 0 {
			return &QuoteResponse{
				Quote:   h.fixture.signedQuote(t, nonce, afterFirst),
				LogTail: firstTail,
			}, nil
		}
		assert.Equal(t, uint64(len(firstTail)), offset)
		return &QuoteResponse{
			Quote:   h.fixture.signedQuote(t, nonce, afterBoth),
			LogTail: secondTail,
		}, nil
	}

	_, err = h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)
	_, err = h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateActive, agent.State)
	assert.Equal(t, uint64(len(firstTail)+len(secondTail)), agent.LogOffset)
	assert.Equal(t, hex.EncodeToString(afterBoth[10]), agent.Registers[10])
}

func TestPolicyViolationFailsWithoutAdvancingOffset(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t) // empty allow-list

	entry := measuredEntry(10, "/usr/bin/rootkit", "rootkit")
	folded, err := measurelog.Replay([]measurelog.Entry{entry})
	require.Nil(t, err)

	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote:   h.fixture.signedQuote(t, nonce, folded),
			LogTail: encodeEntries(entry),
		}, nil
	}

	_, err = h.verifier.VerifyCycle(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrAgentFailed)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateFailed, agent.State)
	assert.Equal(t, uint64(0), agent.LogOffset, "failing region stays inspectable")

	require.Equal(t, 1, h.revoker.count())
	require.Equal(t, 1, len(h.revoker.notices[0].Failures))
	assert.Equal(t, policy.CodeNotInAllowlist, h.revoker.notices[0].Failures[0].Code)
}

func TestInvalidSignatureFailsImmediately(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t)

	intruder := newFixture(t)
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote:   intruder.signedQuote(t, nonce, map[int32][]byte{}),
			LogTail: encodeEntries(measuredEntry(10, "/x", "x")),
		}, nil
	}

	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrAgentFailed)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateFailed, agent.State)
	assert.Equal(t, uint64(0), agent.LogOffset, "no log processing after failed authentication")
	assert.Equal(t, 1, h.revoker.count())
}

func TestReplayedNonceFailsImmediately(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t)

	// A quote captured against yesterday's nonce: valid signature,
	// wrong qualifying data.
	stale := h.fixture.signedQuote(t, []byte("previously-used-nonce"), map[int32][]byte{})
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{Quote: stale}, nil
	}

	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrAgentFailed)
	assert.Equal(t, entities.AgentStateFailed, h.stored(t).State)
	assert.Equal(t, 1, h.revoker.count())
}

func TestTransportFailuresEscalateAtThreshold(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)

	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return nil, errUnreachable
	}

	// Two failures below the threshold leave the agent registered
	for i := 1; i <= 2; i++ {
		delay, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
		require.Nil(t, err)
		assert.True(t, delay > 0)

		agent := h.stored(t)
		assert.Equal(t, entities.AgentStateRegistered, agent.State)
		assert.Equal(t, i, agent.FailureCount)
		assert.Equal(t, 0, h.revoker.count())
	}

	// The third crosses the threshold
	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrAgentFailed)
	assert.Equal(t, entities.AgentStateFailed, h.stored(t).State)
	assert.Equal(t, 1, h.revoker.count())
}

func TestCancelledCycleLeavesRecordUntouched(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)

	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return nil, context.Canceled
	}

	// Shutdown cancels the cycle mid-request. The aborted request says
	// nothing about the agent, so neither the failure counter nor the
	// backoff may move.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.verifier.VerifyCycle(ctx, "agent-1")
	assert.ErrorIs(t, err, context.Canceled)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateRegistered, agent.State)
	assert.Equal(t, 0, agent.FailureCount)
	assert.Equal(t, time.Duration(0), agent.Backoff)
	assert.Equal(t, 0, h.revoker.count())
}

func TestTamperedRegisterWithWithheldLogFails(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t)

	// The agent's register holds a value no log entry accounts for and
	// the agent withholds its log. The signed quote is genuine, so only
	// the reset-value comparison can catch the manipulation.
	tampered := sha256.Sum256([]byte("out-of-band extend"))
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote:   h.fixture.signedQuote(t, nonce, map[int32][]byte{10: tampered[:]}),
			LogTail: nil,
		}, nil
	}

	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrAgentFailed)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateFailed, agent.State)
	assert.Equal(t, uint64(0), agent.LogOffset)
	require.Equal(t, 1, h.revoker.count())
	require.Equal(t, 1, len(h.revoker.notices[0].Failures))
	assert.Equal(t, policy.CodeDigestMismatch, h.revoker.notices[0].Failures[0].Code)
}

func TestQuoteMustCoverRequiredRegisters(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t)
	h.verifier = New(h.logger, h.policies, h.transport, h.storage, h.revoker, Options{
		RequestTimeout:   time.Second,
		FailureThreshold: 3,
		PollInterval:     time.Minute,
		BackoffFactor:    2.0,
		MaxBackoff:       10 * time.Minute,
		QuotePCRs:        []int32{10},
	})

	// A selection omitting a required register leaves it unmonitored
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote: h.fixture.signedQuote(t, nonce, map[int32][]byte{}),
		}, nil
	}
	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateRegistered, agent.State)
	assert.Equal(t, 1, agent.FailureCount)
	assert.Equal(t, 0, h.revoker.count())

	// Covering the register at its reset value is accepted
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote: h.fixture.signedQuote(t, nonce,
				map[int32][]byte{10: make([]byte, sha256.Size)}),
		}, nil
	}
	_, err = h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)
	assert.Equal(t, entities.AgentStateActive, h.stored(t).State)
	assert.Equal(t, 0, h.stored(t).FailureCount)
}

func TestCommBackoffGrowsAndResets(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t)

	calls := 0
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		calls++
		if calls <= 2 {
			return nil, errUnreachable
		}
		return &QuoteResponse{
			Quote: h.fixture.signedQuote(t, nonce, map[int32][]byte{}),
		}, nil
	}

	first, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)
	second, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)
	assert.True(t, second > first, "backoff grows across consecutive failures")

	_, err = h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)
	agent := h.stored(t)
	assert.Equal(t, 0, agent.FailureCount)
	assert.Equal(t, time.Duration(0), agent.Backoff)
}

func TestTruncatedLogAbortsWithoutAdvancing(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)

	entry := measuredEntry(10, "/usr/bin/bash", "bash")
	h.policies.compiled = allowAll(t, entry)
	folded, err := measurelog.Replay([]measurelog.Entry{entry})
	require.Nil(t, err)

	tail := encodeEntries(entry)
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote:   h.fixture.signedQuote(t, nonce, folded),
			LogTail: tail[:len(tail)-4],
		}, nil
	}

	_, err = h.verifier.VerifyCycle(context.Background(), "agent-1")
	require.Nil(t, err)

	agent := h.stored(t)
	assert.Equal(t, entities.AgentStateRegistered, agent.State)
	assert.Equal(t, uint64(0), agent.LogOffset)
	assert.Equal(t, 1, agent.FailureCount)
	assert.Equal(t, 0, h.revoker.count())
}

func TestFailedStateIsTerminal(t *testing.T) {

	h := newHarness(t)
	h.enroll(t)
	h.policies.compiled = allowAll(t)

	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return nil, errUnreachable
	}

	for i := 0; i < 3; i++ {
		h.verifier.VerifyCycle(context.Background(), "agent-1")
	}
	require.Equal(t, entities.AgentStateFailed, h.stored(t).State)
	require.Equal(t, 1, h.revoker.count())

	// A perfectly valid quote afterwards changes nothing
	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		return &QuoteResponse{
			Quote: h.fixture.signedQuote(t, nonce, map[int32][]byte{}),
		}, nil
	}

	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	assert.ErrorIs(t, err, ErrAgentFailed)
	assert.Equal(t, entities.AgentStateFailed, h.stored(t).State)
	assert.Equal(t, 1, h.revoker.count(), "revocation dispatched exactly once")
	assert.Equal(t, 0, h.transport.requests-3, "no cycle runs against a failed agent")
}

func TestCommitConflictSurfacesAsRetryable(t *testing.T) {

	h := newHarness(t)
	agent := h.enroll(t)
	h.policies.compiled = allowAll(t)

	h.transport.respond = func(nonce []byte, offset uint64) (*QuoteResponse, error) {
		// Concurrent external mutation between load and commit
		advanced := *agent
		advanced.LogOffset = 999
		h.storage.put(&advanced)
		return &QuoteResponse{
			Quote: h.fixture.signedQuote(t, nonce, map[int32][]byte{}),
		}, nil
	}

	_, err := h.verifier.VerifyCycle(context.Background(), "agent-1")
	assert.ErrorIs(t, err, datastore.ErrCommitConflict)
}

func TestUnknownAgent(t *testing.T) {

	h := newHarness(t)
	_, err := h.verifier.VerifyCycle(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}
