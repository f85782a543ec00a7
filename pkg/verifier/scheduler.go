package verifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marcostork/keylime/pkg/logging"
)

// Scheduler drives one timer-driven verification loop per agent. Loops
// run concurrently, bounded by a global in-flight limit so a large
// population cannot overwhelm the transport. Cycles for a single agent
// are strictly serialized: the next cycle is not scheduled until the
// previous one's commit has completed.
type Scheduler struct {
	logger   *logging.Logger
	verifier *Verifier
	inflight chan struct{}

	mu     sync.Mutex
	agents map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *logging.Logger, verifier *Verifier, maxInFlight int) *Scheduler {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Scheduler{
		logger:   logger,
		verifier: verifier,
		inflight: make(chan struct{}, maxInFlight),
		agents:   make(map[string]context.CancelFunc),
	}
}

// Add starts a verification loop for the agent. Adding an agent twice
// is a no-op.
func (s *Scheduler) Add(ctx context.Context, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; ok {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.agents[agentID] = cancel

	s.wg.Add(1)
	go s.watch(loopCtx, agentID)

	s.logger.Debugf("scheduler: agent %s scheduled", agentID)
}

// Remove stops the agent's verification loop. The in-flight cycle, if
// any, completes its commit before the loop exits.
func (s *Scheduler) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.agents[agentID]; ok {
		cancel()
		delete(s.agents, agentID)
	}
}

// Count returns the number of scheduled agents.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Shutdown cancels every loop and waits for in-flight cycles to finish
// their commits.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for agentID, cancel := range s.agents {
		cancel()
		delete(s.agents, agentID)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) watch(ctx context.Context, agentID string) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay, done := s.runCycle(ctx, agentID)
		if done {
			s.Remove(agentID)
			return
		}
		timer.Reset(delay)
	}
}

// runCycle acquires an in-flight slot and runs one cycle. It returns
// the delay before the next cycle and whether the loop should stop.
func (s *Scheduler) runCycle(ctx context.Context, agentID string) (time.Duration, bool) {

	select {
	case <-ctx.Done():
		return 0, true
	case s.inflight <- struct{}{}:
	}
	defer func() { <-s.inflight }()

	delay, err := s.verifier.VerifyCycle(ctx, agentID)
	if err == nil {
		return delay, false
	}

	switch {
	case errors.Is(err, ErrAgentFailed):
		s.logger.Warnf("scheduler: agent %s failed, unscheduled", agentID)
		return 0, true
	case errors.Is(err, ErrAgentNotFound):
		s.logger.Warnf("scheduler: agent %s no longer enrolled, unscheduled", agentID)
		return 0, true
	case errors.Is(err, context.Canceled):
		return 0, true
	default:
		// Undecided cycle; retried after the normal interval.
		s.logger.Errorf("scheduler: agent %s cycle error: %s", agentID, err)
		return delay, false
	}
}
