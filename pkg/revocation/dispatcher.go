package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcostork/keylime/pkg/logging"
)

var ErrDeliveryExhausted = errors.New("revocation: notice delivery attempts exhausted")

// Dispatcher signs and delivers revocation notices over the configured
// channels. Delivery failures are retried with a bounded backoff; an
// agent that entered the failed state stays failed whether or not its
// notice could be delivered, so exhaustion is reported to the caller
// and to the security log but never blocks verification.
type Dispatcher struct {
	logger     *logging.Logger
	signer     *Signer
	channels   []Channel
	maxRetries int
	backoff    time.Duration
}

func NewDispatcher(
	logger *logging.Logger,
	signer *Signer,
	channels []Channel,
	maxRetries int,
	backoff time.Duration) *Dispatcher {

	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Dispatcher{
		logger:     logger,
		signer:     signer,
		channels:   channels,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Dispatch signs the notice once and attempts delivery on every
// channel. Channels fail independently; the returned error wraps
// ErrDeliveryExhausted if any channel never acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, notice *Notice) error {

	token, err := d.signer.Sign(notice)
	if err != nil {
		return err
	}

	d.logger.Security(logging.SecurityLogEntry{
		Timestamp:   time.Now(),
		Severity:    logging.SeverityCritical,
		Category:    logging.CategoryRevocation,
		Description: "agent revoked",
		Details:     fmt.Sprintf("notice %s: %s", notice.ID, notice.Reason),
		Source:      logging.SourceRevocation,
		AgentID:     notice.AgentID,
	})

	var exhausted error
	for _, channel := range d.channels {
		if err := d.deliver(ctx, channel, notice, token); err != nil {
			exhausted = err
		}
	}
	return exhausted
}

func (d *Dispatcher) deliver(
	ctx context.Context, channel Channel, notice *Notice, token string) error {

	var err error
	for attempt := 1; attempt <= d.maxRetries; attempt++ {

		if err = channel.Deliver(ctx, notice, token); err == nil {
			d.logger.Debugf("revocation: notice %s delivered via %s",
				notice.ID, channel.Name())
			return nil
		}

		d.logger.Warnf("revocation: notice %s delivery attempt %d/%d via %s failed: %s",
			notice.ID, attempt, d.maxRetries, channel.Name(), err)

		if attempt == d.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retryDelay(attempt)):
		}
	}

	d.logger.Security(logging.SecurityLogEntry{
		Timestamp:   time.Now(),
		Severity:    logging.SeverityHigh,
		Category:    logging.CategoryRevocation,
		Description: "revocation notice delivery exhausted",
		Details: fmt.Sprintf("notice %s via %s: %s",
			notice.ID, channel.Name(), err),
		Source:  logging.SourceRevocation,
		AgentID: notice.AgentID,
	})

	return fmt.Errorf("%w: %s: %v", ErrDeliveryExhausted, channel.Name(), err)
}

// retryDelay doubles the configured base delay after every failed
// attempt.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	return d.backoff << (attempt - 1)
}
