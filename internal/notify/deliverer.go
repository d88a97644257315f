package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
)

// DeliverInput describes one notification for a session.
type DeliverInput struct {
	SessionID   string
	RequestID   string
	Message     Message
	TTL         time.Duration // zero uses the tracker default
	MaxAttempts int           // zero uses the tracker default
}

// Deliverer sends messages through a Sender and records every attempt on
// a DeliveryLog.
type Deliverer struct {
	tracker *delivery.Tracker
	sender  Sender
	policy  config.BackoffConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
}

// NewDeliverer creates a Deliverer using policy between transient failures.
func NewDeliverer(tracker *delivery.Tracker, sender Sender, policy config.BackoffConfig, log *slog.Logger) *Deliverer {
	if log == nil {
		log = slog.Default()
	}
	return &Deliverer{
		tracker: tracker,
		sender:  sender,
		policy:  policy,
		now:     time.Now,
		sleep:   sleepCtx,
		log:     log,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deliver creates a DeliveryLog and attempts the send until it is
// delivered, fails permanently, or runs out of attempts or time. A message
// without a channel goes to the sender's default channel. The returned log
// reflects the last recorded state.
func (d *Deliverer) Deliver(ctx context.Context, in DeliverInput) (*models.DeliveryLog, error) {
	msg := in.Message
	if msg.Channel == "" {
		msg.Channel = d.sender.DefaultChannel()
	}
	row, err := d.tracker.Create(ctx, delivery.CreateInput{
		SessionID:       in.SessionID,
		RequestID:       in.RequestID,
		IntegrationType: d.sender.IntegrationType(),
		Channel:         msg.Channel,
		TTL:             in.TTL,
		MaxAttempts:     in.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: deliver: %w", err)
	}
	return d.run(ctx, row, msg)
}

func (d *Deliverer) run(ctx context.Context, row *models.DeliveryLog, msg Message) (*models.DeliveryLog, error) {
	for {
		sendErr := d.sender.Send(ctx, msg)
		outcome := delivery.OutcomeSuccess
		errMsg := ""
		if sendErr != nil {
			outcome = d.sender.Classify(sendErr)
			errMsg = sendErr.Error()
		}

		updated, err := d.tracker.RecordAttempt(ctx, row.ID, outcome, errMsg)
		if err != nil {
			return updated, fmt.Errorf("notify: deliver %s: %w", row.ID, err)
		}
		row = updated

		switch row.Status {
		case models.DeliveryDelivered:
			d.log.Info("delivered", "delivery_id", row.ID, "session_id", row.SessionID, "attempts", row.AttemptCount)
			return row, nil
		case models.DeliveryFailed:
			d.log.Warn("delivery failed permanently", "delivery_id", row.ID, "error", errMsg)
			return row, fmt.Errorf("notify: deliver %s: %w", row.ID, sendErr)
		}

		if row.MaxAttempts > 0 && row.AttemptCount >= row.MaxAttempts {
			return row, fmt.Errorf("notify: deliver %s after %d attempts: %w", row.ID, row.AttemptCount, ErrRetriesExhausted)
		}

		wait := delivery.Backoff(d.policy, row.AttemptCount)
		if ra, ok := d.sender.(RetryAfterer); ok {
			if after, ok := ra.RetryAfter(sendErr); ok && after > wait {
				wait = after
			}
		}
		if row.ExpiresAt != nil && d.now().Add(wait).After(*row.ExpiresAt) {
			return row, fmt.Errorf("notify: deliver %s: next attempt past expiry: %w", row.ID, ErrRetriesExhausted)
		}

		d.log.Debug("delivery retrying", "delivery_id", row.ID, "attempt", row.AttemptCount, "wait", wait, "error", errMsg)
		if err := d.sleep(ctx, wait); err != nil {
			return row, fmt.Errorf("notify: deliver %s: %w", row.ID, err)
		}
	}
}
