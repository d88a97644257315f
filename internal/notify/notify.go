// Package notify delivers outbound messages to chat platforms and drives
// the DeliveryLog retry chain for every attempt.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
)

// ErrRetriesExhausted is returned by Deliver when the delivery is still
// RETRYING but its attempt or time budget is spent. The maintenance sweep
// moves such rows to EXPIRED.
var ErrRetriesExhausted = errors.New("notify: retry budget exhausted")

// Message is one outbound notification.
type Message struct {
	Channel  string  // platform channel id; empty uses the sender's default
	ThreadID string  // reply target (Slack thread ts, Discord thread channel)
	Text     string  // plain text body
	Title    string  // optional attachment/embed headline
	Color    string  // sidebar color hint, e.g. "#36a64f"
	Fields   []Field // optional key/value metadata
}

// Field is a key/value pair rendered alongside the message.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Sender posts messages to one platform.
type Sender interface {
	// IntegrationType is the channel kind recorded on delivery logs.
	IntegrationType() models.IntegrationType

	// DefaultChannel is the channel used when a Message names none. It
	// may be empty.
	DefaultChannel() string

	// Send makes one delivery attempt.
	Send(ctx context.Context, msg Message) error

	// Classify maps a Send error to a delivery outcome.
	Classify(err error) delivery.Outcome
}

// RetryAfterer is implemented by senders whose platform tells the caller
// how long to wait, e.g. on rate limiting.
type RetryAfterer interface {
	RetryAfter(err error) (time.Duration, bool)
}

// ClassifyCommon handles errors every sender treats the same way: context
// expiry and cancellation are transient. ok is false for anything else.
func ClassifyCommon(err error) (outcome delivery.Outcome, ok bool) {
	switch {
	case err == nil:
		return delivery.OutcomeSuccess, true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return delivery.OutcomeTransientFailure, true
	}
	return "", false
}
