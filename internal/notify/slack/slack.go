// Package slack implements the notify.Sender for Slack using the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/notify"
)

// permanentErrors are Slack API error codes that no retry can fix.
var permanentErrors = map[string]bool{
	"invalid_auth":      true,
	"not_authed":        true,
	"account_inactive":  true,
	"token_revoked":     true,
	"channel_not_found": true,
	"not_in_channel":    true,
	"is_archived":       true,
	"msg_too_long":      true,
	"no_text":           true,
	"invalid_blocks":    true,
	"missing_scope":     true,
}

var errNoChannel = errors.New("slack: no channel specified")

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Sender posts notifications with chat.postMessage.
type Sender struct {
	client    slackClient
	channelID string
}

// SenderOpts holds parameters for creating a Slack Sender.
type SenderOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel to post to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Sender.
func New(opts SenderOpts) (*Sender, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	s := &Sender{client: opts.Client, channelID: opts.ChannelID}
	if s.client == nil {
		s.client = slackapi.New(opts.BotToken)
	}
	return s, nil
}

// IntegrationType implements notify.Sender.
func (s *Sender) IntegrationType() models.IntegrationType { return models.IntegrationSlack }

// DefaultChannel implements notify.Sender.
func (s *Sender) DefaultChannel() string { return s.channelID }

// Send makes one chat.postMessage call. It does not retry; the deliverer
// records the attempt and decides.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	channelID := msg.Channel
	if channelID == "" {
		channelID = s.channelID
	}
	if channelID == "" {
		return errNoChannel
	}

	if _, _, err := s.client.PostMessageContext(ctx, channelID, buildMessageOptions(msg)...); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Classify implements notify.Sender. Rate limits, network errors and
// server-side failures are transient; auth and addressing errors are
// permanent.
func (s *Sender) Classify(err error) delivery.Outcome {
	if o, ok := notify.ClassifyCommon(err); ok {
		return o
	}

	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return delivery.OutcomeTransientFailure
	}

	var ser slackapi.SlackErrorResponse
	if errors.As(err, &ser) {
		if permanentErrors[ser.Err] {
			return delivery.OutcomePermanentFailure
		}
		return delivery.OutcomeTransientFailure
	}

	var se slackapi.StatusCodeError
	if errors.As(err, &se) {
		if se.Code >= 400 && se.Code < 500 && se.Code != 429 {
			return delivery.OutcomePermanentFailure
		}
		return delivery.OutcomeTransientFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return delivery.OutcomeTransientFailure
	}

	if errors.Is(err, errNoChannel) {
		return delivery.OutcomePermanentFailure
	}
	return delivery.OutcomeTransientFailure
}

// RetryAfter implements notify.RetryAfterer with Slack's Retry-After hint.
func (s *Sender) RetryAfter(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	return 0, false
}

// buildMessageOptions translates a notify.Message into Slack MsgOptions.
func buildMessageOptions(msg notify.Message) []slackapi.MsgOption {
	var options []slackapi.MsgOption

	if msg.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}

	if msg.Title != "" || len(msg.Fields) > 0 {
		options = append(options, slackapi.MsgOptionAttachments(toAttachment(msg)))
	}
	options = append(options, slackapi.MsgOptionText(msg.Text, false))

	return options
}

// toAttachment renders the title, color and fields as a Slack attachment.
func toAttachment(msg notify.Message) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    msg.Title,
		Color:    msg.Color,
		Fallback: msg.Title,
	}
	for _, f := range msg.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}
