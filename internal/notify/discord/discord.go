// Package discord implements the notify.Sender for Discord using the REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/notify"
)

var errNoChannel = errors.New("discord: no channel specified")

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sender posts notifications to a Discord channel or thread.
type Sender struct {
	sess      session
	channelID string
}

// SenderOpts holds parameters for creating a Discord Sender.
type SenderOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // default channel to post to
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Sender. Only the REST client is used; no gateway
// connection is opened.
func New(opts SenderOpts) (*Sender, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	s := &Sender{sess: opts.Session, channelID: opts.ChannelID}
	if s.sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		// Rate limits are retried by the deliverer, which records each attempt.
		dg.ShouldRetryOnRateLimit = false
		s.sess = dg
	}
	return s, nil
}

// IntegrationType implements notify.Sender.
func (s *Sender) IntegrationType() models.IntegrationType { return models.IntegrationDiscord }

// DefaultChannel implements notify.Sender.
func (s *Sender) DefaultChannel() string { return s.channelID }

// Send posts one message. In Discord threads are channels, so a ThreadID
// is used as the target channel.
func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	channelID := msg.ThreadID
	if channelID == "" {
		channelID = msg.Channel
	}
	if channelID == "" {
		channelID = s.channelID
	}
	if channelID == "" {
		return errNoChannel
	}

	if _, err := s.sess.ChannelMessageSendComplex(channelID, buildMessageSend(msg), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Classify implements notify.Sender: 429 and 5xx are transient, other 4xx
// responses are permanent.
func (s *Sender) Classify(err error) delivery.Outcome {
	if o, ok := notify.ClassifyCommon(err); ok {
		return o
	}

	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		return delivery.OutcomeTransientFailure
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests, code >= 500:
			return delivery.OutcomeTransientFailure
		case code >= 400:
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

// RetryAfter implements notify.RetryAfterer with Discord's rate limit hint.
func (s *Sender) RetryAfter(err error) (time.Duration, bool) {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) && rle.RateLimit != nil && rle.TooManyRequests != nil && rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	return 0, false
}

// buildMessageSend translates a notify.Message into a Discord MessageSend.
func buildMessageSend(msg notify.Message) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content: msg.Text,
	}
	if msg.Title != "" || len(msg.Fields) > 0 {
		data.Embeds = append(data.Embeds, toEmbed(msg))
	}
	return data
}

// toEmbed renders the title, color and fields as a Discord embed.
func toEmbed(msg notify.Message) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: msg.Title,
	}
	if msg.Color != "" {
		embed.Color = parseHexColor(msg.Color)
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}
