package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/notify"
)

// --- Mock Slack client ---

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

type mockClient struct {
	mu      sync.Mutex
	posted  []postedMessage
	postErr error
}

func (m *mockClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	if m.postErr != nil {
		return "", "", m.postErr
	}
	return channelID, "1700000000.000200", nil
}

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(SenderOpts{}); err == nil {
		t.Fatal("expected error without bot token or client")
	}
}

func TestNew_WithBotToken(t *testing.T) {
	s, err := New(SenderOpts{BotToken: "xoxb-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.client == nil {
		t.Error("real client not created")
	}
}

func TestSend_ExplicitChannel(t *testing.T) {
	mc := &mockClient{}
	s, _ := New(SenderOpts{Client: mc, ChannelID: "CDEFAULT"})

	err := s.Send(context.Background(), notify.Message{Channel: "C123", ThreadID: "1700000000.000100", Text: "done"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mc.posted) != 1 || mc.posted[0].channelID != "C123" {
		t.Fatalf("posted = %+v", mc.posted)
	}
	// thread ts + text
	if len(mc.posted[0].options) != 2 {
		t.Errorf("options = %d, want 2", len(mc.posted[0].options))
	}
}

func TestSend_DefaultChannel(t *testing.T) {
	mc := &mockClient{}
	s, _ := New(SenderOpts{Client: mc, ChannelID: "CDEFAULT"})
	if err := s.Send(context.Background(), notify.Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if mc.posted[0].channelID != "CDEFAULT" {
		t.Errorf("channel = %s, want CDEFAULT", mc.posted[0].channelID)
	}
	if s.DefaultChannel() != "CDEFAULT" {
		t.Errorf("DefaultChannel = %q", s.DefaultChannel())
	}
}

func TestSend_NoChannel(t *testing.T) {
	s, _ := New(SenderOpts{Client: &mockClient{}})
	err := s.Send(context.Background(), notify.Message{Text: "hi"})
	if err == nil {
		t.Fatal("expected error without channel")
	}
	if s.Classify(err) != delivery.OutcomePermanentFailure {
		t.Errorf("missing channel should be permanent")
	}
}

func TestSend_WrapsError(t *testing.T) {
	mc := &mockClient{postErr: slackapi.SlackErrorResponse{Err: "channel_not_found"}}
	s, _ := New(SenderOpts{Client: mc})
	err := s.Send(context.Background(), notify.Message{Channel: "C1", Text: "x"})
	var ser slackapi.SlackErrorResponse
	if !errors.As(err, &ser) || ser.Err != "channel_not_found" {
		t.Errorf("err = %v, want wrapped SlackErrorResponse", err)
	}
}

func TestBuildMessageOptions(t *testing.T) {
	tests := []struct {
		name string
		msg  notify.Message
		want int
	}{
		{"text only", notify.Message{Text: "x"}, 1},
		{"thread", notify.Message{Text: "x", ThreadID: "1.2"}, 2},
		{"attachment", notify.Message{Text: "x", Title: "Ticket", Fields: []notify.Field{{Name: "id", Value: "INC1"}}}, 2},
		{"thread and attachment", notify.Message{Text: "x", ThreadID: "1.2", Title: "T"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(buildMessageOptions(tt.msg)); got != tt.want {
				t.Errorf("options = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestToAttachment(t *testing.T) {
	att := toAttachment(notify.Message{
		Title: "Laptop refresh", Color: "#36a64f",
		Fields: []notify.Field{{Name: "Ticket", Value: "REQ-1", Short: true}},
	})
	if att.Title != "Laptop refresh" || att.Fallback != "Laptop refresh" || att.Color != "#36a64f" {
		t.Errorf("att = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Ticket" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestClassify(t *testing.T) {
	s, _ := New(SenderOpts{Client: &mockClient{}})
	wrap := func(err error) error { return fmt.Errorf("slack: post message: %w", err) }

	tests := []struct {
		name string
		err  error
		want delivery.Outcome
	}{
		{"nil", nil, delivery.OutcomeSuccess},
		{"rate limited", wrap(&slackapi.RateLimitedError{RetryAfter: time.Second}), delivery.OutcomeTransientFailure},
		{"invalid auth", wrap(slackapi.SlackErrorResponse{Err: "invalid_auth"}), delivery.OutcomePermanentFailure},
		{"channel not found", wrap(slackapi.SlackErrorResponse{Err: "channel_not_found"}), delivery.OutcomePermanentFailure},
		{"internal error", wrap(slackapi.SlackErrorResponse{Err: "internal_error"}), delivery.OutcomeTransientFailure},
		{"http 503", wrap(slackapi.StatusCodeError{Code: 503, Status: "503 Service Unavailable"}), delivery.OutcomeTransientFailure},
		{"http 404", wrap(slackapi.StatusCodeError{Code: 404, Status: "404 Not Found"}), delivery.OutcomePermanentFailure},
		{"deadline", wrap(context.DeadlineExceeded), delivery.OutcomeTransientFailure},
		{"unknown", errors.New("connection reset"), delivery.OutcomeTransientFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	s, _ := New(SenderOpts{Client: &mockClient{}})
	d, ok := s.RetryAfter(fmt.Errorf("wrapped: %w", &slackapi.RateLimitedError{RetryAfter: 7 * time.Second}))
	if !ok || d != 7*time.Second {
		t.Errorf("RetryAfter = %v, %v; want 7s, true", d, ok)
	}
	if _, ok := s.RetryAfter(errors.New("other")); ok {
		t.Error("RetryAfter should be false for non-rate-limit errors")
	}
}
