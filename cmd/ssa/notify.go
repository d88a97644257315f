package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/notify"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/notify/discord"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/notify/slack"
)

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Outbound notification commands",
	}
	cmd.AddCommand(newNotifySendCmd())
	return cmd
}

func newNotifySendCmd() *cobra.Command {
	var (
		configPath  string
		integration string
		sessionID   string
		requestID   string
		channel     string
		text        string
		title       string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message with tracked retries",
		Long:  "Creates a delivery log and sends the message through Slack or Discord, retrying transient failures with the configured backoff.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			sender, err := newSender(a.cfg, integration)
			if err != nil {
				return err
			}
			d := notify.NewDeliverer(a.deliveries, sender, a.cfg.Delivery.Backoff, a.log)
			row, err := d.Deliver(cmdContext(cmd), notify.DeliverInput{
				SessionID: sessionID,
				RequestID: requestID,
				Message:   notify.Message{Channel: channel, Text: text, Title: title},
			})
			if row != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Delivery %s: %s after %d attempt(s)\n", row.ID, row.Status, row.AttemptCount)
			}
			return err
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&integration, "integration", "i", "slack", "slack or discord")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (required)")
	cmd.Flags().StringVar(&requestID, "request", "", "request id")
	cmd.Flags().StringVar(&channel, "channel", "", "channel id (default from config)")
	cmd.Flags().StringVarP(&text, "text", "m", "", "message text (required)")
	cmd.Flags().StringVar(&title, "title", "", "message title")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

// newSender builds the configured sender for integration.
func newSender(cfg *config.Config, integration string) (notify.Sender, error) {
	switch strings.ToLower(integration) {
	case "slack":
		s, err := slack.New(slack.SenderOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "discord":
		s, err := discord.New(discord.SenderOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported integration %q (want slack or discord)", integration)
	}
}
