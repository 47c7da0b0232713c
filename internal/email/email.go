package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// Message is one operator notification. Kind groups notifications in the
// provider dashboard and in local logs.
type Message struct {
	To      string
	Subject string
	HTML    string
	Kind    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes notifications to the log. Used in ENV=local.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "operator notification",
		"kind", msg.Kind, "to", msg.To, "subject", msg.Subject, "body", msg.HTML)
	return nil
}

// ResendSender delivers notifications through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}
	if msg.Kind != "" {
		params.Tags = []resend.Tag{{Name: "kind", Value: msg.Kind}}
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send %s notification: %w", msg.Kind, err)
	}
	return nil
}

// NewSender logs instead of sending for ENV=local or when no API key is configured.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" || apiKey == "" {
		return &LogSender{logger: logger.With("component", "email")}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}
