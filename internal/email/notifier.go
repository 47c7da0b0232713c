package email

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

// Notifier tells operators about things that need a human.
type Notifier struct {
	sender Sender
	to     string
}

func NewNotifier(sender Sender, operatorEmail string) *Notifier {
	return &Notifier{sender: sender, to: operatorEmail}
}

func (n *Notifier) PossibleAbuse(ctx context.Context, job *domain.Job, matches []string) error {
	if n.to == "" {
		return nil
	}
	subject := fmt.Sprintf("Job %s flagged for abuse review", job.ID)
	body := fmt.Sprintf(
		"<p>Job <b>%s</b> (%s) matched blocked terms: %s.</p>"+
			"<p>Record a decision with <code>POST /jobs/%s/moderation-decision</code>.</p>",
		html.EscapeString(job.ID), html.EscapeString(job.JobType),
		html.EscapeString(strings.Join(matches, ", ")), html.EscapeString(job.ID),
	)
	return n.sender.Send(ctx, Message{To: n.to, Subject: subject, HTML: body, Kind: "possible_abuse"})
}

func (n *Notifier) WebhookFailed(ctx context.Context, w *domain.WebhookOutgoing) error {
	if n.to == "" {
		return nil
	}
	reason := ""
	if w.FailureReason != nil {
		reason = *w.FailureReason
	}
	subject := fmt.Sprintf("Webhook %s delivery failed", w.ID)
	body := fmt.Sprintf(
		"<p>Delivery to <code>%s</code> gave up after %d attempts.</p><p>Last error: %s</p>",
		html.EscapeString(w.TargetURL), w.RetriesCount, html.EscapeString(reason),
	)
	return n.sender.Send(ctx, Message{To: n.to, Subject: subject, HTML: body, Kind: "webhook_failed"})
}
