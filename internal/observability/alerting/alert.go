package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "creditrail/internal/errors"
	"creditrail/pkg/logger"
)

// Channel identifies a notification channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Event describes an occurrence worth paging someone about: a settlement
// failure, a signer mismatch, an ingestion tick that keeps failing.
type Event struct {
	Code     xerrors.Code
	Message  string
	Severity xerrors.Severity
	// Subject names what the alert is about: an offer id, a facility name.
	Subject    string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier delivers an event to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts events to the registered notifiers.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers each event to every registered notifier.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout creates a FanoutDispatcher. Nil notifiers are skipped, so callers
// can pass optional channels unconditionally.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify implements Dispatcher.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EmailSender sends a rendered alert mail.
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier renders alert events as mail.
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("email notifier not configured, skipping alert", slog.String("subject", event.Subject))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("time: %s\nsubject: %s\ncode: %s\nmessage: %s",
		event.OccurredAt.Format(time.RFC3339), event.Subject, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "\ndetails:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// WebhookSender posts a rendered alert to an operator webhook.
type WebhookSender interface {
	Send(ctx context.Context, content string) error
}

// WebhookNotifier renders alert events for a chat webhook.
type WebhookNotifier struct {
	Sender WebhookSender
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("webhook notifier not configured, skipping alert", slog.String("subject", event.Subject))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\nsubject: %s\n%s",
		event.Severity, event.Code, event.Subject, event.Message)
	return n.Sender.Send(ctx, payload)
}
