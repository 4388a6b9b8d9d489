// Package notify delivers close-engine alerts to operators over one or more
// channels (Telegram, Discord). Subjects double as event types so operators
// can subscribe to only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Subjects emitted by the close pipeline.
const (
	SubjectClosed    = "position closed"
	SubjectFailed    = "close failed"
	SubjectBatchDone = "batch close completed"
	SubjectProposals = "close proposals"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier dispatches notifications to one or more Senders, filtered by an
// allowed-subject set. An empty set allows everything.
type Notifier struct {
	senders  []Sender
	subjects map[string]bool
	logger   *slog.Logger
}

// NewNotifier creates a Notifier that delivers to the given senders. Only
// notifications whose subject appears in subjects are forwarded; an empty
// slice allows all subjects.
func NewNotifier(senders []Sender, subjects []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		allowed[strings.TrimSpace(s)] = true
	}
	return &Notifier{
		senders:  senders,
		subjects: allowed,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Send delivers a notification when its subject passes the filter. It
// satisfies the orchestrator's notifier dependency.
func (n *Notifier) Send(ctx context.Context, subject, body string) error {
	if len(n.subjects) > 0 && !n.subjects[subject] {
		n.logger.DebugContext(ctx, "subject filtered out",
			slog.String("subject", subject),
		)
		return nil
	}
	return n.dispatch(ctx, subject, body)
}

// SendAll delivers a notification to all senders regardless of subject.
func (n *Notifier) SendAll(ctx context.Context, subject, body string) error {
	return n.dispatch(ctx, subject, body)
}

// dispatch iterates over all senders. Errors from individual senders are
// collected and returned combined; a single sender failure does not prevent
// delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
