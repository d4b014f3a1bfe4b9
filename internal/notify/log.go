package notify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aklimov/mailrelay/internal/relay"
	"github.com/aklimov/mailrelay/internal/store"
	"github.com/aklimov/mailrelay/internal/textutil"
)

// logPreviewLimit caps the body text stored per logged email.
const logPreviewLimit = 1000

// EmailLogger records every delivered message in the local store.
type EmailLogger struct {
	store  *store.Store
	logger *slog.Logger
}

// NewEmailLogger creates a store-backed consumer.
func NewEmailLogger(s *store.Store, logger *slog.Logger) *EmailLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailLogger{store: s, logger: logger}
}

// Deliver writes one log row. Duplicate deliveries are absorbed by the
// store's unique constraint.
func (l *EmailLogger) Deliver(ctx context.Context, account string, msg *relay.DecodedMessage) relay.Outcome {
	rec := &store.EmailRecord{
		Account:     account,
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		Subject:     msg.Subject,
		Sender:      msg.Sender,
		Recipient:   msg.Recipient,
		Snippet:     msg.Snippet,
		Labels:      msg.LabelIDs,
		BodyPreview: textutil.TruncateRunes(msg.BodyText, logPreviewLimit),
		ReceivedAt:  msg.InternalDate,
	}
	if err := l.store.LogEmail(rec); err != nil {
		l.logger.Warn("email log write failed",
			"account", account, "message_id", msg.ID, "error", err)
		return relay.Outcome{Success: false, Error: err.Error()}
	}
	return relay.Outcome{Success: true}
}

// Multi fans one delivery out to several consumers. Every consumer sees the
// message even when an earlier one fails.
type Multi struct {
	consumers []relay.Consumer
}

// NewMulti combines consumers into one.
func NewMulti(consumers ...relay.Consumer) *Multi {
	return &Multi{consumers: consumers}
}

// Deliver forwards to each consumer and aggregates failures.
func (m *Multi) Deliver(ctx context.Context, account string, msg *relay.DecodedMessage) relay.Outcome {
	var failures []string
	for _, c := range m.consumers {
		if outcome := c.Deliver(ctx, account, msg); !outcome.Success {
			failures = append(failures, outcome.Error)
		}
	}
	if len(failures) > 0 {
		return relay.Outcome{Success: false, Error: strings.Join(failures, "; ")}
	}
	return relay.Outcome{Success: true}
}
