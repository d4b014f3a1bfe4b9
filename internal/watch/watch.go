// Package watch manages the Gmail push notification subscription: renewing
// it against a Pub/Sub topic, stopping it, and reporting mailbox status.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aklimov/mailrelay/internal/gmail"
)

// watchAPI is the slice of the Gmail API the manager needs.
type watchAPI interface {
	GetProfile(ctx context.Context) (*gmail.Profile, error)
	ListLabels(ctx context.Context) ([]*gmail.Label, error)
	Watch(ctx context.Context, req *gmail.WatchRequest) (*gmail.WatchResponse, error)
	StopWatch(ctx context.Context) error
}

// Subscription describes an active watch registration.
type Subscription struct {
	HistoryID  uint64
	Expiration time.Time
}

// Status is a snapshot of the watched mailbox.
type Status struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLabelIDs restricts notifications to the given label IDs.
func WithLabelIDs(ids []string) Option {
	return func(m *Manager) { m.labelIDs = ids }
}

// WithLabelNames restricts notifications to the labels with the given
// display names, resolved to IDs at renewal time. Ignored when explicit
// label IDs are configured.
func WithLabelNames(names []string) Option {
	return func(m *Manager) { m.labelNames = names }
}

// Manager drives the watch subscription lifecycle for one account.
type Manager struct {
	client     watchAPI
	topic      string
	labelIDs   []string
	labelNames []string
	logger     *slog.Logger
}

// TopicName builds the fully qualified Pub/Sub topic name.
func TopicName(project, topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", project, topic)
}

// New creates a Manager publishing to the given fully qualified topic.
func New(client watchAPI, topic string, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		topic:  topic,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Renew registers a fresh watch subscription. Any existing subscription is
// stopped first so the registration never silently extends a stale one.
func (m *Manager) Renew(ctx context.Context) (*Subscription, error) {
	if err := m.Stop(ctx); err != nil {
		return nil, fmt.Errorf("stop existing watch: %w", err)
	}

	labelIDs, err := m.resolveLabels(ctx)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName: m.topic,
		LabelIDs:  labelIDs,
	}
	if len(labelIDs) > 0 {
		req.LabelFilterAction = "include"
	}

	resp, err := m.client.Watch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}

	m.logger.Info("watch subscription renewed",
		"topic", m.topic, "labels", labelIDs,
		"history_id", resp.HistoryID, "expires", resp.Expiration)

	return &Subscription{HistoryID: resp.HistoryID, Expiration: resp.Expiration}, nil
}

// Stop cancels the active subscription. A missing subscription is not an
// error; the goal state is reached either way.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.client.StopWatch(ctx)
	if err == nil {
		return nil
	}

	var precondition *gmail.PreconditionError
	if errors.As(err, &precondition) {
		m.logger.Info("no active watch subscription to stop")
		return nil
	}
	return fmt.Errorf("stop watch: %w", err)
}

// Current reports the watched mailbox's profile.
func (m *Manager) Current(ctx context.Context) (*Status, error) {
	profile, err := m.client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	return &Status{
		EmailAddress:  profile.EmailAddress,
		MessagesTotal: profile.MessagesTotal,
		ThreadsTotal:  profile.ThreadsTotal,
		HistoryID:     profile.HistoryID,
	}, nil
}

// resolveLabels returns the label IDs for the subscription. Explicit IDs
// win; otherwise configured names are looked up in the mailbox's label
// list, with unresolvable names logged and dropped.
func (m *Manager) resolveLabels(ctx context.Context) ([]string, error) {
	if len(m.labelIDs) > 0 {
		if len(m.labelNames) > 0 {
			m.logger.Warn("both label IDs and label names configured, using IDs",
				"label_ids", m.labelIDs, "label_names", m.labelNames)
		}
		return m.labelIDs, nil
	}
	if len(m.labelNames) == 0 {
		return nil, nil
	}

	labels, err := m.client.ListLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	byName := make(map[string]string, len(labels))
	for _, label := range labels {
		byName[label.Name] = label.ID
	}

	var ids []string
	for _, name := range m.labelNames {
		id, ok := byName[name]
		if !ok {
			m.logger.Warn("label name not found in mailbox, skipping", "label", name)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
