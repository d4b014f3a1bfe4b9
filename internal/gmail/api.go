// Package gmail provides a Gmail API client with rate limiting and retry logic.
package gmail

import (
	"context"
	"time"
)

// AccountReader provides read access to account-level Gmail data.
type AccountReader interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListLabels returns all labels for the account.
	ListLabels(ctx context.Context) ([]*Label, error)
}

// HistoryReader provides read access to Gmail messages and the history feed.
type HistoryReader interface {
	// ListHistory returns message-added changes since the given history ID.
	// Use pageToken for pagination. Returns next page token if more results exist.
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryResponse, error)

	// GetMessage fetches a single message in full format, including the
	// decoded part tree with headers and body data.
	GetMessage(ctx context.Context, messageID string) (*Message, error)
}

// WatchController manages the server-side push notification subscription.
type WatchController interface {
	// Watch registers a push subscription for the account. Future mailbox
	// changes are published to the configured Pub/Sub topic.
	Watch(ctx context.Context, req *WatchRequest) (*WatchResponse, error)

	// StopWatch cancels the active push subscription. Returns a
	// *PreconditionError when no subscription is active.
	StopWatch(ctx context.Context) error
}

// API defines the interface for Gmail operations.
// This interface enables mocking for tests without hitting the real API.
type API interface {
	AccountReader
	HistoryReader
	WatchController

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// Label represents a Gmail label.
type Label struct {
	ID   string
	Name string
	Type string // "system" or "user"
}

// MessageID represents a message reference from history operations.
type MessageID struct {
	ID       string
	ThreadID string
}

// Header is a single message header as returned in the part tree.
type Header struct {
	Name  string
	Value string
}

// PartBody holds the payload of a single MIME part. Data is web-safe base64
// as delivered by the API; AttachmentID is set instead of Data for parts
// whose bytes must be fetched separately.
type PartBody struct {
	Size         int64
	Data         string
	AttachmentID string
}

// MessagePart is a node in the recursive part tree of a full-format message.
// Leaf parts carry encoded bodies; interior parts are multipart containers.
type MessagePart struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     PartBody
	Parts    []*MessagePart
}

// Message is a full-format Gmail message.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	HistoryID    uint64
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Payload      *MessagePart
}

// HistoryResponse contains message-added changes since a history ID.
type HistoryResponse struct {
	History       []HistoryRecord
	NextPageToken string
	HistoryID     uint64
}

// HistoryRecord represents a single history change.
type HistoryRecord struct {
	ID            uint64
	MessagesAdded []HistoryMessage
}

// HistoryMessage represents a message in history.
type HistoryMessage struct {
	Message MessageID
}

// WatchRequest describes the push subscription to establish.
type WatchRequest struct {
	TopicName         string
	LabelIDs          []string
	LabelFilterAction string // "include" or "exclude"
}

// WatchResponse is the result of establishing a push subscription.
type WatchResponse struct {
	HistoryID  uint64
	Expiration time.Time
}
