// Package relay implements history reconciliation: it turns a pushed Gmail
// history cursor into the set of genuinely new messages, decodes them, and
// hands each one to the downstream consumer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aklimov/mailrelay/internal/gmail"
	"github.com/aklimov/mailrelay/internal/mime"
)

const (
	defaultSubject   = "No Subject"
	defaultSender    = "Unknown Sender"
	defaultRecipient = "Unknown Recipient"
	defaultDate      = "Unknown Date"
)

// DecodedMessage is the normalized record handed to the consumer. It is
// built once per fetched message and not retained afterwards.
type DecodedMessage struct {
	ID                 string
	ThreadID           string
	LabelIDs           []string
	Subject            string
	Sender             string
	Recipient          string
	Date               string
	Snippet            string
	BodyText           string
	BodyIsHTMLStripped bool
	Attachments        []mime.AttachmentRef
	InternalDate       time.Time
}

// Outcome reports the consumer's handling of one message.
type Outcome struct {
	Success bool
	Error   string
}

// Consumer receives decoded messages. Delivery failures are logged by the
// engine but never affect cursor advancement or the remaining batch.
type Consumer interface {
	Deliver(ctx context.Context, account string, msg *DecodedMessage) Outcome
}

// CursorStore is the durable checkpoint of the last processed history ID.
type CursorStore interface {
	LoadCursor(account string) (uint64, bool, error)
	SaveCursor(account string, historyID uint64) error
}

// mailAPI is the slice of the Gmail API the engine needs.
type mailAPI interface {
	GetProfile(ctx context.Context) (*gmail.Profile, error)
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.HistoryResponse, error)
	GetMessage(ctx context.Context, messageID string) (*gmail.Message, error)
}

// Status classifies a reconciliation pass.
type Status int

const (
	// StatusCompleted means the history range was processed and the cursor
	// advanced, even if individual messages were skipped.
	StatusCompleted Status = iota

	// StatusSkipped means the incoming cursor was not newer than the stored
	// one; nothing was fetched and nothing changed.
	StatusSkipped

	// StatusFailed means the pass aborted before the cursor advance; the
	// same range can be retried safely.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result summarizes one reconciliation pass.
type Result struct {
	Status    Status
	Delivered int  // messages handed to the consumer
	Filtered  int  // messages dropped by the label filter
	Failed    int  // messages that could not be fetched
	Resynced  bool // cursor was re-anchored after the history range expired
	Cursor    uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithLabelFilter restricts forwarding to messages carrying at least one of
// the given label IDs. An empty filter forwards everything.
func WithLabelFilter(labelIDs []string) Option {
	return func(r *Reconciler) { r.allowedLabels = labelIDs }
}

// WithFetchConcurrency bounds the number of parallel message fetches.
func WithFetchConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.fetchConcurrency = n
		}
	}
}

// Reconciler drives reconciliation passes. Passes for the same account are
// serialized; the stored cursor has exactly one writer at a time.
type Reconciler struct {
	client           mailAPI
	cursors          CursorStore
	consumer         Consumer
	logger           *slog.Logger
	allowedLabels    []string
	fetchConcurrency int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Reconciler.
func New(client mailAPI, cursors CursorStore, consumer Consumer, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:           client,
		cursors:          cursors,
		consumer:         consumer,
		logger:           slog.Default(),
		fetchConcurrency: 4,
		locks:            make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// accountLock returns the mutex serializing passes for one account.
func (r *Reconciler) accountLock(account string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[account]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[account] = lock
	}
	return lock
}

// Process runs one reconciliation pass for the pushed cursor. It never
// panics out and never returns an unwrapped API error: the caller always
// receives a Result it can acknowledge the push delivery with.
func (r *Reconciler) Process(ctx context.Context, account, incomingCursor string) (result *Result, err error) {
	lock := r.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reconciliation panic recovered",
				"account", account, "cursor", incomingCursor,
				"panic", rec, "stack", string(debug.Stack()))
			result = &Result{Status: StatusFailed}
			err = fmt.Errorf("reconciliation panicked: %v", rec)
		}
	}()

	result, err = r.reconcile(ctx, account, incomingCursor)
	if err != nil {
		r.logger.Error("reconciliation failed",
			"account", account, "cursor", incomingCursor, "error", err)
		return &Result{Status: StatusFailed}, err
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, account, incomingCursor string) (*Result, error) {
	incoming, incomingOK := parseCursor(incomingCursor)
	if !incomingOK {
		r.logger.Warn("incoming cursor is not numeric, proceeding without freshness check",
			"account", account, "cursor", incomingCursor)
	}

	stored, hasStored, err := r.cursors.LoadCursor(account)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	r.logger.Info("reconciling history",
		"account", account, "incoming", incomingCursor, "stored", stored)

	// With no parseable cursor and no checkpoint there is nothing to anchor
	// the history range on; start fresh from the profile.
	if !incomingOK && !hasStored {
		return r.resync(ctx, account)
	}

	// Idempotence guard against duplicate or out-of-order push deliveries.
	if incomingOK && hasStored && incoming <= stored {
		r.logger.Info("cursor not newer than stored, skipping",
			"account", account, "incoming", incoming, "stored", stored)
		return &Result{Status: StatusSkipped, Cursor: stored}, nil
	}

	start := stored
	if !hasStored {
		start = incoming
	}

	ids, currentHistoryID, err := r.listAddedMessages(ctx, start)
	if err != nil {
		var notFound *gmail.NotFoundError
		if errors.As(err, &notFound) {
			return r.resync(ctx, account)
		}
		return nil, fmt.Errorf("list history from %d: %w", start, err)
	}

	// The service vouches there is no newer mail up to the incoming cursor,
	// so an empty delta still advances the checkpoint.
	advanceTo := incoming
	if !incomingOK {
		advanceTo = currentHistoryID
	}

	result := &Result{Status: StatusCompleted, Cursor: advanceTo}
	if len(ids) > 0 {
		r.fanOut(ctx, account, ids, result)
	} else {
		r.logger.Info("no new history records", "account", account, "cursor", advanceTo)
	}

	if advanceTo > 0 {
		if err := r.cursors.SaveCursor(account, advanceTo); err != nil {
			return nil, fmt.Errorf("advance cursor to %d: %w", advanceTo, err)
		}
	}

	r.logger.Info("reconciliation complete",
		"account", account, "cursor", advanceTo,
		"delivered", result.Delivered, "filtered", result.Filtered, "failed", result.Failed)
	return result, nil
}

// listAddedMessages pages through the history feed and returns the IDs of
// added messages in feed order, de-duplicated, plus the service's current
// history ID.
func (r *Reconciler) listAddedMessages(ctx context.Context, start uint64) ([]gmail.MessageID, uint64, error) {
	var (
		ids       []gmail.MessageID
		seen      = make(map[string]bool)
		pageToken string
		current   uint64
	)
	for {
		resp, err := r.client.ListHistory(ctx, start, pageToken)
		if err != nil {
			return nil, 0, err
		}
		if resp.HistoryID > current {
			current = resp.HistoryID
		}
		for _, record := range resp.History {
			for _, added := range record.MessagesAdded {
				if added.Message.ID == "" || seen[added.Message.ID] {
					continue
				}
				seen[added.Message.ID] = true
				ids = append(ids, added.Message)
			}
		}
		if resp.NextPageToken == "" {
			return ids, current, nil
		}
		pageToken = resp.NextPageToken
	}
}

// fanOut fetches, filters, decodes, and delivers each message. Individual
// failures are logged and counted but never abort the batch.
func (r *Reconciler) fanOut(ctx context.Context, account string, ids []gmail.MessageID, result *Result) {
	var mu sync.Mutex

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(r.fetchConcurrency)

	for _, id := range ids {
		id := id
		grp.Go(func() error {
			outcome := r.processOne(ctx, account, id.ID)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case oneDelivered:
				result.Delivered++
			case oneFiltered:
				result.Filtered++
			case oneFailed:
				result.Failed++
			}
			// Per-message failures are isolated; never cancel the group.
			return nil
		})
	}
	_ = grp.Wait()
}

type oneOutcome int

const (
	oneDelivered oneOutcome = iota
	oneFiltered
	oneFailed
)

func (r *Reconciler) processOne(ctx context.Context, account, messageID string) oneOutcome {
	msg, err := r.client.GetMessage(ctx, messageID)
	if err != nil {
		r.logger.Warn("fetch failed, skipping message",
			"account", account, "message_id", messageID, "error", err)
		return oneFailed
	}
	if msg.ID == "" {
		r.logger.Warn("fetched message has no ID, skipping",
			"account", account, "message_id", messageID)
		return oneFailed
	}

	if len(r.allowedLabels) > 0 && !labelsIntersect(msg.LabelIDs, r.allowedLabels) {
		r.logger.Info("message dropped by label filter",
			"account", account, "message_id", msg.ID, "labels", msg.LabelIDs)
		return oneFiltered
	}

	decoded := r.decode(msg)
	r.logger.Info("delivering message",
		"account", account, "message_id", decoded.ID,
		"subject", decoded.Subject, "sender", decoded.Sender)

	outcome := r.consumer.Deliver(ctx, account, decoded)
	if !outcome.Success {
		r.logger.Warn("consumer delivery failed",
			"account", account, "message_id", decoded.ID, "error", outcome.Error)
	}
	return oneDelivered
}

// decode builds the normalized record, preferring HTML-stripped text and
// falling back to the plain-text part when the HTML side decodes empty.
func (r *Reconciler) decode(msg *gmail.Message) *DecodedMessage {
	headers := mime.HeaderIndex(msg.Payload)

	body := mime.DecodeBody(msg.Payload, true, true)
	stripped := true
	if body == "" {
		body = mime.DecodeBody(msg.Payload, false, false)
		stripped = false
	}

	decoded := &DecodedMessage{
		ID:                 msg.ID,
		ThreadID:           msg.ThreadID,
		LabelIDs:           msg.LabelIDs,
		Subject:            headerOr(headers, "subject", defaultSubject),
		Sender:             headerOr(headers, "from", defaultSender),
		Recipient:          headerOr(headers, "to", defaultRecipient),
		Date:               headerOr(headers, "date", defaultDate),
		Snippet:            msg.Snippet,
		BodyText:           body,
		BodyIsHTMLStripped: stripped && body != "",
		Attachments:        mime.FindAttachments(msg.Payload),
	}
	if msg.InternalDate > 0 {
		decoded.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	return decoded
}

// resync re-anchors the cursor at the service's current history ID after the
// requested range aged out of history retention. Messages inside the expired
// range are unrecoverable through the history feed; starting fresh beats
// failing every subsequent pass.
func (r *Reconciler) resync(ctx context.Context, account string) (*Result, error) {
	r.logger.Warn("history range expired, resyncing from current profile", "account", account)

	profile, err := r.client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("resync profile fetch: %w", err)
	}
	if err := r.cursors.SaveCursor(account, profile.HistoryID); err != nil {
		return nil, fmt.Errorf("resync cursor save: %w", err)
	}

	r.logger.Info("cursor re-anchored", "account", account, "cursor", profile.HistoryID)
	return &Result{Status: StatusCompleted, Resynced: true, Cursor: profile.HistoryID}, nil
}

func parseCursor(s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func labelsIntersect(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func headerOr(index map[string]string, name, fallback string) string {
	if v := index[name]; v != "" {
		return v
	}
	return fallback
}
