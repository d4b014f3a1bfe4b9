package relay

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aklimov/mailrelay/internal/gmail"
	"github.com/aklimov/mailrelay/internal/store"
)

const testAccount = "user@example.com"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type captureConsumer struct {
	mu        sync.Mutex
	delivered []*DecodedMessage
	fail      bool
}

func (c *captureConsumer) Deliver(ctx context.Context, account string, msg *DecodedMessage) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, msg)
	if c.fail {
		return Outcome{Success: false, Error: "downstream unavailable"}
	}
	return Outcome{Success: true}
}

func (c *captureConsumer) messages() []*DecodedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*DecodedMessage(nil), c.delivered...)
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func textMessage(id, subject, from, to, body string, labels ...string) *gmail.Message {
	return &gmail.Message{
		ID:       id,
		ThreadID: "t-" + id,
		LabelIDs: labels,
		Snippet:  body,
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers: []gmail.Header{
				{Name: "Subject", Value: subject},
				{Name: "From", Value: from},
				{Name: "To", Value: to},
				{Name: "Date", Value: "Mon, 2 Mar 2026 10:00:00 +0000"},
			},
			Body: gmail.PartBody{Data: b64(body), Size: int64(len(body))},
		},
	}
}

func historyPage(historyID uint64, messageIDs ...string) *gmail.HistoryResponse {
	resp := &gmail.HistoryResponse{HistoryID: historyID}
	for i, id := range messageIDs {
		resp.History = append(resp.History, gmail.HistoryRecord{
			ID:            historyID - uint64(len(messageIDs)-i),
			MessagesAdded: []gmail.HistoryMessage{{Message: gmail.MessageID{ID: id, ThreadID: "t-" + id}}},
		})
	}
	return resp
}

func TestProcessDeliversNewMessage(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{historyPage(1050, "m1")}
	mock.Messages["m1"] = textMessage("m1", "Test", "alice@example.com", "user@example.com", "Hello there", "INBOX")

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	consumer := &captureConsumer{}
	r := New(mock, cursors, consumer)

	result, err := r.Process(context.Background(), testAccount, "1050")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %v, want completed", result.Status)
	}
	if result.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", result.Delivered)
	}
	if result.Cursor != 1050 {
		t.Errorf("cursor = %d, want 1050", result.Cursor)
	}

	if len(mock.HistoryCalls) == 0 || mock.HistoryCalls[0] != 1000 {
		t.Errorf("history listed from %v, want [1000 ...]", mock.HistoryCalls)
	}

	msgs := consumer.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != "m1" || got.Subject != "Test" || got.Sender != "alice@example.com" {
		t.Errorf("delivered = %+v", got)
	}
	if got.BodyText != "Hello there" {
		t.Errorf("body = %q, want %q", got.BodyText, "Hello there")
	}

	stored, ok, err := cursors.LoadCursor(testAccount)
	if err != nil || !ok || stored != 1050 {
		t.Errorf("stored cursor = %d, %v, %v; want 1050", stored, ok, err)
	}
}

func TestProcessSkipsStaleCursor(t *testing.T) {
	mock := gmail.NewMockAPI()
	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1050); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	r := New(mock, cursors, &captureConsumer{})
	result, err := r.Process(context.Background(), testAccount, "1000")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Errorf("status = %v, want skipped", result.Status)
	}
	if len(mock.HistoryCalls) != 0 {
		t.Errorf("history was listed %d times on a stale cursor", len(mock.HistoryCalls))
	}
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{historyPage(1050, "m1")}
	mock.Messages["m1"] = textMessage("m1", "Once", "a@example.com", "user@example.com", "body", "INBOX")

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	consumer := &captureConsumer{}
	r := New(mock, cursors, consumer)

	if _, err := r.Process(context.Background(), testAccount, "1050"); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	second, err := r.Process(context.Background(), testAccount, "1050")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Status != StatusSkipped {
		t.Errorf("redelivery status = %v, want skipped", second.Status)
	}
	if n := len(consumer.messages()); n != 1 {
		t.Errorf("got %d deliveries across redelivery, want 1", n)
	}
}

func TestProcessIsolatesFetchFailures(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{historyPage(1060, "m1", "m2", "m3")}
	mock.Messages["m1"] = textMessage("m1", "First", "a@example.com", "u@example.com", "one", "INBOX")
	mock.Messages["m3"] = textMessage("m3", "Third", "a@example.com", "u@example.com", "three", "INBOX")
	mock.GetMessageError["m2"] = &gmail.NotFoundError{Path: "/users/me/messages/m2"}

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	consumer := &captureConsumer{}
	r := New(mock, cursors, consumer, WithFetchConcurrency(1))

	result, err := r.Process(context.Background(), testAccount, "1060")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Delivered != 2 || result.Failed != 1 {
		t.Errorf("delivered=%d failed=%d, want 2/1", result.Delivered, result.Failed)
	}

	stored, _, err := cursors.LoadCursor(testAccount)
	if err != nil || stored != 1060 {
		t.Errorf("stored cursor = %d, %v; want 1060", stored, err)
	}
}

func TestProcessLabelFilter(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{historyPage(1060, "m1", "m2")}
	mock.Messages["m1"] = textMessage("m1", "Promo", "a@example.com", "u@example.com", "sale", "CATEGORY_PROMOTIONS")
	mock.Messages["m2"] = textMessage("m2", "Urgent", "a@example.com", "u@example.com", "now", "INBOX", "IMPORTANT")

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	consumer := &captureConsumer{}
	r := New(mock, cursors, consumer, WithLabelFilter([]string{"IMPORTANT"}))

	result, err := r.Process(context.Background(), testAccount, "1060")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Delivered != 1 || result.Filtered != 1 {
		t.Errorf("delivered=%d filtered=%d, want 1/1", result.Delivered, result.Filtered)
	}

	msgs := consumer.messages()
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("delivered %v, want just m2", msgs)
	}
}

func TestProcessEmptyDeltaAdvancesCursor(t *testing.T) {
	mock := gmail.NewMockAPI()
	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	r := New(mock, cursors, &captureConsumer{})
	result, err := r.Process(context.Background(), testAccount, "1050")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Status != StatusCompleted || result.Delivered != 0 {
		t.Errorf("result = %+v, want completed with no deliveries", result)
	}

	stored, _, err := cursors.LoadCursor(testAccount)
	if err != nil || stored != 1050 {
		t.Errorf("stored cursor = %d, %v; want 1050", stored, err)
	}
}

func TestProcessFirstPushStartsFromIncoming(t *testing.T) {
	mock := gmail.NewMockAPI()
	cursors := newTestStore(t)

	r := New(mock, cursors, &captureConsumer{})
	if _, err := r.Process(context.Background(), testAccount, "500"); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(mock.HistoryCalls) == 0 || mock.HistoryCalls[0] != 500 {
		t.Errorf("history listed from %v, want [500]", mock.HistoryCalls)
	}
}

func TestProcessExpiredHistoryResyncs(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryError = &gmail.NotFoundError{Path: "/users/me/history"}
	mock.Profile = &gmail.Profile{EmailAddress: testAccount, HistoryID: 2000}

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 100); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	r := New(mock, cursors, &captureConsumer{})
	result, err := r.Process(context.Background(), testAccount, "1500")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.Resynced || result.Cursor != 2000 {
		t.Errorf("result = %+v, want resync to 2000", result)
	}

	stored, _, err := cursors.LoadCursor(testAccount)
	if err != nil || stored != 2000 {
		t.Errorf("stored cursor = %d, %v; want 2000", stored, err)
	}
}

func TestProcessMalformedCursorUsesFeedCursor(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{historyPage(1100, "m1")}
	mock.Messages["m1"] = textMessage("m1", "Hi", "a@example.com", "u@example.com", "hello", "INBOX")

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	r := New(mock, cursors, &captureConsumer{})
	result, err := r.Process(context.Background(), testAccount, "not-a-number")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Status != StatusCompleted || result.Cursor != 1100 {
		t.Errorf("result = %+v, want completion at feed cursor 1100", result)
	}
}

func TestProcessConsumerFailureStillAdvances(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{historyPage(1050, "m1")}
	mock.Messages["m1"] = textMessage("m1", "Test", "a@example.com", "u@example.com", "body", "INBOX")

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	consumer := &captureConsumer{fail: true}
	r := New(mock, cursors, consumer)

	result, err := r.Process(context.Background(), testAccount, "1050")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Status != StatusCompleted || result.Delivered != 1 {
		t.Errorf("result = %+v, want completed with 1 delivery", result)
	}

	stored, _, err := cursors.LoadCursor(testAccount)
	if err != nil || stored != 1050 {
		t.Errorf("stored cursor = %d, %v; want 1050", stored, err)
	}
}

func TestProcessAppliesHeaderDefaults(t *testing.T) {
	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{historyPage(1050, "m1")}
	mock.Messages["m1"] = &gmail.Message{
		ID:       "m1",
		ThreadID: "t-m1",
		LabelIDs: []string{"INBOX"},
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Body:     gmail.PartBody{Data: b64("body only")},
		},
	}

	cursors := newTestStore(t)
	consumer := &captureConsumer{}
	r := New(mock, cursors, consumer)

	if _, err := r.Process(context.Background(), testAccount, "1050"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	msgs := consumer.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Subject != "No Subject" || got.Sender != "Unknown Sender" || got.Recipient != "Unknown Recipient" {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestProcessPagesThroughHistory(t *testing.T) {
	page1 := historyPage(1040, "m1")
	page1.NextPageToken = "page-2"
	page2 := historyPage(1050, "m2")

	mock := gmail.NewMockAPI()
	mock.HistoryPages = []*gmail.HistoryResponse{page1, page2}
	mock.Messages["m1"] = textMessage("m1", "One", "a@example.com", "u@example.com", "one", "INBOX")
	mock.Messages["m2"] = textMessage("m2", "Two", "a@example.com", "u@example.com", "two", "INBOX")

	cursors := newTestStore(t)
	if err := cursors.SaveCursor(testAccount, 1000); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	consumer := &captureConsumer{}
	r := New(mock, cursors, consumer)

	result, err := r.Process(context.Background(), testAccount, "1050")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", result.Delivered)
	}
	if len(mock.HistoryCalls) != 2 {
		t.Errorf("history calls = %d, want 2", len(mock.HistoryCalls))
	}
}
