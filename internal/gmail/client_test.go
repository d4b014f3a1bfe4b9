package gmail

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
	return NewClient(ts, WithBaseURL(srv.URL))
}

func TestGetMessageParsesPartTree(t *testing.T) {
	body := `{
		"id": "m1",
		"threadId": "t1",
		"labelIds": ["INBOX", "UNREAD"],
		"snippet": "Hello there",
		"historyId": "1050",
		"internalDate": "1700000000000",
		"sizeEstimate": 2048,
		"payload": {
			"partId": "",
			"mimeType": "multipart/alternative",
			"headers": [
				{"name": "Subject", "value": "Test"},
				{"name": "From", "value": "a@b.com"}
			],
			"body": {"size": 0},
			"parts": [
				{
					"partId": "0",
					"mimeType": "text/plain",
					"body": {"size": 5, "data": "SGVsbG8"}
				},
				{
					"partId": "1",
					"mimeType": "application/pdf",
					"filename": "invoice.pdf",
					"body": {"size": 1024, "attachmentId": "att-1"}
				}
			]
		}
	}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/m1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "full" {
			t.Errorf("format = %q, want full", got)
		}
		w.Write([]byte(body))
	})

	msg, err := client.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}

	if msg.ID != "m1" || msg.ThreadID != "t1" {
		t.Errorf("ids = %q/%q", msg.ID, msg.ThreadID)
	}
	if msg.HistoryID != 1050 {
		t.Errorf("historyID = %d, want 1050", msg.HistoryID)
	}
	if msg.InternalDate != 1700000000000 {
		t.Errorf("internalDate = %d", msg.InternalDate)
	}
	if len(msg.Payload.Headers) != 2 || msg.Payload.Headers[0].Name != "Subject" {
		t.Errorf("headers = %+v", msg.Payload.Headers)
	}
	if len(msg.Payload.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Payload.Parts))
	}
	if msg.Payload.Parts[0].Body.Data != "SGVsbG8" {
		t.Errorf("part 0 data = %q", msg.Payload.Parts[0].Body.Data)
	}
	if msg.Payload.Parts[1].Filename != "invoice.pdf" || msg.Payload.Parts[1].Body.AttachmentID != "att-1" {
		t.Errorf("part 1 = %+v", msg.Payload.Parts[1])
	}
}

func TestListHistoryRequestShape(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("startHistoryId"); got != "1000" {
			t.Errorf("startHistoryId = %q, want 1000", got)
		}
		if got := q.Get("historyTypes"); got != "messageAdded" {
			t.Errorf("historyTypes = %q, want messageAdded", got)
		}
		w.Write([]byte(`{
			"history": [
				{"id": "1010", "messagesAdded": [{"message": {"id": "m1", "threadId": "t1"}}]}
			],
			"historyId": "1050"
		}`))
	})

	resp, err := client.ListHistory(context.Background(), 1000, "")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if resp.HistoryID != 1050 {
		t.Errorf("historyID = %d, want 1050", resp.HistoryID)
	}
	if len(resp.History) != 1 || len(resp.History[0].MessagesAdded) != 1 {
		t.Fatalf("history = %+v", resp.History)
	}
	if got := resp.History[0].MessagesAdded[0].Message.ID; got != "m1" {
		t.Errorf("message id = %q, want m1", got)
	}
}

func TestListHistoryExpiredRange(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 404}}`, http.StatusNotFound)
	})

	_, err := client.ListHistory(context.Background(), 42, "")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *NotFoundError", err)
	}
}

func TestWatchParsesResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/users/me/watch" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"historyId": "2000", "expiration": "1700000000000"}`))
	})

	resp, err := client.Watch(context.Background(), &WatchRequest{
		TopicName:         "projects/p/topics/t",
		LabelIDs:          []string{"INBOX"},
		LabelFilterAction: "include",
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if resp.HistoryID != 2000 {
		t.Errorf("historyID = %d, want 2000", resp.HistoryID)
	}
	if resp.Expiration.UnixMilli() != 1700000000000 {
		t.Errorf("expiration = %v", resp.Expiration)
	}
}

func TestStopWatchNoActiveSubscription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 400, "status": "FAILED_PRECONDITION"}}`, http.StatusBadRequest)
	})

	err := client.StopWatch(context.Background())
	var precondition *PreconditionError
	if !errors.As(err, &precondition) {
		t.Fatalf("err = %v, want *PreconditionError", err)
	}
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"reason field", `{"error": {"errors": [{"reason": "rateLimitExceeded"}]}}`, true},
		{"upper case detail", `{"error": {"details": [{"reason": "RATE_LIMIT_EXCEEDED"}]}}`, true},
		{"quota message", `{"error": {"message": "Quota exceeded for quota metric"}}`, true},
		{"user variant", `{"error": {"errors": [{"reason": "userRateLimitExceeded"}]}}`, true},
		{"permission error", `{"error": {"errors": [{"reason": "forbidden"}]}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimitError([]byte(tt.body)); got != tt.want {
				t.Errorf("isRateLimitError = %v, want %v", got, tt.want)
			}
		})
	}
}
