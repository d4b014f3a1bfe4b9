package gmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"
	maxRetries     = 8   // Covers a few minutes of transient failures
	maxBackoff     = 120 // Max backoff in seconds
	defaultTimeout = 30 * time.Second
)

// Client implements the Gmail API interface.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	userID      string // "me" for authenticated user
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithBaseURL overrides the API endpoint. Used in tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// NewClient creates a new Gmail API client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		baseURL:    defaultBaseURL,
		userID:     "me",
		logger:     slog.Default(),
	}
	c.httpClient.Timeout = defaultTimeout

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing
	return nil
}

// request makes an HTTP request with rate limiting and retry logic.
// bodyBytes can be nil for requests without a body.
func (c *Client) request(ctx context.Context, op Operation, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		// New reader per attempt so the body can be re-read on retry.
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case 429: // Rate limited; retry logic handles it automatically
			c.logger.Debug("rate limited, backing off 30s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case 403:
			// Gmail returns 403 for quota exceeded with "rateLimitExceeded" reason
			if isRateLimitError(respBody) {
				c.logger.Debug("quota exceeded, backing off 60s", "path", path, "attempt", attempt)
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue
			}
			// Actual permission error - don't retry
			return nil, fmt.Errorf("forbidden (403): %s", string(respBody))

		case 400:
			if isPreconditionError(respBody) {
				return nil, &PreconditionError{Path: path}
			}
			return nil, fmt.Errorf("request failed (400): %s", string(respBody))

		case 500, 502, 503, 504: // Server errors
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case 401: // oauth2.Client should auto-refresh; if it fails, don't retry
			return nil, fmt.Errorf("unauthorized (401): token may be invalid")

		case 404:
			return nil, &NotFoundError{Path: path}

		default: // Other client errors - don't retry
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the backoff duration for a retry attempt.
// Uses exponential backoff with full jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// NotFoundError indicates a 404 response. For history listing this means
// the requested start point has aged out of Gmail's history retention.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// PreconditionError indicates a failedPrecondition response, most commonly
// a stop call when no push subscription is active.
type PreconditionError struct {
	Path string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("failed precondition: %s", e.Path)
}

// isRateLimitError checks if a 403 response is actually a rate limit error.
// Gmail returns 403 with "rateLimitExceeded" for quota exceeded instead of 429.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

// isPreconditionError checks if a 400 response carries a failedPrecondition
// reason.
func isPreconditionError(body []byte) bool {
	return bytes.Contains(body, []byte("failedPrecondition")) ||
		bytes.Contains(body, []byte("FAILED_PRECONDITION"))
}

// Gmail API JSON response types (unexported, used only for JSON unmarshaling).

type profileResponse struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
	ThreadsTotal  int64  `json:"threadsTotal"`
	HistoryID     string `json:"historyId"`
}

type gmailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type listLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailMessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type headerJSON struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type partBodyJSON struct {
	Size         int64  `json:"size"`
	Data         string `json:"data"`
	AttachmentID string `json:"attachmentId"`
}

type messagePartJSON struct {
	PartID   string             `json:"partId"`
	MimeType string             `json:"mimeType"`
	Filename string             `json:"filename"`
	Headers  []headerJSON       `json:"headers"`
	Body     partBodyJSON       `json:"body"`
	Parts    []*messagePartJSON `json:"parts"`
}

type messageResponse struct {
	ID           string           `json:"id"`
	ThreadID     string           `json:"threadId"`
	LabelIDs     []string         `json:"labelIds"`
	Snippet      string           `json:"snippet"`
	HistoryID    string           `json:"historyId"`
	InternalDate string           `json:"internalDate"`
	SizeEstimate int64            `json:"sizeEstimate"`
	Payload      *messagePartJSON `json:"payload"`
}

type historyMessageChange struct {
	Message gmailMessageRef `json:"message"`
}

type historyEntry struct {
	ID            string                 `json:"id"`
	MessagesAdded []historyMessageChange `json:"messagesAdded"`
}

type listHistoryResponse struct {
	History       []historyEntry `json:"history"`
	NextPageToken string         `json:"nextPageToken"`
	HistoryID     string         `json:"historyId"`
}

type watchRequestJSON struct {
	TopicName         string   `json:"topicName"`
	LabelIDs          []string `json:"labelIds,omitempty"`
	LabelFilterAction string   `json:"labelFilterAction,omitempty"`
}

type watchResponseJSON struct {
	HistoryID  string `json:"historyId"`
	Expiration string `json:"expiration"` // Unix milliseconds
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	path := fmt.Sprintf("/users/%s/profile", c.userID)
	data, err := c.request(ctx, OpProfile, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp profileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)

	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
		HistoryID:     historyID,
	}, nil
}

// ListLabels returns all labels for the account.
func (c *Client) ListLabels(ctx context.Context) ([]*Label, error) {
	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, err := c.request(ctx, OpLabelsList, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listLabelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}

	labels := make([]*Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, &Label{ID: l.ID, Name: l.Name, Type: l.Type})
	}
	return labels, nil
}

// ListHistory returns message-added changes since the given history ID.
func (c *Client) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryResponse, error) {
	params := url.Values{}
	params.Set("startHistoryId", strconv.FormatUint(startHistoryID, 10))
	params.Set("historyTypes", "messageAdded")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	path := fmt.Sprintf("/users/%s/history?%s", c.userID, params.Encode())
	data, err := c.request(ctx, OpHistoryList, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listHistoryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}

	out := &HistoryResponse{NextPageToken: resp.NextPageToken}
	out.HistoryID, _ = strconv.ParseUint(resp.HistoryID, 10, 64)

	for _, entry := range resp.History {
		record := HistoryRecord{}
		record.ID, _ = strconv.ParseUint(entry.ID, 10, 64)
		for _, added := range entry.MessagesAdded {
			record.MessagesAdded = append(record.MessagesAdded, HistoryMessage{
				Message: MessageID{ID: added.Message.ID, ThreadID: added.Message.ThreadID},
			})
		}
		out.History = append(out.History, record)
	}

	return out, nil
}

// GetMessage fetches a single message in full format.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=full", c.userID, url.PathEscape(messageID))
	data, err := c.request(ctx, OpMessagesGet, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp messageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message %s: %w", messageID, err)
	}

	msg := &Message{
		ID:           resp.ID,
		ThreadID:     resp.ThreadID,
		LabelIDs:     resp.LabelIDs,
		Snippet:      resp.Snippet,
		SizeEstimate: resp.SizeEstimate,
		Payload:      convertPart(resp.Payload),
	}
	msg.HistoryID, _ = strconv.ParseUint(resp.HistoryID, 10, 64)
	msg.InternalDate, _ = strconv.ParseInt(resp.InternalDate, 10, 64)

	return msg, nil
}

func convertPart(p *messagePartJSON) *MessagePart {
	if p == nil {
		return nil
	}
	part := &MessagePart{
		PartID:   p.PartID,
		MimeType: p.MimeType,
		Filename: p.Filename,
		Body: PartBody{
			Size:         p.Body.Size,
			Data:         p.Body.Data,
			AttachmentID: p.Body.AttachmentID,
		},
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, Header{Name: h.Name, Value: h.Value})
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// Watch registers a push subscription for the account.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) (*WatchResponse, error) {
	body, err := json.Marshal(watchRequestJSON{
		TopicName:         req.TopicName,
		LabelIDs:          req.LabelIDs,
		LabelFilterAction: req.LabelFilterAction,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal watch request: %w", err)
	}

	path := fmt.Sprintf("/users/%s/watch", c.userID)
	data, err := c.request(ctx, OpWatch, "POST", path, body)
	if err != nil {
		return nil, err
	}

	var resp watchResponseJSON
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse watch response: %w", err)
	}

	out := &WatchResponse{}
	out.HistoryID, _ = strconv.ParseUint(resp.HistoryID, 10, 64)
	expirationMs, _ := strconv.ParseInt(resp.Expiration, 10, 64)
	if expirationMs > 0 {
		out.Expiration = time.UnixMilli(expirationMs).UTC()
	}

	return out, nil
}

// StopWatch cancels the active push subscription.
func (c *Client) StopWatch(ctx context.Context) error {
	path := fmt.Sprintf("/users/%s/stop", c.userID)
	_, err := c.request(ctx, OpStop, "POST", path, []byte("{}"))
	return err
}
