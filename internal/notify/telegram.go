// Package notify delivers decoded messages to downstream channels: a
// Telegram chat and the local email log.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aklimov/mailrelay/internal/relay"
	"github.com/aklimov/mailrelay/internal/textutil"
)

const (
	telegramBaseURL = "https://api.telegram.org"

	// previewLimit caps the body excerpt in a notification. Telegram
	// rejects messages over 4096 characters; headers plus this preview
	// stay well under.
	previewLimit = 500

	sendTimeout = 15 * time.Second
)

// TelegramOption configures a Telegram notifier.
type TelegramOption func(*Telegram)

// WithTelegramLogger sets the logger.
func WithTelegramLogger(logger *slog.Logger) TelegramOption {
	return func(t *Telegram) { t.logger = logger }
}

// WithTelegramBaseURL overrides the API endpoint, for tests.
func WithTelegramBaseURL(baseURL string) TelegramOption {
	return func(t *Telegram) { t.baseURL = strings.TrimSuffix(baseURL, "/") }
}

// Telegram sends one chat message per delivered email.
type Telegram struct {
	httpClient *http.Client
	baseURL    string
	botToken   string
	chatID     string
	logger     *slog.Logger
}

// NewTelegram creates a notifier posting to the given chat.
func NewTelegram(botToken, chatID string, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		httpClient: &http.Client{Timeout: sendTimeout},
		baseURL:    telegramBaseURL,
		botToken:   botToken,
		chatID:     chatID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Deliver formats and sends the notification. A send failure is reported in
// the outcome but never as an error; notification delivery is best-effort.
func (t *Telegram) Deliver(ctx context.Context, account string, msg *relay.DecodedMessage) relay.Outcome {
	text := formatNotification(account, msg)
	if err := t.sendMessage(ctx, text); err != nil {
		t.logger.Warn("telegram send failed",
			"account", account, "message_id", msg.ID, "error", err)
		return relay.Outcome{Success: false, Error: err.Error()}
	}

	t.logger.Info("telegram notification sent", "account", account, "message_id", msg.ID)
	return relay.Outcome{Success: true}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var result sendMessageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	if !result.OK {
		return fmt.Errorf("API error %d: %s", result.ErrorCode, result.Description)
	}
	return nil
}

// formatNotification renders the message as Telegram HTML. All mail-derived
// values are escaped; only our own tags survive.
func formatNotification(account string, msg *relay.DecodedMessage) string {
	var b strings.Builder

	b.WriteString("📧 <b>New Email</b>\n\n")
	fmt.Fprintf(&b, "<b>Account:</b> %s\n", html.EscapeString(account))
	fmt.Fprintf(&b, "<b>From:</b> %s\n", html.EscapeString(msg.Sender))
	fmt.Fprintf(&b, "<b>To:</b> %s\n", html.EscapeString(msg.Recipient))
	fmt.Fprintf(&b, "<b>Subject:</b> %s\n", html.EscapeString(msg.Subject))
	fmt.Fprintf(&b, "<b>Date:</b> %s\n", html.EscapeString(msg.Date))

	if len(msg.LabelIDs) > 0 {
		fmt.Fprintf(&b, "<b>Labels:</b> %s\n", html.EscapeString(strings.Join(msg.LabelIDs, ", ")))
	}
	if len(msg.Attachments) > 0 {
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, att.Filename)
		}
		fmt.Fprintf(&b, "<b>Attachments:</b> %s\n", html.EscapeString(strings.Join(names, ", ")))
	}

	preview := msg.BodyText
	if preview == "" {
		preview = msg.Snippet
	}
	if preview != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(textutil.TruncateRunes(preview, previewLimit)))
	}
	return b.String()
}
