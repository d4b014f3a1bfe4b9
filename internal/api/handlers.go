package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxPushBody caps the accepted Pub/Sub push request size.
const maxPushBody = 1 << 20

// pushEnvelope is the Pub/Sub push delivery wrapper.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushPayload is the Gmail notification inside the envelope's data field.
// historyId arrives as a number or a string depending on the publisher.
type pushPayload struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// handleEmailNotify accepts a Pub/Sub push delivery. The delivery is
// acknowledged immediately and reconciliation runs in the background:
// holding the push connection open for the whole pass would trip Pub/Sub's
// ack deadline and trigger redelivery of work already in flight.
//
// Malformed envelopes are acknowledged too. Pub/Sub redelivers nacked
// messages indefinitely, and a payload that failed to parse once will fail
// the same way every time.
func (s *Server) handleEmailNotify(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing push token")
			return
		}
		subject, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.logger.Warn("push authentication failed", "error", err, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid push token")
			return
		}
		s.logger.Debug("push authenticated", "subject", subject)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		s.logger.Warn("push body read failed", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.logger.Warn("malformed push envelope, acknowledging", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		s.logger.Warn("push data is not base64, acknowledging",
			"message_id", envelope.Message.MessageID, "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.EmailAddress == "" {
		s.logger.Warn("malformed push payload, acknowledging",
			"message_id", envelope.Message.MessageID, "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Expiration-style notifications carry the address but no history
	// cursor. There is nothing to reconcile for those.
	if payload.HistoryID.String() == "" {
		s.logger.Info("push notification without history cursor, acknowledging",
			"account", payload.EmailAddress,
			"message_id", envelope.Message.MessageID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Info("push notification received",
		"account", payload.EmailAddress,
		"history_id", payload.HistoryID.String(),
		"message_id", envelope.Message.MessageID,
		"subscription", envelope.Subscription)

	s.reconciles.Add(1)
	go func() {
		defer s.reconciles.Done()

		ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()

		result, err := s.processor.Process(ctx, payload.EmailAddress, payload.HistoryID.String())
		if err != nil {
			s.logger.Error("background reconciliation failed",
				"account", payload.EmailAddress, "error", err)
			return
		}
		s.logger.Info("background reconciliation done",
			"account", payload.EmailAddress,
			"status", result.Status.String(),
			"delivered", result.Delivered)
	}()

	w.WriteHeader(http.StatusNoContent)
}

// SubscriptionResponse describes a renewed watch registration.
type SubscriptionResponse struct {
	HistoryID  uint64 `json:"history_id"`
	Expiration string `json:"expiration"`
}

// handleRenewWatch re-registers the push subscription.
func (s *Server) handleRenewWatch(w http.ResponseWriter, r *http.Request) {
	sub, err := s.watcher.Renew(r.Context())
	if err != nil {
		s.logger.Error("watch renewal failed", "error", err)
		writeError(w, http.StatusBadGateway, "renew_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SubscriptionResponse{
		HistoryID:  sub.HistoryID,
		Expiration: sub.Expiration.UTC().Format(time.RFC3339),
	})
}

// handleStopWatch cancels the push subscription.
func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.watcher.Stop(r.Context()); err != nil {
		s.logger.Error("watch stop failed", "error", err)
		writeError(w, http.StatusBadGateway, "stop_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// WatchStatusResponse is the mailbox profile snapshot.
type WatchStatusResponse struct {
	EmailAddress  string `json:"email_address"`
	MessagesTotal int64  `json:"messages_total"`
	ThreadsTotal  int64  `json:"threads_total"`
	HistoryID     uint64 `json:"history_id"`
}

// handleWatchStatus reports the watched mailbox profile.
func (s *Server) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.watcher.Current(r.Context())
	if err != nil {
		s.logger.Error("watch status failed", "error", err)
		writeError(w, http.StatusBadGateway, "status_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, WatchStatusResponse{
		EmailAddress:  status.EmailAddress,
		MessagesTotal: status.MessagesTotal,
		ThreadsTotal:  status.ThreadsTotal,
		HistoryID:     status.HistoryID,
	})
}

// EmailSummary represents one logged delivery.
type EmailSummary struct {
	MessageID   string   `json:"message_id"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Subject     string   `json:"subject"`
	Sender      string   `json:"sender"`
	Recipient   string   `json:"recipient"`
	Snippet     string   `json:"snippet,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	BodyPreview string   `json:"body_preview,omitempty"`
	ReceivedAt  string   `json:"received_at,omitempty"`
	LoggedAt    string   `json:"logged_at"`
}

// handleListEmails returns recent deliveries from the email log.
func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	if s.emails == nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Database not available")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	records, err := s.emails.RecentEmails(s.cfg.Account.Email, limit)
	if err != nil {
		s.logger.Error("failed to list emails", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve emails")
		return
	}

	summaries := make([]EmailSummary, len(records))
	for i, rec := range records {
		summaries[i] = EmailSummary{
			MessageID:   rec.MessageID,
			ThreadID:    rec.ThreadID,
			Subject:     rec.Subject,
			Sender:      rec.Sender,
			Recipient:   rec.Recipient,
			Snippet:     rec.Snippet,
			Labels:      rec.Labels,
			BodyPreview: rec.BodyPreview,
			LoggedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if !rec.ReceivedAt.IsZero() {
			summaries[i].ReceivedAt = rec.ReceivedAt.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": s.cfg.Account.Email,
		"count":   len(summaries),
		"emails":  summaries,
	})
}
