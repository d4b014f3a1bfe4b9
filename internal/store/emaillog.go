package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EmailRecord is one row of the delivered-email log.
type EmailRecord struct {
	ID          int64
	Account     string
	MessageID   string
	ThreadID    string
	Subject     string
	Sender      string
	Recipient   string
	Snippet     string
	Labels      []string
	BodyPreview string
	ReceivedAt  time.Time
	CreatedAt   time.Time
}

// LogEmail inserts a delivered email into the log. Re-delivery of the same
// message (duplicate push notifications) is tolerated: the existing row wins.
func (s *Store) LogEmail(rec *EmailRecord) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO email_log
				(account, message_id, thread_id, subject, sender, recipient,
				 snippet, labels, body_preview, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.Account, rec.MessageID, rec.ThreadID, rec.Subject, rec.Sender,
			rec.Recipient, rec.Snippet, strings.Join(rec.Labels, ","),
			rec.BodyPreview, nullableTime(rec.ReceivedAt),
		)
		if isSQLiteError(err, "UNIQUE constraint failed") {
			// Duplicate push delivery already logged this message.
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert email log: %w", err)
		}
		return nil
	})
}

// RecentEmails returns the most recent log rows for an account, newest first.
func (s *Store) RecentEmails(account string, limit int) ([]EmailRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, account, message_id, thread_id, subject, sender, recipient,
		       snippet, labels, body_preview, received_at, created_at
		FROM email_log
		WHERE account = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query email log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []EmailRecord
	for rows.Next() {
		var rec EmailRecord
		var labels string
		var receivedAt sql.NullTime
		err := rows.Scan(&rec.ID, &rec.Account, &rec.MessageID, &rec.ThreadID,
			&rec.Subject, &rec.Sender, &rec.Recipient, &rec.Snippet, &labels,
			&rec.BodyPreview, &receivedAt, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan email log row: %w", err)
		}
		if labels != "" {
			rec.Labels = strings.Split(labels, ",")
		}
		if receivedAt.Valid {
			rec.ReceivedAt = receivedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
