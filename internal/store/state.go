package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// LoadCursor returns the stored history cursor for an account. The second
// return value reports whether a cursor exists.
func (s *Store) LoadCursor(account string) (uint64, bool, error) {
	var historyID uint64
	err := s.db.QueryRow(
		`SELECT history_id FROM watch_state WHERE account = ?`, account,
	).Scan(&historyID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor for %s: %w", account, err)
	}
	return historyID, true, nil
}

// SaveCursor advances the stored cursor for an account. The cursor never
// regresses: an update with a lower history ID than the stored one is a
// silent no-op, enforced in SQL so concurrent writers cannot interleave a
// stale value.
func (s *Store) SaveCursor(account string, historyID uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO watch_state (account, history_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (account) DO UPDATE SET
			history_id = excluded.history_id,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.history_id > watch_state.history_id
	`, account, historyID)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", account, err)
	}
	return nil
}
