package storage

import (
	"fmt"
	"time"
)

// Add stores entry
func (h *History) Add(entry HistoryEntry) error {
	content, err := seal([]byte(entry.Text), h.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt content: %w", err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err = h.db.Exec(
		`INSERT INTO messages (peer, is_outgoing, is_secure, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.Peer,
		boolToInt(entry.Outgoing),
		boolToInt(entry.Secure),
		content,
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// Recent returns up to limit messages exchanged with peer, oldest first.
// An empty peer returns messages with everyone.
func (h *History) Recent(peer string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, peer, is_outgoing, is_secure, content, timestamp FROM (
			SELECT * FROM messages
			WHERE ? = '' OR peer = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`
	rows, err := h.db.Query(query, peer, peer, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var (
			e        HistoryEntry
			outgoing int
			secure   int
			content  []byte
			ts       int64
		)
		if err := rows.Scan(&e.ID, &e.Peer, &outgoing, &secure, &content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		plain, err := open(content, h.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message %d: %w", e.ID, err)
		}
		e.Outgoing = intToBool(outgoing)
		e.Secure = intToBool(secure)
		e.Text = string(plain)
		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored messages
func (h *History) Count() (int, error) {
	var count int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
