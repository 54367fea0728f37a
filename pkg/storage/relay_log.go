package storage

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

// DefaultRelayLogTTL is how long relay records are kept when no TTL is given
const DefaultRelayLogTTL = 24 * time.Hour

// RelayEntry is one routed envelope. Message text and ciphertext are never stored.
type RelayEntry struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Transport string `json:"transport"`
	Timestamp int64  `json:"timestamp"` // Bucketed to the hour
	ExpiresAt int64  `json:"expires_at"`
}

// RelayLog keeps routing metadata for the server's status API
type RelayLog struct {
	db  *sql.DB
	ttl time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRelayLog opens or creates the relay log at dbPath
// ttl: time-to-live for entries (default: 24 hours)
func NewRelayLog(dbPath string, ttl time.Duration) (*RelayLog, error) {
	if ttl == 0 {
		ttl = DefaultRelayLogTTL
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay log: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	rl := &RelayLog{
		db:   db,
		ttl:  ttl,
		stop: make(chan struct{}),
	}

	if err := rl.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go rl.cleanupLoop(time.Hour)

	return rl, nil
}

func (rl *RelayLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS relay_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		from_user TEXT NOT NULL,
		to_user TEXT NOT NULL DEFAULT '',
		transport TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	-- Index for expiration cleanup
	CREATE INDEX IF NOT EXISTS idx_relay_expires ON relay_log(expires_at);
	`

	if _, err := rl.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record stores one routed envelope
func (rl *RelayLog) Record(kind protocol.Kind, from, to, transport string) error {
	now := time.Now().Unix()
	expiresAt := now + int64(rl.ttl.Seconds())

	query := `
		INSERT INTO relay_log (kind, from_user, to_user, transport, timestamp, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := rl.db.Exec(query, kind.String(), from, to, transport, bucketTimestamp(now), expiresAt); err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}
	return nil
}

// Recent returns up to limit unexpired entries, newest first
func (rl *RelayLog) Recent(limit int) ([]*RelayEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, from_user, to_user, transport, timestamp, expires_at
		FROM relay_log
		WHERE expires_at > ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := rl.db.Query(query, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay log: %w", err)
	}
	defer rows.Close()

	var entries []*RelayEntry
	for rows.Next() {
		e := &RelayEntry{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.From, &e.To, &e.Transport, &e.Timestamp, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of unexpired entries
func (rl *RelayLog) Count() (int, error) {
	var count int
	err := rl.db.QueryRow(`SELECT COUNT(*) FROM relay_log WHERE expires_at > ?`, time.Now().Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// CleanupExpired deletes entries whose TTL has passed
func (rl *RelayLog) CleanupExpired() (int64, error) {
	result, err := rl.db.Exec(`DELETE FROM relay_log WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup relay log: %w", err)
	}
	return result.RowsAffected()
}

func (rl *RelayLog) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			count, err := rl.CleanupExpired()
			if err != nil {
				log.Printf("Failed to cleanup expired entries: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("🧹 Cleaned up %d expired relay log entries", count)
			}
		}
	}
}

// Close stops the cleanup loop and closes the database
func (rl *RelayLog) Close() error {
	rl.stopOnce.Do(func() { close(rl.stop) })
	return rl.db.Close()
}
