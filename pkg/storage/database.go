package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrInvalidPassword = errors.New("invalid password")

// PeerEveryone is the peer recorded for broadcast messages
const PeerEveryone = "*"

// passphraseCheck is sealed at creation and opened on every later open to
// detect a wrong passphrase before any message is read
var passphraseCheck = []byte("zentalk-chat-history")

// History is a client's local message archive. Message text is stored
// encrypted under a key derived from the user's passphrase.
type History struct {
	db            *sql.DB
	encryptionKey []byte
}

// HistoryEntry is one sent or received chat message
type HistoryEntry struct {
	ID        int64
	Peer      string // Other party, or PeerEveryone
	Outgoing  bool
	Secure    bool
	Text      string
	Timestamp time.Time
}

// OpenHistory opens or creates the history database at dbPath
func OpenHistory(dbPath, passphrase string) (*History, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := h.unlock(passphrase); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer TEXT NOT NULL,
		is_outgoing INTEGER NOT NULL,
		is_secure INTEGER NOT NULL,
		content BLOB NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS keyinfo (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		salt BLOB NOT NULL,
		check_value BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer, timestamp DESC);
	`

	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// unlock derives the content key, creating the salt on first use
func (h *History) unlock(passphrase string) error {
	var salt, check []byte
	err := h.db.QueryRow(`SELECT salt, check_value FROM keyinfo WHERE id = 1`).Scan(&salt, &check)
	if errors.Is(err, sql.ErrNoRows) {
		salt, err = newSalt()
		if err != nil {
			return err
		}
		h.encryptionKey = deriveKey(passphrase, salt)
		check, err = seal(passphraseCheck, h.encryptionKey)
		if err != nil {
			return err
		}
		if _, err := h.db.Exec(`INSERT INTO keyinfo (id, salt, check_value) VALUES (1, ?, ?)`, salt, check); err != nil {
			return fmt.Errorf("failed to store key info: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read key info: %w", err)
	}

	h.encryptionKey = deriveKey(passphrase, salt)
	plain, err := open(check, h.encryptionKey)
	if err != nil || !bytes.Equal(plain, passphraseCheck) {
		return ErrInvalidPassword
	}
	return nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}
