package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := OpenHistory(path, "correct horse")
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, h.Add(HistoryEntry{Peer: "bob", Outgoing: true, Text: "hi bob", Timestamp: base}))
	require.NoError(t, h.Add(HistoryEntry{Peer: PeerEveryone, Text: "hello all", Timestamp: base.Add(time.Second)}))
	require.NoError(t, h.Add(HistoryEntry{Peer: "bob", Secure: true, Text: "secret", Timestamp: base.Add(2 * time.Second)}))

	withBob, err := h.Recent("bob", 10)
	require.NoError(t, err)
	require.Len(t, withBob, 2)
	assert.Equal(t, "hi bob", withBob[0].Text)
	assert.True(t, withBob[0].Outgoing)
	assert.Equal(t, "secret", withBob[1].Text)
	assert.True(t, withBob[1].Secure)

	all, err := h.Recent("", 2)
	require.NoError(t, err)
	require.Len(t, all, 2, "limit keeps the newest")
	assert.Equal(t, "hello all", all[0].Text)

	require.NoError(t, h.Close())

	// Reopen with the same passphrase
	h, err = OpenHistory(path, "correct horse")
	require.NoError(t, err)
	count, err := h.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.NoError(t, h.Close())
}

func TestHistoryWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := OpenHistory(path, "right")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = OpenHistory(path, "wrong")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestHistoryContentIsEncrypted(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"), "pw")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Add(HistoryEntry{Peer: "bob", Text: "plaintext marker"}))

	var content []byte
	require.NoError(t, h.db.QueryRow(`SELECT content FROM messages`).Scan(&content))
	assert.NotContains(t, string(content), "plaintext marker")
}

func TestSealOpen(t *testing.T) {
	key := deriveKey("pw", []byte("0123456789abcdef"))
	sealed, err := seal([]byte("data"), key)
	require.NoError(t, err)

	plain, err := open(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "data", string(plain))

	_, err = open(sealed, deriveKey("other", []byte("0123456789abcdef")))
	assert.Error(t, err)

	_, err = open([]byte{1, 2}, key)
	assert.ErrorIs(t, err, errCiphertextTooShort)
}
