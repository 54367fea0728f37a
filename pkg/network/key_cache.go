package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrKeyUnavailable = errors.New("public key unavailable")

// KeyCache holds peers' public keys as received from the server. Waiters
// block on a per-user channel that is closed when the key arrives or the
// server reports the user unknown.
type KeyCache struct {
	mu      sync.Mutex
	keys    map[string]string
	pending map[string]*keyWait
}

type keyWait struct {
	done chan struct{}
	key  string
	err  error

	// guarded by KeyCache.mu
	requestedAt time.Time
	waiters     int
}

// NewKeyCache creates an empty cache
func NewKeyCache() *KeyCache {
	return &KeyCache{
		keys:    make(map[string]string),
		pending: make(map[string]*keyWait),
	}
}

// Get returns the cached key for user
func (k *KeyCache) Get(user string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[user]
	return key, ok
}

// Put stores key for user and wakes anyone waiting for it
func (k *KeyCache) Put(user, key string) {
	k.mu.Lock()
	k.keys[user] = key
	w := k.pending[user]
	delete(k.pending, user)
	k.mu.Unlock()

	if w != nil {
		w.key = key
		close(w.done)
	}
}

// PutIfAbsent stores key unless user already has one
func (k *KeyCache) PutIfAbsent(user, key string) bool {
	k.mu.Lock()
	if _, ok := k.keys[user]; ok {
		k.mu.Unlock()
		return false
	}
	k.mu.Unlock()
	k.Put(user, key)
	return true
}

// Fail wakes anyone waiting for user with err
func (k *KeyCache) Fail(user string, err error) {
	k.mu.Lock()
	w := k.pending[user]
	delete(k.pending, user)
	k.mu.Unlock()

	if w != nil {
		w.err = err
		close(w.done)
	}
}

// FailPending wakes every waiter with err. Requests sent on a connection
// that has gone will never be answered.
func (k *KeyCache) FailPending(err error) {
	k.mu.Lock()
	waits := k.pending
	k.pending = make(map[string]*keyWait)
	k.mu.Unlock()

	for user, w := range waits {
		w.err = fmt.Errorf("%w: %s: %w", ErrKeyUnavailable, user, err)
		close(w.done)
	}
}

// Forget drops the cached key for user
func (k *KeyCache) Forget(user string) {
	k.mu.Lock()
	delete(k.keys, user)
	k.mu.Unlock()
}

// Len returns the number of cached keys
func (k *KeyCache) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

// expect returns the wait for user's key and reports whether the caller
// should send a key request: none has been sent yet, or the last one went
// out more than retryAfter ago without an answer.
func (k *KeyCache) expect(user string, retryAfter time.Duration) (*keyWait, bool) {
	return k.request(user, retryAfter, false)
}

// join is expect for callers that go on to wait on the result
func (k *KeyCache) join(user string, retryAfter time.Duration) (*keyWait, bool) {
	return k.request(user, retryAfter, true)
}

func (k *KeyCache) request(user string, retryAfter time.Duration, waiting bool) (*keyWait, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[user]; ok {
		w := &keyWait{done: make(chan struct{}), key: key}
		close(w.done)
		return w, false
	}

	w := k.pendingWait(user)
	if waiting {
		w.waiters++
	}
	if !w.requestedAt.IsZero() && time.Since(w.requestedAt) < retryAfter {
		return w, false
	}
	w.requestedAt = time.Now()
	return w, true
}

// pendingWait must be called with k.mu held
func (k *KeyCache) pendingWait(user string) *keyWait {
	w, ok := k.pending[user]
	if !ok {
		w = &keyWait{done: make(chan struct{})}
		k.pending[user] = w
	}
	return w
}

// Await blocks until user's key is cached, the server reports the user
// unknown, or ctx ends. It sends nothing itself.
func (k *KeyCache) Await(ctx context.Context, user string) (string, error) {
	k.mu.Lock()
	if key, ok := k.keys[user]; ok {
		k.mu.Unlock()
		return key, nil
	}
	w := k.pendingWait(user)
	w.waiters++
	k.mu.Unlock()

	return k.wait(ctx, user, w)
}

// wait blocks on w, which the caller has joined. The last waiter to give up
// removes w, so the next lookup starts a fresh request instead of joining
// one that was lost.
func (k *KeyCache) wait(ctx context.Context, user string, w *keyWait) (string, error) {
	select {
	case <-w.done:
		if w.err != nil {
			return "", w.err
		}
		return w.key, nil
	case <-ctx.Done():
	}

	k.mu.Lock()
	w.waiters--
	if w.waiters <= 0 && k.pending[user] == w {
		delete(k.pending, user)
	}
	k.mu.Unlock()

	return "", fmt.Errorf("%w: %s: %w", ErrKeyUnavailable, user, ctx.Err())
}
