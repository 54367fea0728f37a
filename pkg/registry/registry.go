// Package registry is the server's table of live sessions: who is online, at
// which transport endpoint, with which public key.
package registry

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

var ErrNotFound = errors.New("user not registered")

// Endpoint is where envelopes for one session are delivered.
// A stream endpoint wraps one connection; a datagram endpoint is an (address, port) pair.
type Endpoint interface {
	// Send delivers env. Implementations must not block on a slow peer.
	Send(env protocol.Envelope) error
	// Key identifies the endpoint; two endpoints with the same key are the same peer.
	Key() string
	// Transport names the adapter that owns the endpoint ("tcp" or "udp").
	Transport() string
	// Addr is the remote network address.
	Addr() net.Addr
}

// Session is one registered user
type Session struct {
	Username     string
	Endpoint     Endpoint
	PublicKey    string
	Fingerprint  string
	RegisteredAt time.Time
}

// Multiaddr renders the session endpoint as a multiaddr, or nil if it has no IP address
func (s Session) Multiaddr() ma.Multiaddr {
	if s.Endpoint == nil {
		return nil
	}
	return EndpointMultiaddr(s.Endpoint)
}

// EndpointMultiaddr converts an endpoint's network address, e.g. /ip4/10.0.0.2/udp/50001
func EndpointMultiaddr(ep Endpoint) ma.Multiaddr {
	addr := ep.Addr()
	if addr == nil {
		return nil
	}
	m, err := manet.FromNetAddr(addr)
	if err != nil {
		return nil
	}
	return m
}

// Recipient is a fan-out target copied out of the registry
type Recipient struct {
	Username string
	Endpoint Endpoint
}

// Registry maps usernames to sessions. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// OnChange, if set, is called with the session count after every membership change
	OnChange func(count int)
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register inserts or overwrites the session for username (last write wins)
func (r *Registry) Register(username string, ep Endpoint, publicKey string) {
	fingerprint, _ := crypto.FingerprintString(publicKey)

	r.mu.Lock()
	r.sessions[username] = &Session{
		Username:     username,
		Endpoint:     ep,
		PublicKey:    publicKey,
		Fingerprint:  fingerprint,
		RegisteredAt: time.Now(),
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.changed(count)
}

// Unregister removes username if present and reports whether it was
func (r *Registry) Unregister(username string) bool {
	r.mu.Lock()
	_, existed := r.sessions[username]
	delete(r.sessions, username)
	count := len(r.sessions)
	r.mu.Unlock()

	if existed {
		r.changed(count)
	}
	return existed
}

// Remove unregisters username only while it is still bound to ep, so that a
// superseded connection closing cannot evict a newer registration
func (r *Registry) Remove(username string, ep Endpoint) bool {
	r.mu.Lock()
	s, ok := r.sessions[username]
	if !ok || s.Endpoint == nil || ep == nil || s.Endpoint.Key() != ep.Key() {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, username)
	count := len(r.sessions)
	r.mu.Unlock()

	r.changed(count)
	return true
}

// LookupEndpoint returns where username is reachable
func (r *Registry) LookupEndpoint(username string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[username]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Endpoint, nil
}

// LookupKey returns username's encoded public key
func (r *Registry) LookupKey(username string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[username]
	if !ok {
		return "", ErrNotFound
	}
	return s.PublicKey, nil
}

// ListUsernames returns a sorted snapshot of registered usernames
func (r *Registry) ListUsernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Recipients copies every session except the named one out of the lock
func (r *Registry) Recipients(except string) []Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Recipient, 0, len(r.sessions))
	for name, s := range r.sessions {
		if name == except {
			continue
		}
		out = append(out, Recipient{Username: name, Endpoint: s.Endpoint})
	}
	return out
}

// Sessions returns a snapshot of all sessions sorted by username
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) changed(count int) {
	if r.OnChange != nil {
		r.OnChange(count)
	}
}
