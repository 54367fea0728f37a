// Package router decides what happens to each envelope a client sends:
// registry updates, replies to the requester, and fan-out to recipients.
//
// The server never holds private keys and never decrypts. SecureDirect
// envelopes are relayed as received, with the sender's registered public key
// attached for the recipient's convenience.
package router

import (
	"errors"
	"fmt"
	"log"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/registry"
)

var (
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrUnattributed        = errors.New("envelope has no sender")
	ErrUnexpected          = errors.New("envelope not accepted from clients")
)

// RelayRecorder receives one record per routed chat or lifecycle envelope
type RelayRecorder interface {
	Record(kind protocol.Kind, from, to, transport string) error
}

// Router dispatches decoded envelopes. It is safe for concurrent use; all
// shared state lives in the registry.
type Router struct {
	registry *registry.Registry
	keys     crypto.Provider
	metrics  *metrics.Metrics
	relayLog RelayRecorder
}

// New creates a router over reg. keys is only used to validate registered public keys.
func New(reg *registry.Registry, keys crypto.Provider, m *metrics.Metrics) *Router {
	if keys == nil {
		keys = crypto.NewRSAProvider()
	}
	return &Router{
		registry: reg,
		keys:     keys,
		metrics:  m,
	}
}

// AttachRelayLog attaches a recorder for routed envelopes
func (r *Router) AttachRelayLog(rec RelayRecorder) {
	r.relayLog = rec
}

// Registry returns the registry the router consults
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Handle routes env received from origin. Transports must have filled in the
// sender fields they can vouch for before calling it. The returned error is
// informational: it has already been logged and nothing is sent back for it
// except on the key request path.
func (r *Router) Handle(origin registry.Endpoint, env protocol.Envelope) error {
	r.metrics.EnvelopeReceived(origin.Transport(), env.Kind())

	switch e := env.(type) {
	case protocol.Registration:
		return r.handleRegistration(origin, e)
	case protocol.Leave:
		return r.handleLeave(origin, e)
	case protocol.ListRequest:
		r.reply(origin, protocol.ListResponse{Usernames: r.registry.ListUsernames()})
		return nil
	case protocol.KeyRequest:
		return r.handleKeyRequest(origin, e)
	case protocol.Broadcast:
		return r.handleBroadcast(origin, e)
	case protocol.Direct:
		return r.handleDirect(origin, e)
	case protocol.SecureDirect:
		return r.handleSecureDirect(origin, e)
	}

	log.Printf("⚠️  Dropping %s envelope from %s: not a client command", env.Kind(), origin.Key())
	return fmt.Errorf("%w: %s", ErrUnexpected, env.Kind())
}

// Depart removes username if it is still bound to ep and tells the others.
// Stream transports call it when a connection ends for any reason.
func (r *Router) Depart(username string, ep registry.Endpoint) bool {
	if !r.registry.Remove(username, ep) {
		return false
	}

	log.Printf("👋 %s left (%s)", username, ep.Transport())
	r.record(protocol.KindLeave, username, "", ep.Transport())
	r.fanout(r.registry.Recipients(""), protocol.LeftNotice(username))
	return true
}

func (r *Router) handleRegistration(origin registry.Endpoint, reg protocol.Registration) error {
	if err := protocol.ValidateUsername(reg.Username); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if _, err := r.keys.DecodePublicKey(reg.PublicKey); err != nil {
		log.Printf("❌ Registration of %s rejected: %v", reg.Username, err)
		return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	r.registry.Register(reg.Username, origin, reg.PublicKey)
	log.Printf("✓ %s registered via %s from %s", reg.Username, origin.Transport(), origin.Key())
	r.record(protocol.KindRegistration, reg.Username, "", origin.Transport())

	r.fanout(r.registry.Recipients(reg.Username), protocol.JoinedNotice(reg.Username))
	return nil
}

func (r *Router) handleLeave(origin registry.Endpoint, leave protocol.Leave) error {
	if leave.Username == "" {
		r.metrics.ProtocolError(origin.Transport())
		return fmt.Errorf("%w: leave", ErrUnattributed)
	}

	if !r.registry.Unregister(leave.Username) {
		r.metrics.LookupMiss(protocol.TagLeave)
		return fmt.Errorf("leave %s: %w", leave.Username, registry.ErrNotFound)
	}

	log.Printf("👋 %s left (%s)", leave.Username, origin.Transport())
	r.record(protocol.KindLeave, leave.Username, "", origin.Transport())

	r.fanout(r.registry.Recipients(""), protocol.LeftNotice(leave.Username))
	return nil
}

func (r *Router) handleKeyRequest(origin registry.Endpoint, req protocol.KeyRequest) error {
	key, err := r.registry.LookupKey(req.Target)
	if err != nil {
		r.metrics.LookupMiss(protocol.TagKeyRequest)
		r.reply(origin, protocol.ErrorReply{Op: protocol.TagKeyRequest, Target: req.Target})
		return fmt.Errorf("key request for %s: %w", req.Target, err)
	}

	r.reply(origin, protocol.KeyResponse{Username: req.Target, PublicKey: key})
	return nil
}

func (r *Router) handleBroadcast(origin registry.Endpoint, msg protocol.Broadcast) error {
	if msg.From == "" {
		r.metrics.ProtocolError(origin.Transport())
		return fmt.Errorf("%w: broadcast", ErrUnattributed)
	}

	r.record(protocol.KindBroadcast, msg.From, "", origin.Transport())
	r.fanout(r.registry.Recipients(msg.From), msg)
	return nil
}

func (r *Router) handleDirect(origin registry.Endpoint, msg protocol.Direct) error {
	if msg.From == "" {
		r.metrics.ProtocolError(origin.Transport())
		return fmt.Errorf("%w: direct", ErrUnattributed)
	}

	dest, err := r.registry.LookupEndpoint(msg.To)
	if err != nil {
		r.metrics.LookupMiss(protocol.TagDirect)
		log.Printf("Direct message from %s dropped: %s not registered", msg.From, msg.To)
		return fmt.Errorf("direct to %s: %w", msg.To, err)
	}

	r.record(protocol.KindDirect, msg.From, msg.To, origin.Transport())
	r.send(dest, msg)
	return nil
}

func (r *Router) handleSecureDirect(origin registry.Endpoint, msg protocol.SecureDirect) error {
	if msg.From == "" {
		r.metrics.ProtocolError(origin.Transport())
		return fmt.Errorf("%w: secure direct", ErrUnattributed)
	}

	dest, err := r.registry.LookupEndpoint(msg.To)
	if err != nil {
		r.metrics.LookupMiss(protocol.TagDirect)
		log.Printf("Secure message from %s dropped: %s not registered", msg.From, msg.To)
		return fmt.Errorf("secure direct to %s: %w", msg.To, err)
	}

	// A sender that never registered has no key to attach; the recipient
	// then has to know it already.
	if key, err := r.registry.LookupKey(msg.From); err == nil {
		msg.SenderKey = key
	}

	r.record(protocol.KindSecureDirect, msg.From, msg.To, origin.Transport())
	r.send(dest, msg)
	return nil
}

func (r *Router) reply(origin registry.Endpoint, env protocol.Envelope) {
	r.send(origin, env)
}

// fanout sends env to each recipient independently. Endpoints never block, so
// a stuck recipient only loses its own copy.
func (r *Router) fanout(recipients []registry.Recipient, env protocol.Envelope) {
	for _, rc := range recipients {
		r.send(rc.Endpoint, env)
	}
}

func (r *Router) send(ep registry.Endpoint, env protocol.Envelope) {
	if err := ep.Send(env); err != nil {
		r.metrics.SendFailed(ep.Transport())
		log.Printf("⚠️  Send %s to %s failed: %v", env.Kind(), ep.Key(), err)
		return
	}
	r.metrics.EnvelopeDelivered(ep.Transport(), env.Kind())
}

func (r *Router) record(kind protocol.Kind, from, to, transport string) {
	if r.relayLog == nil {
		return
	}
	if err := r.relayLog.Record(kind, from, to, transport); err != nil {
		log.Printf("⚠️  Relay log write failed: %v", err)
	}
}
