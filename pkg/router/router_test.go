package router

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/registry"
)

// recorder is an endpoint that keeps everything sent to it
type recorder struct {
	key  string
	mu   sync.Mutex
	got  []protocol.Envelope
	fail bool
}

func newRecorder(port int) *recorder {
	return &recorder{key: fmt.Sprintf("udp/127.0.0.1:%d", port)}
}

func (r *recorder) Send(env protocol.Envelope) error {
	if r.fail {
		return errors.New("queue full")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return nil
}

func (r *recorder) Key() string       { return r.key }
func (r *recorder) Transport() string { return "udp" }
func (r *recorder) Addr() net.Addr    { return nil }

func (r *recorder) envelopes() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Envelope, len(r.got))
	copy(out, r.got)
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}

type relayEntry struct {
	kind     protocol.Kind
	from, to string
}

type memRelayLog struct {
	entries []relayEntry
}

func (m *memRelayLog) Record(kind protocol.Kind, from, to, _ string) error {
	m.entries = append(m.entries, relayEntry{kind, from, to})
	return nil
}

var (
	keyOnce sync.Once
	testKey string
)

func publicKey(t *testing.T) string {
	t.Helper()
	keyOnce.Do(func() {
		priv, err := crypto.GenerateRSAKeyPair(1024)
		require.NoError(t, err)
		testKey, err = crypto.EncodePublicKey(&priv.PublicKey)
		require.NoError(t, err)
	})
	return testKey
}

func newRouter() *Router {
	return New(registry.New(), nil, metrics.New())
}

func register(t *testing.T, r *Router, name string, ep *recorder) {
	t.Helper()
	require.NoError(t, r.Handle(ep, protocol.Registration{Username: name, PublicKey: publicKey(t)}))
}

func TestRegistrationNotifiesOthers(t *testing.T) {
	r := newRouter()
	a, b := newRecorder(1), newRecorder(2)

	register(t, r, "alice", a)
	assert.Empty(t, a.envelopes(), "first user has nobody to hear about")

	register(t, r, "bob", b)
	assert.Equal(t, []protocol.Envelope{protocol.JoinedNotice("bob")}, a.envelopes())
	assert.Empty(t, b.envelopes(), "joiner is not told about itself")
	assert.Equal(t, 2, r.Registry().Count())
}

func TestRegistrationRejectsBadKey(t *testing.T) {
	r := newRouter()
	a := newRecorder(1)

	err := r.Handle(a, protocol.Registration{Username: "alice", PublicKey: "bm90IGEga2V5"})
	assert.ErrorIs(t, err, ErrInvalidRegistration)
	assert.Equal(t, 0, r.Registry().Count())

	err = r.Handle(a, protocol.Registration{Username: "bad:name", PublicKey: publicKey(t)})
	assert.ErrorIs(t, err, ErrInvalidRegistration)
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := newRouter()
	a, b, c := newRecorder(1), newRecorder(2), newRecorder(3)
	register(t, r, "alice", a)
	register(t, r, "bob", b)
	register(t, r, "carol", c)
	a.reset()
	b.reset()
	c.reset()

	msg := protocol.Broadcast{From: "alice", Text: "hi all"}
	require.NoError(t, r.Handle(a, msg))

	assert.Empty(t, a.envelopes())
	assert.Equal(t, []protocol.Envelope{msg}, b.envelopes())
	assert.Equal(t, []protocol.Envelope{msg}, c.envelopes())
}

func TestBroadcastWithoutSender(t *testing.T) {
	r := newRouter()
	a := newRecorder(1)
	register(t, r, "alice", a)

	err := r.Handle(a, protocol.Broadcast{Text: "who am i"})
	assert.ErrorIs(t, err, ErrUnattributed)
}

func TestDirectDelivery(t *testing.T) {
	r := newRouter()
	a, b, c := newRecorder(1), newRecorder(2), newRecorder(3)
	register(t, r, "alice", a)
	register(t, r, "bob", b)
	register(t, r, "carol", c)
	a.reset()
	b.reset()
	c.reset()

	msg := protocol.Direct{From: "alice", To: "bob", Text: "psst"}
	require.NoError(t, r.Handle(a, msg))

	assert.Equal(t, []protocol.Envelope{msg}, b.envelopes())
	assert.Empty(t, a.envelopes())
	assert.Empty(t, c.envelopes())
}

func TestDirectToUnknownIsDropped(t *testing.T) {
	r := newRouter()
	a := newRecorder(1)
	register(t, r, "alice", a)

	err := r.Handle(a, protocol.Direct{From: "alice", To: "nobody", Text: "hello?"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Empty(t, a.envelopes(), "sender gets no reply for a missing recipient")
}

func TestKeyRequest(t *testing.T) {
	r := newRouter()
	a, b := newRecorder(1), newRecorder(2)
	register(t, r, "alice", a)

	err := r.Handle(a, protocol.KeyRequest{Target: "bob"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, []protocol.Envelope{protocol.ErrorReply{Op: protocol.TagKeyRequest, Target: "bob"}}, a.envelopes())

	register(t, r, "bob", b)
	a.reset()

	require.NoError(t, r.Handle(a, protocol.KeyRequest{Target: "bob"}))
	assert.Equal(t, []protocol.Envelope{protocol.KeyResponse{Username: "bob", PublicKey: publicKey(t)}}, a.envelopes())
}

func TestListRequest(t *testing.T) {
	r := newRouter()
	a, b := newRecorder(1), newRecorder(2)
	register(t, r, "bob", b)
	register(t, r, "alice", a)
	a.reset()

	require.NoError(t, r.Handle(a, protocol.ListRequest{}))
	assert.Equal(t, []protocol.Envelope{protocol.ListResponse{Usernames: []string{"alice", "bob"}}}, a.envelopes())
}

func TestSecureDirectAttachesSenderKey(t *testing.T) {
	r := newRouter()
	a, b := newRecorder(1), newRecorder(2)
	register(t, r, "alice", a)
	register(t, r, "bob", b)
	b.reset()

	msg := protocol.SecureDirect{From: "alice", To: "bob", Signature: "c2ln", Ciphertext: "Y2lwaGVy"}
	require.NoError(t, r.Handle(a, msg))

	got := b.envelopes()
	require.Len(t, got, 1)
	relayed, ok := got[0].(protocol.SecureDirect)
	require.True(t, ok)
	assert.Equal(t, "alice", relayed.From)
	assert.Equal(t, "c2ln", relayed.Signature)
	assert.Equal(t, "Y2lwaGVy", relayed.Ciphertext, "ciphertext is relayed untouched")
	assert.Equal(t, publicKey(t), relayed.SenderKey)
}

func TestSecureDirectFromUnregisteredSender(t *testing.T) {
	r := newRouter()
	a, b := newRecorder(1), newRecorder(2)
	register(t, r, "bob", b)
	b.reset()

	require.NoError(t, r.Handle(a, protocol.SecureDirect{From: "ghost", To: "bob", Signature: "c2ln", Ciphertext: "Y2lwaGVy"}))

	got := b.envelopes()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].(protocol.SecureDirect).SenderKey)
}

func TestLeaveNotifiesRemaining(t *testing.T) {
	r := newRouter()
	a, b := newRecorder(1), newRecorder(2)
	register(t, r, "alice", a)
	register(t, r, "bob", b)
	a.reset()

	require.NoError(t, r.Handle(b, protocol.Leave{Username: "bob"}))
	assert.Equal(t, []protocol.Envelope{protocol.LeftNotice("bob")}, a.envelopes())
	assert.Equal(t, 1, r.Registry().Count())

	// A second leave is not announced again
	a.reset()
	assert.ErrorIs(t, r.Handle(b, protocol.Leave{Username: "bob"}), registry.ErrNotFound)
	assert.Empty(t, a.envelopes())
}

func TestDepartIgnoresSupersededEndpoint(t *testing.T) {
	r := newRouter()
	old, fresh, other := newRecorder(1), newRecorder(2), newRecorder(3)
	register(t, r, "alice", old)
	register(t, r, "alice", fresh)
	register(t, r, "bob", other)
	other.reset()

	assert.False(t, r.Depart("alice", old))
	ep, err := r.Registry().LookupEndpoint("alice")
	require.NoError(t, err)
	assert.Equal(t, fresh.Key(), ep.Key())
	assert.Empty(t, other.envelopes())

	assert.True(t, r.Depart("alice", fresh))
	assert.Equal(t, []protocol.Envelope{protocol.LeftNotice("alice")}, other.envelopes())
}

func TestFailingRecipientDoesNotBlockOthers(t *testing.T) {
	m := metrics.New()
	r := New(registry.New(), nil, m)
	a, stuck, c := newRecorder(1), newRecorder(2), newRecorder(3)
	register(t, r, "alice", a)
	register(t, r, "stuck", stuck)
	register(t, r, "carol", c)
	stuck.fail = true
	c.reset()

	msg := protocol.Broadcast{From: "alice", Text: "still there?"}
	require.NoError(t, r.Handle(a, msg))

	assert.Equal(t, []protocol.Envelope{msg}, c.envelopes())
	assert.Equal(t, uint64(1), m.Snapshot().SendFailures)
}

func TestServerOnlyEnvelopesRejected(t *testing.T) {
	r := newRouter()
	a := newRecorder(1)

	assert.ErrorIs(t, r.Handle(a, protocol.Notice{Text: "x"}), ErrUnexpected)
	assert.ErrorIs(t, r.Handle(a, protocol.ListResponse{}), ErrUnexpected)
}

func TestRelayLogRecordsTraffic(t *testing.T) {
	r := newRouter()
	rl := &memRelayLog{}
	r.AttachRelayLog(rl)
	a, b := newRecorder(1), newRecorder(2)
	register(t, r, "alice", a)
	register(t, r, "bob", b)

	require.NoError(t, r.Handle(a, protocol.Direct{From: "alice", To: "bob", Text: "x"}))
	require.NoError(t, r.Handle(a, protocol.Broadcast{From: "alice", Text: "y"}))
	require.NoError(t, r.Handle(a, protocol.KeyRequest{Target: "bob"}))

	assert.Equal(t, []relayEntry{
		{protocol.KindRegistration, "alice", ""},
		{protocol.KindRegistration, "bob", ""},
		{protocol.KindDirect, "alice", "bob"},
		{protocol.KindBroadcast, "alice", ""},
	}, rl.entries)
}
