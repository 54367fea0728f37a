package network

import (
	"bufio"
	"context"
	"crypto/rsa"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/registry"
	"github.com/ZentaChain/zentalk-chat/pkg/router"
)

var (
	keyOnce    sync.Once
	sharedKeys [3]*keyPair
)

type keyPair struct {
	encoded string
	priv    *rsa.PrivateKey
}

// testKeys returns three 1024-bit key pairs generated once per test binary
func testKeys(t *testing.T) [3]*keyPair {
	t.Helper()
	keyOnce.Do(func() {
		for i := range sharedKeys {
			priv, err := crypto.GenerateRSAKeyPair(1024)
			require.NoError(t, err)
			encoded, err := crypto.EncodePublicKey(&priv.PublicKey)
			require.NoError(t, err)
			sharedKeys[i] = &keyPair{encoded: encoded, priv: priv}
		}
	})
	return sharedKeys
}

type testServer struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	stream   *StreamServer
	datagram *DatagramServer
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()

	reg := registry.New()
	m := metrics.New()
	r := router.New(reg, nil, m)

	stream := NewStreamServer(r, m, opts)
	require.NoError(t, stream.Start("127.0.0.1:0"))

	datagram := NewDatagramServer(r, m, opts)
	require.NoError(t, datagram.Start("127.0.0.1:0"))

	t.Cleanup(func() {
		stream.Stop()
		datagram.Stop()
	})

	return &testServer{registry: reg, metrics: m, stream: stream, datagram: datagram}
}

// rawStream is a hand-driven stream client
type rawStream struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialStream(t *testing.T, s *testServer) *rawStream {
	t.Helper()
	conn, err := net.Dial("tcp", s.stream.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawStream{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *rawStream) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *rawStream) expect(t *testing.T, want string) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimRight(line, "\n"))
}

func (c *rawStream) expectClosed(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, err := c.reader.ReadString('\n')
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was not closed")
		}
		return
	}
}

func registerStream(t *testing.T, s *testServer, username string, key *keyPair) *rawStream {
	t.Helper()
	c := dialStream(t, s)
	c.send(t, protocol.TagRegister+":"+username+":"+key.encoded)
	require.Eventually(t, func() bool {
		_, err := s.registry.LookupEndpoint(username)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestStreamBroadcastAndIdentityBinding(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	alice := registerStream(t, s, "alice", keys[0])
	bob := registerStream(t, s, "bob", keys[1])
	alice.expect(t, "bob joined the chat.")

	// Free text and a forged sender both arrive attributed to alice
	alice.send(t, "hello everyone")
	bob.expect(t, "BROADCAST:alice:hello everyone")

	alice.send(t, "BROADCAST:mallory:not me")
	bob.expect(t, "BROADCAST:alice:not me")
}

func TestStreamDirectAndKeyRequest(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	alice := registerStream(t, s, "alice", keys[0])

	alice.send(t, "REQKEY:bob")
	alice.expect(t, "ERRO:REQKEY:bob")

	bob := registerStream(t, s, "bob", keys[1])
	alice.expect(t, "bob joined the chat.")

	alice.send(t, "REQKEY:bob")
	alice.expect(t, "PUBKEYRESP:bob:"+keys[1].encoded)

	alice.send(t, "@bob hi")
	bob.expect(t, "PRIVADO:alice:bob:hi")

	alice.send(t, "!list")
	alice.expect(t, "USUARIOS:alice bob")
}

func TestStreamRequiresRegistrationFirst(t *testing.T) {
	s := startServer(t, Options{})

	c := dialStream(t, s)
	c.send(t, "!list")
	c.expectClosed(t)
	assert.Equal(t, 0, s.registry.Count())
}

func TestStreamRegistrationTimeout(t *testing.T) {
	s := startServer(t, Options{RegistrationTimeout: 100 * time.Millisecond})

	c := dialStream(t, s)
	c.expectClosed(t)
}

func TestStreamRejectsInvalidKey(t *testing.T) {
	s := startServer(t, Options{})

	c := dialStream(t, s)
	c.send(t, "REGISTRO:alice:bm90IGEga2V5")
	c.expect(t, "ERRO:REGISTRO:alice")
	c.expectClosed(t)
}

func TestStreamExitNotifiesOthers(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	alice := registerStream(t, s, "alice", keys[0])
	bob := registerStream(t, s, "bob", keys[1])
	alice.expect(t, "bob joined the chat.")

	bob.send(t, "!exit")
	alice.expect(t, "bob left the chat.")
	bob.expectClosed(t)
	assert.Equal(t, 1, s.registry.Count())
}

func TestStreamDisconnectNotifiesOthers(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	alice := registerStream(t, s, "alice", keys[0])
	bob := registerStream(t, s, "bob", keys[1])
	alice.expect(t, "bob joined the chat.")

	bob.conn.Close()
	alice.expect(t, "bob left the chat.")
}

func TestStreamSupersededConnectionKeepsNewSession(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	watcher := registerStream(t, s, "carol", keys[2])
	first := registerStream(t, s, "alice", keys[0])
	watcher.expect(t, "alice joined the chat.")

	second := dialStream(t, s)
	second.send(t, "REGISTRO:alice:"+keys[0].encoded)
	watcher.expect(t, "alice joined the chat.")

	first.conn.Close()
	assert.Never(t, func() bool {
		_, err := s.registry.LookupEndpoint("alice")
		return err != nil
	}, 300*time.Millisecond, 10*time.Millisecond)

	// The old connection's departure did not remove the new one
	watcher.send(t, "@alice still here?")
	second.expect(t, "PRIVADO:carol:alice:still here?")
}

func TestStreamMalformedLineKeepsSession(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	alice := registerStream(t, s, "alice", keys[0])
	bob := registerStream(t, s, "bob", keys[1])
	alice.expect(t, "bob joined the chat.")

	alice.send(t, "PRIVADO:onlyonefield")
	alice.send(t, "@bob after the bad line")
	bob.expect(t, "PRIVADO:alice:bob:after the bad line")
	assert.Equal(t, uint64(1), s.metrics.Snapshot().ProtocolErrors)
}

// rawDatagram is a hand-driven datagram client
type rawDatagram struct {
	conn   *net.UDPConn
	server *net.UDPAddr
}

func dialDatagram(t *testing.T, s *testServer) *rawDatagram {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawDatagram{conn: conn, server: s.datagram.Addr().(*net.UDPAddr)}
}

func (c *rawDatagram) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.WriteToUDP([]byte(line), c.server)
	require.NoError(t, err)
}

func (c *rawDatagram) expect(t *testing.T, want string) {
	t.Helper()
	buf := make([]byte, protocol.ClientDatagramSize)
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := c.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf[:n]))
}

func (c *rawDatagram) expectNothing(t *testing.T) {
	t.Helper()
	buf := make([]byte, protocol.ClientDatagramSize)
	c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, _, err := c.conn.ReadFromUDP(buf)
	assert.Error(t, err, "unexpected datagram %q", string(buf[:n]))
}

func registerDatagram(t *testing.T, s *testServer, c *rawDatagram, username string, key *keyPair) {
	t.Helper()
	c.send(t, protocol.TagRegister+":"+username+":"+key.encoded)
	require.Eventually(t, func() bool {
		ep, err := s.registry.LookupEndpoint(username)
		return err == nil && ep.Addr().String() == c.conn.LocalAddr().String()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDatagramDirectAndBroadcast(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	a, b := dialDatagram(t, s), dialDatagram(t, s)
	registerDatagram(t, s, a, "alice", keys[0])
	registerDatagram(t, s, b, "bob", keys[1])
	a.expect(t, "bob joined the chat.")

	a.send(t, "PRIVADO:alice:bob:hello")
	b.expect(t, "PRIVADO:alice:bob:hello")

	b.send(t, "BROADCAST:bob:hi all")
	a.expect(t, "BROADCAST:bob:hi all")
	b.expectNothing(t)

	// Free text names no sender and is dropped
	a.send(t, "who am i")
	b.expectNothing(t)
}

func TestDatagramDeliversToLastRegisteredAddress(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	a, b, bMoved := dialDatagram(t, s), dialDatagram(t, s), dialDatagram(t, s)
	registerDatagram(t, s, a, "alice", keys[0])
	registerDatagram(t, s, b, "bob", keys[1])
	a.expect(t, "bob joined the chat.")

	// bob now talks from a new address without registering again
	bMoved.send(t, "LISTAR_USUARIOS:")
	bMoved.expect(t, "USUARIOS:alice bob")

	a.send(t, "PRIVADO:alice:bob:hello")
	b.expect(t, "PRIVADO:alice:bob:hello")
	bMoved.expectNothing(t)
}

func TestDatagramLeave(t *testing.T) {
	s := startServer(t, Options{DatagramWorkers: 4})
	keys := testKeys(t)

	a, b := dialDatagram(t, s), dialDatagram(t, s)
	registerDatagram(t, s, a, "alice", keys[0])
	registerDatagram(t, s, b, "bob", keys[1])
	a.expect(t, "bob joined the chat.")

	b.send(t, "SAIR:bob")
	a.expect(t, "bob left the chat.")
	assert.Equal(t, 1, s.registry.Count())
}

func TestDatagramOversizedSend(t *testing.T) {
	s := startServer(t, Options{DatagramBufferSize: 512})
	ep := s.datagram.endpoint(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})

	err := ep.Send(protocol.Broadcast{From: "alice", Text: strings.Repeat("x", 600)})
	assert.ErrorIs(t, err, protocol.ErrTooLarge)
}

func TestStreamOverlongLineKeepsSession(t *testing.T) {
	s := startServer(t, Options{MaxLineSize: 1024})
	keys := testKeys(t)

	alice := registerStream(t, s, "alice", keys[0])
	bob := registerStream(t, s, "bob", keys[1])
	alice.expect(t, "bob joined the chat.")

	alice.send(t, "@bob "+strings.Repeat("x", 3000))
	alice.send(t, "@bob still here")
	bob.expect(t, "PRIVADO:alice:bob:still here")
	assert.Equal(t, uint64(1), s.metrics.Snapshot().ProtocolErrors)

	_, err := s.registry.LookupEndpoint("alice")
	assert.NoError(t, err)
}

func TestStreamTextLookingLikeServerTagIsBroadcast(t *testing.T) {
	s := startServer(t, Options{})
	keys := testKeys(t)

	alice := registerStream(t, s, "alice", keys[0])
	bob := registerStream(t, s, "bob", keys[1])
	alice.expect(t, "bob joined the chat.")

	alice.send(t, "ERRO: the build is red again")
	bob.expect(t, "BROADCAST:alice:ERRO: the build is red again")
}

func TestStreamSessionQueueFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := newStreamSession(server, Options{SendQueueSize: 1}.withDefaults())

	// Nobody reads the pipe: the writer holds at most one line and the
	// queue one more
	var full bool
	for i := 0; i < 3; i++ {
		if err := sess.Send(protocol.Notice{Text: "ping"}); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			full = true
		}
	}
	assert.True(t, full)

	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Send(protocol.Notice{Text: "ping"}), ErrSessionClosed)
}

func TestStreamClientReconnects(t *testing.T) {
	keys := testKeys(t)

	// The first server takes the registration and a key request, then drops
	// the connection without answering
	first, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := first.Addr().String()

	lines := make(chan string, 8)
	dropped := make(chan net.Conn, 1)
	go func() {
		conn, err := first.Accept()
		if err != nil {
			return
		}
		dropped <- conn
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	alice := NewClient("alice", keys[0].priv)
	alice.AutoReconnect = true
	alice.KeyTimeout = 10 * time.Second
	require.NoError(t, alice.Connect(TransportStream, address))
	t.Cleanup(func() { alice.Disconnect() })

	lookup := make(chan error, 1)
	go func() {
		_, err := alice.LookupKey(context.Background(), "bob")
		lookup <- err
	}()

	waitLine := func(prefix string) {
		t.Helper()
		for {
			select {
			case line := <-lines:
				if strings.HasPrefix(line, prefix) {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("no %s line", prefix)
			}
		}
	}
	waitLine(protocol.TagRegister + ":alice:")
	waitLine(protocol.TagKeyRequest + ":bob")

	first.Close()
	(<-dropped).Close()

	select {
	case err := <-lookup:
		assert.ErrorIs(t, err, ErrKeyUnavailable)
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("key lookup outstanding at the drop was not released")
	}

	// A real server comes back on the same address
	reg := registry.New()
	r := router.New(reg, nil, nil)
	restarted := NewStreamServer(r, nil, Options{})
	listener, err := net.Listen("tcp", address)
	require.NoError(t, err)
	restarted.Serve(listener)
	t.Cleanup(func() { restarted.Stop() })

	require.Eventually(t, func() bool {
		_, err := reg.LookupEndpoint("alice")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "client did not register again")
	assert.True(t, alice.IsConnected())

	bob, err := net.Dial("tcp", address)
	require.NoError(t, err)
	t.Cleanup(func() { bob.Close() })
	_, err = bob.Write([]byte(protocol.TagRegister + ":bob:" + keys[1].encoded + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := reg.LookupEndpoint("bob")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	key, err := alice.LookupKey(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, keys[1].encoded, key)
}
