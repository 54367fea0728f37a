package network

import (
	"crypto/rsa"
	"log"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// DefaultKeyTimeout bounds the wait for a key response
const DefaultKeyTimeout = 5 * time.Second

// Client is one user's session with a chat server over either transport
type Client struct {
	Username   string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey

	// KeyTimeout bounds SendSecure's wait for the recipient's key
	KeyTimeout time.Duration
	// AutoReconnect re-dials and re-registers when a stream connection drops
	AutoReconnect bool

	provider      crypto.Provider
	keys          *KeyCache
	history       *storage.History
	transport     string
	serverAddress string

	mu        sync.RWMutex
	conn      lineConn
	connected bool
	done      chan struct{}

	// Callbacks, invoked from the receive loop
	OnBroadcast func(from, text string)
	OnDirect    func(from, text string)
	OnSecure    func(from, text string, verified bool)
	OnNotice    func(text string)
	OnUserList  func(usernames []string)
	OnWarning   func(err error)
}

// NewClient creates a client for username signing with privateKey
func NewClient(username string, privateKey *rsa.PrivateKey) *Client {
	return &Client{
		Username:   username,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		KeyTimeout: DefaultKeyTimeout,
		provider:   crypto.NewRSAProvider(),
		keys:       NewKeyCache(),
	}
}

// AttachHistory attaches a store for sent and received messages
func (c *Client) AttachHistory(h *storage.History) {
	c.history = h
}

// Keys returns the client's public key cache
func (c *Client) Keys() *KeyCache {
	return c.keys
}

// Connect dials the server over transport ("tcp" or "udp") and registers
func (c *Client) Connect(transport, address string) error {
	c.transport = transport
	c.serverAddress = address

	if err := c.dial(); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	log.Printf("Connected to %s over %s as %s", address, transport, c.Username)

	go c.receiveLoopWithReconnect()
	return nil
}

// dial opens the connection and sends the registration line
func (c *Client) dial() error {
	conn, err := dialLine(c.transport, c.serverAddress, DefaultOptions().MaxLineSize)
	if err != nil {
		return err
	}

	encoded, err := c.provider.EncodePublicKey(c.PublicKey)
	if err != nil {
		conn.Close()
		return err
	}
	line, err := protocol.Encode(protocol.Registration{Username: c.Username, PublicKey: encoded})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteLine(line); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Disconnect leaves the chat and closes the connection
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if wasConnected {
		if line, err := protocol.Encode(protocol.Leave{Username: c.Username}); err == nil {
			conn.WriteLine(line)
		}
	}
	return conn.Close()
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Done is closed when the receive loop stops for good
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// ServerAddress returns the address passed to Connect
func (c *Client) ServerAddress() string {
	return c.serverAddress
}

// Transport returns the transport passed to Connect
func (c *Client) Transport() string {
	return c.transport
}

// LocalAddr returns the client side of the connection, or "" when not connected
func (c *Client) LocalAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.LocalAddr().String()
}

func (c *Client) currentConn() lineConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil
	}
	return c.conn
}

func (c *Client) warn(err error) {
	if c.OnWarning != nil {
		c.OnWarning(err)
		return
	}
	log.Printf("⚠️  %v", err)
}
