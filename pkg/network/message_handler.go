package network

import (
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

var ErrRejected = errors.New("server rejected request")

// receiveLoop reads deliveries until the connection fails or is closed
func (c *Client) receiveLoop(conn lineConn) {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.IsConnected() {
				return
			}
			// A refused datagram says nothing about the next one
			if c.transport == TransportDatagram {
				continue
			}
			log.Printf("Read error: %v", err)
			return
		}

		env, err := protocol.DecodeFromServer(line)
		if err != nil {
			if !errors.Is(err, protocol.ErrEmpty) {
				c.warn(err)
			}
			continue
		}
		c.handleEnvelope(env)
	}
}

// handleEnvelope dispatches one delivery to the matching callback
func (c *Client) handleEnvelope(env protocol.Envelope) {
	switch e := env.(type) {
	case protocol.Broadcast:
		c.remember(storage.PeerEveryone, false, false, e.Text)
		if c.OnBroadcast != nil {
			c.OnBroadcast(e.From, e.Text)
		}

	case protocol.Direct:
		c.remember(e.From, false, false, e.Text)
		if c.OnDirect != nil {
			c.OnDirect(e.From, e.Text)
		}

	case protocol.SecureDirect:
		c.handleSecure(e)

	case protocol.ListResponse:
		if c.OnUserList != nil {
			c.OnUserList(e.Usernames)
		}
		c.prefetchKeys(e.Usernames)

	case protocol.KeyResponse:
		c.keys.Put(e.Username, e.PublicKey)

	case protocol.ErrorReply:
		err := fmt.Errorf("%w: %s %s", ErrRejected, e.Op, e.Target)
		if e.Op == protocol.TagKeyRequest {
			err = fmt.Errorf("%w: %s is not registered", ErrKeyUnavailable, e.Target)
			c.keys.Fail(e.Target, err)
		}
		c.warn(err)

	case protocol.Notice:
		if user, ok := protocol.DepartedUser(e); ok {
			c.keys.Forget(user)
		}
		if c.OnNotice != nil {
			c.OnNotice(e.Text)
		}

	default:
		log.Printf("Unexpected %s delivery", env.Kind())
	}
}

// handleSecure decrypts and verifies a secure delivery. Failures are
// reported through OnWarning and never end the session.
func (c *Client) handleSecure(msg protocol.SecureDirect) {
	if msg.SenderKey != "" {
		c.keys.PutIfAbsent(msg.From, msg.SenderKey)
	}

	ciphertext, err := protocol.DecodeField(msg.Ciphertext)
	if err != nil {
		c.warn(fmt.Errorf("%w from %s: %w", ErrSecureMessage, msg.From, err))
		return
	}
	plaintext, err := c.provider.Decrypt(ciphertext, c.PrivateKey)
	if err != nil {
		c.warn(fmt.Errorf("%w from %s: %w", ErrSecureMessage, msg.From, err))
		return
	}
	text := string(plaintext)

	verified := c.verify(msg, plaintext)
	if !verified {
		c.warn(fmt.Errorf("%w from %s: %w", ErrSecureMessage, msg.From, crypto.ErrInvalidSignature))
	}

	c.remember(msg.From, false, true, text)
	if c.OnSecure != nil {
		c.OnSecure(msg.From, text, verified)
	}
}

func (c *Client) verify(msg protocol.SecureDirect, plaintext []byte) bool {
	encoded, ok := c.keys.Get(msg.From)
	if !ok {
		return false
	}
	signer, err := c.provider.DecodePublicKey(encoded)
	if err != nil {
		return false
	}
	signature, err := protocol.DecodeField(msg.Signature)
	if err != nil {
		return false
	}
	return c.provider.Verify(plaintext, signature, signer)
}

// prefetchKeys requests the keys of listed users not yet cached
func (c *Client) prefetchKeys(usernames []string) {
	for _, user := range usernames {
		if user == c.Username {
			continue
		}
		if err := c.RequestKey(user); err != nil {
			log.Printf("⚠️  Key request for %s failed: %v", user, err)
			return
		}
	}
}
