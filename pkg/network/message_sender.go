package network

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ZentaChain/zentalk-chat/pkg/crypto"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// send encodes env and writes it to the server
func (c *Client) send(env protocol.Envelope) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	line, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.WriteLine(line)
}

// SendBroadcast sends text to every other user
func (c *Client) SendBroadcast(text string) error {
	if err := c.send(protocol.Broadcast{From: c.Username, Text: text}); err != nil {
		return err
	}
	c.remember(storage.PeerEveryone, true, false, text)
	return nil
}

// SendDirect sends text to one user in the clear
func (c *Client) SendDirect(to, text string) error {
	if err := c.send(protocol.Direct{From: c.Username, To: to, Text: text}); err != nil {
		return err
	}
	c.remember(to, true, false, text)
	return nil
}

// ListUsers asks the server for the online users; the answer arrives on OnUserList
func (c *Client) ListUsers() error {
	return c.send(protocol.ListRequest{})
}

// RequestKey asks the server for user's public key without waiting. A
// request already in flight is not repeated until the key timeout passes.
func (c *Client) RequestKey(user string) error {
	if _, send := c.keys.expect(user, c.keyTimeout()); !send {
		return nil
	}
	if err := c.send(protocol.KeyRequest{Target: user}); err != nil {
		c.keys.Fail(user, err)
		return err
	}
	return nil
}

// LookupKey returns user's public key, asking the server if it is not cached
func (c *Client) LookupKey(ctx context.Context, user string) (string, error) {
	if key, ok := c.keys.Get(user); ok {
		return key, nil
	}

	timeout := c.keyTimeout()
	w, send := c.keys.join(user, timeout)
	if send {
		if err := c.send(protocol.KeyRequest{Target: user}); err != nil {
			c.keys.Fail(user, err)
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.keys.wait(ctx, user, w)
}

func (c *Client) keyTimeout() time.Duration {
	if c.KeyTimeout <= 0 {
		return DefaultKeyTimeout
	}
	return c.KeyTimeout
}

// SendSecure encrypts text for to and signs it. The plaintext must fit in one
// RSA block; longer messages fail with crypto.ErrMessageTooLong.
func (c *Client) SendSecure(ctx context.Context, to, text string) error {
	encoded, err := c.LookupKey(ctx, to)
	if err != nil {
		return fmt.Errorf("%w to %s: %w", ErrSecureMessage, to, err)
	}
	recipient, err := c.provider.DecodePublicKey(encoded)
	if err != nil {
		return fmt.Errorf("%w to %s: %w", ErrSecureMessage, to, err)
	}

	plaintext := []byte(text)
	if limit := crypto.MaxPlaintextSize(recipient); len(plaintext) > limit {
		return fmt.Errorf("%w to %s: %w (%d > %d bytes)", ErrSecureMessage, to, crypto.ErrMessageTooLong, len(plaintext), limit)
	}

	ciphertext, err := c.provider.Encrypt(plaintext, recipient)
	if err != nil {
		return fmt.Errorf("%w to %s: %w", ErrSecureMessage, to, err)
	}
	signature, err := c.provider.Sign(plaintext, c.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w to %s: %w", ErrSecureMessage, to, err)
	}

	env := protocol.SecureDirect{
		From:       c.Username,
		To:         to,
		Signature:  protocol.EncodeField(signature),
		Ciphertext: protocol.EncodeField(ciphertext),
	}
	if err := c.send(env); err != nil {
		return err
	}
	c.remember(to, true, true, text)
	return nil
}

// remember writes a chat line to the attached history, if any
func (c *Client) remember(peer string, outgoing, secure bool, text string) {
	if c.history == nil {
		return
	}
	entry := storage.HistoryEntry{
		Peer:      peer,
		Outgoing:  outgoing,
		Secure:    secure,
		Text:      text,
		Timestamp: time.Now(),
	}
	if err := c.history.Add(entry); err != nil {
		log.Printf("⚠️  Failed to save message: %v", err)
	}
}
