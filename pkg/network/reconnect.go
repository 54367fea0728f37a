package network

import (
	"log"
	"time"
)

// receiveLoopWithReconnect wraps receiveLoop with automatic reconnection for
// stream clients. Registration is repeated on every new connection.
func (c *Client) receiveLoopWithReconnect() {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	defer close(done)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		c.receiveLoop(conn)

		// Key requests in flight went out on the dropped connection
		c.keys.FailPending(ErrConnectionLost)

		// If explicitly disconnected, don't reconnect
		if !c.IsConnected() {
			return
		}
		if !c.AutoReconnect || c.transport != TransportStream {
			log.Println("Connection to server lost")
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			conn.Close()
			return
		}

		for {
			log.Printf("🔄 Connection lost, reconnecting in %v...", backoff)
			time.Sleep(backoff)
			if !c.IsConnected() {
				return
			}

			if err := c.reconnect(); err != nil {
				log.Printf("❌ Reconnection failed: %v", err)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			log.Println("✅ Reconnected successfully")
			backoff = time.Second
			break
		}
	}
}

// reconnect replaces the dropped connection and registers again
func (c *Client) reconnect() error {
	c.mu.RLock()
	old := c.conn
	c.mu.RUnlock()
	if old != nil {
		old.Close()
	}
	return c.dial()
}
