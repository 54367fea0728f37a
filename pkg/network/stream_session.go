package network

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

// streamSession is the registry endpoint for one stream connection. Only its
// own writer goroutine touches the socket for writing.
type streamSession struct {
	conn         net.Conn
	key          string
	writeTimeout time.Duration

	queue     chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamSession(conn net.Conn, opts Options) *streamSession {
	s := &streamSession{
		conn:         conn,
		key:          TransportStream + "/" + conn.RemoteAddr().String(),
		writeTimeout: opts.WriteTimeout,
		queue:        make(chan string, opts.SendQueueSize),
		done:         make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Send encodes env and queues it. It never waits for the peer.
func (s *streamSession) Send(env protocol.Envelope) error {
	line, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.queue <- line:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *streamSession) Key() string       { return s.key }
func (s *streamSession) Transport() string { return TransportStream }
func (s *streamSession) Addr() net.Addr    { return s.conn.RemoteAddr() }

func (s *streamSession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case line := <-s.queue:
			if err := s.write(line); err != nil {
				log.Printf("⚠️  Write to %s failed: %v", s.key, err)
				s.Close()
				return
			}
		}
	}
}

// write sends one line straight to the socket. Outside of writeLoop it is
// only used before the session is registered.
func (s *streamSession) write(line string) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_, err := io.WriteString(s.conn, line+"\n")
	return err
}

// Close stops the writer and closes the connection. Queued lines are dropped.
func (s *streamSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
