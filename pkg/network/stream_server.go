package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/router"
)

// StreamServer accepts newline-delimited envelopes over TCP, one goroutine per connection
type StreamServer struct {
	router  *router.Router
	metrics *metrics.Metrics
	opts    Options

	listener net.Listener
	mu       sync.Mutex
	sessions map[*streamSession]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewStreamServer creates a stream server routing through r
func NewStreamServer(r *router.Router, m *metrics.Metrics, opts Options) *StreamServer {
	return &StreamServer{
		router:   r,
		metrics:  m,
		opts:     opts.withDefaults(),
		sessions: make(map[*streamSession]struct{}),
	}
}

// Start listens on address and serves in the background
func (s *StreamServer) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.Serve(listener)
	log.Printf("💬 Stream server listening on %s", listener.Addr())
	return nil
}

// Serve accepts connections from listener in the background
func (s *StreamServer) Serve(listener net.Listener) {
	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
}

// Addr returns the listening address, or nil before Start
func (s *StreamServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to finish their departures
func (s *StreamServer) Stop() error {
	s.mu.Lock()
	s.closing = true
	open := make([]*streamSession, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, sess := range open {
		sess.Close()
	}
	s.wg.Wait()
	return err
}

func (s *StreamServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("Accept error: %v", err)
			}
			return
		}

		sess := newStreamSession(conn, s.opts)
		if !s.track(sess) {
			sess.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConnection(sess)
	}
}

func (s *StreamServer) track(sess *streamSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *StreamServer) untrack(sess *streamSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// handleConnection runs one connection from registration to close
func (s *StreamServer) handleConnection(sess *streamSession) {
	defer s.wg.Done()
	defer s.untrack(sess)
	defer sess.Close()

	lines := newLineReader(sess.conn, s.opts.MaxLineSize)

	username, err := s.awaitRegistration(sess, lines)
	if err != nil {
		log.Printf("❌ Closing %s: %v", sess.Addr(), err)
		return
	}

	// Runs before sess.Close: remove, notify, then close.
	defer s.router.Depart(username, sess)

	for {
		line, err := lines.next()
		if errors.Is(err, protocol.ErrTooLarge) {
			s.metrics.ProtocolError(TransportStream)
			log.Printf("⚠️  Dropping line from %s: longer than %d bytes", username, s.opts.MaxLineSize)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("Read from %s ended: %v", username, err)
			}
			return
		}

		env, err := protocol.DecodeFromClient(line)
		if err != nil {
			if !errors.Is(err, protocol.ErrEmpty) {
				s.metrics.ProtocolError(TransportStream)
				log.Printf("⚠️  Dropping line from %s: %v", username, err)
			}
			continue
		}

		switch env.(type) {
		case protocol.Leave:
			return
		case protocol.Registration:
			log.Printf("⚠️  %s sent a second registration, ignored", username)
			continue
		}

		s.router.Handle(sess, bindSender(env, username))
	}
}

// awaitRegistration reads the first line, which must register a username
// within the registration timeout
func (s *StreamServer) awaitRegistration(sess *streamSession, lines *lineReader) (string, error) {
	sess.conn.SetReadDeadline(time.Now().Add(s.opts.RegistrationTimeout))

	line, err := lines.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: connection closed", ErrRegistrationRequired)
		}
		if errors.Is(err, protocol.ErrTooLarge) {
			s.metrics.ProtocolError(TransportStream)
			return "", fmt.Errorf("%w: %w", ErrRegistrationRequired, err)
		}
		return "", err
	}

	env, err := protocol.DecodeFromClient(line)
	if err != nil {
		s.metrics.ProtocolError(TransportStream)
		return "", fmt.Errorf("%w: %v", ErrRegistrationRequired, err)
	}
	reg, ok := env.(protocol.Registration)
	if !ok {
		return "", fmt.Errorf("%w: got %s", ErrRegistrationRequired, env.Kind())
	}

	if err := s.router.Handle(sess, reg); err != nil {
		if line, encErr := protocol.Encode(protocol.ErrorReply{Op: protocol.TagRegister, Target: reg.Username}); encErr == nil {
			sess.write(line)
		}
		return "", err
	}

	sess.conn.SetReadDeadline(time.Time{})
	return reg.Username, nil
}

// lineReader reads newline-terminated lines of at most max bytes, terminator
// included. A longer line is consumed through its terminator and reported as
// protocol.ErrTooLarge, leaving the reader at the start of the next line.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(rd io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(rd, max)}
}

func (l *lineReader) next() (string, error) {
	line, err := l.r.ReadSlice('\n')
	switch {
	case err == nil:
		return string(line), nil
	case errors.Is(err, bufio.ErrBufferFull):
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = l.r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", protocol.ErrTooLarge
	case errors.Is(err, io.EOF) && len(line) > 0:
		// Last line without a terminator
		return string(line), nil
	}
	return "", err
}

// bindSender replaces the self-asserted sender with the connection's username
func bindSender(env protocol.Envelope, username string) protocol.Envelope {
	switch e := env.(type) {
	case protocol.Broadcast:
		e.From = username
		return e
	case protocol.Direct:
		e.From = username
		return e
	case protocol.SecureDirect:
		e.From = username
		e.SenderKey = ""
		return e
	}
	return env
}
