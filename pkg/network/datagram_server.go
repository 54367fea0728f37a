package network

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
	"github.com/ZentaChain/zentalk-chat/pkg/router"
)

// DatagramServer reads one envelope per UDP packet. A username's session is
// the address it last registered from; nothing expires it except a leave.
type DatagramServer struct {
	router  *router.Router
	metrics *metrics.Metrics
	opts    Options

	conn    *net.UDPConn
	packets chan packet
	wg      sync.WaitGroup
}

type packet struct {
	addr *net.UDPAddr
	data string
}

// NewDatagramServer creates a datagram server routing through r
func NewDatagramServer(r *router.Router, m *metrics.Metrics, opts Options) *DatagramServer {
	return &DatagramServer{
		router:  r,
		metrics: m,
		opts:    opts.withDefaults(),
	}
}

// Start binds address and serves in the background
func (s *DatagramServer) Start(address string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.Serve(conn)
	log.Printf("📡 Datagram server listening on %s (%d worker(s))", conn.LocalAddr(), s.opts.DatagramWorkers)
	return nil
}

// Serve reads from conn in the background
func (s *DatagramServer) Serve(conn *net.UDPConn) {
	s.conn = conn

	if s.opts.DatagramWorkers > 1 {
		s.packets = make(chan packet, s.opts.DatagramWorkers*4)
		for i := 0; i < s.opts.DatagramWorkers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
	}

	s.wg.Add(1)
	go s.receiveLoop()
}

// Addr returns the bound address, or nil before Start
func (s *DatagramServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for in-flight packets
func (s *DatagramServer) Stop() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *DatagramServer) receiveLoop() {
	defer s.wg.Done()
	if s.packets != nil {
		defer close(s.packets)
	}

	// One spare byte tells an oversized packet from one that fits exactly
	buf := make([]byte, s.opts.DatagramBufferSize+1)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Datagram read error: %v", err)
			continue
		}
		if n > s.opts.DatagramBufferSize {
			s.metrics.ProtocolError(TransportDatagram)
			log.Printf("⚠️  Dropping oversized datagram from %s", addr)
			continue
		}

		p := packet{addr: addr, data: string(buf[:n])}
		if s.packets != nil {
			s.packets <- p
			continue
		}
		s.handlePacket(p)
	}
}

func (s *DatagramServer) worker() {
	defer s.wg.Done()
	for p := range s.packets {
		s.handlePacket(p)
	}
}

func (s *DatagramServer) handlePacket(p packet) {
	env, err := protocol.DecodeFromClient(p.data)
	if err != nil {
		if !errors.Is(err, protocol.ErrEmpty) {
			s.metrics.ProtocolError(TransportDatagram)
			log.Printf("⚠️  Dropping datagram from %s: %v", p.addr, err)
		}
		return
	}

	if err := s.router.Handle(s.endpoint(p.addr), env); err != nil && errors.Is(err, router.ErrUnattributed) {
		log.Printf("⚠️  Dropping %s from %s: no sender named", env.Kind(), p.addr)
	}
}

func (s *DatagramServer) endpoint(addr *net.UDPAddr) *datagramEndpoint {
	return &datagramEndpoint{server: s, addr: addr}
}

// datagramEndpoint is an (address, port) pair reached through the server socket
type datagramEndpoint struct {
	server *DatagramServer
	addr   *net.UDPAddr
}

// Send writes env as one datagram. Delivery is best effort.
func (e *datagramEndpoint) Send(env protocol.Envelope) error {
	line, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if len(line) > e.server.opts.DatagramBufferSize {
		return fmt.Errorf("%w: %d bytes", protocol.ErrTooLarge, len(line))
	}
	_, err = e.server.conn.WriteToUDP([]byte(line), e.addr)
	return err
}

func (e *datagramEndpoint) Key() string       { return TransportDatagram + "/" + e.addr.String() }
func (e *datagramEndpoint) Transport() string { return TransportDatagram }
func (e *datagramEndpoint) Addr() net.Addr    { return e.addr }
