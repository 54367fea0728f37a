package network

import (
	"errors"
	"time"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

var (
	ErrQueueFull            = errors.New("outbound queue full")
	ErrSessionClosed        = errors.New("session closed")
	ErrNotConnected         = errors.New("not connected")
	ErrConnectionLost       = errors.New("connection lost")
	ErrRegistrationRequired = errors.New("first message must be a registration")
	ErrSecureMessage        = errors.New("secure message")
)

// Transport names
const (
	TransportStream   = "tcp"
	TransportDatagram = "udp"
)

// Options tune the transport adapters
type Options struct {
	// SendQueueSize is the per-session outbound queue length on the stream transport
	SendQueueSize int
	// MaxLineSize bounds one stream line, terminator included
	MaxLineSize int
	// RegistrationTimeout bounds the wait for a connection's first line
	RegistrationTimeout time.Duration
	// WriteTimeout bounds a single socket write
	WriteTimeout time.Duration
	// DatagramBufferSize is the largest datagram accepted or sent
	DatagramBufferSize int
	// DatagramWorkers > 1 routes datagrams on a worker pool
	DatagramWorkers int
}

// DefaultOptions returns the options used when a field is left zero
func DefaultOptions() Options {
	return Options{
		SendQueueSize:       256,
		MaxLineSize:         64 * 1024,
		RegistrationTimeout: 30 * time.Second,
		WriteTimeout:        10 * time.Second,
		DatagramBufferSize:  protocol.DefaultDatagramSize,
		DatagramWorkers:     1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	if o.MaxLineSize <= 0 {
		o.MaxLineSize = d.MaxLineSize
	}
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = d.RegistrationTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.DatagramBufferSize <= 0 {
		o.DatagramBufferSize = d.DatagramBufferSize
	}
	if o.DatagramWorkers <= 0 {
		o.DatagramWorkers = d.DatagramWorkers
	}
	return o
}
