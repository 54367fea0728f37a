package network

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/ZentaChain/zentalk-chat/pkg/protocol"
)

// lineConn carries whole lines to and from the server
type lineConn interface {
	WriteLine(line string) error
	ReadLine() (string, error)
	Close() error
	LocalAddr() net.Addr
}

func dialLine(network, address string, maxLine int) (lineConn, error) {
	switch network {
	case TransportStream:
		conn, err := net.Dial("tcp", address)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 4096), maxLine)
		return &streamConn{conn: conn, scanner: scanner}, nil

	case TransportDatagram:
		raddr, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return nil, err
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, err
		}
		return &datagramConn{conn: conn, buf: make([]byte, protocol.ClientDatagramSize)}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", network)
}

type streamConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	wmu     sync.Mutex
}

func (c *streamConn) WriteLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

func (c *streamConn) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", net.ErrClosed
	}
	return c.scanner.Text(), nil
}

func (c *streamConn) Close() error        { return c.conn.Close() }
func (c *streamConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

type datagramConn struct {
	conn *net.UDPConn
	buf  []byte
}

func (c *datagramConn) WriteLine(line string) error {
	if len(line) > protocol.DefaultDatagramSize {
		return fmt.Errorf("%w: %d bytes", protocol.ErrTooLarge, len(line))
	}
	_, err := c.conn.Write([]byte(line))
	return err
}

func (c *datagramConn) ReadLine() (string, error) {
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(c.buf[:n]), "\r\n"), nil
}

func (c *datagramConn) Close() error        { return c.conn.Close() }
func (c *datagramConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }
