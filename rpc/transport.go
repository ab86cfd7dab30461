package rpc

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Transport is the datagram endpoint an RPC layer sends and receives
// frames over. Implementations must deliver inbound datagrams to the
// handler registered via RegisterHandler from a single reader; Send
// may be called concurrently from many goroutines and must serialize
// writes itself.
type Transport interface {
	Send(addr net.Addr, data []byte) error
	LocalAddr() net.Addr
	RegisterHandler(handler func(remote net.Addr, data []byte))
	Close() error
}

// UDPTransport is a Transport backed by a single net.PacketConn,
// adapted from the read-loop/handler-dispatch shape of a typical UDP
// transport: one goroutine owns Read, Send takes a write mutex, and
// Close unblocks the read loop by closing the socket.
type UDPTransport struct {
	conn    net.PacketConn
	writeMu chan struct{} // 1-buffered mutex, cheap and avoids sync import churn here
	handler func(remote net.Addr, data []byte)
	maxSize int
	done    chan struct{}
}

// NewUDPTransport binds a UDP socket at bind and starts its receive
// loop. maxSize bounds the buffer used to read inbound datagrams.
func NewUDPTransport(bind string, maxSize int) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", bind)
	if err != nil {
		return nil, err
	}
	t := &UDPTransport{
		conn:    conn,
		writeMu: make(chan struct{}, 1),
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	t.writeMu <- struct{}{}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, t.maxSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
				}).WithError(err).Warn("udp read failed")
				return
			}
		}
		if t.handler == nil {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.handler(addr, frame)
	}
}

// RegisterHandler installs the inbound-frame callback. Must be called
// before any datagrams are expected; not safe to change concurrently
// with reception.
func (t *UDPTransport) RegisterHandler(handler func(remote net.Addr, data []byte)) {
	t.handler = handler
}

// Send writes data to addr, serializing concurrent callers.
func (t *UDPTransport) Send(addr net.Addr, data []byte) error {
	<-t.writeMu
	defer func() { t.writeMu <- struct{}{} }()
	_, err := t.conn.WriteTo(data, addr)
	return err
}

// LocalAddr returns the socket's bound address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Close shuts down the socket and stops the receive loop.
func (t *UDPTransport) Close() error {
	close(t.done)
	return t.conn.Close()
}
