package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sender is the write side of a datagram socket.
type Sender interface {
	WriteTo(b []byte, addr *net.UDPAddr) (int, error)
}

// Socket is the datagram socket boundary used by Server and Client.
type Socket interface {
	Sender

	// ReadFrom blocks until a datagram arrives, the read deadline passes or
	// the socket is closed.
	ReadFrom(b []byte) (int, *net.UDPAddr, error)

	// SetReadDeadline bounds the next ReadFrom; the zero time waits forever.
	SetReadDeadline(t time.Time) error

	LocalAddr() *net.UDPAddr
	Close() error
}

type udpSocket struct {
	conn *net.UDPConn
}

// ListenUDP opens an IPv4 datagram socket on port (0 picks a free port).
func ListenUDP(ctx context.Context, port int) (Socket, error) {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket on port %d: %w", port, err)
	}
	return &udpSocket{conn: pc.(*net.UDPConn)}, nil
}

func (s *udpSocket) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(b, addr)
}

func (s *udpSocket) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	return s.conn.ReadFromUDP(b)
}

func (s *udpSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *udpSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
