package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/metrics"
	"github.com/replicon-project/replicon/internal/protocol"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Connection Config
	Handler    MessageHandler

	// OnDisconnect runs once the established connection has closed.
	OnDisconnect func(*Connection)

	EventBus *events.EventBus
	Metrics  *metrics.Metrics

	// Socket replaces the UDP socket opened by Connect.
	Socket Socket
}

// Client holds a single connection to a server.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger

	mu           sync.Mutex
	sock         Socket
	conn         *Connection
	cancel       context.CancelFunc
	readerDone   chan struct{}
	teardownOnce *sync.Once
}

// NewClient creates a client. Call Connect to reach a server.
func NewClient(opts ClientOptions) *Client {
	return &Client{
		opts:   opts,
		logger: log.With().Str("component", "client").Logger(),
	}
}

// Connect opens a socket and performs the connect handshake with the server
// at address:port. It returns ErrConnectionTimeout when no answer arrived
// within timeout and ErrConnectionRefused when the server is full.
func (cl *Client) Connect(ctx context.Context, address string, port int, timeout time.Duration) error {
	cl.mu.Lock()
	if cl.conn != nil && cl.conn.State() < StateDisconnecting {
		cl.mu.Unlock()
		return fmt.Errorf("client already connected")
	}
	cl.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve %s:%d: %w", address, port, err)
	}

	sock := cl.opts.Socket
	if sock == nil {
		if sock, err = ListenUDP(ctx, 0); err != nil {
			return err
		}
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	conn := newConnection(0, sock, raddr, StateConnecting, cl.opts.Connection, connDeps{
		handler:  cl.opts.Handler,
		bus:      cl.opts.EventBus,
		metrics:  cl.opts.Metrics,
		onClosed: cl.closed,
	})

	cl.mu.Lock()
	cl.sock = sock
	cl.conn = conn
	cl.cancel = cancel
	cl.readerDone = make(chan struct{})
	cl.teardownOnce = &sync.Once{}
	readerDone := cl.readerDone
	cl.mu.Unlock()

	go cl.readLoop(readerCtx, sock, raddr, conn, readerDone)
	conn.start()

	cl.logger.Info().Str("server", raddr.String()).Dur("timeout", timeout).Msg("connecting")

	interval := conn.cfg.ResendInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	conn.transfer.SendUnreliable(protocol.ConnectRequest, nil)
	for {
		select {
		case <-conn.established:
			cl.logger.Info().Str("server", raddr.String()).Str("session", conn.sessionID).Msg("connected")
			return nil
		case <-conn.refused:
			<-conn.Done()
			return ErrConnectionRefused
		case <-conn.Done():
			if isClosed(conn.refused) {
				return ErrConnectionRefused
			}
			return fmt.Errorf("connection closed during handshake: %w", ErrClosed)
		case <-ticker.C:
			conn.transfer.SendUnreliable(protocol.ConnectRequest, nil)
		case <-deadline.C:
			conn.shutdown(events.CloseReasonConnectFailed)
			<-conn.Done()
			return ErrConnectionTimeout
		case <-ctx.Done():
			conn.shutdown(events.CloseReasonConnectFailed)
			<-conn.Done()
			return ctx.Err()
		}
	}
}

// Connection returns the current connection, or nil before Connect.
func (cl *Client) Connection() *Connection {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conn
}

// Close disconnects from the server and releases the socket.
func (cl *Client) Close() {
	cl.mu.Lock()
	conn := cl.conn
	cl.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Disconnect()
	cl.teardown()
}

func (cl *Client) closed(c *Connection) {
	select {
	case <-c.established:
		if cl.opts.OnDisconnect != nil {
			cl.opts.OnDisconnect(c)
		}
	default:
	}
	cl.teardown()
}

func (cl *Client) teardown() {
	cl.mu.Lock()
	once, sock, cancel, readerDone := cl.teardownOnce, cl.sock, cl.cancel, cl.readerDone
	cl.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		cancel()
		if err := sock.Close(); err != nil {
			cl.logger.Debug().Err(err).Msg("socket close")
		}
		<-readerDone
	})
}

func (cl *Client) readLoop(ctx context.Context, sock Socket, server *net.UDPAddr, conn *Connection, done chan struct{}) {
	defer close(done)

	serverKey := protocol.UDPAddressKey(server)
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		if err := sock.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil && ctx.Err() != nil {
			return
		}
		n, addr, err := sock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !isTimeout(err) {
				cl.logger.Error().Err(err).Msg("UDP read error")
			}
			continue
		}
		if n == 0 || protocol.UDPAddressKey(addr) != serverKey {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		conn.Receive(data)
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
