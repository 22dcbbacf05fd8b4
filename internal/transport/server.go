package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/metrics"
	"github.com/replicon-project/replicon/internal/protocol"
)

// readPollInterval bounds each socket read so the reader notices shutdown.
const readPollInterval = 250 * time.Millisecond

// Options configures a Server.
type Options struct {
	Port           int
	MaxConnections int
	Connection     Config

	// ConnectRateLimit caps connect requests per source IP per second.
	// Zero disables the limit.
	ConnectRateLimit int

	Handler      MessageHandler
	OnConnect    func(*Connection)
	OnDisconnect func(*Connection)

	EventBus *events.EventBus
	Metrics  *metrics.Metrics

	// Socket replaces the UDP socket opened by Start.
	Socket Socket
}

// Server accepts peers on one UDP socket and demultiplexes datagrams to their
// connections by source address.
type Server struct {
	opts    Options
	logger  zerolog.Logger
	limiter *connectLimiter

	sock       Socket
	running    atomic.Bool
	cancel     context.CancelFunc
	readerDone chan struct{}

	mu     sync.RWMutex
	conns  map[uint64]*Connection
	byID   map[uint32]*Connection
	nextID uint32
}

// NewServer creates a server. Call Start to open the socket.
func NewServer(opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 32
	}
	s := &Server{
		opts:   opts,
		logger: log.With().Str("component", "server").Logger(),
		conns:  make(map[uint64]*Connection),
		byID:   make(map[uint32]*Connection),
	}
	if opts.ConnectRateLimit > 0 {
		s.limiter = newConnectLimiter(opts.ConnectRateLimit, s.logger)
	}
	return s
}

// Start opens the socket and launches the reader. It returns once the server
// is accepting peers.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	sock := s.opts.Socket
	if sock == nil {
		var err error
		if sock, err = ListenUDP(ctx, s.opts.Port); err != nil {
			return err
		}
	}
	s.sock = sock

	readerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.readerDone = make(chan struct{})
	s.running.Store(true)

	go s.readLoop(readerCtx)

	s.logger.Info().
		Str("addr", sock.LocalAddr().String()).
		Int("max_connections", s.opts.MaxConnections).
		Msg("server listening")
	return nil
}

// Addr returns the bound socket address, or nil before Start.
func (s *Server) Addr() *net.UDPAddr {
	if s.sock == nil {
		return nil
	}
	return s.sock.LocalAddr()
}

// Running reports whether the server is accepting peers.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Stop disconnects every peer, closes the socket and waits for the reader.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	conns := s.Connections()
	for _, c := range conns {
		c.shutdown(events.CloseReasonShutdown)
	}
	for _, c := range conns {
		<-c.Done()
	}

	s.cancel()
	if err := s.sock.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("socket close")
	}
	<-s.readerDone

	s.logger.Info().Int("disconnected", len(conns)).Msg("server stopped")
}

// Connections returns the registered connections ordered by id.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	out := make([]*Connection, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Connection looks up a connection by id.
func (s *Server) Connection(id uint32) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

// Count returns the number of registered connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Disconnect closes the connection with the given id and waits for it.
func (s *Server) Disconnect(id uint32) error {
	c, ok := s.Connection(id)
	if !ok {
		return fmt.Errorf("connection %d: %w", id, ErrClosed)
	}
	c.Disconnect()
	return nil
}

// Broadcast sends payload to every connected peer and returns how many sends
// succeeded.
func (s *Server) Broadcast(t protocol.PacketType, payload []byte, reliable bool) int {
	sent := 0
	for _, c := range s.Connections() {
		if c.State() != StateConnected {
			continue
		}
		var ok bool
		if reliable {
			ok = c.SendReliable(t, payload)
		} else {
			ok = c.SendUnreliable(t, payload)
		}
		if ok {
			sent++
		}
	}
	return sent
}

func (s *Server) readLoop(ctx context.Context) {
	defer close(s.readerDone)

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		if err := s.sock.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil && ctx.Err() != nil {
			return
		}
		n, addr, err := s.sock.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !isTimeout(err) {
				s.logger.Error().Err(err).Msg("UDP read error")
			}
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, addr)
	}
}

func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	key := protocol.UDPAddressKey(addr)

	s.mu.RLock()
	conn := s.conns[key]
	s.mu.RUnlock()
	if conn != nil {
		conn.Receive(data)
		return
	}

	h, err := protocol.ParseHeader(data)
	if err != nil || h.Type != protocol.ConnectRequest {
		s.opts.Metrics.PacketDropped("unknown_peer")
		return
	}
	if s.limiter != nil && !s.limiter.allow(addr.IP) {
		s.opts.Metrics.PacketDropped("rate_limited")
		return
	}

	s.mu.Lock()
	if len(s.byID) >= s.opts.MaxConnections {
		s.mu.Unlock()
		s.refuse(addr)
		return
	}
	s.nextID++
	conn = newConnection(s.nextID, s.sock, addr, StateConnecting, s.opts.Connection, connDeps{
		handler:  s.opts.Handler,
		bus:      s.opts.EventBus,
		metrics:  s.opts.Metrics,
		onClosed: s.unregister,
		accepts:  true,
	})
	s.conns[key] = conn
	s.byID[conn.id] = conn
	s.mu.Unlock()

	conn.start()
	conn.accept(h.Sequence)

	if s.opts.OnConnect != nil {
		s.opts.OnConnect(conn)
	}
}

func (s *Server) refuse(addr *net.UDPAddr) {
	if _, err := s.sock.WriteTo(protocol.Frame(protocol.ConnectRefuse, false, 0, nil), addr); err != nil {
		s.logger.Debug().Err(err).Str("remote", addr.String()).Msg("failed to send refusal")
	}
	s.opts.Metrics.PacketSent(protocol.ConnectRefuse.String())
	s.opts.Metrics.ConnectionRefused()

	s.logger.Warn().
		Str("remote", addr.String()).
		Int("max_connections", s.opts.MaxConnections).
		Msg("server full, refusing peer")

	s.opts.EventBus.Emit(context.Background(), events.Event{
		Type:   events.EventPeerRefused,
		Source: "transport",
		Payload: events.PeerPayload{
			Remote: addr.String(),
			At:     time.Now(),
		},
	})
}

func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	key := protocol.UDPAddressKey(c.remote)
	if s.conns[key] == c {
		delete(s.conns, key)
	}
	delete(s.byID, c.id)
	s.mu.Unlock()

	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(c)
	}
}

// connectSweep is how often expired connect windows are dropped.
const connectSweep = 10 * time.Second

// connectLimiter caps connect requests per source host within one-second
// windows. Datagrams from admitted peers never reach it. IPv4-mapped IPv6
// sources count as their IPv4 host.
type connectLimiter struct {
	mu      sync.Mutex
	perSec  int
	windows map[netip.Addr]*connectWindow
	swept   time.Time
	now     func() time.Time
	logger  zerolog.Logger
}

type connectWindow struct {
	start  time.Time
	count  int
	warned bool
}

func newConnectLimiter(perSec int, logger zerolog.Logger) *connectLimiter {
	return &connectLimiter{
		perSec:  perSec,
		windows: make(map[netip.Addr]*connectWindow),
		now:     time.Now,
		logger:  logger,
	}
}

// allow counts a connect request from ip and reports whether it is within
// the limit. The first rejection of a window is logged.
func (l *connectLimiter) allow(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) >= connectSweep {
		l.swept = now
		for a, w := range l.windows {
			if now.Sub(w.start) >= time.Second {
				delete(l.windows, a)
			}
		}
	}

	w, ok := l.windows[addr]
	if !ok || now.Sub(w.start) >= time.Second {
		w = &connectWindow{start: now}
		l.windows[addr] = w
	}
	w.count++
	if w.count <= l.perSec {
		return true
	}
	if !w.warned {
		w.warned = true
		l.logger.Warn().Str("source", addr.String()).Int("per_sec", l.perSec).Msg("connect requests rate limited")
	}
	return false
}

func (l *connectLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
