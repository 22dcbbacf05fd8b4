package transport

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/metrics"
	"github.com/replicon-project/replicon/internal/protocol"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

var stateStrings = map[State]string{
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateClosed:        "closed",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Config holds the per-connection timing parameters.
type Config struct {
	// ResendInterval is the minimum age of an unacknowledged reliable
	// packet before it is retransmitted.
	ResendInterval time.Duration

	// ConnectionTimeout is how long a reliable packet may stay
	// unacknowledged before the peer is declared unresponsive.
	ConnectionTimeout time.Duration

	// LosingConnectionTimeout is how long the peer may stay silent before
	// the connection is dropped.
	LosingConnectionTimeout time.Duration

	// KeepAliveInterval is the idle time after which a keep-alive is sent.
	KeepAliveInterval time.Duration

	// IntakeQueueSize bounds the raw datagram queue.
	IntakeQueueSize int
}

// DefaultConfig returns the default connection timings.
func DefaultConfig() Config {
	return Config{
		ResendInterval:          100 * time.Millisecond,
		ConnectionTimeout:       10 * time.Second,
		LosingConnectionTimeout: 10 * time.Second,
		KeepAliveInterval:       time.Second,
		IntakeQueueSize:         256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ResendInterval <= 0 {
		c.ResendInterval = def.ResendInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.LosingConnectionTimeout <= 0 {
		c.LosingConnectionTimeout = def.LosingConnectionTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.IntakeQueueSize <= 0 {
		c.IntakeQueueSize = def.IntakeQueueSize
	}
	return c
}

// Message is an application datagram delivered to a MessageHandler.
type Message struct {
	Type     protocol.PacketType
	Reliable bool
	Payload  []byte
}

// MessageHandler receives application datagrams. It runs on the connection's
// dispatch goroutine and must not call Disconnect; use Close instead.
type MessageHandler func(c *Connection, msg Message)

type connDeps struct {
	handler  MessageHandler
	bus      *events.EventBus
	metrics  *metrics.Metrics
	onClosed func(*Connection)
	accepts  bool
}

// Connection is one peer of the reliable transport.
type Connection struct {
	id        uint32
	sessionID string
	remote    *net.UDPAddr
	cfg       Config
	deps      connDeps
	logger    zerolog.Logger

	transfer *ReliableTransfer
	acks     *AckTracker

	state    atomic.Int32
	lastRecv atomic.Int64

	intake    chan []byte
	userQueue chan Message

	groupsMu sync.Mutex
	groups   map[uint8]struct{}

	reasonMu sync.Mutex
	reason   events.CloseReason

	establishOnce sync.Once
	established   chan struct{}
	refuseOnce    sync.Once
	refused       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newConnection(id uint32, sender Sender, remote *net.UDPAddr, initial State, cfg Config, deps connDeps) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		id:          id,
		sessionID:   uuid.NewString(),
		remote:      remote,
		cfg:         cfg,
		deps:        deps,
		transfer:    NewReliableTransfer(sender, remote, nil, deps.metrics),
		acks:        NewAckTracker(),
		intake:      make(chan []byte, cfg.IntakeQueueSize),
		userQueue:   make(chan Message, cfg.IntakeQueueSize),
		groups:      make(map[uint8]struct{}),
		established: make(chan struct{}),
		refused:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.logger = log.With().
		Str("component", "connection").
		Uint32("conn_id", id).
		Str("remote", remote.String()).
		Logger()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state.Store(int32(initial))
	c.touchRecv()
	return c
}

// start launches the background tasks. The connection closes itself when any
// of them fails.
func (c *Connection) start() {
	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.dispatch(gctx) })
	g.Go(func() error { return c.resendLoop(gctx) })
	g.Go(func() error { return c.timeoutLoop(gctx) })
	g.Go(func() error { return c.userLoop(gctx) })

	go func() {
		err := g.Wait()
		c.cancel()
		c.finish(err)
	}()
}

// ID returns the connection id assigned by the server (zero on clients).
func (c *Connection) ID() uint32 { return c.id }

// SessionID returns a unique id for this connection's lifetime.
func (c *Connection) SessionID() string { return c.sessionID }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() *net.UDPAddr { return c.remote }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Ping returns the smoothed round-trip time.
func (c *Connection) Ping() time.Duration { return c.transfer.Ping() }

// PendingReliable returns the number of unacknowledged reliable packets.
func (c *Connection) PendingReliable() int { return c.transfer.PendingCount() }

// LastReceive returns when the peer was last heard from.
func (c *Connection) LastReceive() time.Time { return time.Unix(0, c.lastRecv.Load()) }

// Done is closed once the connection reached StateClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseReason returns why the connection closed, or CloseReasonNone while open.
func (c *Connection) CloseReason() events.CloseReason {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}

// SendReliable sends payload with delivery guaranteed by retransmission.
func (c *Connection) SendReliable(t protocol.PacketType, payload []byte) bool {
	if c.State() >= StateDisconnecting {
		return false
	}
	return c.transfer.SendReliable(t, payload)
}

// SendUnreliable sends payload once.
func (c *Connection) SendUnreliable(t protocol.PacketType, payload []byte) bool {
	if c.State() >= StateDisconnecting {
		return false
	}
	return c.transfer.SendUnreliable(t, payload)
}

// Receive queues a raw datagram for dispatch. It never blocks and reports
// false when the datagram was dropped because the queue is full or the
// connection is closing.
func (c *Connection) Receive(raw []byte) bool {
	if c.State() >= StateDisconnecting {
		return false
	}
	select {
	case c.intake <- raw:
		return true
	default:
		c.deps.metrics.PacketDropped("queue_full")
		return false
	}
}

// Poll pops one raw datagram from the intake queue. With wait it blocks until
// a datagram arrives or ctx is done.
func (c *Connection) Poll(ctx context.Context, wait bool) ([]byte, bool) {
	if !wait {
		select {
		case raw := <-c.intake:
			return raw, true
		default:
			return nil, false
		}
	}
	select {
	case raw := <-c.intake:
		return raw, true
	case <-ctx.Done():
		return nil, false
	}
}

// AddToGroup adds the connection to a replication group.
func (c *Connection) AddToGroup(group uint8) {
	c.groupsMu.Lock()
	c.groups[group] = struct{}{}
	c.groupsMu.Unlock()
}

// RemoveFromGroup removes the connection from a replication group.
func (c *Connection) RemoveFromGroup(group uint8) {
	c.groupsMu.Lock()
	delete(c.groups, group)
	c.groupsMu.Unlock()
}

// InGroup reports whether the connection belongs to group.
func (c *Connection) InGroup(group uint8) bool {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	_, ok := c.groups[group]
	return ok
}

// Groups returns the connection's groups in ascending order.
func (c *Connection) Groups() []uint8 {
	c.groupsMu.Lock()
	out := make([]uint8, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	c.groupsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close starts a local disconnect without waiting for it to finish.
func (c *Connection) Close() {
	c.shutdown(events.CloseReasonLocal)
}

// Disconnect closes the connection, notifying the peer, and waits until
// every background task has stopped.
func (c *Connection) Disconnect() {
	c.shutdown(events.CloseReasonLocal)
	<-c.done
}

func (c *Connection) setReason(reason events.CloseReason) bool {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason != events.CloseReasonNone {
		return false
	}
	c.reason = reason
	return true
}

func (c *Connection) shutdown(reason events.CloseReason) {
	if !c.setReason(reason) {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	switch reason {
	case events.CloseReasonLocal, events.CloseReasonShutdown:
		c.transfer.SendUnreliable(protocol.Disconnect, nil)
	}
	c.cancel()
}

func (c *Connection) finish(err error) {
	switch {
	case errors.Is(err, ErrPeerUnresponsive):
		if c.setReason(events.CloseReasonUnresponsive) {
			c.transfer.SendUnreliable(protocol.Disconnect, nil)
		}
	case errors.Is(err, errPeerTimedOut):
		c.setReason(events.CloseReasonTimeout)
	case errors.Is(err, errRemoteClosed):
		c.setReason(events.CloseReasonRemote)
	case errors.Is(err, ErrConnectionRefused):
		c.setReason(events.CloseReasonConnectFailed)
	}
	c.setReason(events.CloseReasonLocal)
	c.state.Store(int32(StateDisconnecting))

	c.transfer.Release()
	c.drainQueues()
	c.groupsMu.Lock()
	clear(c.groups)
	c.groupsMu.Unlock()

	c.state.Store(int32(StateClosed))
	reason := c.CloseReason()
	select {
	case <-c.established:
		c.deps.metrics.ConnectionClosed()
	default:
	}

	c.logger.Info().
		Str("reason", reason.String()).
		Str("session", c.sessionID).
		Msg("connection closed")

	eventType := events.EventPeerDisconnected
	switch reason {
	case events.CloseReasonUnresponsive:
		eventType = events.EventPeerUnresponsive
	case events.CloseReasonTimeout:
		eventType = events.EventPeerTimedOut
	}
	c.deps.bus.Emit(context.Background(), events.Event{
		Type:    eventType,
		Source:  "transport",
		Payload: c.payload(reason),
	})

	close(c.done)
	if c.deps.onClosed != nil {
		c.deps.onClosed(c)
	}
}

func (c *Connection) drainQueues() {
	for {
		select {
		case <-c.intake:
		case <-c.userQueue:
		default:
			return
		}
	}
}

func (c *Connection) payload(reason events.CloseReason) events.PeerPayload {
	return events.PeerPayload{
		ConnID:    c.id,
		SessionID: c.sessionID,
		Remote:    c.remote.String(),
		Ping:      c.Ping(),
		Reason:    reason,
		At:        time.Now(),
	}
}

// markEstablished moves a connecting connection to connected. It reports
// whether this call made the transition.
func (c *Connection) markEstablished() bool {
	made := false
	c.establishOnce.Do(func() {
		if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
			return
		}
		made = true
		close(c.established)
		c.deps.metrics.ConnectionOpened()
		c.logger.Info().Str("session", c.sessionID).Msg("connection established")
		c.deps.bus.Emit(context.Background(), events.Event{
			Type:    events.EventPeerConnected,
			Source:  "transport",
			Payload: c.payload(events.CloseReasonNone),
		})
	})
	return made
}

// accept answers the connect request that created this connection.
func (c *Connection) accept(seq uint16) {
	c.acks.Observe(seq)
	c.transfer.SendUnreliable(protocol.ConnectAccept, nil)
	c.markEstablished()
}

func (c *Connection) touchRecv() {
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *Connection) dispatch(ctx context.Context) error {
	for {
		raw, ok := c.Poll(ctx, true)
		if !ok {
			return nil
		}
		if err := c.process(ctx, raw); err != nil {
			return err
		}
	}
}

func (c *Connection) process(ctx context.Context, raw []byte) error {
	h, err := protocol.ParseHeader(raw)
	if err != nil {
		c.deps.metrics.PacketDropped("malformed")
		c.logger.Debug().Err(err).Int("size", len(raw)).Msg("dropping malformed datagram")
		return nil
	}
	if h.Type == protocol.TypeUnknown {
		c.deps.metrics.PacketDropped("unknown_type")
		return nil
	}

	c.touchRecv()
	c.deps.metrics.PacketReceived(h.Type.String())
	payload := protocol.Payload(raw)

	if h.Type == protocol.Ack {
		seq, err := protocol.ParseAckPayload(payload)
		if err != nil {
			c.deps.metrics.PacketDropped("malformed")
			return nil
		}
		found, resent, since := c.transfer.AcknowledgeSequence(seq)
		// Samples from retransmitted packets are ambiguous and discarded.
		if found && !resent {
			c.transfer.AddPingSample(since)
		}
		return nil
	}

	if h.Reliable {
		c.transfer.SendAck(h.Sequence)
	}
	if c.acks.Observe(h.Sequence) {
		c.deps.metrics.PacketDropped("duplicate")
		return nil
	}

	switch h.Type {
	case protocol.ConnectRequest:
		if c.deps.accepts {
			c.transfer.SendUnreliable(protocol.ConnectAccept, nil)
		}
	case protocol.ConnectAccept:
		c.markEstablished()
	case protocol.ConnectRefuse:
		if c.State() == StateConnecting {
			c.refuseOnce.Do(func() { close(c.refused) })
			return ErrConnectionRefused
		}
	case protocol.Disconnect:
		c.state.Store(int32(StateDisconnecting))
		return errRemoteClosed
	case protocol.KeepAlive:
	case protocol.ReliableData, protocol.UnreliableData:
		msg := Message{Type: h.Type, Reliable: h.Reliable, Payload: payload}
		select {
		case c.userQueue <- msg:
		case <-ctx.Done():
		}
	}
	return nil
}

func (c *Connection) resendLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			resent, unresponsive := c.transfer.ResendExpired(c.cfg.ResendInterval, c.cfg.ConnectionTimeout)
			if resent > 0 {
				c.logger.Trace().Int("resent", resent).Msg("retransmitted reliable packets")
			}
			if unresponsive {
				c.logger.Warn().Dur("timeout", c.cfg.ConnectionTimeout).Msg("peer stopped acknowledging")
				return ErrPeerUnresponsive
			}
		}
	}
}

func (c *Connection) timeoutLoop(ctx context.Context) error {
	interval := c.cfg.KeepAliveInterval / 2
	if interval > c.cfg.ResendInterval {
		interval = c.cfg.ResendInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(c.LastReceive()) > c.cfg.LosingConnectionTimeout {
				c.logger.Warn().Dur("silence", c.cfg.LosingConnectionTimeout).Msg("peer went silent")
				return errPeerTimedOut
			}
			if c.State() == StateConnected && c.transfer.TimeSinceLastSend() >= c.cfg.KeepAliveInterval {
				c.transfer.SendUnreliable(protocol.KeepAlive, nil)
			}
		}
	}
}

func (c *Connection) userLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.userQueue:
			if c.deps.handler != nil {
				c.deps.handler(c, msg)
			}
		}
	}
}
