package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/entity"
	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/protocol"
	"github.com/replicon-project/replicon/internal/transport"
)

// UserHandler receives application payloads sent with KindUser.
type UserHandler func(c *transport.Connection, body []byte)

// Host is the authoritative side of replication.
type Host struct {
	manager *entity.ServerManager
	server  *transport.Server
	bus     *events.EventBus
	logger  zerolog.Logger
	onUser  UserHandler
	history time.Duration

	// mu serialises ticks with the initial sync of joining peers.
	mu    sync.Mutex
	ticks uint64
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHistory keeps interpolation history for d behind each tick. Older
// records are pruned by Tick. Zero disables pruning.
func WithHistory(d time.Duration) HostOption {
	return func(h *Host) { h.history = d }
}

// NewHost builds a host over manager. The transport options' Handler and
// OnConnect are wrapped; any set by the caller still run.
func NewHost(manager *entity.ServerManager, opts transport.Options, onUser UserHandler, hostOpts ...HostOption) *Host {
	h := &Host{
		manager: manager,
		bus:     opts.EventBus,
		logger:  log.With().Str("component", "host").Logger(),
		onUser:  onUser,
		history: DefaultHistory,
	}
	for _, opt := range hostOpts {
		opt(h)
	}

	userConnect, userHandler := opts.OnConnect, opts.Handler
	opts.OnConnect = func(c *transport.Connection) {
		h.syncConnection(c)
		if userConnect != nil {
			userConnect(c)
		}
	}
	opts.Handler = func(c *transport.Connection, msg transport.Message) {
		h.handle(c, msg)
		if userHandler != nil {
			userHandler(c, msg)
		}
	}
	h.server = transport.NewServer(opts)
	return h
}

// Start opens the server socket.
func (h *Host) Start(ctx context.Context) error {
	return h.server.Start(ctx)
}

// Stop disconnects every peer and closes the socket.
func (h *Host) Stop() {
	h.server.Stop()
}

// Server returns the underlying transport server.
func (h *Host) Server() *transport.Server { return h.server }

// Manager returns the entity manager.
func (h *Host) Manager() *entity.ServerManager { return h.manager }

// Ticks returns the number of completed ticks.
func (h *Host) Ticks() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

// DefaultHistory is the interpolation history a Host keeps without WithHistory.
const DefaultHistory = time.Second

// Tick snapshots the entities, announces despawns and then spawns together
// with the spawned entities' state, sends each connection the other changes
// it may see, clears change tracking and prunes old history.
func (h *Host) Tick(now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.manager.TakeSnapshot(now, 0, 0)
	spawns, despawns := h.manager.TakeLifecycle()

	spawned := make(map[uint16]struct{}, len(spawns))
	for _, s := range spawns {
		spawned[s.ID] = struct{}{}
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	conns := h.connected()
	for _, c := range conns {
		keep(h.sendLifecycle(c, spawns, despawns))
	}
	h.emitLifecycle(spawns, despawns)

	for _, c := range conns {
		visible := groupFilter(c)
		keep(h.sendChanges(c, func(e entity.Entity) bool {
			if _, ok := spawned[e.EntityID()]; ok {
				return false
			}
			return visible(e)
		}))
	}

	h.manager.ClearEntityMessage()
	if h.history > 0 {
		h.manager.ClearOldData(now.Add(-h.history))
	}
	h.ticks++
	return firstErr
}

// SendUser sends an application payload to one connection.
func (h *Host) SendUser(connID uint32, body []byte, reliable bool) error {
	c, ok := h.server.Connection(connID)
	if !ok {
		return fmt.Errorf("connection %d: %w", connID, transport.ErrClosed)
	}
	if !send(c, Wrap(KindUser, body), reliable) {
		return fmt.Errorf("connection %d: send failed", connID)
	}
	return nil
}

// AddToGroup adds a connection to a replication group and sends it the full
// state of the group's entities.
func (h *Host) AddToGroup(connID uint32, group uint8) error {
	c, ok := h.server.Connection(connID)
	if !ok {
		return fmt.Errorf("connection %d: %w", connID, transport.ErrClosed)
	}
	if c.InGroup(group) {
		return nil
	}
	c.AddToGroup(group)

	h.mu.Lock()
	defer h.mu.Unlock()
	msgs, err := h.manager.EntityMessages(func(e entity.Entity) bool { return e.Group() == group }, true, maxBody)
	if err != nil {
		return fmt.Errorf("connection %d group %d: %w", connID, group, err)
	}
	for _, msg := range msgs {
		c.SendReliable(protocol.ReliableData, Wrap(KindEntityState, msg))
	}
	return nil
}

// RemoveFromGroup stops replicating a group's changes to a connection.
func (h *Host) RemoveFromGroup(connID uint32, group uint8) error {
	c, ok := h.server.Connection(connID)
	if !ok {
		return fmt.Errorf("connection %d: %w", connID, transport.ErrClosed)
	}
	c.RemoveFromGroup(group)
	return nil
}

func (h *Host) connected() []*transport.Connection {
	var out []*transport.Connection
	for _, c := range h.server.Connections() {
		if c.State() == transport.StateConnected {
			out = append(out, c)
		}
	}
	return out
}

// syncConnection sends a peer every published entity together with the full
// state it may see. It runs when a peer joins and when a replica asks for a
// resync.
func (h *Host) syncConnection(c *transport.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.sendLifecycle(c, h.manager.Published(), nil); err != nil {
		h.logger.Error().Err(err).Uint32("conn_id", c.ID()).Msg("state sync failed")
		return
	}
	h.logger.Debug().Uint32("conn_id", c.ID()).Int("entities", h.manager.Count()).Msg("peer synchronised")
}

func (h *Host) sendLifecycle(c *transport.Connection, spawns []entity.Spawn, despawns []uint16) error {
	payloads, err := h.lifecyclePayloads(spawns, despawns, groupFilter(c))
	for _, p := range payloads {
		c.SendReliable(protocol.ReliableData, p)
	}
	if err != nil {
		return fmt.Errorf("connection %d: %w", c.ID(), err)
	}
	return nil
}

// lifecyclePayloads returns the despawn payloads followed by the spawn
// payloads. Each spawn payload carries the spawned entities' state accepted
// by filter.
func (h *Host) lifecyclePayloads(spawns []entity.Spawn, despawns []uint16, filter entity.Filter) ([][]byte, error) {
	var out [][]byte
	for _, chunk := range chunkDespawns(despawns, maxBody) {
		out = append(out, Wrap(KindEntityDespawn, entity.EncodeDespawns(chunk)))
	}
	msgs, err := h.manager.SpawnMessages(spawns, filter, maxBody)
	for _, msg := range msgs {
		out = append(out, Wrap(KindEntitySpawn, msg))
	}
	return out, err
}

func (h *Host) sendChanges(c *transport.Connection, filter entity.Filter) error {
	msgs, err := h.manager.EntityMessages(filter, false, maxBody)
	if err != nil {
		return fmt.Errorf("connection %d: %w", c.ID(), err)
	}
	for _, msg := range msgs {
		c.SendReliable(protocol.ReliableData, Wrap(KindEntityState, msg))
	}
	return nil
}

func (h *Host) emitLifecycle(spawns []entity.Spawn, despawns []uint16) {
	for _, s := range spawns {
		h.bus.Emit(context.Background(), events.Event{
			Type:    events.EventEntitySpawned,
			Source:  "replication",
			Payload: events.EntityPayload{EntityID: s.ID, ClassName: s.Class},
		})
	}
	for _, id := range despawns {
		h.bus.Emit(context.Background(), events.Event{
			Type:    events.EventEntityDespawned,
			Source:  "replication",
			Payload: events.EntityPayload{EntityID: id},
		})
	}
}

func (h *Host) handle(c *transport.Connection, msg transport.Message) {
	kind, body, err := Unwrap(msg.Payload)
	if err != nil {
		h.logger.Debug().Err(err).Uint32("conn_id", c.ID()).Msg("dropping payload")
		return
	}
	switch kind {
	case KindUser:
		if h.onUser != nil {
			h.onUser(c, body)
		}
	case KindResync:
		h.logger.Info().Uint32("conn_id", c.ID()).Msg("peer requested resync")
		h.syncConnection(c)
	default:
		h.logger.Warn().Str("kind", kind.String()).Uint32("conn_id", c.ID()).Msg("peer sent server-only payload")
	}
}

// groupFilter admits entities in group 0 and in groups the connection joined.
func groupFilter(c *transport.Connection) entity.Filter {
	return func(e entity.Entity) bool {
		g := e.Group()
		return g == 0 || c.InGroup(g)
	}
}

func send(c *transport.Connection, payload []byte, reliable bool) bool {
	if reliable {
		return c.SendReliable(protocol.ReliableData, payload)
	}
	return c.SendUnreliable(protocol.UnreliableData, payload)
}
