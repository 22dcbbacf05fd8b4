package replication

import (
	"context"
	"errors"
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

// ReplicaOptions configures a Replica.
type ReplicaOptions struct {
	Client transport.ClientOptions

	// Interpolation delays rendering so values can be blended between updates.
	Interpolation time.Duration

	// Extrapolation bounds how far past the newest update values are projected.
	Extrapolation time.Duration

	// History is how much interpolation history is kept behind the render time.
	History time.Duration

	// ResyncInterval is the least time between two resync requests.
	ResyncInterval time.Duration

	OnUser func(body []byte)
}

// Replica is the client side of replication.
type Replica struct {
	manager *entity.ClientManager
	client  *transport.Client
	bus     *events.EventBus
	opts    ReplicaOptions
	logger  zerolog.Logger

	resyncMu sync.Mutex
	resyncAt time.Time
}

// NewReplica builds a replica that mirrors server entities into manager.
func NewReplica(manager *entity.ClientManager, opts ReplicaOptions) *Replica {
	if opts.History <= 0 {
		opts.History = time.Second
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 250 * time.Millisecond
	}
	r := &Replica{
		manager: manager,
		bus:     opts.Client.EventBus,
		opts:    opts,
		logger:  log.With().Str("component", "replica").Logger(),
	}

	userHandler := opts.Client.Handler
	clientOpts := opts.Client
	clientOpts.Handler = func(c *transport.Connection, msg transport.Message) {
		if err := r.Apply(msg.Payload); err != nil {
			r.logger.Warn().Err(err).Msg("failed to apply payload")
		}
		if userHandler != nil {
			userHandler(c, msg)
		}
	}
	r.client = transport.NewClient(clientOpts)
	return r
}

// Connect performs the transport handshake with the host.
func (r *Replica) Connect(ctx context.Context, address string, port int, timeout time.Duration) error {
	return r.client.Connect(ctx, address, port, timeout)
}

// Close disconnects from the host.
func (r *Replica) Close() {
	r.client.Close()
}

// Client returns the underlying transport client.
func (r *Replica) Client() *transport.Client { return r.client }

// Manager returns the entity manager.
func (r *Replica) Manager() *entity.ClientManager { return r.manager }

// Send sends an application payload to the host.
func (r *Replica) Send(body []byte, reliable bool) error {
	c := r.client.Connection()
	if c == nil {
		return transport.ErrClosed
	}
	if !send(c, Wrap(KindUser, body), reliable) {
		return fmt.Errorf("send failed: %w", transport.ErrClosed)
	}
	return nil
}

// Apply handles one replication payload.
func (r *Replica) Apply(payload []byte) error {
	kind, body, err := Unwrap(payload)
	if err != nil {
		return err
	}

	switch kind {
	case KindEntitySpawn:
		spawns, state, err := entity.SplitSpawns(body)
		if err != nil {
			return err
		}
		if err := r.manager.ApplyLifecycle(spawns, nil); err != nil {
			return err
		}
		for _, s := range spawns {
			r.bus.Emit(context.Background(), events.Event{
				Type:    events.EventEntitySpawned,
				Source:  "replica",
				Payload: events.EntityPayload{EntityID: s.ID, ClassName: s.Class},
			})
		}
		if len(state) > 0 {
			return r.applyState(state)
		}

	case KindEntityDespawn:
		ids, err := entity.ParseDespawns(body)
		if err != nil {
			return err
		}
		_ = r.manager.ApplyLifecycle(nil, ids)
		for _, id := range ids {
			r.bus.Emit(context.Background(), events.Event{
				Type:    events.EventEntityDespawned,
				Source:  "replica",
				Payload: events.EntityPayload{EntityID: id},
			})
		}

	case KindEntityState:
		return r.applyState(body)

	case KindUser:
		if r.opts.OnUser != nil {
			r.opts.OnUser(body)
		}
	}
	return nil
}

func (r *Replica) applyState(body []byte) error {
	res, err := r.manager.ParseEntityMessage(body)
	if errors.Is(err, entity.ErrUnknownEntity) {
		r.logger.Warn().Err(err).Int("applied", res.Values).Msg("entity state out of sync")
		r.requestResync()
	}
	return err
}

// requestResync asks the host for every entity again, at most once per
// ResyncInterval.
func (r *Replica) requestResync() {
	c := r.client.Connection()
	if c == nil {
		return
	}
	now := time.Now()
	r.resyncMu.Lock()
	if now.Sub(r.resyncAt) < r.opts.ResyncInterval {
		r.resyncMu.Unlock()
		return
	}
	r.resyncAt = now
	r.resyncMu.Unlock()
	c.SendReliable(protocol.ReliableData, Wrap(KindResync, nil))
}

// Render snapshots every variable for the render time now and prunes history
// that can no longer be used.
func (r *Replica) Render(now time.Time) {
	r.manager.TakeSnapshot(now, r.opts.Interpolation, r.opts.Extrapolation)
	r.manager.ClearOldData(now.Add(-r.opts.Interpolation - r.opts.History))
}
