package entity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/metrics"
)

// Option configures a manager.
type Option func(*options)

type options struct {
	metrics     *metrics.Metrics
	clock       func() time.Time
	ids         []uint16
	maxEntities int
}

// WithMetrics records encoded message sizes and skipped blocks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the time source used to stamp decoded values.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDs sets the initial free-id queue of a ServerManager, in order.
func WithIDs(ids ...uint16) Option {
	return func(o *options) { o.ids = append([]uint16(nil), ids...) }
}

// WithMaxEntities fills the free-id queue of a ServerManager with 1..n.
func WithMaxEntities(n int) Option {
	return func(o *options) { o.maxEntities = n }
}

// DefaultMaxEntities is the id pool size of a ServerManager without WithIDs.
const DefaultMaxEntities = 4096

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, maxEntities: DefaultMaxEntities}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntities > 0xFFFF {
		o.maxEntities = 0xFFFF
	}
	return o
}

// Store is implemented by ServerManager and ClientManager.
type Store interface {
	core() *Manager
}

// Manager holds the entities shared by server and client managers and
// applies incoming entity messages.
type Manager struct {
	registry *Registry
	metrics  *metrics.Metrics
	clock    func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	entities map[uint16]Entity
}

func newManager(r *Registry, o options, component string) Manager {
	return Manager{
		registry: r,
		metrics:  o.metrics,
		clock:    o.clock,
		logger:   log.With().Str("component", component).Logger(),
		entities: make(map[uint16]Entity),
	}
}

func (m *Manager) core() *Manager { return m }

// Registry returns the class registry the manager was built with.
func (m *Manager) Registry() *Registry { return m.registry }

// Entity returns the entity with the given id.
func (m *Manager) Entity(id uint16) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	return e, ok
}

// Entities returns every entity in ascending id order.
func (m *Manager) Entities() []Entity {
	m.mu.RLock()
	out := make([]Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Count returns the number of entities.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Variable returns the named variable of an entity.
func (m *Manager) Variable(id uint16, name string) (Variable, error) {
	e, ok := m.Entity(id)
	if !ok {
		return nil, fmt.Errorf("entity %d: %w", id, ErrUnknownEntity)
	}
	meta, ok := m.registry.class(e.ClassName())
	if !ok {
		return nil, fmt.Errorf("%s: %w", e.ClassName(), ErrUnknownClass)
	}
	vm, ok := meta.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", e.ClassName(), name, ErrUnknownVariable)
	}
	return vm.get(e), nil
}

// SetVariable sets a variable by entity id and name. The variable must hold
// values of type T.
func SetVariable[T Scalar](s Store, id uint16, name string, value T) error {
	v, err := s.core().Variable(id, name)
	if err != nil {
		return err
	}
	setter, ok := v.(interface{ Set(T) })
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrTypeMismatch)
	}
	setter.Set(value)
	return nil
}

// TakeSnapshot captures every variable for the instant now.
func (m *Manager) TakeSnapshot(now time.Time, interpolation, extrapolation time.Duration) {
	m.eachVariable(func(v Variable) { v.TakeSnapshot(now, interpolation, extrapolation) })
}

// ClearOldData prunes interpolation history older than min.
func (m *Manager) ClearOldData(min time.Time) {
	m.eachVariable(func(v Variable) { v.ClearOldData(min) })
}

func (m *Manager) eachVariable(fn func(Variable)) {
	for _, e := range m.Entities() {
		meta, ok := m.registry.class(e.ClassName())
		if !ok {
			continue
		}
		for _, vm := range meta.vars {
			fn(vm.get(e))
		}
	}
}

// instantiate creates an entity of class with the given id and binds each
// variable's change hook. It does not register the entity.
func (m *Manager) instantiate(class string, id uint16, hook func(id uint16, varID uint8)) (Entity, error) {
	meta, ok := m.registry.class(class)
	if !ok {
		return nil, fmt.Errorf("%s: %w", class, ErrUnknownClass)
	}
	e := meta.factory()
	b := e.entityBase()
	b.id = id
	b.class = class
	if hook != nil {
		for _, vm := range meta.vars {
			varID := vm.id
			vm.get(e).bind(func() { hook(id, varID) })
		}
	}
	return e, nil
}

func (m *Manager) insert(e Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[e.EntityID()]; exists {
		return fmt.Errorf("entity %d: %w", e.EntityID(), ErrDuplicateEntity)
	}
	m.entities[e.EntityID()] = e
	return nil
}

func (m *Manager) remove(id uint16) (Entity, bool) {
	m.mu.Lock()
	e, ok := m.entities[id]
	if ok {
		delete(m.entities, id)
	}
	m.mu.Unlock()

	if ok {
		if meta, found := m.registry.class(e.ClassName()); found {
			for _, vm := range meta.vars {
				vm.get(e).bind(nil)
			}
		}
	}
	return e, ok
}
