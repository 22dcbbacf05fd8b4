package entity

import (
	"fmt"
	"sort"
	"sync"
)

// ServerManager is the authoritative entity store. It allocates ids from a
// FIFO free-id queue, tracks changed variables and encodes state messages.
type ServerManager struct {
	Manager

	idMu sync.Mutex
	free []uint16

	pubMu     sync.Mutex
	published map[uint16]struct{}

	dirtyMu sync.Mutex
	dirty   map[uint16]map[uint8]struct{}

	lifeMu   sync.Mutex
	spawns   []Spawn
	despawns []uint16
}

// NewServerManager creates a server manager over registry r.
func NewServerManager(r *Registry, opts ...Option) *ServerManager {
	o := buildOptions(opts)
	m := &ServerManager{
		Manager:   newManager(r, o, "entity_server"),
		published: make(map[uint16]struct{}),
		dirty:     make(map[uint16]map[uint8]struct{}),
	}
	if o.ids != nil {
		m.free = o.ids
	} else {
		m.free = make([]uint16, 0, o.maxEntities)
		for id := 1; id <= o.maxEntities; id++ {
			m.free = append(m.free, uint16(id))
		}
	}
	return m
}

// FreeIDs returns the number of ids left in the pool.
func (m *ServerManager) FreeIDs() int {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return len(m.free)
}

func (m *ServerManager) popID() (uint16, bool) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	if len(m.free) == 0 {
		return 0, false
	}
	id := m.free[0]
	m.free = m.free[1:]
	return id, true
}

func (m *ServerManager) pushID(id uint16) {
	m.idMu.Lock()
	m.free = append(m.free, id)
	m.idMu.Unlock()
}

// CreateEntityByName instantiates class with the next free id. The entity
// stays invisible to peers until PublishEntity.
func (m *ServerManager) CreateEntityByName(class string) (Entity, uint16, error) {
	if _, ok := m.registry.class(class); !ok {
		return nil, 0, fmt.Errorf("%s: %w", class, ErrUnknownClass)
	}
	id, ok := m.popID()
	if !ok {
		return nil, 0, ErrOutOfIds
	}
	e, err := m.instantiate(class, id, m.markDirty)
	if err == nil {
		err = m.insert(e)
	}
	if err != nil {
		m.pushID(id)
		return nil, 0, err
	}
	m.logger.Debug().Str("class", class).Uint16("id", id).Msg("entity created")
	return e, id, nil
}

// PublishEntity makes a created entity visible. Its full state goes out with
// the next entity message.
func (m *ServerManager) PublishEntity(id uint16) error {
	e, ok := m.Entity(id)
	if !ok {
		return fmt.Errorf("entity %d: %w", id, ErrUnknownEntity)
	}

	m.pubMu.Lock()
	_, already := m.published[id]
	m.published[id] = struct{}{}
	m.pubMu.Unlock()
	if already {
		return nil
	}

	if meta, ok := m.registry.class(e.ClassName()); ok {
		for _, vm := range meta.vars {
			m.markDirty(id, vm.id)
		}
	}

	m.lifeMu.Lock()
	m.spawns = append(m.spawns, Spawn{ID: id, Class: e.ClassName()})
	m.lifeMu.Unlock()
	return nil
}

// IsPublished reports whether id has been published.
func (m *ServerManager) IsPublished(id uint16) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	_, ok := m.published[id]
	return ok
}

// DestroyEntity removes an entity, purges its dirty entries and returns its
// id to the back of the free queue.
func (m *ServerManager) DestroyEntity(id uint16) error {
	e, ok := m.remove(id)
	if !ok {
		return fmt.Errorf("entity %d: %w", id, ErrUnknownEntity)
	}

	m.dirtyMu.Lock()
	delete(m.dirty, id)
	m.dirtyMu.Unlock()

	m.pubMu.Lock()
	_, wasPublished := m.published[id]
	delete(m.published, id)
	m.pubMu.Unlock()

	if wasPublished {
		m.lifeMu.Lock()
		pending := false
		for i, s := range m.spawns {
			if s.ID == id {
				m.spawns = append(m.spawns[:i], m.spawns[i+1:]...)
				pending = true
				break
			}
		}
		if !pending {
			m.despawns = append(m.despawns, id)
		}
		m.lifeMu.Unlock()
	}

	m.pushID(id)
	m.logger.Debug().Str("class", e.ClassName()).Uint16("id", id).Msg("entity destroyed")
	return nil
}

func (m *ServerManager) markDirty(id uint16, varID uint8) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	vars, ok := m.dirty[id]
	if !ok {
		vars = make(map[uint8]struct{})
		m.dirty[id] = vars
	}
	vars[varID] = struct{}{}
}

// DirtyCount returns the number of entities with unsent changes.
func (m *ServerManager) DirtyCount() int {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	return len(m.dirty)
}

// Filter selects the entities an entity message includes. Nil selects all.
type Filter func(Entity) bool

func (m *ServerManager) dirtySelection(filter Filter) selection {
	m.dirtyMu.Lock()
	snapshot := make(map[uint16][]uint8, len(m.dirty))
	for id, vars := range m.dirty {
		ids := make([]uint8, 0, len(vars))
		for v := range vars {
			ids = append(ids, v)
		}
		snapshot[id] = ids
	}
	m.dirtyMu.Unlock()

	sel := make(selection, len(snapshot))
	for id, vars := range snapshot {
		if !m.IsPublished(id) {
			continue
		}
		e, ok := m.Entity(id)
		if !ok || (filter != nil && !filter(e)) {
			continue
		}
		sel[id] = vars
	}
	return sel
}

func (m *ServerManager) fullSelection(filter Filter) selection {
	sel := make(selection)
	for _, e := range m.Entities() {
		if !m.IsPublished(e.EntityID()) || (filter != nil && !filter(e)) {
			continue
		}
		if vars := m.allVars(e); vars != nil {
			sel[e.EntityID()] = vars
		}
	}
	return sel
}

func (m *ServerManager) allVars(e Entity) []uint8 {
	meta, ok := m.registry.class(e.ClassName())
	if !ok {
		return nil
	}
	vars := make([]uint8, len(meta.vars))
	for i, vm := range meta.vars {
		vars[i] = vm.id
	}
	return vars
}

// CreateEntityMessage encodes the changed variables of published entities
// accepted by filter. It returns nil when nothing changed.
func (m *ServerManager) CreateEntityMessage(filter Filter) ([]byte, error) {
	msg, err := m.encodeEntityMessage(m.dirtySelection(filter))
	if msg != nil {
		m.metrics.EntityMessage("state", len(msg))
	}
	return msg, err
}

// CreateFullEntityMessage encodes every variable of every published entity
// accepted by filter.
func (m *ServerManager) CreateFullEntityMessage(filter Filter) ([]byte, error) {
	msg, err := m.encodeEntityMessage(m.fullSelection(filter))
	if msg != nil {
		m.metrics.EntityMessage("full", len(msg))
	}
	return msg, err
}

// EntityMessages is CreateEntityMessage (or CreateFullEntityMessage when full
// is set) split into messages of at most limit bytes.
func (m *ServerManager) EntityMessages(filter Filter, full bool, limit int) ([][]byte, error) {
	sel, kind := m.dirtySelection(filter), "state"
	if full {
		sel, kind = m.fullSelection(filter), "full"
	}
	msgs, err := m.encodeSplit(sel, limit)
	for _, msg := range msgs {
		m.metrics.EntityMessage(kind, len(msg))
	}
	return msgs, err
}

// SpawnMessages encodes spawns followed by the full state of the spawned
// entities accepted by filter, split into messages of at most limit bytes.
// Each message announces its entities together with their state, so a peer
// never receives state for an entity it has not spawned yet.
func (m *ServerManager) SpawnMessages(spawns []Spawn, filter Filter, limit int) ([][]byte, error) {
	if len(spawns) == 0 {
		return nil, nil
	}

	sel := make(selection, len(spawns))
	for _, s := range spawns {
		e, ok := m.Entity(s.ID)
		if !ok || (filter != nil && !filter(e)) {
			continue
		}
		if vars := m.allVars(e); vars != nil {
			sel[s.ID] = vars
		}
	}
	state, err := m.encodeEntityMessage(sel)
	if err != nil {
		return nil, err
	}
	msg := append(EncodeSpawns(spawns), state...)
	if limit <= 0 || len(msg) <= limit {
		m.metrics.EntityMessage("spawn", len(msg))
		return [][]byte{msg}, nil
	}
	if len(spawns) == 1 {
		return nil, fmt.Errorf("spawn of entity %d needs %d bytes: %w", spawns[0].ID, len(msg), ErrMessageTooLarge)
	}

	half := len(spawns) / 2
	head, err := m.SpawnMessages(spawns[:half], filter, limit)
	if err != nil {
		return nil, err
	}
	tail, err := m.SpawnMessages(spawns[half:], filter, limit)
	if err != nil {
		return nil, err
	}
	return append(head, tail...), nil
}

// ClearEntityMessage resets change tracking after a flush.
func (m *ServerManager) ClearEntityMessage() {
	m.dirtyMu.Lock()
	clear(m.dirty)
	m.dirtyMu.Unlock()
}

// TakeLifecycle returns and clears the spawns and despawns since the last call.
func (m *ServerManager) TakeLifecycle() ([]Spawn, []uint16) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	spawns, despawns := m.spawns, m.despawns
	m.spawns, m.despawns = nil, nil
	return spawns, despawns
}

// Published returns every published entity in ascending id order.
func (m *ServerManager) Published() []Spawn {
	m.pubMu.Lock()
	ids := make([]uint16, 0, len(m.published))
	for id := range m.published {
		ids = append(ids, id)
	}
	m.pubMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Spawn, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.Entity(id); ok {
			out = append(out, Spawn{ID: id, Class: e.ClassName()})
		}
	}
	return out
}
