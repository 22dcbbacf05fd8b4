package entity

import (
	"fmt"
	"sync"
)

// ClientManager mirrors entities spawned by the server and allows local-only
// entities created with CreateEntityByName.
type ClientManager struct {
	Manager

	idMu   sync.Mutex
	nextID uint16
}

// NewClientManager creates a client manager over registry r.
func NewClientManager(r *Registry, opts ...Option) *ClientManager {
	return &ClientManager{Manager: newManager(r, buildOptions(opts), "entity_client")}
}

// CreateEntityByName creates a local entity with the next counter id.
func (m *ClientManager) CreateEntityByName(class string) (Entity, uint16, error) {
	m.idMu.Lock()
	m.nextID++
	id := m.nextID
	m.idMu.Unlock()

	e, err := m.instantiate(class, id, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := m.insert(e); err != nil {
		return nil, 0, err
	}
	return e, id, nil
}

// SpawnRemote creates the replica of a server entity.
func (m *ClientManager) SpawnRemote(class string, id uint16) (Entity, error) {
	e, err := m.instantiate(class, id, nil)
	if err != nil {
		return nil, err
	}
	if err := m.insert(e); err != nil {
		return nil, err
	}
	return e, nil
}

// DespawnRemote removes a replicated entity.
func (m *ClientManager) DespawnRemote(id uint16) error {
	if _, ok := m.remove(id); !ok {
		return fmt.Errorf("entity %d: %w", id, ErrUnknownEntity)
	}
	return nil
}

// DestroyEntity removes a local or replicated entity.
func (m *ClientManager) DestroyEntity(id uint16) error {
	return m.DespawnRemote(id)
}

// ApplyLifecycle despawns and then spawns replicas, so an id that was freed
// and reused within one batch ends up holding the new entity. A spawn of an id
// already present with the same class is ignored; one with a different class
// replaces it. Despawns of unknown ids are ignored. The first other error is
// returned after the whole batch was applied.
func (m *ClientManager) ApplyLifecycle(spawns []Spawn, despawns []uint16) error {
	for _, id := range despawns {
		_ = m.DespawnRemote(id)
	}

	var firstErr error
	for _, s := range spawns {
		if e, exists := m.Entity(s.ID); exists {
			if e.ClassName() == s.Class {
				continue
			}
			m.remove(s.ID)
		}
		if _, err := m.SpawnRemote(s.Class, s.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
