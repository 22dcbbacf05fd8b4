// Package entity implements replicated game objects: the class registry,
// typed variables with change tracking and interpolation, and the server and
// client managers that encode and apply the binary entity diff protocol.
package entity

import (
	"fmt"
	"sort"
	"sync"
)

// Entity is implemented by user structs that embed Base.
type Entity interface {
	EntityID() uint16
	ClassName() string
	Group() uint8
	entityBase() *Base
}

// Base carries the identity every replicated entity shares. Embed it in
// user entity structs.
type Base struct {
	mu    sync.Mutex
	id    uint16
	class string
	group uint8
}

// EntityID returns the id assigned by the owning manager.
func (b *Base) EntityID() uint16 { return b.id }

// ClassName returns the registered class name.
func (b *Base) ClassName() string { return b.class }

// Group returns the replication group. Group 0 is visible to everyone.
func (b *Base) Group() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.group
}

// SetGroup restricts replication to connections in group g (0 for everyone).
func (b *Base) SetGroup(g uint8) {
	b.mu.Lock()
	b.group = g
	b.mu.Unlock()
}

func (b *Base) entityBase() *Base { return b }

// maxVariables is the number of variable ids a class can hold.
const maxVariables = 255

type varMeta struct {
	id   uint8
	name string
	size int
	get  func(Entity) Variable
}

type classMeta struct {
	name    string
	factory func() Entity
	vars    []*varMeta
	byName  map[string]*varMeta
}

// ClassInfo describes a registered class.
type ClassInfo struct {
	Name      string
	Variables []VariableInfo
}

// VariableInfo describes a registered variable.
type VariableInfo struct {
	ID   uint8
	Name string
	Size int
}

// Registry maps class names to factories and their replicated variables.
// Both peers must build identical registries.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*classMeta
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]*classMeta)}
}

// Link registers the struct type T under class. PT is inferred as *T, which
// must implement Entity (usually by embedding Base).
func Link[T any, PT interface {
	*T
	Entity
}](r *Registry, class string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[class]; exists {
		return fmt.Errorf("%s: %w", class, ErrDuplicateClass)
	}
	if len(class) > 255 {
		return fmt.Errorf("class name %q longer than 255 bytes", class)
	}
	r.classes[class] = &classMeta{
		name:    class,
		factory: func() Entity { return PT(new(T)) },
		byName:  make(map[string]*varMeta),
	}
	return nil
}

// RegisterVariable attaches a variable to a linked class. get returns the
// variable field of an instance.
func RegisterVariable[E Entity](r *Registry, class, name string, get func(E) Variable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.classes[class]
	if !ok {
		return fmt.Errorf("%s: %w", class, ErrUnknownClass)
	}
	if _, exists := meta.byName[name]; exists {
		return fmt.Errorf("%s.%s: %w", class, name, ErrDuplicateVariable)
	}
	if len(meta.vars) >= maxVariables {
		return fmt.Errorf("%s: %w", class, ErrTooManyVariables)
	}
	if len(name) > 255 {
		return fmt.Errorf("variable name %q longer than 255 bytes", name)
	}

	probe, ok := meta.factory().(E)
	if !ok {
		return fmt.Errorf("%s.%s: accessor entity type: %w", class, name, ErrTypeMismatch)
	}
	size := get(probe).Size()
	if size > 255 {
		return fmt.Errorf("%s.%s: %d byte values: %w", class, name, size, ErrSizeMismatch)
	}

	vm := &varMeta{
		id:   uint8(len(meta.vars)),
		name: name,
		size: size,
		get:  func(e Entity) Variable { return get(e.(E)) },
	}
	meta.vars = append(meta.vars, vm)
	meta.byName[name] = vm
	return nil
}

func (r *Registry) class(name string) (*classMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.classes[name]
	return meta, ok
}

// Classes returns the registered class names in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Lookup describes a registered class.
func (r *Registry) Lookup(class string) (ClassInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.classes[class]
	if !ok {
		return ClassInfo{}, false
	}
	info := ClassInfo{Name: meta.name}
	for _, vm := range meta.vars {
		info.Variables = append(info.Variables, VariableInfo{ID: vm.id, Name: vm.name, Size: vm.size})
	}
	return info, true
}
