package entity

import (
	"sync"
	"time"
)

// Variable is a replicated entity field. Implementations are Var and
// InterpolatedVar.
type Variable interface {
	// Size is the fixed encoded size in bytes.
	Size() int

	// AppendSnapshot appends the big-endian encoding of the snapshot value.
	AppendSnapshot(dst []byte) []byte

	// Decode stores a value received at the given time without marking the
	// owner dirty.
	Decode(data []byte, at time.Time) error

	// TakeSnapshot captures the value that outgoing messages and renderers
	// observe for the instant now.
	TakeSnapshot(now time.Time, interpolation, extrapolation time.Duration)

	// ClearOldData drops history older than min.
	ClearOldData(min time.Time)

	bind(hook func())
}

// Var is a replicated value. The zero value is ready to use; a Var must not be
// copied once its entity has been created.
type Var[T Scalar] struct {
	mu       sync.Mutex
	value    T
	snapshot T
	hook     func()
}

// Set stores v and marks the owning entity dirty when the value changed.
func (v *Var[T]) Set(value T) {
	v.mu.Lock()
	changed := v.value != value
	v.value = value
	hook := v.hook
	v.mu.Unlock()

	if changed && hook != nil {
		hook()
	}
}

// Get returns the live value.
func (v *Var[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Snapshot returns the value captured by the last TakeSnapshot.
func (v *Var[T]) Snapshot() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot
}

func (v *Var[T]) TakeSnapshot(now time.Time, interpolation, extrapolation time.Duration) {
	v.mu.Lock()
	v.snapshot = v.value
	v.mu.Unlock()
}

func (v *Var[T]) Size() int { return sizeOf[T]() }

func (v *Var[T]) AppendSnapshot(dst []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return appendScalar(dst, v.snapshot)
}

func (v *Var[T]) Decode(data []byte, at time.Time) error {
	value, err := decodeScalar[T](data)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.value = value
	v.mu.Unlock()
	return nil
}

func (v *Var[T]) ClearOldData(time.Time) {}

func (v *Var[T]) bind(hook func()) {
	v.mu.Lock()
	v.hook = hook
	v.mu.Unlock()
}
