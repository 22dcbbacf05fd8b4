package entity

import (
	"sort"
	"sync"
	"time"
)

type record[T Number] struct {
	at      time.Time
	value   T
	initial bool
}

// InterpolatedVar is a replicated number that keeps a time-ordered history so
// receivers can render smoothly between and slightly beyond updates.
type InterpolatedVar[T Number] struct {
	mu            sync.Mutex
	history       []record[T]
	snapshot      T
	extrapolating bool
	hook          func()

	// Clock stamps values passed to Set. Nil means time.Now.
	Clock func() time.Time
}

// Set appends value stamped with the current time and marks the owning
// entity dirty.
func (v *InterpolatedVar[T]) Set(value T) {
	now := time.Now
	if v.Clock != nil {
		now = v.Clock
	}
	v.SetAt(now(), value)
}

// SetAt appends value stamped with at.
func (v *InterpolatedVar[T]) SetAt(at time.Time, value T) {
	v.insert(at, value)

	v.mu.Lock()
	hook := v.hook
	v.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (v *InterpolatedVar[T]) insert(at time.Time, value T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec := record[T]{at: at, value: value, initial: len(v.history) == 0}
	i := sort.Search(len(v.history), func(i int) bool { return v.history[i].at.After(at) })
	v.history = append(v.history, record[T]{})
	copy(v.history[i+1:], v.history[i:])
	v.history[i] = rec
}

// Get returns the newest recorded value.
func (v *InterpolatedVar[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.history) == 0 {
		var zero T
		return zero
	}
	return v.history[len(v.history)-1].value
}

// Snapshot returns the value computed by the last TakeSnapshot.
func (v *InterpolatedVar[T]) Snapshot() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot
}

// Extrapolating reports whether the last snapshot was projected past the
// newest record.
func (v *InterpolatedVar[T]) Extrapolating() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extrapolating
}

// Len returns the number of history records.
func (v *InterpolatedVar[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.history)
}

// TakeSnapshot computes the value for now-interpolation. Between two records
// the value is blended by elapsed time. Past the newest record, and at most
// extrapolation beyond it, the last step between records is repeated once;
// further out the newest value is held.
func (v *InterpolatedVar[T]) TakeSnapshot(now time.Time, interpolation, extrapolation time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(v.history)
	if n == 0 {
		return
	}
	target := now.Add(-interpolation)
	v.extrapolating = false

	first, last := v.history[0], v.history[n-1]
	switch {
	case n == 1 && first.initial:
		// A lone authoritative value needs no blending.
		v.snapshot = first.value

	case !target.After(first.at):
		v.snapshot = first.value

	case !target.After(last.at):
		i := sort.Search(n, func(i int) bool { return !v.history[i].at.Before(target) })
		lo, hi := v.history[i-1], v.history[i]
		span := hi.at.Sub(lo.at)
		if span <= 0 {
			v.snapshot = hi.value
			return
		}
		v.snapshot = lerp(lo.value, hi.value, float64(target.Sub(lo.at))/float64(span))

	case n >= 2 && target.Sub(last.at) <= extrapolation:
		prev := v.history[n-2]
		v.snapshot = lerp(prev.value, last.value, 2)
		v.extrapolating = true

	default:
		v.snapshot = last.value
	}
}

// ClearOldData removes records strictly older than min, always keeping the
// newest record.
func (v *InterpolatedVar[T]) ClearOldData(min time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(v.history)
	drop := sort.Search(n, func(i int) bool { return !v.history[i].at.Before(min) })
	if drop >= n {
		drop = n - 1
	}
	if drop <= 0 {
		return
	}
	v.history = append(v.history[:0], v.history[drop:]...)
}

func (v *InterpolatedVar[T]) Size() int { return sizeOf[T]() }

func (v *InterpolatedVar[T]) AppendSnapshot(dst []byte) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return appendScalar(dst, v.snapshot)
}

func (v *InterpolatedVar[T]) Decode(data []byte, at time.Time) error {
	value, err := decodeScalar[T](data)
	if err != nil {
		return err
	}
	v.insert(at, value)
	return nil
}

func (v *InterpolatedVar[T]) bind(hook func()) {
	v.mu.Lock()
	v.hook = hook
	v.mu.Unlock()
}
