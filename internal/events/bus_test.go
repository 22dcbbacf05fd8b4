package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var got atomic.Int32
	bus.Subscribe(EventPeerConnected, "a", func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})
	bus.Subscribe(EventPeerConnected, "b", func(ctx context.Context, e Event) error {
		got.Add(10)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventPeerConnected})
	bus.Wait()

	if got.Load() != 11 {
		t.Fatalf("expected both handlers to run, got %d", got.Load())
	}
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventPeerTimedOut, "fail", func(ctx context.Context, e Event) error { return boom })

	if err := bus.EmitSync(context.Background(), Event{Type: EventPeerTimedOut}); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventShutdown, "panic", func(ctx context.Context, e Event) error { panic("handler bug") })
	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); err != nil {
		t.Fatalf("panic should be swallowed, got %v", err)
	}
}

func TestUnsubscribeAndNilBus(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventPeerRefused, "x", func(ctx context.Context, e Event) error { return nil })
	bus.Unsubscribe(EventPeerRefused, "x")
	if n := bus.HandlerCount(EventPeerRefused); n != 0 {
		t.Fatalf("expected 0 handlers, got %d", n)
	}
	bus.Stop()
	bus.Stop()

	var nilBus *EventBus
	nilBus.Emit(context.Background(), Event{Type: EventShutdown})
	if err := nilBus.EmitSync(context.Background(), Event{Type: EventShutdown}); err != nil {
		t.Fatalf("nil bus EmitSync: %v", err)
	}
}

func TestCloseReasonString(t *testing.T) {
	if CloseReasonUnresponsive.String() != "unresponsive" {
		t.Fatalf("unexpected %q", CloseReasonUnresponsive.String())
	}
	b, _ := CloseReasonTimeout.MarshalJSON()
	if string(b) != `"timeout"` {
		t.Fatalf("unexpected json %s", b)
	}
}
