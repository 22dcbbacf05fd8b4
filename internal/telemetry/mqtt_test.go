package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/util"
)

type published struct {
	topic string
	body  map[string]interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	msgs      []published
}

func (f *fakePublisher) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker gone")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return err
	}
	f.msgs = append(f.msgs, published{topic: topic, body: body})
	return nil
}

func (f *fakePublisher) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func newTestHandler(pub *fakePublisher) *MQTTHandler {
	h := newHandler(pub, config.MQTTConfig{Enabled: true}, util.SystemInfo{Hostname: "box"})
	h.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return h
}

func TestPeerEventsArePublished(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)
	bus := events.NewEventBus()
	h.Attach(bus)

	err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventPeerTimedOut,
		Payload: events.PeerPayload{ConnID: 7, Reason: events.CloseReasonTimeout},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := pub.messages()
	if len(msgs) != 1 || msgs[0].topic != TopicPeer {
		t.Fatalf("messages = %+v", msgs)
	}
	body := msgs[0].body
	if body["hostname"] != "box" || body["timestamp"] != "2024-01-02T03:04:05Z" {
		t.Fatalf("metadata missing: %v", body)
	}
	payload := body["payload"].(map[string]interface{})
	peer := payload["peer"].(map[string]interface{})
	if payload["event"] != "peer_timed_out" || peer["conn_id"] != float64(7) || peer["reason"] != "timeout" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestStatsSkippedWhileDisconnected(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(pub)

	h.PublishStats(map[string]int{"connections": 1})
	if len(pub.messages()) != 0 {
		t.Fatal("published while disconnected")
	}

	pub.connected = true
	h.PublishStats(map[string]int{"connections": 2})
	msgs := pub.messages()
	if len(msgs) != 1 || msgs[0].topic != TopicStats {
		t.Fatalf("messages = %+v", msgs)
	}

	pub.fail = true
	h.PublishStats(nil) // logged, not fatal
}

func TestStartPublishesStatus(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.Start(ctx, events.NewEventBus()); err != nil {
		t.Fatal(err)
	}
	msgs := pub.messages()
	if len(msgs) != 2 || msgs[0].topic != TopicStatus || msgs[1].topic != TopicStatus {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestDisabledConfig(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}); err == nil {
		t.Fatal("disabled config accepted")
	}
}

func TestHealthChangesGoToStatus(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)
	bus := events.NewEventBus()
	h.Attach(bus)

	err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventHealthChanged,
		Payload: map[string]string{"status": "warning"},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := pub.messages()
	if len(msgs) != 1 || msgs[0].topic != TopicStatus {
		t.Fatalf("messages = %+v", msgs)
	}
	payload := msgs[0].body["payload"].(map[string]interface{})
	if payload["event"] != "health_changed" {
		t.Fatalf("payload = %v", payload)
	}
}
