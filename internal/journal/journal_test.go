package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/replicon-project/replicon/internal/events"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "sub", "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	start := time.UnixMilli(1_700_000_000_000)

	if err := j.RecordConnect(ctx, events.PeerPayload{ConnID: 1, SessionID: "a", Remote: "10.0.0.1:5000", At: start}); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordConnect(ctx, events.PeerPayload{ConnID: 2, SessionID: "b", Remote: "10.0.0.2:5000", At: start.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordDisconnect(ctx, events.PeerPayload{
		ConnID: 1, SessionID: "a", Ping: 25 * time.Millisecond,
		Reason: events.CloseReasonTimeout, At: start.Add(2 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	sessions, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "b" {
		t.Fatalf("sessions = %+v", sessions)
	}
	a := sessions[1]
	if a.DisconnectedAt == nil || a.Reason != "timeout" || a.PingMs != 25 || a.ConnID != 1 {
		t.Fatalf("closed session = %+v", a)
	}
	if sessions[0].DisconnectedAt != nil {
		t.Fatal("open session has a disconnect time")
	}

	sum, err := j.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum != (Summary{Sessions: 2, Open: 1}) {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	at := time.UnixMilli(1_700_000_000_000)

	if err := j.RecordDisconnect(ctx, events.PeerPayload{SessionID: "x", Remote: "r", Reason: events.CloseReasonUnresponsive, At: at}); err != nil {
		t.Fatal(err)
	}
	// A late connect record must not reopen the session.
	if err := j.RecordConnect(ctx, events.PeerPayload{SessionID: "x", Remote: "r", At: at}); err != nil {
		t.Fatal(err)
	}
	sessions, _ := j.Recent(ctx, 10)
	if len(sessions) != 1 || sessions[0].DisconnectedAt == nil || sessions[0].Reason != "unresponsive" {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	old := time.UnixMilli(1_600_000_000_000)
	recent := time.UnixMilli(1_700_000_000_000)

	j.RecordConnect(ctx, events.PeerPayload{SessionID: "old", At: old})
	j.RecordDisconnect(ctx, events.PeerPayload{SessionID: "old", At: old})
	j.RecordConnect(ctx, events.PeerPayload{SessionID: "still-open", At: old})
	j.RecordConnect(ctx, events.PeerPayload{SessionID: "new", At: recent})
	j.RecordDisconnect(ctx, events.PeerPayload{SessionID: "new", At: recent})
	j.RecordRefusal(ctx, "r", old)

	n, err := j.Prune(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d rows, want 2", n)
	}
	sum, _ := j.Summary(ctx)
	if sum != (Summary{Sessions: 2, Open: 1}) {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestAttach(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	bus := events.NewEventBus()
	j.Attach(bus)
	now := time.Now()

	emit := func(typ events.EventType, p events.PeerPayload) {
		if err := bus.EmitSync(ctx, events.Event{Type: typ, Source: "test", Payload: p}); err != nil {
			t.Fatal(err)
		}
	}
	emit(events.EventPeerConnected, events.PeerPayload{SessionID: "s1", Remote: "a", At: now})
	emit(events.EventPeerTimedOut, events.PeerPayload{SessionID: "s1", Reason: events.CloseReasonTimeout, At: now})
	emit(events.EventPeerConnected, events.PeerPayload{SessionID: "s2", Remote: "b", At: now})
	emit(events.EventPeerRefused, events.PeerPayload{Remote: "c", At: now})

	if err := bus.EmitSync(ctx, events.Event{Type: events.EventPeerConnected, Payload: "bad"}); err == nil {
		t.Fatal("wrong payload type accepted")
	}

	sum, err := j.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum != (Summary{Sessions: 2, Open: 1, Refused: 1}) {
		t.Fatalf("summary = %+v", sum)
	}
}
