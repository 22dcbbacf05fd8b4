package transport

import (
	"context"
	"testing"
	"time"

	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/protocol"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *recordingSender) frames(t protocol.PacketType) []protocol.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Header
	for _, w := range s.writes {
		h, err := protocol.ParseHeader(w)
		if err == nil && h.Type == t {
			out = append(out, h)
		}
	}
	return out
}

func (s *recordingSender) ackedSequences() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint16
	for _, w := range s.writes {
		h, err := protocol.ParseHeader(w)
		if err != nil || h.Type != protocol.Ack {
			continue
		}
		seq, err := protocol.ParseAckPayload(protocol.Payload(w))
		if err == nil {
			out = append(out, seq)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		ResendInterval:          20 * time.Millisecond,
		ConnectionTimeout:       2 * time.Second,
		LosingConnectionTimeout: 2 * time.Second,
		KeepAliveInterval:       time.Second,
		IntakeQueueSize:         16,
	}
}

func startTestConnection(t *testing.T, sender Sender, cfg Config, deps connDeps) *Connection {
	t.Helper()
	c := newConnection(1, sender, testAddr, StateConnected, cfg, deps)
	c.start()
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return c
}

func TestReliableDataAckedAndDeduplicated(t *testing.T) {
	sender := &recordingSender{}
	got := make(chan Message, 4)
	c := startTestConnection(t, sender, testConfig(), connDeps{
		handler: func(c *Connection, msg Message) { got <- msg },
	})

	raw := protocol.Frame(protocol.ReliableData, true, 5, []byte("state"))
	c.Receive(raw)
	c.Receive(raw)

	select {
	case msg := <-got:
		if string(msg.Payload) != "state" || !msg.Reliable {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	waitFor(t, "two acks", func() bool { return len(sender.ackedSequences()) == 2 })
	for _, seq := range sender.ackedSequences() {
		if seq != 5 {
			t.Fatalf("acked seq %d, want 5", seq)
		}
	}

	select {
	case msg := <-got:
		t.Fatalf("duplicate delivered: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedAndUnknownDatagramsDropped(t *testing.T) {
	got := make(chan Message, 4)
	c := startTestConnection(t, &recordingSender{}, testConfig(), connDeps{
		handler: func(c *Connection, msg Message) { got <- msg },
	})

	c.Receive([]byte{0x04})
	c.Receive([]byte{0x0E, 0x00, 0x01})
	c.Receive(protocol.Frame(protocol.UnreliableData, false, 9, []byte("ok")))

	select {
	case msg := <-got:
		if string(msg.Payload) != "ok" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid datagram not delivered")
	}
}

func TestAckClearsPendingPacket(t *testing.T) {
	c := startTestConnection(t, &recordingSender{}, testConfig(), connDeps{})

	if !c.SendReliable(protocol.ReliableData, []byte("x")) {
		t.Fatal("send failed")
	}
	if c.PendingReliable() != 1 {
		t.Fatal("packet not pending")
	}
	c.Receive(protocol.Frame(protocol.Ack, false, 0, protocol.AckPayload(0)))
	waitFor(t, "pending cleared", func() bool { return c.PendingReliable() == 0 })
}

func TestAckOfResentPacketKeepsPing(t *testing.T) {
	c := newConnection(1, &recordingSender{}, testAddr, StateConnected, testConfig(), connDeps{})
	c.transfer.AddPingSample(40 * time.Millisecond)

	c.SendReliable(protocol.ReliableData, []byte("x"))
	if resent, _ := c.transfer.ResendExpired(0, time.Hour); resent != 1 {
		t.Fatalf("resent %d packets, want 1", resent)
	}
	if err := c.process(context.Background(), protocol.Frame(protocol.Ack, false, 0, protocol.AckPayload(0))); err != nil {
		t.Fatal(err)
	}
	if c.Ping() != 40*time.Millisecond {
		t.Fatalf("ping changed to %v by an ambiguous ack", c.Ping())
	}
	if c.PendingReliable() != 0 {
		t.Fatalf("pending = %d after ack", c.PendingReliable())
	}
}

func TestAcksDoNotSpendSequences(t *testing.T) {
	sender := &recordingSender{}
	c := newConnection(1, sender, testAddr, StateConnected, testConfig(), connDeps{})
	for seq := uint16(0); seq < 4; seq++ {
		c.process(context.Background(), protocol.Frame(protocol.KeepAlive, true, seq, nil))
	}
	c.SendReliable(protocol.ReliableData, []byte("x"))

	data := sender.frames(protocol.ReliableData)
	if len(data) != 1 || data[0].Sequence != 0 {
		t.Fatalf("reliable data framed as %+v, want sequence 0", data)
	}
}

func TestReliableDeliveredAcrossHalfWindow(t *testing.T) {
	got := make(chan Message, 4)
	c := startTestConnection(t, &recordingSender{}, testConfig(), connDeps{
		handler: func(c *Connection, msg Message) { got <- msg },
	})

	c.Receive(protocol.Frame(protocol.ReliableData, true, 0, []byte("first")))
	c.Receive(protocol.Frame(protocol.ReliableData, true, 32768, []byte("second")))

	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-got:
			if string(msg.Payload) != want {
				t.Fatalf("payload %q, want %q", msg.Payload, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%q acked but never delivered", want)
		}
	}
}

func TestRemoteDisconnectClosesWithoutFin(t *testing.T) {
	sender := &recordingSender{}
	c := newConnection(1, sender, testAddr, StateConnected, testConfig(), connDeps{})
	c.start()

	c.Receive(protocol.Frame(protocol.Disconnect, false, 1, nil))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
	if c.State() != StateClosed || c.CloseReason() != events.CloseReasonRemote {
		t.Fatalf("state %s reason %s", c.State(), c.CloseReason())
	}
	if n := len(sender.frames(protocol.Disconnect)); n != 0 {
		t.Fatalf("sent %d disconnect packets, want 0", n)
	}
}

func TestLocalDisconnectSendsFinAndReleases(t *testing.T) {
	sender := &recordingSender{}
	closed := make(chan *Connection, 1)
	c := newConnection(1, sender, testAddr, StateConnected, testConfig(), connDeps{
		onClosed: func(c *Connection) { closed <- c },
	})
	c.start()
	c.SendReliable(protocol.ReliableData, []byte("x"))
	c.AddToGroup(3)

	c.Disconnect()
	c.Disconnect()

	if c.State() != StateClosed || c.CloseReason() != events.CloseReasonLocal {
		t.Fatalf("state %s reason %s", c.State(), c.CloseReason())
	}
	if n := len(sender.frames(protocol.Disconnect)); n != 1 {
		t.Fatalf("sent %d disconnect packets, want 1", n)
	}
	if c.PendingReliable() != 0 || len(c.Groups()) != 0 {
		t.Fatal("resources not released on close")
	}
	if c.SendReliable(protocol.ReliableData, []byte("late")) {
		t.Fatal("send after close succeeded")
	}
	select {
	case <-closed:
	default:
		t.Fatal("close callback not invoked")
	}
}

func TestSilentPeerTimesOut(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	timedOut := make(chan events.PeerPayload, 1)
	bus.Subscribe(events.EventPeerTimedOut, "test", func(ctx context.Context, e events.Event) error {
		timedOut <- e.Payload.(events.PeerPayload)
		return nil
	})

	cfg := testConfig()
	cfg.LosingConnectionTimeout = 150 * time.Millisecond
	sender := &recordingSender{}
	c := newConnection(7, sender, testAddr, StateConnected, cfg, connDeps{bus: bus})
	c.start()

	select {
	case p := <-timedOut:
		if p.ConnID != 7 || p.Reason != events.CloseReasonTimeout {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout event not emitted")
	}
	<-c.Done()
	if n := len(sender.frames(protocol.Disconnect)); n != 0 {
		t.Fatal("timed out connection sent a disconnect packet")
	}
}

func TestUnacknowledgedPeerIsUnresponsive(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 100 * time.Millisecond
	sender := &recordingSender{}
	c := newConnection(1, sender, testAddr, StateConnected, cfg, connDeps{})
	c.start()
	c.SendReliable(protocol.ReliableData, []byte("never acked"))

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not give up")
	}
	if c.CloseReason() != events.CloseReasonUnresponsive {
		t.Fatalf("reason %s, want unresponsive", c.CloseReason())
	}
	if n := len(sender.frames(protocol.Disconnect)); n != 1 {
		t.Fatalf("sent %d disconnect packets, want 1", n)
	}
	if len(sender.frames(protocol.ReliableData)) < 2 {
		t.Fatal("packet was never retransmitted")
	}
}

func TestKeepAliveWhenIdle(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 60 * time.Millisecond
	sender := &recordingSender{}
	startTestConnection(t, sender, cfg, connDeps{})
	waitFor(t, "keep-alive", func() bool { return len(sender.frames(protocol.KeepAlive)) > 0 })
}

func TestGroups(t *testing.T) {
	c := newConnection(1, &recordingSender{}, testAddr, StateConnected, testConfig(), connDeps{})
	c.AddToGroup(4)
	c.AddToGroup(2)
	c.AddToGroup(4)
	if !c.InGroup(2) || c.InGroup(3) {
		t.Fatal("group membership wrong")
	}
	if g := c.Groups(); len(g) != 2 || g[0] != 2 || g[1] != 4 {
		t.Fatalf("groups = %v", g)
	}
	c.RemoveFromGroup(2)
	if c.InGroup(2) {
		t.Fatal("group not removed")
	}
}

func TestPollWithoutWait(t *testing.T) {
	c := newConnection(1, &recordingSender{}, testAddr, StateConnected, testConfig(), connDeps{})
	if _, ok := c.Poll(context.Background(), false); ok {
		t.Fatal("poll on empty queue returned data")
	}
	c.Receive([]byte{1, 2, 3})
	raw, ok := c.Poll(context.Background(), false)
	if !ok || len(raw) != 3 {
		t.Fatal("queued datagram not returned")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := c.Poll(ctx, true); ok {
		t.Fatal("blocking poll returned without data")
	}
}

func TestReceiveDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.IntakeQueueSize = 2
	c := newConnection(1, &recordingSender{}, testAddr, StateConnected, cfg, connDeps{})
	if !c.Receive([]byte{1}) || !c.Receive([]byte{2}) {
		t.Fatal("queue rejected datagrams below capacity")
	}
	if c.Receive([]byte{3}) {
		t.Fatal("queue accepted datagram beyond capacity")
	}
}
