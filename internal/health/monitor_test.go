package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/util"
)

type sources struct {
	peers []Peer
	usage util.ResourceUsage
	disk  util.DiskUsage
	err   error
}

func (p *sources) monitor(bus *events.EventBus) *Monitor {
	return newMonitor(
		func() []Peer { return p.peers },
		func() util.ResourceUsage { return p.usage },
		func() (util.DiskUsage, error) { return p.disk, p.err },
		bus, DefaultThresholds(),
	)
}

func find(r Report, name string) CheckResult {
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	return CheckResult{}
}

func TestCheckLevels(t *testing.T) {
	tests := []struct {
		name    string
		sources sources
		check   string
		want    Level
	}{
		{"healthy", sources{peers: []Peer{{ID: 1, Ping: 20 * time.Millisecond}}, disk: util.DiskUsage{UsedPercent: 40}}, "peers", LevelOK},
		{"high ping", sources{peers: []Peer{{ID: 1, Ping: time.Second}}}, "peers", LevelWarning},
		{"backlog", sources{peers: []Peer{{ID: 2, Pending: 100}}}, "peers", LevelWarning},
		{"memory", sources{usage: util.ResourceUsage{MemoryPercent: 95}}, "memory", LevelWarning},
		{"disk warning", sources{disk: util.DiskUsage{UsedPercent: 92}}, "disk", LevelWarning},
		{"disk critical", sources{disk: util.DiskUsage{UsedPercent: 99}}, "disk", LevelCritical},
		{"disk error", sources{err: errors.New("no such path")}, "disk", LevelWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.sources
			r := p.monitor(nil).Check(context.Background(), time.Now())
			if got := find(r, tt.check).Level; got != tt.want {
				t.Fatalf("%s level = %s, want %s (%+v)", tt.check, got, tt.want, r.Checks)
			}
			if tt.want.rank() > r.Status.rank() {
				t.Fatalf("status %s is better than check level %s", r.Status, tt.want)
			}
		})
	}
}

func TestPeerMessageCountsEachPeerOnce(t *testing.T) {
	p := sources{peers: []Peer{
		{ID: 3, Ping: time.Second, Pending: 100},
		{ID: 4},
	}}
	r := p.monitor(nil).Check(context.Background(), time.Now())
	if msg := find(r, "peers").Message; !strings.HasPrefix(msg, "1 of 2 peers degraded") {
		t.Fatalf("message = %q", msg)
	}
}

func TestStatusChangeEmitsEvent(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan Report, 4)
	bus.Subscribe(events.EventHealthChanged, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(Report)
		return nil
	})

	p := &sources{disk: util.DiskUsage{UsedPercent: 99}}
	m := p.monitor(bus)
	m.Check(context.Background(), time.Now())
	m.Check(context.Background(), time.Now())

	select {
	case r := <-got:
		if r.Status != LevelCritical {
			t.Fatalf("status = %s", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for the status change")
	}

	p.disk.UsedPercent = 10
	m.Check(context.Background(), time.Now())
	select {
	case r := <-got:
		if r.Status != LevelOK {
			t.Fatalf("status = %s", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for the recovery")
	}

	select {
	case r := <-got:
		t.Fatalf("unexpected event %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	if m.Last().Status != LevelOK {
		t.Fatalf("last = %s", m.Last().Status)
	}
}
