// Package health runs periodic checks on connected peers and on the machine
// hosting the replication server.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/transport"
	"github.com/replicon-project/replicon/internal/util"
)

// Level is the severity of a check result.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	}
	return 0
}

// Peer is the link quality of one connection.
type Peer struct {
	ID      uint32
	Ping    time.Duration
	Pending int
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name    string `json:"name"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Report is the outcome of one pass over every check.
type Report struct {
	Status    Level         `json:"status"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []CheckResult `json:"checks"`
}

// Thresholds configure when checks degrade.
type Thresholds struct {
	MaxPing           time.Duration
	MaxPending        int
	MemoryWarnPercent float64
	DiskWarnPercent   float64
	DiskCritPercent   float64
}

// DefaultThresholds returns the thresholds used by replicon serve.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxPing:           250 * time.Millisecond,
		MaxPending:        64,
		MemoryWarnPercent: 90,
		DiskWarnPercent:   90,
		DiskCritPercent:   98,
	}
}

// Monitor runs health checks and keeps the latest report.
type Monitor struct {
	peers      func() []Peer
	usage      func() util.ResourceUsage
	disk       func() (util.DiskUsage, error)
	thresholds Thresholds
	eventBus   *events.EventBus
	logger     zerolog.Logger

	mu   sync.RWMutex
	last Report
}

// NewMonitor creates a monitor over the peers of srv and the filesystem that
// holds diskPath.
func NewMonitor(srv *transport.Server, diskPath string, eventBus *events.EventBus, th Thresholds) *Monitor {
	return newMonitor(
		PeersOf(srv),
		util.GetResourceUsage,
		func() (util.DiskUsage, error) { return util.GetDiskUsage(diskPath) },
		eventBus, th,
	)
}

func newMonitor(peers func() []Peer, usage func() util.ResourceUsage, disk func() (util.DiskUsage, error), eventBus *events.EventBus, th Thresholds) *Monitor {
	return &Monitor{
		peers:      peers,
		usage:      usage,
		disk:       disk,
		thresholds: th,
		eventBus:   eventBus,
		logger:     log.With().Str("component", "health").Logger(),
		last:       Report{Status: LevelOK},
	}
}

// PeersOf samples the link quality of every connection of srv.
func PeersOf(srv *transport.Server) func() []Peer {
	return func() []Peer {
		conns := srv.Connections()
		peers := make([]Peer, 0, len(conns))
		for _, c := range conns {
			peers = append(peers, Peer{ID: c.ID(), Ping: c.Ping(), Pending: c.PendingReliable()})
		}
		return peers
	}
}

// Check runs every check, stores the report and emits EventHealthChanged
// when the overall status differs from the previous report.
func (m *Monitor) Check(ctx context.Context, now time.Time) Report {
	report := Report{
		Status:    LevelOK,
		CheckedAt: now,
		Checks: []CheckResult{
			m.checkPeers(),
			m.checkMemory(),
			m.checkDisk(),
		},
	}
	for _, c := range report.Checks {
		if c.Level.rank() > report.Status.rank() {
			report.Status = c.Level
		}
		if c.Level != LevelOK {
			m.logger.Warn().Str("check", c.Name).Str("level", string(c.Level)).Msg(c.Message)
		}
	}

	m.mu.Lock()
	previous := m.last.Status
	m.last = report
	m.mu.Unlock()

	if report.Status != previous {
		m.logger.Info().Str("from", string(previous)).Str("to", string(report.Status)).Msg("health status changed")
		m.eventBus.Emit(ctx, events.Event{
			Type:    events.EventHealthChanged,
			Source:  "health",
			Payload: report,
		})
	}
	return report
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) checkPeers() CheckResult {
	var laggy, backlogged []uint32
	peers := m.peers()
	for _, p := range peers {
		if m.thresholds.MaxPing > 0 && p.Ping > m.thresholds.MaxPing {
			laggy = append(laggy, p.ID)
		}
		if m.thresholds.MaxPending > 0 && p.Pending > m.thresholds.MaxPending {
			backlogged = append(backlogged, p.ID)
		}
	}
	sort.Slice(laggy, func(i, j int) bool { return laggy[i] < laggy[j] })
	sort.Slice(backlogged, func(i, j int) bool { return backlogged[i] < backlogged[j] })

	switch {
	case len(laggy) > 0 || len(backlogged) > 0:
		return CheckResult{
			Name:  "peers",
			Level: LevelWarning,
			Message: fmt.Sprintf("%d of %d peers degraded (high ping: %v, reliable backlog: %v)",
				countUnique(laggy, backlogged), len(peers), laggy, backlogged),
		}
	default:
		return CheckResult{Name: "peers", Level: LevelOK, Message: fmt.Sprintf("%d peers", len(peers))}
	}
}

func (m *Monitor) checkMemory() CheckResult {
	usage := m.usage()
	msg := fmt.Sprintf("memory at %.1f%%, process rss %d MB, %d goroutines",
		usage.MemoryPercent, usage.ProcessRSSMB, usage.Goroutines)
	if m.thresholds.MemoryWarnPercent > 0 && usage.MemoryPercent >= m.thresholds.MemoryWarnPercent {
		return CheckResult{Name: "memory", Level: LevelWarning, Message: msg}
	}
	return CheckResult{Name: "memory", Level: LevelOK, Message: msg}
}

func (m *Monitor) checkDisk() CheckResult {
	usage, err := m.disk()
	if err != nil {
		return CheckResult{Name: "disk", Level: LevelWarning, Message: fmt.Sprintf("disk check failed: %v", err)}
	}

	msg := fmt.Sprintf("disk usage at %.1f%% (%d GB free of %d GB total)", usage.UsedPercent, usage.Free, usage.Total)
	switch {
	case usage.UsedPercent >= m.thresholds.DiskCritPercent:
		return CheckResult{Name: "disk", Level: LevelCritical, Message: msg}
	case usage.UsedPercent >= m.thresholds.DiskWarnPercent:
		return CheckResult{Name: "disk", Level: LevelWarning, Message: msg}
	}
	return CheckResult{Name: "disk", Level: LevelOK, Message: msg}
}

func countUnique(a, b []uint32) int {
	seen := make(map[uint32]struct{}, len(a)+len(b))
	for _, id := range a {
		seen[id] = struct{}{}
	}
	for _, id := range b {
		seen[id] = struct{}{}
	}
	return len(seen)
}
