// Package heartbeat tracks workload liveness.
//
// A workload is tracked from the moment it is known to be running. Each
// heartbeat advances its last-seen watermark; a periodic sweep, independent
// of heartbeat arrival, reports every tracked workload whose watermark is
// older than its kind's timeout. Reported workloads stop being tracked.
//
// State is in-memory only. After a restart the owner re-tracks the workloads
// it still believes are active, starting their grace period afresh.
package heartbeat

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Lost describes a workload declared dead by a sweep.
type Lost struct {
	Ref      job.WorkloadRef
	Kind     job.Kind
	LastSeen time.Time // zero if no heartbeat was ever received
	Silence  time.Duration
}

// Config configures a Monitor.
type Config struct {
	Timeouts       map[job.Kind]time.Duration
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
	Now            func() time.Time
}

type record struct {
	kind     job.Kind
	since    time.Time // grace period baseline
	lastSeen time.Time
	source   string
}

func (r *record) watermark() time.Time {
	if r.lastSeen.After(r.since) {
		return r.lastSeen
	}
	return r.since
}

// Monitor tracks heartbeats and detects silent workloads.
type Monitor struct {
	mu      sync.Mutex
	records map[job.WorkloadRef]*record
	cfg     Config
	onLost  func(Lost)
}

// NewMonitor creates a monitor. onLost is called from the sweep goroutine for
// every lost workload and must not block.
func NewMonitor(cfg Config, onLost func(Lost)) *Monitor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		records: make(map[job.WorkloadRef]*record),
		cfg:     cfg,
		onLost:  onLost,
	}
}

// Timeout returns the liveness timeout for a kind.
func (m *Monitor) Timeout(kind job.Kind) time.Duration {
	if d, ok := m.cfg.Timeouts[kind]; ok && d > 0 {
		return d
	}
	return m.cfg.DefaultTimeout
}

// Track starts supervising a workload. The grace period runs from since.
// Tracking an already tracked workload only moves its baseline forward.
func (m *Monitor) Track(ref job.WorkloadRef, kind job.Kind, since time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[ref]; ok {
		if since.After(r.since) {
			r.since = since
		}
		return
	}
	m.records[ref] = &record{kind: kind, since: since}
}

// Untrack stops supervising a workload. Unknown refs are ignored.
func (m *Monitor) Untrack(ref job.WorkloadRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, ref)
}

// Tracked reports whether ref is currently supervised.
func (m *Monitor) Tracked(ref job.WorkloadRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[ref]
	return ok
}

// Len returns the number of tracked workloads.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Beat records a heartbeat. Timestamps in the future are clamped to now and
// the watermark never moves backwards. Returns ErrNotFound for untracked refs.
func (m *Monitor) Beat(ref job.WorkloadRef, at time.Time, source string) error {
	now := m.cfg.Now()
	if at.IsZero() || at.After(now) {
		at = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[ref]
	if !ok {
		return apperrors.NotFound("workload", string(ref))
	}
	if at.After(r.lastSeen) {
		r.lastSeen = at
	}
	if source != "" {
		r.source = source
	}
	return nil
}

// Sweep removes and returns every workload silent for longer than its timeout
// as of now, ordered by ref.
func (m *Monitor) Sweep(now time.Time) []Lost {
	m.mu.Lock()
	var lost []Lost
	for ref, r := range m.records {
		silence := now.Sub(r.watermark())
		if silence > m.Timeout(r.kind) {
			lost = append(lost, Lost{Ref: ref, Kind: r.kind, LastSeen: r.lastSeen, Silence: silence})
			delete(m.records, ref)
		}
	}
	m.mu.Unlock()

	sort.Slice(lost, func(i, j int) bool { return lost[i].Ref < lost[j].Ref })
	return lost
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range m.Sweep(m.cfg.Now()) {
				slog.Warn("Workload heartbeat lost",
					"workloadRef", l.Ref,
					"kind", l.Kind,
					"silence", l.Silence.String())
				if m.onLost != nil {
					m.onLost(l)
				}
			}
		}
	}
}
