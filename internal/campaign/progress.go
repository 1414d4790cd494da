package campaign

import (
	"maps"
	"sync"
	"time"
)

// Snapshot is a consistent point-in-time copy of the live progress
// state, safe to hand to a caller on another goroutine.
type Snapshot struct {
	Sent           int            `json:"sent"`
	Failed         int            `json:"failed"`
	Total          int            `json:"total"`
	CurrentServer  string         `json:"current_server"`
	PerServerUsage map[string]int `json:"per_server_usage"`
	RotationCount  int            `json:"rotation_count"`
	Elapsed        time.Duration  `json:"elapsed"`
}

// Processed returns how many recipients reached a terminal status.
func (s Snapshot) Processed() int { return s.Sent + s.Failed }

// Progress is the live counter state shared between the dispatch loop
// and callers polling from other goroutines. The loop writes, callers
// read through Snapshot.
type Progress struct {
	mu sync.RWMutex

	started       time.Time
	total         int
	sent          int
	failed        int
	currentServer string
	usage         map[string]int
	rotations     int
}

// NewProgress creates progress state for a run over total recipients.
func NewProgress(total int) *Progress {
	return &Progress{
		started: time.Now(),
		total:   total,
		usage:   make(map[string]int),
	}
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Snapshot{
		Sent:           p.sent,
		Failed:         p.failed,
		Total:          p.total,
		CurrentServer:  p.currentServer,
		PerServerUsage: maps.Clone(p.usage),
		RotationCount:  p.rotations,
		Elapsed:        time.Since(p.started),
	}
}

func (p *Progress) setCurrentServer(name string) {
	p.mu.Lock()
	p.currentServer = name
	p.mu.Unlock()
}

func (p *Progress) recordAttempt(server string) {
	p.mu.Lock()
	p.usage[server]++
	p.mu.Unlock()
}

func (p *Progress) recordSent() {
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
}

func (p *Progress) recordFailed() {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
}

func (p *Progress) setRotations(n int) {
	p.mu.Lock()
	p.rotations = n
	p.mu.Unlock()
}
