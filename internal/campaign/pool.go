package campaign

import (
	"errors"
	"sort"
	"time"
)

// ErrNoServersAvailable is returned when a run is started with zero
// enabled servers. The run aborts before any send.
var ErrNoServersAvailable = errors.New("no enabled SMTP servers available")

// Pool holds the snapshot of enabled servers for one run and applies
// the rotation policy. Exactly one server is active at any point.
type Pool struct {
	servers []Server
	policy  Policy

	current   int
	attempts  int       // attempts through the current server since activation
	activeAt  time.Time // when the current server became active
	rotations int
	failovers int

	now func() time.Time
}

// NewPool snapshots the enabled servers ordered by ascending priority
// (input order breaks ties) and activates the first one. Returns
// ErrNoServersAvailable when nothing is enabled.
func NewPool(servers []Server, policy Policy) (*Pool, error) {
	enabled := make([]Server, 0, len(servers))
	for _, s := range servers {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoServersAvailable
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})

	p := &Pool{
		servers: enabled,
		policy:  policy,
		now:     time.Now,
	}
	p.activeAt = p.now()
	return p, nil
}

// Current returns the active server.
func (p *Pool) Current() *Server {
	return &p.servers[p.current]
}

// Size returns the number of enabled servers in the pool.
func (p *Pool) Size() int { return len(p.servers) }

// Rotations returns the total rotation count, planned and failover.
func (p *Pool) Rotations() int { return p.rotations }

// Failovers returns the number of unplanned rotations.
func (p *Pool) Failovers() int { return p.failovers }

// RecordAttempt counts a send attempt against the current server.
// Successes and failures both count toward the by_count threshold.
func (p *Pool) RecordAttempt() {
	p.attempts++
}

// RotateIfDue evaluates the rotation policy and advances to the next
// enabled server when the threshold is reached. With a single server
// the window resets without counting a rotation.
func (p *Pool) RotateIfDue() bool {
	due := false
	switch p.policy.Mode {
	case RotateByCount:
		due = p.policy.Threshold > 0 && p.attempts >= p.policy.Threshold
	case RotateByTime:
		due = p.policy.Interval > 0 && p.now().Sub(p.activeAt) >= p.policy.Interval
	}
	if !due {
		return false
	}

	if len(p.servers) == 1 {
		p.attempts = 0
		p.activeAt = p.now()
		return false
	}

	p.advance()
	p.rotations++
	return true
}

// Failover advances to the next enabled server after a server-level
// fault. Counted as an unplanned rotation. Returns false when failover
// is disabled or there is nowhere to move.
func (p *Pool) Failover() bool {
	if !p.policy.FailoverEnabled || len(p.servers) < 2 {
		return false
	}
	p.advance()
	p.rotations++
	p.failovers++
	return true
}

// advance moves to the next server in priority order, wrapping to the
// first after the last, and resets the rotation window.
func (p *Pool) advance() {
	p.current = (p.current + 1) % len(p.servers)
	p.attempts = 0
	p.activeAt = p.now()
}
