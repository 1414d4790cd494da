package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// hourCounter is the persisted per-server counter for one hour window.
type hourCounter struct {
	Count     int       `json:"count"`
	HourStart time.Time `json:"hour_start"`
}

// UsageTracker counts live sends per server within the current hour.
// Counters survive restarts and reset when the hour window lapses.
type UsageTracker struct {
	db     *bolt.DB
	logger *slog.Logger

	mu       sync.Mutex
	counters map[string]*hourCounter

	now func() time.Time
}

// NewUsageTracker creates a tracker on top of an open history database
// and loads persisted counters.
func NewUsageTracker(db *bolt.DB, logger *slog.Logger) (*UsageTracker, error) {
	t := &UsageTracker{
		db:       db,
		logger:   logger.With("component", "usage-tracker"),
		counters: make(map[string]*hourCounter),
		now:      time.Now,
	}

	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsage).ForEach(func(k, v []byte) error {
			var c hourCounter
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to unmarshal usage counter %s: %w", k, err)
			}
			t.counters[string(k)] = &c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Record counts one live send through the server and returns the
// count within the current hour window.
func (t *UsageTracker) Record(server string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	hourStart := now.Truncate(time.Hour)

	c, ok := t.counters[server]
	if !ok || c.HourStart.Before(hourStart) {
		c = &hourCounter{HourStart: hourStart}
		t.counters[server] = c
	}
	c.Count++

	if err := t.persist(server, c); err != nil {
		t.logger.Warn("failed to persist usage counter", "server", server, "error", err)
	}
	return c.Count
}

// Stats returns the current-hour count per server. Lapsed windows
// report zero.
func (t *UsageTracker) Stats() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	hourStart := t.now().Truncate(time.Hour)
	out := make(map[string]int, len(t.counters))
	for server, c := range t.counters {
		if c.HourStart.Before(hourStart) {
			out[server] = 0
			continue
		}
		out[server] = c.Count
	}
	return out
}

func (t *UsageTracker) persist(server string, c *hourCounter) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsage).Put([]byte(server), data)
	})
}
