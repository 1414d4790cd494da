// Package history persists completed campaign runs and per-server
// hourly usage counters in BoltDB.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rotomail/rotomail/internal/campaign"
)

var (
	bucketRuns  = []byte("runs")
	bucketUsage = []byte("server_usage")
)

// Storage stores campaign run history in BoltDB.
type Storage struct {
	db *bolt.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Storage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketUsage} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

// DB exposes the underlying handle so other stores can share one file.
func (s *Storage) DB() *bolt.DB {
	return s.db
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// SaveRun persists a completed run summary.
func (s *Storage) SaveRun(run *campaign.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		key := makeRunKey(run.StartTime, run.ID)
		if err := tx.Bucket(bucketRuns).Put(key, data); err != nil {
			return fmt.Errorf("failed to store run: %w", err)
		}
		return nil
	})
}

// ListRuns returns up to limit run summaries, newest first.
func (s *Storage) ListRuns(limit int) ([]*campaign.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	var runs []*campaign.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil && len(runs) < limit; k, v = c.Prev() {
			var run campaign.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to unmarshal run %s: %w", k, err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Summary aggregates all persisted runs.
type Summary struct {
	TotalCampaigns     int            `json:"total_campaigns"`
	TotalSent          int            `json:"total_sent"`
	TotalFailed        int            `json:"total_failed"`
	AverageSuccessRate float64        `json:"average_success_rate"`
	ServerUsage        map[string]int `json:"server_usage"`
}

// Summarize computes aggregate statistics over the full run history.
func (s *Storage) Summarize() (*Summary, error) {
	summary := &Summary{
		ServerUsage: make(map[string]int),
	}

	var rateSum float64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run campaign.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("failed to unmarshal run %s: %w", k, err)
			}
			summary.TotalCampaigns++
			summary.TotalSent += run.Sent
			summary.TotalFailed += run.Failed
			rateSum += run.SuccessRate()
			for server, count := range run.PerServerUsage {
				summary.ServerUsage[server] += count
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if summary.TotalCampaigns > 0 {
		summary.AverageSuccessRate = rateSum / float64(summary.TotalCampaigns)
	}
	return summary, nil
}

// makeRunKey builds a time-ordered key so cursor iteration returns
// runs in start order.
func makeRunKey(start time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", start.UnixNano(), id))
}
