package history

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotomail/rotomail/internal/campaign"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id string, start time.Time, sent, failed int) *campaign.Run {
	return &campaign.Run{
		ID:        id,
		StartTime: start,
		EndTime:   start.Add(time.Minute),
		Total:     sent + failed,
		Sent:      sent,
		Failed:    failed,
		PerServerUsage: map[string]int{
			"s1": sent + failed,
		},
	}
}

func TestSaveAndListRuns(t *testing.T) {
	s := testStorage(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		run := testRun(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), 10, i)
		if err := s.SaveRun(run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}

	// Newest first.
	if runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("unexpected order: %s %s %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}
	if runs[0].Sent != 10 || runs[0].Failed != 2 {
		t.Errorf("run payload lost: %+v", runs[0])
	}
}

func TestListRunsLimit(t *testing.T) {
	s := testStorage(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.SaveRun(testRun(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), 1, 0)); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "e" || runs[1].ID != "d" {
		t.Errorf("limit did not keep the newest runs: %s %s", runs[0].ID, runs[1].ID)
	}
}

func TestSummarize(t *testing.T) {
	s := testStorage(t)

	base := time.Now()
	if err := s.SaveRun(testRun("a", base, 8, 2)); err != nil { // 80%
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := s.SaveRun(testRun("b", base.Add(time.Hour), 10, 0)); err != nil { // 100%
		t.Fatalf("SaveRun failed: %v", err)
	}

	sum, err := s.Summarize()
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	if sum.TotalCampaigns != 2 || sum.TotalSent != 18 || sum.TotalFailed != 2 {
		t.Errorf("unexpected totals: %+v", sum)
	}
	if sum.AverageSuccessRate != 90 {
		t.Errorf("expected average success rate 90, got %v", sum.AverageSuccessRate)
	}
	if sum.ServerUsage["s1"] != 20 {
		t.Errorf("expected 20 attempts via s1, got %d", sum.ServerUsage["s1"])
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := testStorage(t)

	sum, err := s.Summarize()
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.TotalCampaigns != 0 || sum.AverageSuccessRate != 0 {
		t.Errorf("expected empty summary, got %+v", sum)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUsageTrackerWindow(t *testing.T) {
	s := testStorage(t)

	tracker, err := NewUsageTracker(s.DB(), discardLogger())
	if err != nil {
		t.Fatalf("NewUsageTracker failed: %v", err)
	}

	now := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	if got := tracker.Record("s1"); got != 1 {
		t.Errorf("expected count 1, got %d", got)
	}
	if got := tracker.Record("s1"); got != 2 {
		t.Errorf("expected count 2, got %d", got)
	}
	if got := tracker.Record("s2"); got != 1 {
		t.Errorf("expected independent counter for s2, got %d", got)
	}

	// Next hour resets the window.
	now = now.Add(time.Hour)
	if got := tracker.Record("s1"); got != 1 {
		t.Errorf("expected reset count 1 after window lapse, got %d", got)
	}

	stats := tracker.Stats()
	if stats["s1"] != 1 {
		t.Errorf("expected s1=1 in fresh window, got %d", stats["s1"])
	}
	if stats["s2"] != 0 {
		t.Errorf("expected s2=0 after its window lapsed, got %d", stats["s2"])
	}
}

func TestUsageTrackerPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tracker, err := NewUsageTracker(s.DB(), discardLogger())
	if err != nil {
		t.Fatalf("NewUsageTracker failed: %v", err)
	}
	tracker.Record("s1")
	tracker.Record("s1")
	s.Close()

	// Reopen: counters within the same hour survive.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	tracker, err = NewUsageTracker(s.DB(), discardLogger())
	if err != nil {
		t.Fatalf("NewUsageTracker failed: %v", err)
	}
	if got := tracker.Record("s1"); got != 3 {
		t.Errorf("expected persisted count to continue at 3, got %d", got)
	}
}
