package campaign

import (
	"errors"
	"testing"
	"time"
)

func testServers(names ...string) []Server {
	servers := make([]Server, len(names))
	for i, name := range names {
		servers[i] = Server{
			Name:    name,
			Host:    name + ".example.com",
			Port:    587,
			Enabled: true,
		}
	}
	return servers
}

func TestNewPoolNoEnabledServers(t *testing.T) {
	servers := testServers("a", "b")
	servers[0].Enabled = false
	servers[1].Enabled = false

	_, err := NewPool(servers, Policy{})
	if !errors.Is(err, ErrNoServersAvailable) {
		t.Errorf("expected ErrNoServersAvailable, got %v", err)
	}

	if _, err := NewPool(nil, Policy{}); !errors.Is(err, ErrNoServersAvailable) {
		t.Errorf("expected ErrNoServersAvailable for empty input, got %v", err)
	}
}

func TestNewPoolFiltersDisabled(t *testing.T) {
	servers := testServers("a", "b", "c")
	servers[1].Enabled = false

	pool, err := NewPool(servers, Policy{})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	if pool.Size() != 2 {
		t.Errorf("expected pool size 2, got %d", pool.Size())
	}
	if pool.Current().Name != "a" {
		t.Errorf("expected first server a, got %s", pool.Current().Name)
	}
}

func TestNewPoolPriorityOrder(t *testing.T) {
	servers := testServers("low", "high", "mid")
	servers[0].Priority = 3
	servers[1].Priority = 1
	servers[2].Priority = 2

	pool, err := NewPool(servers, Policy{Mode: RotateByCount, Threshold: 1, FailoverEnabled: true})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, pool.Current().Name)
		pool.RecordAttempt()
		pool.RotateIfDue()
	}

	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestRotateByCount(t *testing.T) {
	pool, err := NewPool(testServers("s1", "s2"), Policy{Mode: RotateByCount, Threshold: 2})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	// Two attempts through s1, then the third pull rotates to s2.
	usage := make(map[string]int)
	for i := 0; i < 5; i++ {
		pool.RotateIfDue()
		usage[pool.Current().Name]++
		pool.RecordAttempt()
	}

	if usage["s1"] != 3 || usage["s2"] != 2 {
		t.Errorf("expected usage s1=3 s2=2, got %v", usage)
	}
	if pool.Rotations() != 2 {
		t.Errorf("expected 2 rotations, got %d", pool.Rotations())
	}
}

func TestRotateByCountThresholdOne(t *testing.T) {
	pool, err := NewPool(testServers("s1", "s2", "s3"), Policy{Mode: RotateByCount, Threshold: 1})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	var order []string
	for i := 0; i < 6; i++ {
		pool.RotateIfDue()
		order = append(order, pool.Current().Name)
		pool.RecordAttempt()
	}

	want := []string{"s1", "s2", "s3", "s1", "s2", "s3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestRotateByTime(t *testing.T) {
	now := time.Now()
	pool, err := NewPool(testServers("s1", "s2"), Policy{Mode: RotateByTime, Interval: time.Minute})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	pool.now = func() time.Time { return now }
	pool.activeAt = now

	if pool.RotateIfDue() {
		t.Error("rotated before interval elapsed")
	}

	now = now.Add(59 * time.Second)
	if pool.RotateIfDue() {
		t.Error("rotated 1s before interval elapsed")
	}

	now = now.Add(time.Second)
	if !pool.RotateIfDue() {
		t.Fatal("expected rotation after interval elapsed")
	}
	if pool.Current().Name != "s2" {
		t.Errorf("expected s2 active, got %s", pool.Current().Name)
	}

	// Window restarts from the rotation.
	if pool.RotateIfDue() {
		t.Error("rotated again without a fresh interval")
	}
}

func TestRotateSingleServerResetsWindow(t *testing.T) {
	pool, err := NewPool(testServers("only"), Policy{Mode: RotateByCount, Threshold: 2})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	pool.RecordAttempt()
	pool.RecordAttempt()

	if pool.RotateIfDue() {
		t.Error("single-server pool must not report a rotation")
	}
	if pool.Rotations() != 0 {
		t.Errorf("expected 0 rotations, got %d", pool.Rotations())
	}
	if pool.attempts != 0 {
		t.Errorf("expected attempt window reset, got %d", pool.attempts)
	}
}

func TestFailover(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		pool, err := NewPool(testServers("s1", "s2"), Policy{Mode: RotateByCount, Threshold: 10, FailoverEnabled: true})
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}

		pool.RecordAttempt()
		if !pool.Failover() {
			t.Fatal("expected failover to succeed")
		}
		if pool.Current().Name != "s2" {
			t.Errorf("expected s2 after failover, got %s", pool.Current().Name)
		}
		if pool.Rotations() != 1 || pool.Failovers() != 1 {
			t.Errorf("expected rotations=1 failovers=1, got %d/%d", pool.Rotations(), pool.Failovers())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		pool, err := NewPool(testServers("s1", "s2"), Policy{Mode: RotateByCount, Threshold: 10})
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}
		if pool.Failover() {
			t.Error("failover must be a no-op when disabled")
		}
		if pool.Current().Name != "s1" {
			t.Errorf("server changed with failover disabled: %s", pool.Current().Name)
		}
	})

	t.Run("single server", func(t *testing.T) {
		pool, err := NewPool(testServers("only"), Policy{FailoverEnabled: true})
		if err != nil {
			t.Fatalf("NewPool failed: %v", err)
		}
		if pool.Failover() {
			t.Error("failover with one server has nowhere to move")
		}
	})
}

func TestFailoverResetsRotationWindow(t *testing.T) {
	pool, err := NewPool(testServers("s1", "s2"), Policy{Mode: RotateByCount, Threshold: 3, FailoverEnabled: true})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	pool.RecordAttempt()
	pool.RecordAttempt()
	pool.Failover()

	// The new server starts a fresh window: two more attempts must not
	// trigger a planned rotation yet.
	pool.RecordAttempt()
	pool.RecordAttempt()
	if pool.RotateIfDue() {
		t.Error("rotation window must restart after failover")
	}
}
