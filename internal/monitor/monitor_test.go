package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KingCide/Mariner/internal/registry"
)

type fakeChecker struct {
	calls   atomic.Int32
	results []registry.HealthResult
}

func (f *fakeChecker) CheckHealth(ctx context.Context) []registry.HealthResult {
	f.calls.Add(1)
	return f.results
}

func TestRunOnceRecordsResults(t *testing.T) {
	fc := &fakeChecker{results: []registry.HealthResult{
		{HostID: "a", Healthy: true},
		{HostID: "b", Healthy: false, Error: "connection refused"},
	}}
	m, err := New(fc, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}

	if res, at := m.Last(); res != nil || !at.IsZero() {
		t.Fatalf("expected no results before first check, got %v at %v", res, at)
	}
	got := m.RunOnce(context.Background())
	if len(got) != 2 {
		t.Fatalf("results = %v", got)
	}
	res, at := m.Last()
	if len(res) != 2 || at.IsZero() {
		t.Errorf("Last = %v at %v", res, at)
	}
}

func TestScheduledChecksRun(t *testing.T) {
	fc := &fakeChecker{}
	m, err := New(fc, "@every 1s")
	if err != nil {
		t.Fatal(err)
	}
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for fc.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if fc.calls.Load() == 0 {
		t.Fatal("scheduled check never ran")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(&fakeChecker{}, "every now and then"); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestAddJob(t *testing.T) {
	m, err := New(&fakeChecker{}, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.AddJob("not a schedule", "purge", func() {}); err == nil {
		t.Error("expected schedule error")
	}

	var ran atomic.Int32
	if err := m.AddJob("@every 1s", "purge", func() { ran.Add(1) }); err != nil {
		t.Fatal(err)
	}
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for ran.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if ran.Load() == 0 {
		t.Fatal("job never ran")
	}
}
