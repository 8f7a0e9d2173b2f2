package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/angrav/internal/availability"
	"github.com/basket/angrav/internal/surface"
)

func openTestStore(t *testing.T) *availability.Store {
	t.Helper()
	st, err := availability.Open(filepath.Join(t.TempDir(), "availability.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func persistLimited(t *testing.T, st *availability.Store, model string, at time.Time) {
	t.Helper()
	info := &surface.RateLimitInfo{Model: model, IsLimited: true, AvailableAt: &at, RawMessage: "banner"}
	if err := st.Persist(context.Background(), info, "default", "s1", "banner"); err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	st := openTestStore(t)
	_, err := NewScheduler(Config{
		Store:        st,
		TrimSchedule: "not a cron expr",
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewScheduler_SkipsEmptySchedules(t *testing.T) {
	st := openTestStore(t)
	s, err := NewScheduler(Config{Store: st, PurgeSchedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if len(s.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(s.jobs))
	}
	if s.jobs[0].name != "purge_expired" {
		t.Errorf("job = %q", s.jobs[0].name)
	}
}

func TestTick_FiresDueJobAndReschedules(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// A past resume instant gives the current row the minimum TTL, so it
	// is purgeable once that second elapses.
	persistLimited(t, st, "MX", time.Now().Add(-time.Hour))
	time.Sleep(1100 * time.Millisecond)

	s, err := NewScheduler(Config{
		Store:         st,
		PurgeSchedule: "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// Force the job due and tick once.
	s.jobs[0].nextRun = time.Now().Add(-time.Minute)
	s.tick(ctx)

	// The tick already purged, so a direct purge finds nothing.
	n, err := st.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("tick left %d expired rows behind", n)
	}
	if !s.jobs[0].nextRun.After(time.Now()) {
		t.Errorf("nextRun not rescheduled: %v", s.jobs[0].nextRun)
	}
}

func TestTick_SkipsNotDueJob(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	persistLimited(t, st, "MX", time.Now().Add(-time.Hour))
	time.Sleep(1100 * time.Millisecond)

	s, err := NewScheduler(Config{Store: st, PurgeSchedule: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	s.jobs[0].nextRun = time.Now().Add(time.Hour)
	s.tick(ctx)

	n, err := st.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected the expired row to survive a not-due tick, purge removed %d", n)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	st := openTestStore(t)
	s, err := NewScheduler(Config{
		Store:         st,
		TrimSchedule:  "0 * * * *",
		PurgeSchedule: "*/5 * * * *",
		Interval:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Error("expected error for bad expression")
	}
}
