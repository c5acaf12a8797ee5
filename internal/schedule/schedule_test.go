package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/listwatch/harvester/internal/config"
	"github.com/listwatch/harvester/internal/types"
)

func TestPartitionDisjointRanges(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 3
	assignments, err := Partition(cfg, "sess-1", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 3 {
		t.Fatalf("assignments = %d, want 3", len(assignments))
	}

	covered := map[int]string{}
	for _, a := range assignments {
		if a.PageRangeStart > a.PageRangeEnd {
			t.Errorf("worker %s has empty range [%d, %d]", a.ID, a.PageRangeStart, a.PageRangeEnd)
		}
		for p := a.PageRangeStart; p <= a.PageRangeEnd; p++ {
			if other, dup := covered[p]; dup {
				t.Fatalf("page %d assigned to both %s and %s", p, other, a.ID)
			}
			covered[p] = a.ID
		}
	}
	for p := 1; p <= 100; p++ {
		if _, ok := covered[p]; !ok {
			t.Fatalf("page %d not assigned to any worker", p)
		}
	}
}

func TestPartitionMoreWorkersThanPages(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 10
	assignments, err := Partition(cfg, "sess-1", 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 4 {
		t.Errorf("assignments = %d, want one per page", len(assignments))
	}
}

func TestScheduleWindows(t *testing.T) {
	// A Wednesday afternoon.
	wedAfternoon := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

	if !InWindow(types.PolicyContinuous, wedAfternoon) {
		t.Error("continuous must always be in window")
	}
	if InWindow(types.PolicyNightWindow, wedAfternoon) {
		t.Error("afternoon is outside the night window")
	}
	if !InWindow(types.PolicyNightWindow, time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)) {
		t.Error("23:00 is inside the night window")
	}
	if !InWindow(types.PolicyNightWindow, time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)) {
		t.Error("03:00 is inside the night window")
	}
	if InWindow(types.PolicyWeekendOnly, wedAfternoon) {
		t.Error("wednesday is not a weekend")
	}
	if !InWindow(types.PolicyWeekendOnly, time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)) {
		t.Error("saturday is a weekend")
	}

	next := NextWindow(types.PolicyNightWindow, 0, wedAfternoon)
	if next.Hour() != nightStartHour || next.Day() != 4 {
		t.Errorf("next night window = %v, want 22:00 same day", next)
	}
	next = NextWindow(types.PolicyWeekendOnly, 0, wedAfternoon)
	if next.Weekday() != time.Saturday {
		t.Errorf("next weekend window = %v, want saturday", next)
	}
	// Staggered starts grow with worker index.
	first := NextWindow(types.PolicyOffsetStart, 0, wedAfternoon)
	third := NextWindow(types.PolicyOffsetStart, 2, wedAfternoon)
	if !third.After(first) {
		t.Error("offset_start must stagger later workers")
	}
}

// fakeLauncher scripts exit codes per attempt and writes a result file on
// the final successful run.
type fakeLauncher struct {
	mu        sync.Mutex
	exitCodes []int
	starts    int
	dir       string
	workerID  string
	result    *types.WorkerResult
}

type fakeHandle struct {
	code   int
	result *types.WorkerResult
	dir    string
	id     string
}

func (h *fakeHandle) Wait() (int, error) {
	if h.code == 0 && h.result != nil {
		if err := WriteJSON(ResultPath(h.dir, h.id), h.result); err != nil {
			return -1, err
		}
	}
	return h.code, nil
}

func (h *fakeHandle) Kill() error { return nil }

func (l *fakeLauncher) Start(context.Context, string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	code := 0
	if l.starts < len(l.exitCodes) {
		code = l.exitCodes[l.starts]
	}
	l.starts++
	return &fakeHandle{code: code, result: l.result, dir: l.dir, id: l.workerID}, nil
}

func newTestScheduler(t *testing.T, l Launcher) (*Scheduler, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.RestartCooldown = time.Millisecond
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScheduler(cfg, l, nil, log)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s, cfg
}

// A worker that crashes twice is restarted twice and its third run counts.
func TestWorkerRestartedAfterCrashes(t *testing.T) {
	launcher := &fakeLauncher{
		exitCodes: []int{1, 1, 0},
		workerID:  "w1",
		result: &types.WorkerResult{
			WorkerID:   "w1",
			StopReason: types.StopRangeExhausted,
			Coverage:   types.CoverageState{UniqueCollected: 120},
		},
	}
	s, cfg := newTestScheduler(t, launcher)
	launcher.dir = cfg.WorkDir

	results, err := s.Run(context.Background(), []types.WorkerAssignment{
		{ID: "w1", PageRangeStart: 1, PageRangeEnd: 10, Policy: types.PolicyContinuous},
	})
	if err != nil {
		t.Fatal(err)
	}
	if launcher.starts != 3 {
		t.Errorf("starts = %d, want 3 (original plus two restarts)", launcher.starts)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Coverage.UniqueCollected != 120 {
		t.Errorf("result coverage = %d, want 120", results[0].Coverage.UniqueCollected)
	}
}

// After the restart budget is spent the worker is abandoned without
// crashing the scheduler; other workers' results still come through.
func TestWorkerPermanentFailureDoesNotCrashSession(t *testing.T) {
	bad := &fakeLauncher{exitCodes: []int{1, 1, 1, 1}, workerID: "w1"}
	s, cfg := newTestScheduler(t, bad)
	bad.dir = cfg.WorkDir

	results, err := s.Run(context.Background(), []types.WorkerAssignment{
		{ID: "w1", PageRangeStart: 1, PageRangeEnd: 10, Policy: types.PolicyContinuous},
	})
	if err != nil {
		t.Fatal(err)
	}
	// MaxRestarts = 2: one original attempt plus two restarts.
	if bad.starts != 3 {
		t.Errorf("starts = %d, want 3", bad.starts)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want none from a permanently failed worker", len(results))
	}
}

func TestProgressFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := types.WorkerProgress{
		WorkerID:        "w9",
		CurrentPage:     42,
		UniqueCollected: 980,
		UpdatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := WriteJSON(ProgressPath(dir, "w9"), want); err != nil {
		t.Fatal(err)
	}
	var got types.WorkerProgress
	if err := ReadJSON(ProgressPath(dir, "w9"), &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

// Without a shared store every worker counts its own disjoint range, so the
// session total is the sum of the per-worker counts.
func TestMergeResultsSumsPerWorkerStores(t *testing.T) {
	cfg := config.Default()
	results := []types.WorkerResult{
		{StopReason: types.StopRangeExhausted, Coverage: types.CoverageState{
			UniqueCollected: 120, Percentage: 0.93, PagesProcessed: []int{1, 2, 3},
		}},
		{StopReason: types.StopTargetReached, Coverage: types.CoverageState{
			UniqueCollected: 80, Percentage: 0.96, PagesProcessed: []int{4, 5},
		}},
	}
	sum := MergeResults("sess-1", cfg, results, time.Now().Add(-time.Minute))
	if sum.TotalCollected != 200 {
		t.Errorf("total = %d, want 200 summed across disjoint stores", sum.TotalCollected)
	}
	if sum.PagesProcessed != 5 {
		t.Errorf("pages = %d, want 5", sum.PagesProcessed)
	}
	if sum.StopReason != types.StopTargetReached {
		t.Errorf("stop reason = %s, want the target-reached worker's", sum.StopReason)
	}
	if sum.CoveragePercentage != 0.96 {
		t.Errorf("coverage = %v, want 0.96", sum.CoveragePercentage)
	}
	if sum.DurationMs < 60_000 {
		t.Errorf("duration = %dms, want at least a minute", sum.DurationMs)
	}
}

// With the shared store every worker reports the fleet-wide unique count, so
// summing would double count; the max is the total.
func TestMergeResultsTakesMaxWithSharedStore(t *testing.T) {
	cfg := config.Default()
	cfg.RedisAddr = "localhost:6379"
	results := []types.WorkerResult{
		{Coverage: types.CoverageState{UniqueCollected: 5900, PagesProcessed: []int{1, 2}}},
		{Coverage: types.CoverageState{UniqueCollected: 5930, PagesProcessed: []int{3, 4}}},
	}
	sum := MergeResults("sess-1", cfg, results, time.Now())
	if sum.TotalCollected != 5930 {
		t.Errorf("total = %d, want shared-store max 5930", sum.TotalCollected)
	}
}
