package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/listwatch/harvester/internal/config"
	"github.com/listwatch/harvester/internal/errors"
	"github.com/listwatch/harvester/internal/metrics"
	"github.com/listwatch/harvester/internal/types"
)

// Handle is one running worker process.
type Handle interface {
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Kill terminates the process.
	Kill() error
}

// Launcher starts worker processes. The exec implementation spawns the
// harvester binary itself in worker mode; tests substitute a fake.
type Launcher interface {
	Start(ctx context.Context, assignmentPath string) (Handle, error)
}

// progressStaleAfter is how long a worker may go without touching its
// progress file before the supervisor declares it hung and kills it.
const progressStaleAfter = 5 * time.Minute

// healthCheckInterval paces the supervisor's progress-file polling.
const healthCheckInterval = 15 * time.Second

// errorCeiling is the reported error count past which a long-running worker
// is considered wedged against the site and recycled.
const errorCeiling = 50

// Scheduler owns a fleet of worker processes for one session.
type Scheduler struct {
	cfg      *config.Config
	launcher Launcher
	metrics  *metrics.Metrics
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler builds a scheduler. metrics may be nil.
func NewScheduler(cfg *config.Config, l Launcher, m *metrics.Metrics, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		launcher: l,
		metrics:  m,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run writes the assignment files, supervises every worker to completion,
// and returns whatever results the workers published. A permanently failed
// worker yields no result but never fails the session.
func (s *Scheduler) Run(ctx context.Context, assignments []types.WorkerAssignment) ([]types.WorkerResult, error) {
	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	var wg sync.WaitGroup
	results := make([]*types.WorkerResult, len(assignments))
	for i, a := range assignments {
		path := AssignmentPath(s.cfg.WorkDir, a.ID)
		if err := WriteJSON(path, a); err != nil {
			return nil, fmt.Errorf("write assignment %s: %w", a.ID, err)
		}
		wg.Add(1)
		go func(idx int, a types.WorkerAssignment) {
			defer wg.Done()
			results[idx] = s.supervise(ctx, idx, a)
		}(i, a)
	}
	wg.Wait()

	out := make([]types.WorkerResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// supervise runs one worker through its schedule window, restarting after
// failures with a cooldown until the restart budget is spent. A worker that
// keeps failing is marked permanently failed and left alone.
func (s *Scheduler) supervise(ctx context.Context, idx int, a types.WorkerAssignment) *types.WorkerResult {
	if wait := NextWindow(a.Policy, idx, s.now()).Sub(s.now()); wait > 0 {
		s.log.Info("worker waiting for schedule window",
			slog.String("worker", a.ID),
			slog.String("policy", string(a.Policy)),
			slog.Duration("wait", wait))
		if err := s.sleep(ctx, wait); err != nil {
			return nil
		}
	}

	assignmentPath := AssignmentPath(s.cfg.WorkDir, a.ID)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return s.readResult(a.ID)
		}

		err := s.runOnce(ctx, a.ID, assignmentPath)
		if err == nil {
			return s.readResult(a.ID)
		}

		s.log.Warn("worker failed",
			slog.String("worker", a.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		if attempt >= s.cfg.MaxRestarts {
			s.log.Error("worker permanently failed, range abandoned",
				slog.String("worker", a.ID),
				slog.Int("restarts_used", attempt),
				slog.Int("range_start", a.PageRangeStart),
				slog.Int("range_end", a.PageRangeEnd))
			return s.readResult(a.ID)
		}

		s.metrics.IncWorkerRestart(a.ID)
		s.log.Info("restarting worker after cooldown",
			slog.String("worker", a.ID),
			slog.Duration("cooldown", s.cfg.RestartCooldown))
		if err := s.sleep(ctx, s.cfg.RestartCooldown); err != nil {
			return s.readResult(a.ID)
		}
	}
}

// runOnce starts the process and waits for it, killing it if the progress
// file goes stale.
func (s *Scheduler) runOnce(ctx context.Context, workerID, assignmentPath string) error {
	progressPath := ProgressPath(s.cfg.WorkDir, workerID)
	// A leftover progress file from a killed attempt would trip the health
	// check against the fresh process.
	_ = os.Remove(progressPath)

	h, err := s.launcher.Start(ctx, assignmentPath)
	if err != nil {
		return &errors.WorkerFailure{WorkerID: workerID, ExitCode: -1, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		code, err := h.Wait()
		if err == nil && code != 0 {
			err = &errors.WorkerFailure{WorkerID: workerID, ExitCode: code}
		} else if err != nil {
			err = &errors.WorkerFailure{WorkerID: workerID, ExitCode: code, Err: err}
		}
		done <- err
	}()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			// Let the worker finish its page; it handles the signal
			// itself. Wait for the normal exit.
			err := <-done
			return err
		case <-ticker.C:
			if reason := s.unhealthy(progressPath); reason != "" {
				s.log.Warn("worker unhealthy, killing",
					slog.String("worker", workerID),
					slog.String("reason", reason))
				_ = h.Kill()
				<-done
				return &errors.WorkerFailure{
					WorkerID: workerID,
					ExitCode: -1,
					Err:      fmt.Errorf("health check: %s", reason),
				}
			}
		}
	}
}

// unhealthy returns a non-empty reason when the worker's progress file shows
// it hung (no update within the staleness budget) or wedged (error count past
// the ceiling). A missing file is healthy: the worker may still be starting
// its renderer.
func (s *Scheduler) unhealthy(path string) string {
	var p types.WorkerProgress
	if err := ReadJSON(path, &p); err != nil {
		return ""
	}
	if s.now().Sub(p.UpdatedAt) > progressStaleAfter {
		return fmt.Sprintf("no progress for %s", progressStaleAfter)
	}
	if p.ErrorCount > errorCeiling {
		return fmt.Sprintf("error count %d past ceiling", p.ErrorCount)
	}
	return ""
}

func (s *Scheduler) readResult(workerID string) *types.WorkerResult {
	var r types.WorkerResult
	if err := ReadJSON(ResultPath(s.cfg.WorkDir, workerID), &r); err != nil {
		return nil
	}
	return &r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MergeResults folds per-worker results into one session summary.
func MergeResults(sessionID string, cfg *config.Config, results []types.WorkerResult, started time.Time) *types.SessionSummary {
	summary := &types.SessionSummary{
		SessionID:     sessionID,
		Configuration: cfg.Summary(),
	}

	var bestCoverage float64
	shared := cfg.RedisAddr != ""
	for _, r := range results {
		summary.PagesProcessed += len(r.Coverage.PagesProcessed)
		if shared {
			// Workers share one store; every result reports the fleet-wide
			// unique count, so the counts overlap and the max is the total.
			if r.Coverage.UniqueCollected > summary.TotalCollected {
				summary.TotalCollected = r.Coverage.UniqueCollected
			}
		} else {
			// Per-process stores over disjoint page ranges; the counts add.
			summary.TotalCollected += r.Coverage.UniqueCollected
		}
		if r.Coverage.Percentage > bestCoverage {
			bestCoverage = r.Coverage.Percentage
		}
		if summary.StopReason == "" || r.StopReason == types.StopTargetReached {
			summary.StopReason = r.StopReason
		}
	}
	summary.CoveragePercentage = bestCoverage
	summary.DurationMs = time.Since(started).Milliseconds()
	return summary
}
