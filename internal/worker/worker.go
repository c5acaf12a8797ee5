// Package worker is the runtime of one collection process: it assembles the
// renderer, extractor, estimator and store around the controller, reports
// progress through files, and flushes collected records to durable storage.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/listwatch/harvester/internal/config"
	"github.com/listwatch/harvester/internal/control"
	"github.com/listwatch/harvester/internal/estimate"
	"github.com/listwatch/harvester/internal/extract"
	"github.com/listwatch/harvester/internal/metrics"
	"github.com/listwatch/harvester/internal/persist"
	"github.com/listwatch/harvester/internal/render"
	"github.com/listwatch/harvester/internal/schedule"
	"github.com/listwatch/harvester/internal/store"
	"github.com/listwatch/harvester/internal/types"
)

// ErrRendererUnavailable marks the one failure that exits non-zero: no
// browser session could be started at all.
var ErrRendererUnavailable = stderrors.New("worker: renderer unavailable at startup")

// flushEvery is how many pages pass between durable flushes of the store
// snapshot. The final flush always happens regardless.
const flushEvery = 10

// Runtime holds the per-process collaborators.
type Runtime struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{cfg: cfg, metrics: m, log: log}
}

// Run executes the assignment at path to completion and writes the result
// file. Mid-run errors are absorbed by the controller; the returned error is
// only non-nil for startup failures.
func (w *Runtime) Run(ctx context.Context, assignmentPath string) error {
	var a types.WorkerAssignment
	if err := schedule.ReadJSON(assignmentPath, &a); err != nil {
		return fmt.Errorf("read assignment: %w", err)
	}
	log := w.log.With(slog.String("worker", a.ID))

	renderer := render.NewChromeRenderer(render.ChromeOptions{
		Headless:         w.cfg.Headless,
		UserAgent:        w.cfg.UserAgent,
		NoSandbox:        true,
		ChallengeTimeout: w.cfg.ChallengeTimeout,
	}, log)
	if err := renderer.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	defer renderer.Close()

	st, closeStore, err := w.openStore(ctx, a, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, err := w.openSink(ctx, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	var profile *extract.Profile
	if w.cfg.ProfilePath != "" {
		profile, err = extract.LoadProfile(w.cfg.ProfilePath)
		if err != nil {
			return fmt.Errorf("load extraction profile: %w", err)
		}
	}
	extractor, err := extract.New(profile, log)
	if err != nil {
		return fmt.Errorf("build extractor: %w", err)
	}

	ctrl, err := control.New(w.cfg, renderer, extractor, estimate.New(log), st, w.metrics, log)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	progressPath := schedule.ProgressPath(w.cfg.WorkDir, a.ID)
	pagesSinceFlush := 0
	ctrl.OnProgress = func(p types.WorkerProgress) {
		if err := schedule.WriteJSON(progressPath, p); err != nil {
			log.Warn("progress not written", slog.String("error", err.Error()))
		}
		pagesSinceFlush++
		if pagesSinceFlush >= flushEvery {
			pagesSinceFlush = 0
			w.flush(ctx, st, sink, log)
		}
	}

	log.Info("worker starting",
		slog.String("session", a.SessionID),
		slog.Int("range_start", a.PageRangeStart),
		slog.Int("range_end", a.PageRangeEnd),
		slog.String("policy", string(a.Policy)))

	result := ctrl.Run(ctx, a)

	// Final flush happens even on interruption; nothing collected is lost.
	w.flush(context.WithoutCancel(ctx), st, sink, log)

	if err := schedule.WriteJSON(schedule.ResultPath(w.cfg.WorkDir, a.ID), result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	log.Info("worker finished",
		slog.String("stop_reason", string(result.StopReason)),
		slog.Int("unique", result.Coverage.UniqueCollected),
		slog.Float64("coverage", result.Coverage.Percentage),
		slog.Int("errors", result.ErrorCount))
	return nil
}

// openStore picks the shared Redis store when configured, the in-process
// store otherwise.
func (w *Runtime) openStore(ctx context.Context, a types.WorkerAssignment, log *slog.Logger) (store.Store, func(), error) {
	if w.cfg.RedisAddr != "" {
		shared, err := store.NewShared(ctx, w.cfg.RedisAddr, a.SessionID, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open shared store: %w", err)
		}
		log.Info("using shared store", slog.String("redis", w.cfg.RedisAddr))
		return shared, func() { _ = shared.Close() }, nil
	}
	return store.NewMemory(), func() {}, nil
}

// openSink picks Postgres when a DSN is configured, SQLite otherwise.
func (w *Runtime) openSink(ctx context.Context, log *slog.Logger) (persist.Sink, error) {
	if w.cfg.PostgresDSN != "" {
		pg, err := persist.OpenPostgres(ctx, w.cfg.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		return pg, nil
	}
	db, err := persist.OpenSQLite(w.cfg.DatabasePath, log)
	if err != nil {
		return nil, fmt.Errorf("open sqlite sink: %w", err)
	}
	return db, nil
}

// flush writes the current store snapshot through the sink. The sink applies
// the same conditional-replace rule, so re-flushing is idempotent.
func (w *Runtime) flush(ctx context.Context, st store.Store, sink persist.Sink, log *slog.Logger) {
	snap, err := st.Snapshot(ctx)
	if err != nil {
		log.Warn("snapshot for flush failed", slog.String("error", err.Error()))
		return
	}
	if len(snap) == 0 {
		return
	}
	res, err := sink.UpsertBatch(ctx, snap)
	if err != nil {
		log.Warn("durable flush failed", slog.String("error", err.Error()))
		return
	}
	log.Debug("flushed to durable storage",
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped))
}
