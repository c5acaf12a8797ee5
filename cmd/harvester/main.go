// Command harvester collects structured listings from a paginated
// marketplace catalog. The run command supervises a fleet of worker
// processes; the hidden worker command is what those processes execute.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/listwatch/harvester/internal/api"
	"github.com/listwatch/harvester/internal/config"
	"github.com/listwatch/harvester/internal/estimate"
	"github.com/listwatch/harvester/internal/metrics"
	"github.com/listwatch/harvester/internal/persist"
	"github.com/listwatch/harvester/internal/render"
	"github.com/listwatch/harvester/internal/schedule"
	"github.com/listwatch/harvester/internal/types"
	"github.com/listwatch/harvester/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "harvester",
		Usage: "adaptive collection of structured records from a paginated catalog",
		Commands: []*cli.Command{
			runCommand(),
			workerCommand(),
			estimateCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to YAML config file"},
		&cli.StringFlag{Name: "url", Usage: "catalog start URL"},
		&cli.IntFlag{Name: "pages", Usage: "hard page ceiling"},
		&cli.Float64Flag{Name: "target", Usage: "completeness target (0..1]"},
		&cli.IntFlag{Name: "workers", Usage: "number of worker processes"},
		&cli.StringFlag{Name: "policy", Usage: "schedule policy: continuous|offset_start|night_window|weekend_only"},
		&cli.IntFlag{Name: "delay-min", Usage: "minimum inter-page delay in ms"},
		&cli.IntFlag{Name: "delay-max", Usage: "maximum inter-page delay in ms"},
		&cli.IntFlag{Name: "recheck", Usage: "re-estimate every N pages"},
		&cli.IntFlag{Name: "retries", Usage: "navigation retries per page"},
		&cli.StringFlag{Name: "profile", Usage: "extraction profile YAML for the target site"},
		&cli.StringFlag{Name: "db", Usage: "sqlite database path"},
		&cli.StringFlag{Name: "pg-dsn", Usage: "postgres DSN (overrides sqlite)"},
		&cli.StringFlag{Name: "redis", Usage: "redis address for the shared store"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "listen address for /metrics"},
		&cli.StringFlag{Name: "work-dir", Usage: "directory for coordination files"},
		&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error"},
		&cli.BoolFlag{Name: "headed", Usage: "run the browser with a visible window"},
	}
}

// loadConfig layers: defaults, YAML file, environment, CLI flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("url") {
		cfg.StartURL = c.String("url")
	}
	if c.IsSet("pages") {
		cfg.PageCeiling = c.Int("pages")
	}
	if c.IsSet("target") {
		cfg.CompletenessTarget = c.Float64("target")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("policy") {
		cfg.SchedulePolicy = c.String("policy")
	}
	if c.IsSet("delay-min") {
		cfg.DelayRange.MinMs = c.Int("delay-min")
	}
	if c.IsSet("delay-max") {
		cfg.DelayRange.MaxMs = c.Int("delay-max")
	}
	if c.IsSet("recheck") {
		cfg.RecheckInterval = c.Int("recheck")
	}
	if c.IsSet("retries") {
		cfg.MaxRetries = c.Int("retries")
	}
	if c.IsSet("profile") {
		cfg.ProfilePath = c.String("profile")
	}
	if c.IsSet("db") {
		cfg.DatabasePath = c.String("db")
	}
	if c.IsSet("pg-dsn") {
		cfg.PostgresDSN = c.String("pg-dsn")
	}
	if c.IsSet("redis") {
		cfg.RedisAddr = c.String("redis")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("work-dir") {
		cfg.WorkDir = c.String("work-dir")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.Bool("headed") {
		cfg.Headless = false
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func serveHTTP(addr string, mux *http.ServeMux, log *slog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("http listener stopped", slog.String("error", err.Error()))
		}
	}()
	log.Info("observability endpoints listening", slog.String("addr", addr))
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a full collection session",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("configuration: %v", err), 1)
			}
			log := newLogger(cfg.LogLevel)
			m := metrics.New()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessionID := uuid.NewString()[:8]
			started := time.Now()

			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			api.NewServer(cfg.WorkDir, sessionID, log).Register(mux)
			serveHTTP(cfg.MetricsAddr, mux, log)

			log.Info("session starting",
				slog.String("session", sessionID),
				slog.String("url", cfg.StartURL),
				slog.Int("workers", cfg.Workers),
				slog.String("policy", cfg.SchedulePolicy))

			assignments, err := schedule.Partition(cfg, sessionID, 1, cfg.PageCeiling)
			if err != nil {
				return cli.Exit(fmt.Sprintf("partition pages: %v", err), 1)
			}

			sched := schedule.NewScheduler(cfg, &schedule.ExecLauncher{}, m, log)
			results, err := sched.Run(ctx, assignments)
			if err != nil {
				return cli.Exit(fmt.Sprintf("scheduler: %v", err), 1)
			}
			if len(results) == 0 {
				// Every worker died without publishing a result; the usual
				// cause is a browser that never started.
				return cli.Exit("no worker produced a result; is the browser available?", 1)
			}

			summary := schedule.MergeResults(sessionID, cfg, results, started)
			if err := saveSummary(ctx, cfg, summary, log); err != nil {
				log.Error("summary not persisted", slog.String("error", err.Error()))
			}

			out, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

// saveSummary persists the merged session summary through the same sink the
// workers flushed to.
func saveSummary(ctx context.Context, cfg *config.Config, summary *types.SessionSummary, log *slog.Logger) error {
	var sink persist.Sink
	var err error
	if cfg.PostgresDSN != "" {
		sink, err = persist.OpenPostgres(ctx, cfg.PostgresDSN, log)
	} else {
		sink, err = persist.OpenSQLite(cfg.DatabasePath, log)
	}
	if err != nil {
		return err
	}
	defer sink.Close()
	return sink.SaveSummary(ctx, summary)
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Hidden: true,
		Usage:  "run one worker assignment (spawned by run)",
		Flags: append(configFlags(),
			&cli.StringFlag{Name: "assignment", Required: true, Usage: "path to the assignment file"},
		),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("configuration: %v", err), 1)
			}
			log := newLogger(cfg.LogLevel)
			m := metrics.New()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt := worker.New(cfg, m, log)
			if err := rt.Run(ctx, c.String("assignment")); err != nil {
				log.Error("worker failed", slog.String("error", err.Error()))
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:  "estimate",
		Usage: "print a one-shot catalog size estimate and exit",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("configuration: %v", err), 1)
			}
			log := newLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			renderer := render.NewChromeRenderer(render.ChromeOptions{
				Headless:         cfg.Headless,
				UserAgent:        cfg.UserAgent,
				NoSandbox:        true,
				ChallengeTimeout: cfg.ChallengeTimeout,
			}, log)
			defer renderer.Close()

			if _, err := renderer.Navigate(ctx, cfg.StartURL, render.NavigateOptions{
				Timeout: cfg.NavigationTimeout,
			}); err != nil {
				return cli.Exit(fmt.Sprintf("navigate: %v", err), 1)
			}
			page, err := render.Snapshot(ctx, renderer, cfg.StartURL, 1)
			if err != nil {
				return cli.Exit(fmt.Sprintf("snapshot: %v", err), 1)
			}

			est := estimate.New(log)
			accepted, err := est.Estimate(ctx, page)
			if err != nil {
				return cli.Exit(fmt.Sprintf("estimate: %v", err), 1)
			}
			out, _ := json.MarshalIndent(accepted, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
