package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/listwatch/harvester/internal/types"
)

// Postgres is the shared-deployment sink. Several machines can flush into the
// same database; the conditional update keeps the highest-confidence version.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// OpenPostgres connects with a pool and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	if log == nil {
		log = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &Postgres{pool: pool, log: log}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("postgres sink ready")
	return db, nil
}

func (db *Postgres) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		identity TEXT PRIMARY KEY,
		title TEXT,
		url TEXT,
		category TEXT,
		badges TEXT,
		price DOUBLE PRECISION,
		monthly_revenue DOUBLE PRECISION,
		multiple DOUBLE PRECISION,
		multiple_derived BOOLEAN DEFAULT FALSE,
		age_months DOUBLE PRECISION,
		fields_json JSONB NOT NULL,
		fingerprint TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		source_page INTEGER,
		captured_at TIMESTAMPTZ,
		first_seen_at TIMESTAMPTZ DEFAULT now(),
		updated_at TIMESTAMPTZ DEFAULT now(),
		change_summary TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_listings_category ON listings(category);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		stop_reason TEXT,
		total_collected INTEGER,
		pages_processed INTEGER,
		coverage_percentage DOUBLE PRECISION,
		duration_ms BIGINT,
		configuration JSONB,
		finished_at TIMESTAMPTZ DEFAULT now()
	);
	`
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (db *Postgres) UpsertBatch(ctx context.Context, records []*types.Record) (res BatchResult, retErr error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, rec := range records {
		if rec == nil || rec.Identity == "" {
			res.Skipped++
			continue
		}

		var curConfidence int
		var curFingerprint string
		err := tx.QueryRow(ctx,
			`SELECT confidence, fingerprint FROM listings WHERE identity = $1`,
			rec.Identity).Scan(&curConfidence, &curFingerprint)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := db.insert(ctx, tx, rec); err != nil {
				retErr = err
				return res, retErr
			}
			res.Inserted++
		case err != nil:
			retErr = fmt.Errorf("look up listing %s: %w", rec.Identity, err)
			return res, retErr
		case rec.OverallConfidence > curConfidence:
			if err := db.update(ctx, tx, rec, curFingerprint); err != nil {
				retErr = err
				return res, retErr
			}
			res.Updated++
		default:
			res.Skipped++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		retErr = fmt.Errorf("commit batch: %w", err)
		return res, retErr
	}
	return res, nil
}

func (db *Postgres) insert(ctx context.Context, tx pgx.Tx, rec *types.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", rec.Identity, err)
	}
	mult := rec.Fields[types.FieldMultiple]
	_, err = tx.Exec(ctx, `
		INSERT INTO listings (
			identity, title, url, category, badges,
			price, monthly_revenue, multiple, multiple_derived, age_months,
			fields_json, fingerprint, confidence, source_page, captured_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.Identity,
		rec.Fields[types.FieldTitle].Text,
		rec.Fields[types.FieldURL].Text,
		rec.Fields[types.FieldCategory].Text,
		rec.Fields[types.FieldBadges].Text,
		rec.Fields[types.FieldPrice].Number,
		rec.Fields[types.FieldMonthlyRevenue].Number,
		mult.Number,
		mult.Derived,
		rec.Fields[types.FieldAgeMonths].Number,
		fieldsJSON,
		fieldsFingerprint(rec),
		rec.OverallConfidence,
		rec.SourcePage,
		rec.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("insert listing %s: %w", rec.Identity, err)
	}
	return nil
}

func (db *Postgres) update(ctx context.Context, tx pgx.Tx, rec *types.Record, oldFingerprint string) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", rec.Identity, err)
	}
	fingerprint := fieldsFingerprint(rec)
	mult := rec.Fields[types.FieldMultiple]
	_, err = tx.Exec(ctx, `
		UPDATE listings SET
			title = $1, url = $2, category = $3, badges = $4,
			price = $5, monthly_revenue = $6, multiple = $7, multiple_derived = $8, age_months = $9,
			fields_json = $10, fingerprint = $11, confidence = $12, source_page = $13,
			captured_at = $14, updated_at = now(), change_summary = $15
		WHERE identity = $16 AND confidence < $12`,
		rec.Fields[types.FieldTitle].Text,
		rec.Fields[types.FieldURL].Text,
		rec.Fields[types.FieldCategory].Text,
		rec.Fields[types.FieldBadges].Text,
		rec.Fields[types.FieldPrice].Number,
		rec.Fields[types.FieldMonthlyRevenue].Number,
		mult.Number,
		mult.Derived,
		rec.Fields[types.FieldAgeMonths].Number,
		fieldsJSON,
		fingerprint,
		rec.OverallConfidence,
		rec.SourcePage,
		rec.CapturedAt,
		changeSummary(oldFingerprint, fingerprint),
		rec.Identity,
	)
	if err != nil {
		return fmt.Errorf("update listing %s: %w", rec.Identity, err)
	}
	return nil
}

func (db *Postgres) SaveSummary(ctx context.Context, summary *types.SessionSummary) error {
	cfg, err := json.Marshal(summary.Configuration)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO sessions (
			session_id, stop_reason, total_collected, pages_processed,
			coverage_percentage, duration_ms, configuration
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id) DO UPDATE SET
			stop_reason = EXCLUDED.stop_reason,
			total_collected = EXCLUDED.total_collected,
			pages_processed = EXCLUDED.pages_processed,
			coverage_percentage = EXCLUDED.coverage_percentage,
			duration_ms = EXCLUDED.duration_ms,
			configuration = EXCLUDED.configuration,
			finished_at = now()`,
		summary.SessionID,
		string(summary.StopReason),
		summary.TotalCollected,
		summary.PagesProcessed,
		summary.CoveragePercentage,
		summary.DurationMs,
		cfg,
	)
	if err != nil {
		return fmt.Errorf("save session summary: %w", err)
	}
	return nil
}

func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}
