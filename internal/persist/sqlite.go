package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/listwatch/harvester/internal/types"
)

// SQLite persists records into a single-file database. The connection runs in
// WAL mode and the schema is migrated on open.
type SQLite struct {
	conn *sql.DB
	log  *slog.Logger
}

// OpenSQLite opens or creates the database at path and migrates the schema.
func OpenSQLite(path string, log *slog.Logger) (*SQLite, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &SQLite{conn: conn, log: log}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info("sqlite sink ready", slog.String("path", path))
	return db, nil
}

func (db *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		identity TEXT PRIMARY KEY,
		title TEXT,
		url TEXT,
		category TEXT,
		badges TEXT,
		price REAL,
		monthly_revenue REAL,
		multiple REAL,
		multiple_derived INTEGER DEFAULT 0,
		age_months REAL,
		fields_json TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		source_page INTEGER,
		captured_at TIMESTAMP,
		first_seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		change_summary TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_listings_category ON listings(category);
	CREATE INDEX IF NOT EXISTS idx_listings_confidence ON listings(confidence);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		stop_reason TEXT,
		total_collected INTEGER,
		pages_processed INTEGER,
		coverage_percentage REAL,
		duration_ms INTEGER,
		configuration TEXT,
		finished_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertBatch applies the batch in one transaction. An existing row is only
// replaced by a strictly higher confidence record; replacements carry a diff
// of the field fingerprint in change_summary.
func (db *SQLite) UpsertBatch(ctx context.Context, records []*types.Record) (res BatchResult, retErr error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, rec := range records {
		if rec == nil || rec.Identity == "" {
			res.Skipped++
			continue
		}

		var curConfidence int
		var curFingerprint string
		err := tx.QueryRowContext(ctx,
			`SELECT confidence, fingerprint FROM listings WHERE identity = ?`,
			rec.Identity).Scan(&curConfidence, &curFingerprint)
		switch {
		case err == sql.ErrNoRows:
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

	if err := tx.Commit(); err != nil {
		retErr = fmt.Errorf("commit batch: %w", err)
		return res, retErr
	}
	return res, nil
}

func (db *SQLite) insert(ctx context.Context, tx *sql.Tx, rec *types.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", rec.Identity, err)
	}

	mult := rec.Fields[types.FieldMultiple]
	_, err = tx.ExecContext(ctx, `
		INSERT INTO listings (
			identity, title, url, category, badges,
			price, monthly_revenue, multiple, multiple_derived, age_months,
			fields_json, fingerprint, confidence, source_page, captured_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Identity,
		rec.Fields[types.FieldTitle].Text,
		rec.Fields[types.FieldURL].Text,
		rec.Fields[types.FieldCategory].Text,
		rec.Fields[types.FieldBadges].Text,
		rec.Fields[types.FieldPrice].Number,
		rec.Fields[types.FieldMonthlyRevenue].Number,
		mult.Number,
		boolToInt(mult.Derived),
		rec.Fields[types.FieldAgeMonths].Number,
		string(fieldsJSON),
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

func (db *SQLite) update(ctx context.Context, tx *sql.Tx, rec *types.Record, oldFingerprint string) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", rec.Identity, err)
	}

	fingerprint := fieldsFingerprint(rec)
	mult := rec.Fields[types.FieldMultiple]
	_, err = tx.ExecContext(ctx, `
		UPDATE listings SET
			title = ?, url = ?, category = ?, badges = ?,
			price = ?, monthly_revenue = ?, multiple = ?, multiple_derived = ?, age_months = ?,
			fields_json = ?, fingerprint = ?, confidence = ?, source_page = ?,
			captured_at = ?, updated_at = CURRENT_TIMESTAMP, change_summary = ?
		WHERE identity = ?`,
		rec.Fields[types.FieldTitle].Text,
		rec.Fields[types.FieldURL].Text,
		rec.Fields[types.FieldCategory].Text,
		rec.Fields[types.FieldBadges].Text,
		rec.Fields[types.FieldPrice].Number,
		rec.Fields[types.FieldMonthlyRevenue].Number,
		mult.Number,
		boolToInt(mult.Derived),
		rec.Fields[types.FieldAgeMonths].Number,
		string(fieldsJSON),
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

func (db *SQLite) SaveSummary(ctx context.Context, summary *types.SessionSummary) error {
	cfg, err := json.Marshal(summary.Configuration)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (
			session_id, stop_reason, total_collected, pages_processed,
			coverage_percentage, duration_ms, configuration
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		summary.SessionID,
		string(summary.StopReason),
		summary.TotalCollected,
		summary.PagesProcessed,
		summary.CoveragePercentage,
		summary.DurationMs,
		string(cfg),
	)
	if err != nil {
		return fmt.Errorf("save session summary: %w", err)
	}
	db.log.Info("session summary saved",
		slog.String("session", summary.SessionID),
		slog.Int("collected", summary.TotalCollected))
	return nil
}

// Listing is one durable row read back for inspection.
type Listing struct {
	Identity      string
	Title         string
	Confidence    int
	Fields        map[string]types.FieldValue
	ChangeSummary string
}

// GetListing reads one row; nil when the identity is unknown.
func (db *SQLite) GetListing(ctx context.Context, identity string) (*Listing, error) {
	var l Listing
	var fieldsJSON string
	var change sql.NullString
	err := db.conn.QueryRowContext(ctx, `
		SELECT identity, title, confidence, fields_json, change_summary
		FROM listings WHERE identity = ?`, identity).
		Scan(&l.Identity, &l.Title, &l.Confidence, &fieldsJSON, &change)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query listing %s: %w", identity, err)
	}
	if change.Valid {
		l.ChangeSummary = change.String
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &l.Fields); err != nil {
		return nil, fmt.Errorf("decode fields for %s: %w", identity, err)
	}
	return &l, nil
}

// CountListings returns the number of durable rows.
func (db *SQLite) CountListings(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}

func (db *SQLite) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
