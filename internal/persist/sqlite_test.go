package persist

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/listwatch/harvester/internal/types"
)

func setupTestDB(t *testing.T) *SQLite {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test_harvester_*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	tmpFile.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := OpenSQLite(tmpFile.Name(), log)
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpFile.Name())
	})
	return db
}

func testRecord(id string, confidence int, title string) *types.Record {
	return &types.Record{
		Identity: id,
		Fields: map[string]types.FieldValue{
			types.FieldTitle:          {Text: title},
			types.FieldPrice:          {Number: 45000},
			types.FieldMonthlyRevenue: {Number: 1500},
			types.FieldURL:            {Text: "https://marketplace.test/listing/" + id},
		},
		FieldConfidence:   map[string]int{types.FieldTitle: 25, types.FieldPrice: 20},
		OverallConfidence: confidence,
		SourcePage:        2,
		CapturedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertBatchInsertsAndCounts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	res, err := db.UpsertBatch(ctx, []*types.Record{
		testRecord("501", 80, "Store A"),
		testRecord("502", 70, "Store B"),
	})
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Errorf("result = %+v, want 2 inserted", res)
	}

	n, err := db.CountListings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestUpsertBatchConditionalReplace(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.UpsertBatch(ctx, []*types.Record{testRecord("7", 60, "Rough title")}); err != nil {
		t.Fatal(err)
	}

	// Lower confidence must be a no-op.
	res, err := db.UpsertBatch(ctx, []*types.Record{testRecord("7", 40, "Worse title")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Updated != 0 {
		t.Errorf("low-confidence result = %+v, want 1 skipped", res)
	}
	l, err := db.GetListing(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if l.Title != "Rough title" || l.Confidence != 60 {
		t.Errorf("row mutated by low-confidence record: %+v", l)
	}

	// Higher confidence replaces and records a change summary.
	res, err = db.UpsertBatch(ctx, []*types.Record{testRecord("7", 85, "Clean title")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Errorf("high-confidence result = %+v, want 1 updated", res)
	}
	l, err = db.GetListing(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if l.Title != "Clean title" || l.Confidence != 85 {
		t.Errorf("replacement not applied: %+v", l)
	}
	if l.ChangeSummary == "" {
		t.Error("replacement must carry a change summary")
	}
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := testRecord("9", 75, "Same store")
	if _, err := db.UpsertBatch(ctx, []*types.Record{rec}); err != nil {
		t.Fatal(err)
	}
	res, err := db.UpsertBatch(ctx, []*types.Record{rec})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 {
		t.Errorf("equal-confidence re-upsert = %+v, want 1 skipped", res)
	}
	n, _ := db.CountListings(ctx)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestSaveSummary(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	summary := &types.SessionSummary{
		SessionID:          "sess-1",
		StopReason:         types.StopTargetReached,
		TotalCollected:     5930,
		PagesProcessed:     247,
		CoveragePercentage: 0.962,
		DurationMs:         3_600_000,
		Configuration:      map[string]any{"page_ceiling": 500},
	}
	if err := db.SaveSummary(ctx, summary); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	var reason string
	var collected int
	err := db.conn.QueryRow(
		`SELECT stop_reason, total_collected FROM sessions WHERE session_id = 'sess-1'`).
		Scan(&reason, &collected)
	if err != nil {
		t.Fatalf("read back summary: %v", err)
	}
	if reason != string(types.StopTargetReached) || collected != 5930 {
		t.Errorf("stored (%s, %d), want (%s, 5930)", reason, collected, types.StopTargetReached)
	}
}

func TestChangeSummaryDiff(t *testing.T) {
	before := "price=45000\ntitle=Old name\n"
	after := "price=52000\ntitle=Old name\n"
	s := changeSummary(before, after)
	if s == "" {
		t.Fatal("expected a non-empty diff")
	}
	if changeSummary(before, before) != "" {
		t.Error("identical fingerprints must yield no summary")
	}
	if changeSummary("", after) != "" {
		t.Error("no prior fingerprint must yield no summary")
	}
}
