package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/listwatch/harvester/internal/types"
)

func record(id string, confidence int) *types.Record {
	return &types.Record{
		Identity: id,
		Fields: map[string]types.FieldValue{
			types.FieldTitle: {Text: "Store " + id},
			types.FieldPrice: {Number: 12000},
		},
		FieldConfidence:   map[string]int{types.FieldTitle: 25, types.FieldPrice: 20},
		OverallConfidence: confidence,
		SourcePage:        1,
		CapturedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	rec := record("101", 80)
	if res, _ := s.Upsert(ctx, rec); res != Inserted {
		t.Fatalf("first upsert = %s, want inserted", res)
	}
	if res, _ := s.Upsert(ctx, record("101", 80)); res != Duplicate {
		t.Fatalf("second upsert = %s, want duplicate", res)
	}

	cov := s.Coverage()
	if cov.UniqueCollected != 1 {
		t.Errorf("unique = %d, want 1", cov.UniqueCollected)
	}
	if cov.DuplicatesSeen != 1 {
		t.Errorf("duplicates = %d, want 1", cov.DuplicatesSeen)
	}
}

// A lower or equal confidence duplicate must never mutate the stored record.
func TestDuplicateNeverDowngrades(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	high := record("7", 90)
	high.Fields[types.FieldTitle] = types.FieldValue{Text: "Good title"}
	s.Upsert(ctx, high)

	low := record("7", 60)
	low.Fields[types.FieldTitle] = types.FieldValue{Text: "Garbled"}
	s.Upsert(ctx, low)

	equal := record("7", 90)
	equal.Fields[types.FieldTitle] = types.FieldValue{Text: "Also garbled"}
	s.Upsert(ctx, equal)

	snap, _ := s.Snapshot(ctx)
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(snap))
	}
	if got := snap[0].Fields[types.FieldTitle].Text; got != "Good title" {
		t.Errorf("stored title = %q, want the original high-confidence value", got)
	}
}

func TestHigherConfidenceReplaces(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	s.Upsert(ctx, record("7", 60))
	better := record("7", 85)
	better.Fields[types.FieldTitle] = types.FieldValue{Text: "Sharper title"}
	if res, _ := s.Upsert(ctx, better); res != Duplicate {
		t.Fatalf("replacement result = %s, want duplicate", res)
	}

	snap, _ := s.Snapshot(ctx)
	if snap[0].OverallConfidence != 85 {
		t.Errorf("stored confidence = %d, want 85", snap[0].OverallConfidence)
	}
	if snap[0].Fields[types.FieldTitle].Text != "Sharper title" {
		t.Error("higher-confidence fields must replace the stored ones")
	}
}

// A page of 25 containers where one has no identity: 24 land, 1 is rejected,
// and the page is accounted exactly once.
func TestPageOfTwentyFiveWithOneOrphan(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 24; i++ {
		if res, _ := s.Upsert(ctx, record(fmt.Sprintf("%d", 3000+i), 70)); res != Inserted {
			t.Fatalf("record %d not inserted: %s", i, res)
		}
	}
	s.NoteRejected(1)
	s.MarkPage(4)

	cov := s.Coverage()
	if cov.UniqueCollected != 24 {
		t.Errorf("unique = %d, want 24", cov.UniqueCollected)
	}
	if cov.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", cov.Rejected)
	}
	if len(cov.PagesProcessed) != 1 || cov.PagesProcessed[0] != 4 {
		t.Errorf("pages = %v, want [4]", cov.PagesProcessed)
	}
}

func TestCoveragePercentage(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.SetTarget(100, 5)
	for i := 0; i < 95; i++ {
		s.Upsert(ctx, record(fmt.Sprintf("%d", i), 70))
	}
	cov := s.Coverage()
	if cov.Percentage != 0.95 {
		t.Errorf("percentage = %v, want 0.95", cov.Percentage)
	}
}

// Collected records can never exceed the estimate plus the volatility
// allowance: when they would, the target rises to match the evidence.
func TestTargetRisesWhenCollectionOutgrowsEstimate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.SetTarget(10, 1)

	for i := 0; i < 15; i++ {
		s.Upsert(ctx, record(fmt.Sprintf("%d", i), 70))
	}

	cov := s.Coverage()
	if cov.UniqueCollected > cov.TargetEstimate+1 {
		t.Errorf("unique (%d) exceeds target (%d) plus buffer", cov.UniqueCollected, cov.TargetEstimate)
	}
	if cov.TargetEstimate != 15 {
		t.Errorf("target = %d, want raised to 15", cov.TargetEstimate)
	}
}

func TestRejectRecordWithoutIdentity(t *testing.T) {
	s := NewMemory()
	res, err := s.Upsert(context.Background(), &types.Record{})
	if err != nil {
		t.Fatal(err)
	}
	if res != Rejected {
		t.Errorf("result = %s, want rejected", res)
	}
	if cov := s.Coverage(); cov.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", cov.Rejected)
	}
}

func TestSnapshotOrdered(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"30", "10", "20"} {
		s.Upsert(ctx, record(id, 70))
	}
	snap, _ := s.Snapshot(ctx)
	want := []string{"10", "20", "30"}
	for i, rec := range snap {
		if rec.Identity != want[i] {
			t.Fatalf("snapshot[%d] = %s, want %s", i, rec.Identity, want[i])
		}
	}
}
