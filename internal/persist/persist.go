// Package persist writes the deduplicated records and the end-of-run summary
// to durable storage. Two backends exist: SQLite for single-machine runs and
// Postgres for shared deployments.
package persist

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/listwatch/harvester/internal/types"
)

// Sink is the write side of persistence. UpsertBatch applies the same
// conditional-replace rule as the in-memory store so a flush can never
// downgrade a durable row.
type Sink interface {
	UpsertBatch(ctx context.Context, records []*types.Record) (BatchResult, error)
	SaveSummary(ctx context.Context, summary *types.SessionSummary) error
	Close() error
}

// BatchResult counts what one flush did.
type BatchResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// fieldsFingerprint renders a record's fields into a stable text form so
// replacements can be diffed for the change summary column.
func fieldsFingerprint(rec *types.Record) string {
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := rec.Fields[k]
		if v.Number != 0 {
			fmt.Fprintf(&sb, "%s=%g\n", k, v.Number)
		} else {
			fmt.Fprintf(&sb, "%s=%s\n", k, v.Text)
		}
	}
	return sb.String()
}

// changeSummary produces a short human-readable description of what changed
// between the stored fingerprint and the replacement.
func changeSummary(before, after string) string {
	if before == "" || before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var parts []string
	for _, d := range diffs {
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			parts = append(parts, "-"+text)
		case diffmatchpatch.DiffInsert:
			parts = append(parts, "+"+text)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	s := strings.Join(parts, " ")
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
