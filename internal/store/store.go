// Package store owns the canonical deduplicated record map and the running
// coverage account. Workers only ever append or update through Upsert; the
// persistence collaborator reads through Snapshot.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/listwatch/harvester/internal/types"
)

// UpsertResult reports what the store did with a record.
type UpsertResult string

const (
	Inserted  UpsertResult = "inserted"
	Duplicate UpsertResult = "duplicate"
	Rejected  UpsertResult = "rejected"
)

// Store is the aggregation point for one worker. Implementations must keep
// confidence monotonic: a duplicate identity never replaces a stored record
// unless its confidence is strictly higher.
type Store interface {
	Upsert(ctx context.Context, rec *types.Record) (UpsertResult, error)
	// NoteRejected counts records discarded before reaching the store
	// (no derivable identity).
	NoteRejected(n int)
	MarkPage(page int)
	SetEmptyStreak(n int)
	// SetTarget updates the coverage denominator and the volatility
	// allowance in items.
	SetTarget(totalItems, bufferItems int)
	Coverage() types.CoverageState
	Snapshot(ctx context.Context) ([]*types.Record, error)
}

// MemoryStore is the default in-process store.
type MemoryStore struct {
	mu sync.Mutex

	records map[string]*types.Record
	pages   map[int]struct{}

	target      int
	buffer      int
	duplicates  int
	rejected    int
	emptyStreak int
}

// NewMemory returns an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*types.Record),
		pages:   make(map[int]struct{}),
	}
}

// Upsert inserts rec or replaces a lower-confidence duplicate. Records
// without identity are rejected; identity is the extractor's contract, so a
// miss here is a programming error upstream, still counted honestly.
func (s *MemoryStore) Upsert(_ context.Context, rec *types.Record) (UpsertResult, error) {
	if rec == nil || rec.Identity == "" {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		return Rejected, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.Identity]
	if !ok {
		s.records[rec.Identity] = rec
		// The catalog is evidently at least as big as what we hold:
		// raise the target rather than let collected exceed the
		// estimate plus its allowance.
		if s.target > 0 && len(s.records) > s.target+s.buffer {
			s.target = len(s.records)
		}
		return Inserted, nil
	}

	s.duplicates++
	if rec.OverallConfidence > existing.OverallConfidence {
		s.records[rec.Identity] = rec
	}
	return Duplicate, nil
}

func (s *MemoryStore) NoteRejected(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.rejected += n
	s.mu.Unlock()
}

func (s *MemoryStore) MarkPage(page int) {
	s.mu.Lock()
	s.pages[page] = struct{}{}
	s.mu.Unlock()
}

func (s *MemoryStore) SetEmptyStreak(n int) {
	s.mu.Lock()
	s.emptyStreak = n
	s.mu.Unlock()
}

func (s *MemoryStore) SetTarget(totalItems, bufferItems int) {
	s.mu.Lock()
	s.target = totalItems
	s.buffer = bufferItems
	if s.target > 0 && len(s.records) > s.target+s.buffer {
		s.target = len(s.records)
	}
	s.mu.Unlock()
}

// Coverage returns a copy of the running coverage state.
func (s *MemoryStore) Coverage() types.CoverageState {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make([]int, 0, len(s.pages))
	for p := range s.pages {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	cov := types.CoverageState{
		TargetEstimate:        s.target,
		UniqueCollected:       len(s.records),
		DuplicatesSeen:        s.duplicates,
		Rejected:              s.rejected,
		PagesProcessed:        pages,
		ConsecutiveEmptyPages: s.emptyStreak,
	}
	if s.target > 0 {
		cov.Percentage = float64(cov.UniqueCollected) / float64(s.target)
	}
	return cov
}

// Snapshot returns the canonical records ordered by identity. It is the
// sole read path for the persistence collaborator.
func (s *MemoryStore) Snapshot(_ context.Context) ([]*types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}
