package schedule

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/listwatch/harvester/internal/config"
	"github.com/listwatch/harvester/internal/types"
)

// Partition slices the page space [start, end] into one contiguous, disjoint
// range per worker. The remainder spreads over the leading workers so range
// sizes differ by at most one page.
func Partition(cfg *config.Config, sessionID string, start, end int) ([]types.WorkerAssignment, error) {
	if start <= 0 {
		start = 1
	}
	if end < start {
		return nil, fmt.Errorf("page range [%d, %d] is empty", start, end)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	total := end - start + 1
	if workers > total {
		workers = total
	}

	size := total / workers
	extra := total % workers

	out := make([]types.WorkerAssignment, 0, workers)
	next := start
	for i := 0; i < workers; i++ {
		span := size
		if i < extra {
			span++
		}
		out = append(out, types.WorkerAssignment{
			ID:             fmt.Sprintf("w%d-%s", i+1, uuid.NewString()[:8]),
			SessionID:      sessionID,
			PageRangeStart: next,
			PageRangeEnd:   next + span - 1,
			Policy:         types.SchedulePolicy(cfg.SchedulePolicy),
			DelayMinMs:     cfg.DelayRange.MinMs,
			DelayMaxMs:     cfg.DelayRange.MaxMs,
		})
		next += span
	}
	return out, nil
}
