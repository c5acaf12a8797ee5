// Package types defines the data model shared across the harvester: records,
// catalog estimates, coverage state, and worker coordination payloads.
package types

import "time"

// Field names present in extracted records.
const (
	FieldTitle          = "title"
	FieldPrice          = "price"
	FieldMonthlyRevenue = "monthly_revenue"
	FieldMultiple       = "multiple"
	FieldCategory       = "category"
	FieldBadges         = "badges"
	FieldAgeMonths      = "age_months"
	FieldURL            = "url"
)

// FieldValue is one extracted field. Number carries the parsed numeric value
// for numeric fields. Derived marks values back-filled arithmetically rather
// than observed on the page.
type FieldValue struct {
	Text    string  `json:"text"`
	Number  float64 `json:"number,omitempty"`
	Derived bool    `json:"derived,omitempty"`
}

// Record is one deduplicatable catalog listing. Identity is a stable key
// derived from the listing's canonical id or URL; a record without one never
// leaves the extractor.
type Record struct {
	Identity          string                `json:"identity"`
	Fields            map[string]FieldValue `json:"fields"`
	FieldConfidence   map[string]int        `json:"field_confidence"`
	OverallConfidence int                   `json:"overall_confidence"`
	SourcePage        int                   `json:"source_page"`
	CapturedAt        time.Time             `json:"captured_at"`
}

// EstimateSource identifies which detector produced a catalog estimate.
type EstimateSource string

const (
	SourcePagination     EstimateSource = "pagination"
	SourceTotalCountText EstimateSource = "totalCountText"
	SourceStructuredMeta EstimateSource = "structuredMetadata"
	SourceLastPageProbe  EstimateSource = "lastPageProbe"
	SourceEmbeddedState  EstimateSource = "embeddedState"
)

// CatalogEstimate is one accepted estimate of the remote catalog size.
// TotalItems of zero means "unknown".
type CatalogEstimate struct {
	TotalItems int            `json:"total_items"`
	Confidence float64        `json:"confidence"`
	Source     EstimateSource `json:"source"`
	ObservedAt time.Time      `json:"observed_at"`
}

// CoverageState is the running account of what has been collected against
// the current estimate.
type CoverageState struct {
	TargetEstimate        int     `json:"target_estimate"`
	UniqueCollected       int     `json:"unique_collected"`
	DuplicatesSeen        int     `json:"duplicates_seen"`
	Rejected              int     `json:"rejected"`
	PagesProcessed        []int   `json:"pages_processed"`
	ConsecutiveEmptyPages int     `json:"consecutive_empty_pages"`
	Percentage            float64 `json:"percentage"`
}

// SchedulePolicy controls when a worker assignment becomes runnable.
type SchedulePolicy string

const (
	PolicyContinuous  SchedulePolicy = "continuous"
	PolicyOffsetStart SchedulePolicy = "offset_start"
	PolicyNightWindow SchedulePolicy = "night_window"
	PolicyWeekendOnly SchedulePolicy = "weekend_only"
)

// WorkerAssignment is a disjoint slice of the page space handed to one
// worker process.
type WorkerAssignment struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	PageRangeStart int            `json:"page_range_start"`
	PageRangeEnd   int            `json:"page_range_end"`
	Policy         SchedulePolicy `json:"schedule_policy"`
	DelayMinMs     int            `json:"delay_min_ms"`
	DelayMaxMs     int            `json:"delay_max_ms"`
}

// WorkerProgress is written periodically by a worker process and polled by
// the scheduler; the scheduler never parses worker logs.
type WorkerProgress struct {
	WorkerID        string    `json:"worker_id"`
	CurrentPage     int       `json:"current_page"`
	PagesProcessed  int       `json:"pages_processed"`
	UniqueCollected int       `json:"unique_collected"`
	ErrorCount      int       `json:"error_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StopReason is the normal termination cause of a controller run.
type StopReason string

const (
	StopPageCeiling    StopReason = "page_ceiling"
	StopEmptyStreak    StopReason = "too_many_consecutive_empty_pages"
	StopRangeExhausted StopReason = "range_exhausted"
	StopTargetReached  StopReason = "coverage_target_reached"
	StopNaturalEnd     StopReason = "predicted_natural_end"
	// StopInterrupted marks a run ended by a termination signal after the
	// page in flight was finished.
	StopInterrupted StopReason = "interrupted"
)

// WorkerResult is the structured result file a worker writes before exiting.
type WorkerResult struct {
	WorkerID   string        `json:"worker_id"`
	StopReason StopReason    `json:"stop_reason"`
	Coverage   CoverageState `json:"coverage"`
	ErrorCount int           `json:"error_count"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// SessionSummary is handed to the persistence collaborator at the end of a
// run.
type SessionSummary struct {
	SessionID          string         `json:"session_id"`
	StopReason         StopReason     `json:"stop_reason"`
	TotalCollected     int            `json:"total_collected"`
	PagesProcessed     int            `json:"pages_processed"`
	CoveragePercentage float64        `json:"coverage_percentage"`
	DurationMs         int64          `json:"duration_ms"`
	Configuration      map[string]any `json:"configuration"`
}
