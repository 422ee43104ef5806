package model

import "time"

// RunStatus represents the current state of an extraction run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusExtracting RunStatus = "extracting"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status accepts no further transitions.
// Completed runs may still have individual answers patched by a
// single-field retry, which does not change the status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one end-to-end extraction attempt for a deal, producing a
// complete answer set over the field schema.
type Run struct {
	ID            string     `json:"id"`
	DealID        string     `json:"deal_id"`
	DealName      string     `json:"deal_name"`
	CompanyName   string     `json:"company_name,omitempty"`
	Status        RunStatus  `json:"status"`
	SourceNames   []string   `json:"sources_used,omitempty"`
	TranscriptIDs []string   `json:"transcript_ids,omitempty"`
	Answers       AnswerSet  `json:"answers,omitempty"`
	Stats         *RunStats  `json:"stats,omitempty"`
	BaselineRunID string     `json:"baseline_run_id,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RunStats summarizes coverage for a completed run.
type RunStats struct {
	TotalFields   int                `json:"total_fields"`
	Filled        int                `json:"filled"`
	Conflicting   int                `json:"conflicting"`
	CompletionPct float64            `json:"completion_pct"`
	ByConfidence  map[Confidence]int `json:"by_confidence"`
}
