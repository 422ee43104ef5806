// Package store persists extraction runs and their answer sets behind
// a backend-neutral interface, with SQLite for local use and Postgres
// for the shared server deployment.
package store

import (
	"context"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	DealID string          `json:"deal_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for extraction runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, answers model.AnswerSet, stats model.RunStats) error
	FailRun(ctx context.Context, runID string, message string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// PatchRunAnswer upserts one answer on a completed run and refreshes
	// the run's stats.
	PatchRunAnswer(ctx context.Context, runID string, answer model.FinalAnswer) error

	// Source material, kept per run so a field retry can re-read it.
	SaveSources(ctx context.Context, runID string, units []model.SourceUnit) error
	GetSources(ctx context.Context, runID string) ([]model.SourceUnit, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
