// Package pipeline coordinates extraction runs: chunking source
// material, planning and executing extraction jobs, merging candidates,
// and recording lifecycle state in the store.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bellwether-tech/rfi-cli/internal/chunk"
	"github.com/bellwether-tech/rfi-cli/internal/extract"
	"github.com/bellwether-tech/rfi-cli/internal/merge"
	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/plan"
	"github.com/bellwether-tech/rfi-cli/internal/store"
)

// ManualSource labels answers entered by a person rather than extracted.
const ManualSource = "Manual entry"

// Coordinator drives a run through pending → extracting → completed or
// failed, and applies post-completion patches and field retries.
type Coordinator struct {
	store    store.Store
	pool     *extract.Pool
	planner  *plan.Planner
	chunker  *chunk.Chunker
	registry *model.FieldRegistry
}

// NewCoordinator creates a Coordinator with all dependencies.
func NewCoordinator(st store.Store, pool *extract.Pool, planner *plan.Planner, chunker *chunk.Chunker, registry *model.FieldRegistry) *Coordinator {
	return &Coordinator{
		store:    st,
		pool:     pool,
		planner:  planner,
		chunker:  chunker,
		registry: registry,
	}
}

// Params describes one extraction run.
type Params struct {
	// RunID is assigned when empty. Callers that need the ID before
	// the run finishes (the HTTP API) supply their own.
	RunID string

	DealID        string
	DealName      string
	CompanyName   string
	Units         []model.SourceUnit
	TranscriptIDs []string

	// Overrides are structured CRM values keyed by field; they outrank
	// extracted answers during merge.
	Overrides map[string]merge.Override

	// BaselineRunID names a prior completed run whose answers seed the
	// merge. A weaker re-extracted answer never silently replaces a
	// baseline answer.
	BaselineRunID string
}

// Execute runs the full extraction for a deal. The returned run is
// terminal: completed with answers, or failed with an error message.
// A run fails only when no usable text exists or every job failed;
// partial job failures still complete.
func (c *Coordinator) Execute(ctx context.Context, params Params) (*model.Run, error) {
	log := zap.L().With(zap.String("deal_id", params.DealID), zap.String("deal", params.DealName))

	runID := params.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	run := &model.Run{
		ID:            runID,
		DealID:        params.DealID,
		DealName:      params.DealName,
		CompanyName:   params.CompanyName,
		Status:        model.RunStatusPending,
		SourceNames:   unitNames(params.Units),
		TranscriptIDs: params.TranscriptIDs,
		BaselineRunID: params.BaselineRunID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	if err := c.store.SaveSources(ctx, run.ID, params.Units); err != nil {
		log.Warn("pipeline: failed to save sources; field retry will need them resupplied", zap.Error(err))
	}

	baseline, err := c.loadBaseline(ctx, params.BaselineRunID)
	if err != nil {
		return c.fail(ctx, run, err)
	}

	var chunks []model.Chunk
	for _, unit := range params.Units {
		chunks = append(chunks, c.chunker.Split(unit)...)
	}
	jobs := c.planner.Plan(chunks, c.registry)
	log.Info("pipeline: run planned",
		zap.String("run_id", run.ID),
		zap.Int("sources", len(params.Units)),
		zap.Int("chunks", len(chunks)),
		zap.Int("jobs", len(jobs)),
	)

	if len(jobs) == 0 && len(params.Overrides) == 0 && baseline == nil {
		return c.fail(ctx, run, eris.New("no usable source text"))
	}

	if err := c.transition(ctx, run, model.RunStatusExtracting); err != nil {
		return nil, err
	}

	candidates, err := c.pool.Run(ctx, jobs)
	if err != nil {
		return c.fail(ctx, run, err)
	}

	answers := merge.Merge(c.registry, candidates, params.Overrides, baseline)
	stats := answers.Stats()
	if err := c.store.CompleteRun(ctx, run.ID, answers, stats); err != nil {
		return nil, eris.Wrap(err, "pipeline: complete run")
	}

	run.Status = model.RunStatusCompleted
	run.Answers = answers
	run.Stats = &stats
	now := time.Now().UTC()
	run.CompletedAt = &now
	log.Info("pipeline: run completed",
		zap.String("run_id", run.ID),
		zap.Int("filled", stats.Filled),
		zap.Int("conflicting", stats.Conflicting),
		zap.Float64("completion_pct", stats.CompletionPct),
	)
	return run, nil
}

// RetryField re-extracts one field with an intensified prompt and folds
// the result into the run's stored answers. The stored answer never
// loses confidence: a weaker retry result surfaces as a conflict, and a
// failed retry leaves the answer untouched. Units may be nil, in which
// case the run's saved source material is reused. hint is optional
// caller guidance passed into the focused prompt.
func (c *Coordinator) RetryField(ctx context.Context, runID, fieldKey string, units []model.SourceUnit, hint string) (*model.FinalAnswer, error) {
	run, field, err := c.patchTarget(ctx, runID, fieldKey)
	if err != nil {
		return nil, err
	}
	if field.ManualOnly {
		return nil, eris.Errorf("field %s is manual-only", fieldKey)
	}

	if len(units) == 0 {
		units, err = c.store.GetSources(ctx, runID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load sources")
		}
	}
	var chunks []model.Chunk
	for _, unit := range units {
		chunks = append(chunks, c.chunker.Split(unit)...)
	}
	if len(chunks) == 0 {
		return nil, eris.New("no usable source text for retry")
	}

	jobs := c.planner.PlanField(chunks, field)
	candidates, err := c.pool.RunField(ctx, jobs, field, hint)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: retry field %s", fieldKey)
	}

	final := merge.MergeField(field, run.Answers[fieldKey], candidates)
	if err := c.store.PatchRunAnswer(ctx, runID, final); err != nil {
		return nil, eris.Wrap(err, "pipeline: patch answer")
	}

	zap.L().Info("pipeline: field retried",
		zap.String("run_id", runID),
		zap.String("field", fieldKey),
		zap.String("confidence", string(final.Confidence)),
		zap.Bool("conflicting", final.Conflicting),
	)
	return &final, nil
}

// PatchAnswer records a manual answer on a completed run. Manual
// entries are authoritative: they clear conflicts and take the highest
// confidence.
func (c *Coordinator) PatchAnswer(ctx context.Context, runID, fieldKey, value string) (*model.FinalAnswer, error) {
	_, field, err := c.patchTarget(ctx, runID, fieldKey)
	if err != nil {
		return nil, err
	}

	final := model.FinalAnswer{
		FieldKey:   field.Key,
		Question:   field.Question,
		Answer:     model.StringPtr(value),
		Confidence: model.ConfidenceHigh,
		Source:     ManualSource,
		Row:        field.Row,
	}
	if err := c.store.PatchRunAnswer(ctx, runID, final); err != nil {
		return nil, eris.Wrap(err, "pipeline: patch answer")
	}
	return &final, nil
}

// patchTarget validates that the run accepts answer patches and the
// field exists.
func (c *Coordinator) patchTarget(ctx context.Context, runID, fieldKey string) (*model.Run, *model.FieldDef, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.Status != model.RunStatusCompleted {
		return nil, nil, eris.Errorf("run %s is %s, not completed", runID, run.Status)
	}
	field := c.registry.ByKey(fieldKey)
	if field == nil {
		return nil, nil, eris.Errorf("unknown field: %s", fieldKey)
	}
	return run, field, nil
}

func (c *Coordinator) loadBaseline(ctx context.Context, baselineRunID string) (model.AnswerSet, error) {
	if baselineRunID == "" {
		return nil, nil
	}
	prior, err := c.store.GetRun(ctx, baselineRunID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load baseline %s", baselineRunID)
	}
	if prior.Status != model.RunStatusCompleted {
		return nil, eris.Errorf("baseline run %s is %s, not completed", baselineRunID, prior.Status)
	}
	return prior.Answers, nil
}

func (c *Coordinator) transition(ctx context.Context, run *model.Run, to model.RunStatus) error {
	if run.Status.Terminal() {
		return eris.Errorf("run %s is already %s", run.ID, run.Status)
	}
	if err := c.store.UpdateRunStatus(ctx, run.ID, to); err != nil {
		return eris.Wrap(err, "pipeline: update status")
	}
	run.Status = to
	return nil
}

// fail marks the run failed and returns it with the message recorded.
// The store error, if any, is logged rather than masking the original
// failure.
func (c *Coordinator) fail(ctx context.Context, run *model.Run, cause error) (*model.Run, error) {
	msg := cause.Error()
	if err := c.store.FailRun(ctx, run.ID, msg); err != nil {
		zap.L().Error("pipeline: failed to record run failure", zap.String("run_id", run.ID), zap.Error(err))
	}
	run.Status = model.RunStatusFailed
	run.ErrorMessage = msg
	now := time.Now().UTC()
	run.CompletedAt = &now
	zap.L().Warn("pipeline: run failed", zap.String("run_id", run.ID), zap.String("error", msg))
	return run, nil
}

func unitNames(units []model.SourceUnit) []string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name
	}
	return names
}
