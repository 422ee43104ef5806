// Package plan groups chunks and field categories into extraction jobs
// sized for the model's input budget, ordered smallest-first so short
// jobs finish early and failures surface fast under a shared worker pool.
package plan

import (
	"fmt"
	"sort"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

// DefaultInputBudget caps the combined size of chunk text plus rendered
// field definitions for one extraction call.
const DefaultInputBudget = 100000

// perFieldOverhead approximates the JSON framing around one rendered
// field definition in the prompt.
const perFieldOverhead = 48

// Job pairs one or more chunks with one category's field subset for a
// single extraction call. ID is the dispatch position and drives the
// deterministic first-seen tie-break during merge.
type Job struct {
	ID       int
	Category string
	Fields   []*model.FieldDef
	Chunks   []model.Chunk
	Size     int
}

// Label names the job for logs and error annotations.
func (j Job) Label() string {
	if len(j.Chunks) == 1 {
		return j.Chunks[0].Label() + " / " + j.Category
	}
	return fmt.Sprintf("%s +%d more / %s", j.Chunks[0].Label(), len(j.Chunks)-1, j.Category)
}

// Planner builds extraction jobs under an input budget.
type Planner struct {
	budget int
}

// New creates a Planner. Non-positive budgets fall back to
// DefaultInputBudget.
func New(budget int) *Planner {
	if budget <= 0 {
		budget = DefaultInputBudget
	}
	return &Planner{budget: budget}
}

// Plan produces the run's job list: every chunk appears in at least one
// job per category that needs it, each job stays under the input budget,
// and jobs are ordered smallest first. returned IDs are final dispatch
// order.
func (p *Planner) Plan(chunks []model.Chunk, reg *model.FieldRegistry) []Job {
	if len(chunks) == 0 {
		return nil
	}

	byCategory := reg.ExtractableByCategory()
	var jobs []Job

	for _, category := range reg.Categories() {
		fields := byCategory[category]
		if len(fields) == 0 {
			continue
		}
		fieldSize := renderedFieldsSize(fields)
		textBudget := p.budget - fieldSize
		if textBudget < 1 {
			// Degenerate schema: one chunk per job regardless.
			textBudget = 1
		}

		var pending []model.Chunk
		pendingSize := 0
		flush := func() {
			if len(pending) == 0 {
				return
			}
			jobs = append(jobs, Job{
				Category: category,
				Fields:   fields,
				Chunks:   pending,
				Size:     pendingSize + fieldSize,
			})
			pending = nil
			pendingSize = 0
		}

		for _, ch := range chunks {
			if pendingSize+len(ch.Text) > textBudget && len(pending) > 0 {
				flush()
			}
			pending = append(pending, ch)
			pendingSize += len(ch.Text)
		}
		flush()
	}

	// Smallest jobs first; stable so equal sizes keep schema order.
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].Size < jobs[k].Size
	})
	for i := range jobs {
		jobs[i].ID = i
	}
	return jobs
}

// PlanField produces the retry job list: the same chunk packing, scoped
// to a single field.
func (p *Planner) PlanField(chunks []model.Chunk, field *model.FieldDef) []Job {
	if field == nil || len(chunks) == 0 {
		return nil
	}
	single := model.NewFieldRegistry([]model.FieldDef{*field})
	return p.Plan(chunks, single)
}

func renderedFieldsSize(fields []*model.FieldDef) int {
	size := 0
	for _, f := range fields {
		size += len(f.Key) + len(f.Question) + len(f.Category) + len(f.Hint) + perFieldOverhead
	}
	return size
}
