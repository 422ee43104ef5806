// Package merge resolves answer candidates from many extraction jobs
// into one final answer per field. Merging is pure and deterministic:
// the same inputs always produce the same answer set, regardless of the
// order jobs happened to finish in.
package merge

import (
	"sort"
	"strings"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

// Override is a structured value that outranks any extracted answer:
// a CRM property or a manual entry.
type Override struct {
	Value  string
	Source string
}

// Merge resolves candidates into a final answer set covering every
// field in the registry. Resolution order per field:
//
//  1. a structured override, when present
//  2. the highest-confidence candidate; ties between differing answers
//     keep the first-seen candidate and, at medium confidence or above,
//     flag a conflict
//  3. the baseline answer from a prior run, which a weaker new answer
//     can contest but never silently replace
//
// Unanswered fields appear in the set with missing confidence so the
// output always has the template's full shape.
func Merge(reg *model.FieldRegistry, candidates []model.CandidateAnswer, overrides map[string]Override, baseline model.AnswerSet) model.AnswerSet {
	byField := groupCandidates(candidates)

	out := make(model.AnswerSet, len(reg.Fields))
	for i := range reg.Fields {
		f := &reg.Fields[i]

		answer := resolveField(f, byField[f.Key])

		if prior, ok := baseline[f.Key]; ok {
			answer = reconcile(prior, answer)
		}

		if ov, ok := overrides[f.Key]; ok && strings.TrimSpace(ov.Value) != "" {
			answer = applyOverride(answer, ov)
		}

		out[f.Key] = answer
	}
	return out
}

// MergeField resolves a single field's candidates against its existing
// answer. Used by field retry: the result never has lower confidence
// than the existing answer, and a contested result keeps the existing
// answer as primary.
func MergeField(f *model.FieldDef, existing model.FinalAnswer, candidates []model.CandidateAnswer) model.FinalAnswer {
	fresh := resolveField(f, filterField(f.Key, candidates))
	return reconcile(existing, fresh)
}

// resolveField picks the best candidate for one field. Candidates are
// considered in job dispatch order so the outcome is independent of
// completion order.
func resolveField(f *model.FieldDef, candidates []model.CandidateAnswer) model.FinalAnswer {
	final := model.FinalAnswer{
		FieldKey:   f.Key,
		Question:   f.Question,
		Row:        f.Row,
		Confidence: model.ConfidenceMissing,
	}

	for _, c := range candidates {
		if !c.HasAnswer() {
			continue
		}
		switch {
		case !final.Filled() || c.Confidence.Rank() > final.Confidence.Rank():
			final.Answer = c.Answer
			final.Confidence = c.Confidence
			final.Source = c.Source
			final.Evidence = c.Evidence
			// An upgrade settles any tie at the lower rank.
			final.Conflicting = false
			final.Alternate = nil
		case c.Confidence.Rank() == final.Confidence.Rank() && !sameAnswer(*final.Answer, *c.Answer):
			// Low-confidence disagreement is noise, not a conflict worth
			// flagging for review.
			if c.Confidence.Rank() < model.ConfidenceMedium.Rank() {
				continue
			}
			final.Conflicting = true
			if final.Alternate == nil {
				final.Alternate = &model.Alternate{
					Answer:     *c.Answer,
					Confidence: c.Confidence,
					Source:     c.Source,
					Evidence:   c.Evidence,
				}
			}
		}
	}
	return final
}

// reconcile folds a freshly merged answer into the prior one. Upgrades
// replace; equal-or-weaker differing answers surface as conflicts with
// the prior answer kept as primary.
func reconcile(prior, fresh model.FinalAnswer) model.FinalAnswer {
	if !prior.Filled() {
		return fresh
	}
	if !fresh.Filled() {
		return prior
	}
	if fresh.Confidence.Rank() > prior.Confidence.Rank() {
		return fresh
	}
	if sameAnswer(*prior.Answer, *fresh.Answer) {
		return prior
	}
	contested := prior
	contested.Conflicting = true
	contested.Alternate = &model.Alternate{
		Answer:     *fresh.Answer,
		Confidence: fresh.Confidence,
		Source:     fresh.Source,
		Evidence:   fresh.Evidence,
	}
	return contested
}

// applyOverride installs a structured value as the answer. The
// displaced extracted answer stays visible as the alternate but an
// override is authoritative, not a conflict.
func applyOverride(extracted model.FinalAnswer, ov Override) model.FinalAnswer {
	final := extracted
	final.Answer = model.StringPtr(ov.Value)
	final.Confidence = model.ConfidenceHigh
	final.Source = ov.Source
	final.Evidence = ""
	final.Conflicting = false
	final.Alternate = nil
	if extracted.Filled() && !sameAnswer(*extracted.Answer, ov.Value) {
		final.Alternate = &model.Alternate{
			Answer:     *extracted.Answer,
			Confidence: extracted.Confidence,
			Source:     extracted.Source,
			Evidence:   extracted.Evidence,
		}
	}
	return final
}

// groupCandidates buckets candidates by field, ordered by job ID with
// within-job order preserved.
func groupCandidates(candidates []model.CandidateAnswer) map[string][]model.CandidateAnswer {
	ordered := make([]model.CandidateAnswer, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, k int) bool {
		return ordered[i].JobID < ordered[k].JobID
	})

	out := make(map[string][]model.CandidateAnswer)
	for _, c := range ordered {
		out[c.FieldKey] = append(out[c.FieldKey], c)
	}
	return out
}

func filterField(key string, candidates []model.CandidateAnswer) []model.CandidateAnswer {
	var out []model.CandidateAnswer
	for _, c := range candidates {
		if c.FieldKey == key {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

// sameAnswer compares answers ignoring case and whitespace runs.
func sameAnswer(a, b string) bool {
	return normalize(a) == normalize(b)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
