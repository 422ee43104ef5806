package model

// Confidence rates how well the evidence supports an extracted answer.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceMissing Confidence = "missing"
)

// Rank orders confidence levels for merging: high > medium > low > missing.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// ParseConfidence maps a raw model-supplied string onto a Confidence,
// defaulting to missing for anything unrecognized.
func ParseConfidence(s string) Confidence {
	switch Confidence(s) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return Confidence(s)
	default:
		return ConfidenceMissing
	}
}

// CandidateAnswer is one field's extracted value from one extraction job.
// Candidates exist only until the merge produces a FinalAnswer.
type CandidateAnswer struct {
	FieldKey   string     `json:"field_key"`
	Answer     *string    `json:"answer"`
	Confidence Confidence `json:"confidence"`
	Evidence   string     `json:"evidence,omitempty"`
	Source     string     `json:"source"`
	JobID      int        `json:"job_id"`
	Error      string     `json:"error,omitempty"`
}

// HasAnswer reports whether the candidate carries usable answer text.
func (c CandidateAnswer) HasAnswer() bool {
	return c.Confidence != ConfidenceMissing && c.Answer != nil && *c.Answer != ""
}

// Alternate records the losing side of a conflicting answer so a
// disagreement is never silently dropped.
type Alternate struct {
	Answer     string     `json:"answer"`
	Confidence Confidence `json:"confidence"`
	Source     string     `json:"source"`
	Evidence   string     `json:"evidence,omitempty"`
}

// FinalAnswer is the merged, authoritative value for one field in a run.
type FinalAnswer struct {
	FieldKey    string     `json:"field_key"`
	Question    string     `json:"question"`
	Answer      *string    `json:"answer"`
	Confidence  Confidence `json:"confidence"`
	Source      string     `json:"source,omitempty"`
	Evidence    string     `json:"evidence,omitempty"`
	Row         int        `json:"row"`
	Conflicting bool       `json:"conflicting,omitempty"`
	Alternate   *Alternate `json:"alternate,omitempty"`
}

// Filled reports whether the field ended up with a usable answer.
func (f FinalAnswer) Filled() bool {
	return f.Confidence != ConfidenceMissing && f.Answer != nil && *f.Answer != ""
}

// AnswerSet maps field key to the merged FinalAnswer for a run.
type AnswerSet map[string]FinalAnswer

// Ordered returns the answers sorted by template row, for stable display
// and export.
func (s AnswerSet) Ordered() []FinalAnswer {
	out := make([]FinalAnswer, 0, len(s))
	for _, a := range s {
		out = append(out, a)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Row < out[j-1].Row; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Stats summarizes coverage for an answer set.
func (s AnswerSet) Stats() RunStats {
	stats := RunStats{
		TotalFields:  len(s),
		ByConfidence: map[Confidence]int{},
	}
	for _, a := range s {
		stats.ByConfidence[a.Confidence]++
		if a.Filled() {
			stats.Filled++
		}
		if a.Conflicting {
			stats.Conflicting++
		}
	}
	if stats.TotalFields > 0 {
		stats.CompletionPct = float64(stats.Filled) / float64(stats.TotalFields) * 100
	}
	return stats
}

// StringPtr returns a pointer to s. Convenience for building answers.
func StringPtr(s string) *string {
	return &s
}
