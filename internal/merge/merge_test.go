package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

func mergeRegistry() *model.FieldRegistry {
	return model.NewFieldRegistry([]model.FieldDef{
		{Key: "server_count", Question: "How many servers?", Category: "Servers", Row: 1},
		{Key: "company_name", Question: "Company name?", Category: "Company Overview", Row: 2, CRMProperty: "name"},
		{Key: "email_platform", Question: "Email platform?", Category: "Email", Row: 3},
	})
}

func cand(key, answer string, conf model.Confidence, source string, jobID int) model.CandidateAnswer {
	return model.CandidateAnswer{
		FieldKey:   key,
		Answer:     model.StringPtr(answer),
		Confidence: conf,
		Source:     source,
		JobID:      jobID,
	}
}

func missing(key string, jobID int) model.CandidateAnswer {
	return model.CandidateAnswer{FieldKey: key, Confidence: model.ConfidenceMissing, JobID: jobID}
}

func TestMerge_HigherConfidenceWins(t *testing.T) {
	got := Merge(mergeRegistry(), []model.CandidateAnswer{
		cand("server_count", "10 or so", model.ConfidenceLow, "call-1", 0),
		cand("server_count", "12", model.ConfidenceHigh, "call-2", 1),
	}, nil, nil)

	a := got["server_count"]
	require.NotNil(t, a.Answer)
	assert.Equal(t, "12", *a.Answer)
	assert.Equal(t, model.ConfidenceHigh, a.Confidence)
	assert.Equal(t, "call-2", a.Source)
	assert.False(t, a.Conflicting)
}

func TestMerge_TieDifferentAnswersConflict(t *testing.T) {
	got := Merge(mergeRegistry(), []model.CandidateAnswer{
		cand("server_count", "12", model.ConfidenceHigh, "call-1", 0),
		cand("server_count", "15", model.ConfidenceHigh, "call-2", 1),
	}, nil, nil)

	a := got["server_count"]
	require.NotNil(t, a.Answer)
	assert.Equal(t, "12", *a.Answer, "first-seen stays primary")
	assert.True(t, a.Conflicting)
	require.NotNil(t, a.Alternate)
	assert.Equal(t, "15", a.Alternate.Answer)
	assert.Equal(t, "call-2", a.Alternate.Source)
}

func TestMerge_LowConfidenceTieNotFlagged(t *testing.T) {
	got := Merge(mergeRegistry(), []model.CandidateAnswer{
		cand("server_count", "10 or so", model.ConfidenceLow, "call-1", 0),
		cand("server_count", "maybe 15", model.ConfidenceLow, "call-2", 1),
	}, nil, nil)

	a := got["server_count"]
	require.NotNil(t, a.Answer)
	assert.Equal(t, "10 or so", *a.Answer, "first-seen stays primary")
	assert.False(t, a.Conflicting, "low-confidence guesses never flag a conflict")
	assert.Nil(t, a.Alternate)
}

func TestMerge_MediumConfidenceTieConflicts(t *testing.T) {
	got := Merge(mergeRegistry(), []model.CandidateAnswer{
		cand("server_count", "12", model.ConfidenceMedium, "call-1", 0),
		cand("server_count", "15", model.ConfidenceMedium, "call-2", 1),
	}, nil, nil)

	a := got["server_count"]
	assert.True(t, a.Conflicting)
	require.NotNil(t, a.Alternate)
	assert.Equal(t, "15", a.Alternate.Answer)
}

func TestMerge_DeterministicAcrossCompletionOrder(t *testing.T) {
	c1 := cand("server_count", "12", model.ConfidenceHigh, "call-1", 0)
	c2 := cand("server_count", "15", model.ConfidenceHigh, "call-2", 1)

	forward := Merge(mergeRegistry(), []model.CandidateAnswer{c1, c2}, nil, nil)
	reversed := Merge(mergeRegistry(), []model.CandidateAnswer{c2, c1}, nil, nil)

	assert.Equal(t, forward["server_count"], reversed["server_count"])
	assert.Equal(t, "12", *forward["server_count"].Answer)
}

func TestMerge_SameAnswerNoConflict(t *testing.T) {
	got := Merge(mergeRegistry(), []model.CandidateAnswer{
		cand("email_platform", "Microsoft 365", model.ConfidenceHigh, "call-1", 0),
		cand("email_platform", "microsoft  365", model.ConfidenceHigh, "call-2", 1),
	}, nil, nil)

	a := got["email_platform"]
	assert.False(t, a.Conflicting)
	assert.Nil(t, a.Alternate)
	assert.Equal(t, "Microsoft 365", *a.Answer)
}

func TestMerge_UpgradeClearsEarlierTie(t *testing.T) {
	got := Merge(mergeRegistry(), []model.CandidateAnswer{
		cand("server_count", "10", model.ConfidenceLow, "call-1", 0),
		cand("server_count", "11", model.ConfidenceLow, "call-2", 1),
		cand("server_count", "12", model.ConfidenceHigh, "call-3", 2),
	}, nil, nil)

	a := got["server_count"]
	assert.Equal(t, "12", *a.Answer)
	assert.False(t, a.Conflicting)
	assert.Nil(t, a.Alternate)
}

func TestMerge_MissingCandidatesNeverFill(t *testing.T) {
	got := Merge(mergeRegistry(), []model.CandidateAnswer{
		missing("server_count", 0),
		missing("server_count", 1),
	}, nil, nil)

	a := got["server_count"]
	assert.Nil(t, a.Answer)
	assert.Equal(t, model.ConfidenceMissing, a.Confidence)
	assert.False(t, a.Filled())
}

func TestMerge_EveryRegistryFieldPresent(t *testing.T) {
	got := Merge(mergeRegistry(), nil, nil, nil)
	require.Len(t, got, 3)
	for _, a := range got {
		assert.Equal(t, model.ConfidenceMissing, a.Confidence)
	}
	assert.Equal(t, "How many servers?", got["server_count"].Question)
	assert.Equal(t, 1, got["server_count"].Row)
}

func TestMerge_OverrideBeatsHighConfidence(t *testing.T) {
	got := Merge(mergeRegistry(),
		[]model.CandidateAnswer{cand("company_name", "Acme Corp", model.ConfidenceHigh, "call-1", 0)},
		map[string]Override{"company_name": {Value: "Acme Corporation LLC", Source: "CRM"}},
		nil)

	a := got["company_name"]
	assert.Equal(t, "Acme Corporation LLC", *a.Answer)
	assert.Equal(t, model.ConfidenceHigh, a.Confidence)
	assert.Equal(t, "CRM", a.Source)
	assert.False(t, a.Conflicting, "overrides are authoritative, not conflicts")
	require.NotNil(t, a.Alternate)
	assert.Equal(t, "Acme Corp", a.Alternate.Answer)
}

func TestMerge_BlankOverrideIgnored(t *testing.T) {
	got := Merge(mergeRegistry(),
		[]model.CandidateAnswer{cand("company_name", "Acme Corp", model.ConfidenceHigh, "call-1", 0)},
		map[string]Override{"company_name": {Value: "  ", Source: "CRM"}},
		nil)

	assert.Equal(t, "Acme Corp", *got["company_name"].Answer)
}

func TestMerge_BaselineNeverSilentlyDowngraded(t *testing.T) {
	baseline := model.AnswerSet{
		"server_count": {
			FieldKey:   "server_count",
			Question:   "How many servers?",
			Answer:     model.StringPtr("12"),
			Confidence: model.ConfidenceHigh,
			Source:     "call-1",
			Row:        1,
		},
	}

	got := Merge(mergeRegistry(),
		[]model.CandidateAnswer{cand("server_count", "8", model.ConfidenceLow, "call-3", 0)},
		nil, baseline)

	a := got["server_count"]
	assert.Equal(t, "12", *a.Answer, "prior high answer stays primary")
	assert.Equal(t, model.ConfidenceHigh, a.Confidence)
	assert.True(t, a.Conflicting, "weaker differing answer surfaces as conflict")
	require.NotNil(t, a.Alternate)
	assert.Equal(t, "8", a.Alternate.Answer)
}

func TestMerge_BaselineUpgraded(t *testing.T) {
	baseline := model.AnswerSet{
		"server_count": {
			FieldKey:   "server_count",
			Answer:     model.StringPtr("about 10"),
			Confidence: model.ConfidenceLow,
			Source:     "call-1",
		},
	}

	got := Merge(mergeRegistry(),
		[]model.CandidateAnswer{cand("server_count", "12", model.ConfidenceHigh, "call-2", 0)},
		nil, baseline)

	a := got["server_count"]
	assert.Equal(t, "12", *a.Answer)
	assert.Equal(t, model.ConfidenceHigh, a.Confidence)
	assert.False(t, a.Conflicting)
}

func TestMerge_BaselineKeptWhenRunFindsNothing(t *testing.T) {
	baseline := model.AnswerSet{
		"server_count": {
			FieldKey:   "server_count",
			Answer:     model.StringPtr("12"),
			Confidence: model.ConfidenceMedium,
			Source:     "call-1",
		},
	}

	got := Merge(mergeRegistry(), []model.CandidateAnswer{missing("server_count", 0)}, nil, baseline)

	a := got["server_count"]
	assert.Equal(t, "12", *a.Answer)
	assert.False(t, a.Conflicting)
}

func TestMergeField_NeverDegrades(t *testing.T) {
	f := &model.FieldDef{Key: "server_count", Question: "How many servers?", Row: 1}
	existing := model.FinalAnswer{
		FieldKey:   "server_count",
		Answer:     model.StringPtr("12"),
		Confidence: model.ConfidenceMedium,
		Source:     "call-1",
	}

	got := MergeField(f, existing, []model.CandidateAnswer{
		cand("server_count", "maybe 9", model.ConfidenceLow, "call-1", 0),
	})

	assert.Equal(t, "12", *got.Answer)
	assert.Equal(t, model.ConfidenceMedium, got.Confidence)
	assert.True(t, got.Conflicting)
}

func TestMergeField_FillsMissing(t *testing.T) {
	f := &model.FieldDef{Key: "server_count", Question: "How many servers?", Row: 1}
	existing := model.FinalAnswer{FieldKey: "server_count", Confidence: model.ConfidenceMissing}

	got := MergeField(f, existing, []model.CandidateAnswer{
		cand("server_count", "15", model.ConfidenceMedium, "call-2", 0),
		cand("other_field", "noise", model.ConfidenceHigh, "call-2", 0),
	})

	require.NotNil(t, got.Answer)
	assert.Equal(t, "15", *got.Answer)
	assert.Equal(t, model.ConfidenceMedium, got.Confidence)
}

func TestMergeField_UpgradeReplaces(t *testing.T) {
	f := &model.FieldDef{Key: "server_count", Question: "How many servers?"}
	existing := model.FinalAnswer{
		FieldKey:   "server_count",
		Answer:     model.StringPtr("about 10"),
		Confidence: model.ConfidenceLow,
	}

	got := MergeField(f, existing, []model.CandidateAnswer{
		cand("server_count", "12", model.ConfidenceHigh, "call-2", 0),
	})

	assert.Equal(t, "12", *got.Answer)
	assert.Equal(t, model.ConfidenceHigh, got.Confidence)
	assert.False(t, got.Conflicting)
}
