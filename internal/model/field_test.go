package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFields() []FieldDef {
	return []FieldDef{
		{Key: "number_of_users", Question: "Number of users?", Category: "Engagement", Row: 3, ManualOnly: true},
		{Key: "main_contact_email", Question: "Contact email?", Category: "Engagement", Row: 4, CRMProperty: "main_contact_email"},
		{Key: "server_count", Question: "How many servers?", Category: "Servers", Row: 10, Hint: "server count, VMs, hosts"},
		{Key: "backup_solution", Question: "Backup vendor?", Category: "Backup", Row: 20},
	}
}

func TestFieldRegistry_ByKey(t *testing.T) {
	r := NewFieldRegistry(testFields())

	f := r.ByKey("server_count")
	require.NotNil(t, f)
	assert.Equal(t, "How many servers?", f.Question)
	assert.Nil(t, r.ByKey("nonexistent"))
}

func TestFieldRegistry_Categories_TemplateOrder(t *testing.T) {
	r := NewFieldRegistry(testFields())
	assert.Equal(t, []string{"Engagement", "Servers", "Backup"}, r.Categories())
}

func TestFieldRegistry_Extractable_SkipsManualOnly(t *testing.T) {
	r := NewFieldRegistry(testFields())

	keys := make([]string, 0)
	for _, f := range r.Extractable() {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"main_contact_email", "server_count", "backup_solution"}, keys)
}

func TestFieldRegistry_ExtractableByCategory(t *testing.T) {
	r := NewFieldRegistry(testFields())

	grouped := r.ExtractableByCategory()
	assert.Len(t, grouped["Engagement"], 1)
	assert.Len(t, grouped["Servers"], 1)
	assert.Len(t, grouped["Backup"], 1)
}

func TestChunkLabel(t *testing.T) {
	single := Chunk{Source: "Transcript: Kickoff", Parts: 1, Part: 1}
	assert.Equal(t, "Transcript: Kickoff", single.Label())

	split := Chunk{Source: "Transcript: Kickoff", Parts: 3, Part: 2}
	assert.Equal(t, "Transcript: Kickoff (part 2 of 3)", split.Label())
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusExtracting.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}
