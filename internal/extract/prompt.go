package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/plan"
	"github.com/bellwether-tech/rfi-cli/pkg/anthropic"
)

// systemText frames every extraction call. The distinction between the
// prospect's current environment and the provider's proposed plans is
// the single biggest source of wrong answers, so it leads the prompt.
const systemText = `You are an analyst filling out an IT environment questionnaire (RFI) for a prospective client.

You will be given source material (sales call transcripts, uploaded documents, pasted notes) and a list of questions about the prospect's CURRENT environment.

Critical rules:
- Answer about the prospect's CURRENT state, never about what the provider plans to sell, migrate, or change.
- Only answer from evidence in the source material. Never guess or use outside knowledge.
- If the material does not answer a question, report it as missing.
- Answers should be concise factual statements, not summaries of the conversation.

Respond with ONLY a JSON array, no prose before or after. One object per question:
[{"field_key": "<key>", "answer": "<answer or null>", "confidence": "high|medium|low|missing", "evidence": "<short verbatim quote supporting the answer, or empty>"}]

Confidence guide:
- high: stated explicitly and unambiguously in the material
- medium: stated but vague, indirect, or partially covered
- low: inferred from weak or conflicting signals
- missing: not addressed; set answer to null`

const batchPromptTemplate = `Source material (%s):

%s

Questions about the "%s" category. Answer each from the source material above.

%s

Return the JSON array now.`

// retryPromptTemplate intensifies a single-field pass: it restates the
// question with its extraction hint and pushes the model to re-read for
// indirect phrasing before giving up.
const retryPromptTemplate = `Source material (%s):

%s

This is a focused second pass on ONE question that was not answered on the first read.

Question (field_key "%s"): %s
%s
Re-read the material carefully. The answer may be phrased indirectly, mentioned in passing, or split across speakers. Quote the exact supporting text as evidence. Only report missing if you are certain the material never touches the topic.

Return a JSON array with exactly one object for field_key "%s".`

// promptField is the question shape rendered into the user prompt.
type promptField struct {
	FieldKey string `json:"field_key"`
	Question string `json:"question"`
	Hint     string `json:"hint,omitempty"`
}

// SystemBlocks returns the shared system prompt with cache control, so
// concurrent jobs in one run read the same cached prefix.
func SystemBlocks() []anthropic.SystemBlock {
	return anthropic.BuildCachedSystemBlocks(systemText)
}

// RenderJob renders the user prompt for one planned job.
func RenderJob(j plan.Job) string {
	return fmt.Sprintf(batchPromptTemplate,
		chunksLabel(j.Chunks),
		chunksText(j.Chunks),
		j.Category,
		renderFields(j.Fields),
	)
}

// RenderRetry renders the intensified single-field prompt. callerHint
// is optional extra guidance from the requester, folded in after the
// field's own extraction hint.
func RenderRetry(chunks []model.Chunk, field *model.FieldDef, callerHint string) string {
	hint := ""
	if field.Hint != "" {
		hint = "Hint: " + field.Hint + "\n"
	}
	if callerHint != "" {
		hint += "Additional context: " + callerHint + "\n"
	}
	return fmt.Sprintf(retryPromptTemplate,
		chunksLabel(chunks),
		chunksText(chunks),
		field.Key,
		field.Question,
		hint,
		field.Key,
	)
}

func renderFields(fields []*model.FieldDef) string {
	rendered := make([]promptField, len(fields))
	for i, f := range fields {
		rendered[i] = promptField{FieldKey: f.Key, Question: f.Question, Hint: f.Hint}
	}
	b, err := json.MarshalIndent(rendered, "", "  ")
	if err != nil {
		// promptField has no unmarshalable members; keep the fallback cheap.
		return "[]"
	}
	return string(b)
}

func chunksLabel(chunks []model.Chunk) string {
	names := make([]string, len(chunks))
	for i, ch := range chunks {
		names[i] = ch.Label()
	}
	return strings.Join(names, ", ")
}

func chunksText(chunks []model.Chunk) string {
	if len(chunks) == 1 {
		return chunks[0].Text
	}
	var b strings.Builder
	for i, ch := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- %s ---\n", ch.Label())
		b.WriteString(ch.Text)
	}
	return b.String()
}
