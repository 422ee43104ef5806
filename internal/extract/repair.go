package extract

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

// rawCandidate is the wire shape of one extracted answer. Confidence and
// answer tolerate whatever the model produced; normalization happens in
// toCandidate.
type rawCandidate struct {
	FieldKey   string `json:"field_key"`
	Answer     any    `json:"answer"`
	Confidence string `json:"confidence"`
	Evidence   string `json:"evidence"`
}

// ParseCandidates recovers answer candidates from a model response. It
// never returns an error: fenced JSON, surrounding prose, trailing
// commas, and truncated arrays are all repaired, and anything beyond
// repair yields missing candidates for every requested field. Exactly
// one candidate per requested field comes back, in field order.
func ParseCandidates(text, source string, jobID int, fields []*model.FieldDef) []model.CandidateAnswer {
	byKey := make(map[string]rawCandidate, len(fields))
	for _, raw := range parseArray(text) {
		key := strings.TrimSpace(raw.FieldKey)
		if key == "" {
			continue
		}
		// First mention wins when the model repeats a field.
		if _, dup := byKey[key]; !dup {
			byKey[key] = raw
		}
	}

	out := make([]model.CandidateAnswer, len(fields))
	for i, f := range fields {
		raw, ok := byKey[f.Key]
		if !ok {
			out[i] = model.CandidateAnswer{
				FieldKey:   f.Key,
				Confidence: model.ConfidenceMissing,
				Source:     source,
				JobID:      jobID,
			}
			continue
		}
		out[i] = toCandidate(raw, f.Key, source, jobID)
	}
	return out
}

// parseArray decodes the response text into raw candidates, repairing
// as needed. Returns nil when nothing can be recovered.
func parseArray(text string) []rawCandidate {
	cleaned := stripFences(strings.TrimSpace(text))
	cleaned = trimToArray(cleaned)
	if cleaned == "" {
		return nil
	}

	var raws []rawCandidate
	if err := json.Unmarshal([]byte(cleaned), &raws); err == nil {
		return raws
	}

	// Models quote evidence verbatim and routinely forget to escape the
	// quotes inside it. Repair those before the structural passes so a
	// stray quote doesn't cost the whole object.
	cleaned = escapeBareQuotes(cleaned)
	if err := json.Unmarshal([]byte(cleaned), &raws); err == nil {
		zap.L().Debug("extract: repaired unescaped quotes", zap.Int("len", len(cleaned)))
		return raws
	}

	if repaired := repairTruncated(cleaned); repaired != "" {
		if err := json.Unmarshal([]byte(repaired), &raws); err == nil {
			zap.L().Debug("extract: repaired truncated response",
				zap.Int("original_len", len(cleaned)),
				zap.Int("repaired_len", len(repaired)),
			)
			return raws
		}
	}

	// Last resort: decode each balanced object individually so one
	// malformed element doesn't discard its siblings.
	raws = salvageObjects(cleaned)
	if raws == nil {
		zap.L().Warn("extract: unparseable response", zap.Int("len", len(text)))
	}
	return raws
}

// stripFences removes a markdown code fence wrapper if present.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// trimToArray cuts leading and trailing prose around the outermost JSON
// array. A response with no '[' at all returns "".
func trimToArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, "]")
	if end > start {
		return s[start : end+1]
	}
	// No closing bracket: keep the tail for truncation repair.
	return s[start:]
}

// repairTruncated recovers an array cut off mid-object: drop everything
// after the last complete object, strip a trailing comma, close the
// bracket.
func repairTruncated(s string) string {
	last := strings.LastIndex(s, "}")
	if last < 0 {
		return ""
	}
	s = s[:last+1]
	s = strings.TrimRight(s, " \t\n\r")
	s = strings.TrimSuffix(s, ",")
	if !strings.HasSuffix(s, "]") {
		s += "]"
	}
	return s
}

// freeTextKeys are the fields whose values carry verbatim source text
// and therefore attract unescaped quotes.
var freeTextKeys = []string{`"answer"`, `"evidence"`}

// escapeBareQuotes escapes stray double quotes inside the string values
// of answer and evidence keys. The closing quote of a value is taken to
// be the first one followed by a comma, brace, or bracket; quotes
// before it are content.
func escapeBareQuotes(s string) string {
	for _, key := range freeTextKeys {
		s = escapeValueQuotes(s, key)
	}
	return s
}

func escapeValueQuotes(s, key string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	for {
		idx := strings.Index(s, key)
		if idx < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:idx+len(key)])
		s = s[idx+len(key):]

		j := skipSpace(s, 0)
		if j >= len(s) || s[j] != ':' {
			continue
		}
		j = skipSpace(s, j+1)
		if j >= len(s) || s[j] != '"' {
			continue
		}
		j++
		b.WriteString(s[:j])
		s = s[j:]

		end := closingQuote(s)
		if end < 0 {
			continue
		}
		for i := 0; i < end; i++ {
			if s[i] == '"' && (i == 0 || s[i-1] != '\\') {
				b.WriteByte('\\')
			}
			b.WriteByte(s[i])
		}
		s = s[end:]
	}
}

// closingQuote returns the index of the first unescaped quote followed
// by a structural character, or -1.
func closingQuote(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] != '"' || (i > 0 && s[i-1] == '\\') {
			continue
		}
		j := skipSpace(s, i+1)
		if j >= len(s) || s[j] == ',' || s[j] == '}' || s[j] == ']' {
			return i
		}
	}
	return -1
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// salvageObjects scans for balanced top-level objects and decodes each
// one independently, skipping any that still fail.
func salvageObjects(s string) []rawCandidate {
	var out []rawCandidate
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				var raw rawCandidate
				if err := json.Unmarshal([]byte(s[start:i+1]), &raw); err == nil {
					out = append(out, raw)
				}
				start = -1
			}
		}
	}
	return out
}

// toCandidate normalizes one raw candidate: answer coerced to a string
// or nil, confidence parsed leniently, and null answers forced to
// missing so downstream merge never sees a confident empty.
func toCandidate(raw rawCandidate, fieldKey, source string, jobID int) model.CandidateAnswer {
	c := model.CandidateAnswer{
		FieldKey:   fieldKey,
		Confidence: model.ParseConfidence(raw.Confidence),
		Evidence:   strings.TrimSpace(raw.Evidence),
		Source:     source,
		JobID:      jobID,
	}

	answer := coerceAnswer(raw.Answer)
	if answer == "" || strings.EqualFold(answer, "null") || strings.EqualFold(answer, "n/a") {
		c.Confidence = model.ConfidenceMissing
		return c
	}
	c.Answer = model.StringPtr(answer)
	if c.Confidence == model.ConfidenceMissing {
		// The model answered but labeled it missing; keep the answer at
		// the lowest usable confidence rather than dropping evidence.
		c.Confidence = model.ConfidenceLow
	}
	return c
}

// coerceAnswer renders whatever JSON value the model put in "answer"
// as a trimmed string.
func coerceAnswer(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(a)
	case bool:
		if a {
			return "Yes"
		}
		return "No"
	case float64:
		b, _ := json.Marshal(a)
		return string(b)
	case []any, map[string]any:
		b, err := json.Marshal(a)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		b, err := json.Marshal(a)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}
