// Package chunk splits raw source text into bounded-size units for
// extraction. Transcripts are split only at speaker-turn boundaries so a
// question and its answer stay in the same chunk; everything else splits
// at paragraph breaks, with a hard character split as the last resort.
package chunk

import (
	"iter"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

// DefaultMaxChars is the per-chunk size ceiling. Sized so one chunk plus
// the rendered field definitions stays comfortably inside a single
// extraction call's input budget.
const DefaultMaxChars = 80000

// minUsableChars filters out sources too short to carry any answer.
const minUsableChars = 50

// Chunker produces bounded-size chunks from source units.
type Chunker struct {
	maxChars int
}

// New creates a Chunker with the given size ceiling. Non-positive values
// fall back to DefaultMaxChars.
func New(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Chunker{maxChars: maxChars}
}

// Split returns all chunks for a source unit. A unit with no usable text
// yields zero chunks; that is a valid outcome, not an error.
func (c *Chunker) Split(unit model.SourceUnit) []model.Chunk {
	var out []model.Chunk
	for ch := range c.Chunks(unit) {
		out = append(out, ch)
	}
	return out
}

// Chunks returns a restartable sequence over the unit's chunks. Each
// iteration re-derives the split, so the sequence may be ranged more
// than once.
func (c *Chunker) Chunks(unit model.SourceUnit) iter.Seq[model.Chunk] {
	return func(yield func(model.Chunk) bool) {
		text := Sanitize(unit.Text)
		if len(strings.TrimSpace(text)) < minUsableChars {
			return
		}

		var parts []piece
		if len(text) <= c.maxChars {
			parts = []piece{{text: text, offset: 0}}
		} else if isTranscript(text) {
			parts = c.splitTurns(text)
		} else {
			parts = c.splitParagraphs(text)
		}

		for i, p := range parts {
			ch := model.Chunk{
				Source: unit.Name,
				Kind:   unit.Kind,
				Text:   p.text,
				Part:   i + 1,
				Parts:  len(parts),
				Offset: p.offset,
			}
			if !yield(ch) {
				return
			}
		}
	}
}

type piece struct {
	text   string
	offset int
}

// isTranscript detects the speaker-marked transcript format: lines that
// open with a bold speaker name, e.g. "**Alice Moreau**: ...", appearing
// within the first few lines of the document.
func isTranscript(text string) bool {
	lines := strings.SplitN(text, "\n", 21)
	if len(lines) > 20 {
		lines = lines[:20]
	}
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "**") {
			return true
		}
	}
	return false
}

// splitTurns splits transcript text at speaker-turn boundaries,
// accumulating turns pairwise so a question and the answer that follows
// it land in the same chunk.
func (c *Chunker) splitTurns(text string) []piece {
	var turns []string
	var current []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "**") && len(current) > 0 {
			turns = append(turns, strings.Join(current, "\n"))
			current = []string{line}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		turns = append(turns, strings.Join(current, "\n"))
	}

	// Group turns into dialogue pairs before accumulating.
	var groups []string
	for i := 0; i < len(turns); {
		g := turns[i]
		if i+1 < len(turns) {
			g = g + "\n\n" + turns[i+1]
			i += 2
		} else {
			i++
		}
		groups = append(groups, g)
	}

	return c.accumulate(groups)
}

// splitParagraphs splits plain text at blank-line paragraph boundaries.
func (c *Chunker) splitParagraphs(text string) []piece {
	return c.accumulate(strings.Split(text, "\n\n"))
}

// accumulate packs segments into chunks under the ceiling, hard-splitting
// any single segment that exceeds it on its own. Empty segments are
// dropped so no chunk is ever empty.
func (c *Chunker) accumulate(segments []string) []piece {
	var out []piece
	var current []string
	currentLen := 0
	offset := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, "\n\n")
		out = append(out, piece{text: joined, offset: offset})
		offset += len(joined)
		current = nil
		currentLen = 0
	}

	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		if len(seg) > c.maxChars {
			flush()
			for _, hard := range hardSplit(seg, c.maxChars) {
				out = append(out, piece{text: hard, offset: offset})
				offset += len(hard)
			}
			continue
		}
		if currentLen+len(seg) > c.maxChars && len(current) > 0 {
			flush()
		}
		current = append(current, seg)
		currentLen += len(seg) + 2
	}
	flush()

	return out
}

// hardSplit cuts an oversize segment at the character ceiling, avoiding
// cuts inside a multi-byte rune.
func hardSplit(s string, maxChars int) []string {
	var out []string
	for len(s) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8Start(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxChars
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// utf8Start reports whether b can begin a UTF-8 encoded rune.
func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

// Sanitize normalizes source text before chunking: NFC normalization,
// CRLF to LF, and control characters (other than newline and tab)
// stripped. Extraction quality degrades badly on text with embedded
// nulls or mixed normalization forms from document converters.
func Sanitize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}
