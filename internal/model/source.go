package model

import (
	"fmt"
	"time"
)

// SourceKind identifies where a piece of raw input text came from.
type SourceKind string

const (
	SourceTranscript SourceKind = "transcript"
	SourceUpload     SourceKind = "upload"
	SourcePasted     SourceKind = "pasted"
	SourceStructured SourceKind = "structured"
)

// SourceUnit is one independent span of raw text with provenance.
// Units are assembled by the caller before extraction begins and are
// immutable for the life of the run.
type SourceUnit struct {
	Name      string     `json:"name"`
	Kind      SourceKind `json:"kind"`
	Text      string     `json:"text"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Chunk is a bounded-size slice of a SourceUnit's text. Part numbers
// start at 1; Offset is the rune-agnostic byte offset of the slice in
// the sanitized source text.
type Chunk struct {
	Source string     `json:"source"`
	Kind   SourceKind `json:"kind"`
	Text   string     `json:"text"`
	Part   int        `json:"part"`
	Parts  int        `json:"parts"`
	Offset int        `json:"offset"`
}

// Label names the chunk for prompts and provenance: the source name,
// with a part suffix when the source was split.
func (c Chunk) Label() string {
	if c.Parts <= 1 {
		return c.Source
	}
	return fmt.Sprintf("%s (part %d of %d)", c.Source, c.Part, c.Parts)
}
