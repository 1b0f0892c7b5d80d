// Package retrieval chunks documents, embeds the chunks, and answers
// similarity queries over them. It is shared by knowledge-base ingestion and
// the query surfaces of the CLI and HTTP API.
package retrieval

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/coursefactory/internal/adapter"
)

// LocalModel names the built-in hashed embedder.
const LocalModel = adapter.HashedModel

// ErrNotFound is returned when a document has no chunks in the index.
var ErrNotFound = errors.New("document not found")

// Document is a unit of source text to ingest.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// Chunk is an embedded span of a document. A document's chunks are always
// replaced as a set.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Seq        int       `json:"seq"`
	Start      int       `json:"start"` // rune offset, inclusive
	End        int       `json:"end"`   // rune offset, exclusive
	Text       string    `json:"text"`
	Summary    string    `json:"summary,omitempty"`
	Model      string    `json:"model"`
	Embedding  []float32 `json:"embedding"`
}

// ChunkID formats the id of the seq-th chunk of a document.
func ChunkID(docID string, seq int) string {
	return fmt.Sprintf("%s#%04d", docID, seq)
}

// Scored is a chunk ranked against a query.
type Scored struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Answer is a composed response to a question.
type Answer struct {
	Question string   `json:"question"`
	Text     string   `json:"answer"`
	Tier     int      `json:"tier"`
	TierName string   `json:"tier_name"`
	Sources  []Scored `json:"sources"`
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Truncate shortens s to at most n runes, appending "..." when it cuts.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimRightFunc(string(r[:n]), func(c rune) bool { return c == ' ' || c == '\n' || c == '\t' }) + "..."
}
