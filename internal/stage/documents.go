package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/extract"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/prompt"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

const (
	DocumentIndexFile = "documents.json"
	ChunkIndexFile    = "index.json"
	SummaryIndexFile  = "summaries.json"
	// summaryChars is the length of the extractive fallback summary.
	summaryChars = 500
	// summaryInputChars bounds the text sent for LLM summarization.
	summaryInputChars = 8000
)

// Indexer is the retrieval surface the indexing producers use.
type Indexer interface {
	Ingest(ctx context.Context, doc retrieval.Document) ([]retrieval.Chunk, error)
	// IngestLocal indexes with the local hashed embedder only.
	IngestLocal(ctx context.Context, doc retrieval.Document) ([]retrieval.Chunk, error)
}

// DocumentEntry describes one extracted document.
type DocumentEntry struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	File   string `json:"file"`
	Source string `json:"source"`
	Chars  int    `json:"chars"`
}

type documentLoader struct{}

func (documentLoader) Name() string     { return "document-loader" }
func (documentLoader) Infallible() bool { return true }

func (documentLoader) Produce(_ context.Context, env *Env) ([]Payload, error) {
	docs := env.Job.Input.Documents
	if len(docs) == 0 {
		return nil, svcerr.Newf(svcerr.InvalidInput, "no documents to extract")
	}
	seen := make(map[string]bool, len(docs))
	entries := make([]DocumentEntry, 0, len(docs))
	var out []Payload
	for i, d := range docs {
		id := DocumentID(d, i)
		if !validDocumentID(id) {
			return nil, svcerr.Newf(svcerr.InvalidInput, "document id %q must be a plain name", id)
		}
		if seen[id] {
			return nil, svcerr.Newf(svcerr.InvalidInput, "duplicate document id %q", id)
		}
		seen[id] = true

		text, source, err := readDocument(d)
		if err != nil {
			return nil, err
		}
		title := d.Title
		if title == "" {
			title = id
		}
		name := id + ".txt"
		out = append(out, textPayload(name, job.KindDocument, "text/plain", text))
		entries = append(entries, DocumentEntry{ID: id, Title: title, File: name, Source: source, Chars: utf8.RuneCountInString(text)})
	}
	idx, err := jsonPayload(DocumentIndexFile, job.KindManifest, entries)
	if err != nil {
		return nil, err
	}
	return append(out, idx), nil
}

// DocumentID returns d.ID, or a name derived from its path or position.
func DocumentID(d job.Document, i int) string {
	if d.ID != "" {
		return d.ID
	}
	if d.Path != "" {
		base := filepath.Base(d.Path)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return fmt.Sprintf("doc-%02d", i+1)
}

func validDocumentID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\#`) && filepath.IsLocal(id)
}

func readDocument(d job.Document) (string, string, error) {
	if d.Text != "" && d.Path != "" {
		return "", "", svcerr.Newf(svcerr.InvalidInput, "document %q has both path and text", d.ID)
	}
	if d.Path == "" {
		if strings.TrimSpace(d.Text) == "" {
			return "", "", svcerr.Newf(svcerr.InvalidInput, "document %q is empty", d.ID)
		}
		return d.Text, "inline", nil
	}
	text, err := extract.File(d.Path)
	if err != nil {
		return "", "", svcerr.New(svcerr.InvalidInput, fmt.Errorf("read document: %w", err))
	}
	if strings.TrimSpace(text) == "" {
		return "", "", svcerr.Newf(svcerr.InvalidInput, "document %s is empty", d.Path)
	}
	return text, d.Path, nil
}

// loadDocuments reads the extracted documents.
func loadDocuments(env *Env) ([]retrieval.Document, error) {
	data, err := env.ReadNamed(config.StageDocumentExtraction, DocumentIndexFile)
	if err != nil {
		return nil, err
	}
	var entries []DocumentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, svcerr.New(svcerr.Permanent, fmt.Errorf("decode %s: %w", DocumentIndexFile, err))
	}
	docs := make([]retrieval.Document, 0, len(entries))
	for _, e := range entries {
		text, err := env.ReadNamed(config.StageDocumentExtraction, e.File)
		if err != nil {
			return nil, err
		}
		docs = append(docs, retrieval.Document{ID: e.ID, Title: e.Title, Text: string(text)})
	}
	return docs, nil
}

// IndexEntry records how one document was indexed.
type IndexEntry struct {
	ID     string `json:"id"`
	Chunks int    `json:"chunks"`
	Model  string `json:"model"`
	Stored bool   `json:"stored"`
}

func indexPayload(entries []IndexEntry) ([]Payload, error) {
	p, err := jsonPayload(ChunkIndexFile, job.KindIndex, entries)
	if err != nil {
		return nil, err
	}
	return []Payload{p}, nil
}

func chunkModel(chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	return chunks[0].Model
}

type retrievalIndex struct{}

func (retrievalIndex) Name() string     { return "retrieval-index" }
func (retrievalIndex) Infallible() bool { return false }

func (retrievalIndex) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	if env.Indexer == nil {
		return nil, svcerr.Newf(svcerr.Permanent, "retrieval index not configured")
	}
	docs, err := loadDocuments(env)
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(docs))
	for _, d := range docs {
		chunks, err := env.Indexer.Ingest(ctx, d)
		if err != nil {
			return nil, err
		}
		entries = append(entries, IndexEntry{ID: d.ID, Chunks: len(chunks), Model: chunkModel(chunks), Stored: true})
	}
	return indexPayload(entries)
}

// hashedIndex indexes with the local embedder. If the index store itself is
// unavailable the chunk counts are still reported with Stored=false.
type hashedIndex struct{}

func (hashedIndex) Name() string     { return "hashed-index" }
func (hashedIndex) Infallible() bool { return true }

func (hashedIndex) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	docs, err := loadDocuments(env)
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(docs))
	for _, d := range docs {
		if env.Indexer != nil {
			chunks, err := env.Indexer.IngestLocal(ctx, d)
			if err == nil {
				entries = append(entries, IndexEntry{ID: d.ID, Chunks: len(chunks), Model: chunkModel(chunks), Stored: true})
				continue
			}
			if env.Logger != nil {
				env.Logger.Warn("local index write failed", "document", d.ID, "error", err)
			}
		}
		n := len(retrieval.NewSplitter(0, 0).Split(d.Text))
		entries = append(entries, IndexEntry{ID: d.ID, Chunks: n, Model: retrieval.LocalModel})
	}
	return indexPayload(entries)
}

// SummaryEntry is one document summary.
type SummaryEntry struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

func summaryPayloads(entries []SummaryEntry) ([]Payload, error) {
	out := make([]Payload, 0, len(entries)+1)
	for _, e := range entries {
		out = append(out, textPayload(e.ID+".summary.md", job.KindSummary, "text/markdown", e.Summary+"\n"))
	}
	idx, err := jsonPayload(SummaryIndexFile, job.KindManifest, entries)
	if err != nil {
		return nil, err
	}
	return append(out, idx), nil
}

type llmSummaries struct{}

func (llmSummaries) Name() string     { return "llm-summaries" }
func (llmSummaries) Infallible() bool { return false }

func (llmSummaries) Produce(ctx context.Context, env *Env) ([]Payload, error) {
	docs, err := loadDocuments(env)
	if err != nil {
		return nil, err
	}
	entries := make([]SummaryEntry, 0, len(docs))
	for _, d := range docs {
		text, err := env.Render(prompt.Summary, prompt.Vars{"title": d.Title, "text": retrieval.Truncate(d.Text, summaryInputChars)})
		if err != nil {
			return nil, err
		}
		sum, err := env.Text(ctx, "summary", text, nil)
		if err != nil {
			return nil, err
		}
		entries = append(entries, SummaryEntry{ID: d.ID, Title: d.Title, Summary: strings.TrimSpace(sum)})
	}
	return summaryPayloads(entries)
}

type truncatedSummaries struct{}

func (truncatedSummaries) Name() string     { return "truncated-summaries" }
func (truncatedSummaries) Infallible() bool { return true }

func (truncatedSummaries) Produce(_ context.Context, env *Env) ([]Payload, error) {
	docs, err := loadDocuments(env)
	if err != nil {
		return nil, err
	}
	entries := make([]SummaryEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, SummaryEntry{ID: d.ID, Title: d.Title, Summary: retrieval.Truncate(strings.TrimSpace(d.Text), summaryChars)})
	}
	return summaryPayloads(entries)
}
