package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lucasnoah/coursefactory/internal/fileutil"
)

// Index stores chunk sets keyed by document id.
type Index interface {
	// Replace swaps a document's chunk set atomically. Readers observe
	// either the old set or the new one.
	Replace(ctx context.Context, docID string, chunks []Chunk) error
	// Delete removes a document's chunks. It returns ErrNotFound when the
	// document is unknown.
	Delete(ctx context.Context, docID string) error
	Chunks(ctx context.Context, docID string) ([]Chunk, error)
	// All returns every chunk, ordered by chunk id.
	All(ctx context.Context) ([]Chunk, error)
	Documents(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryIndex keeps chunks in memory, optionally mirroring each document's
// chunk set to <dir>/<doc>.json.
type MemoryIndex struct {
	dir string

	mu   sync.RWMutex
	docs map[string][]Chunk
}

// NewMemoryIndex returns an index without persistence.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string][]Chunk)}
}

// OpenMemoryIndex returns an index persisted under dir, loading any chunk
// sets already there.
func OpenMemoryIndex(dir string) (*MemoryIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	idx := &MemoryIndex{dir: dir, docs: make(map[string][]Chunk)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read index dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var chunks []Chunk
		if err := fileutil.ReadJSON(filepath.Join(dir, e.Name()), &chunks); err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			continue
		}
		idx.docs[chunks[0].DocumentID] = chunks
	}
	return idx, nil
}

func (m *MemoryIndex) path(docID string) string {
	return filepath.Join(m.dir, url.PathEscape(docID)+".json")
}

func (m *MemoryIndex) Replace(_ context.Context, docID string, chunks []Chunk) error {
	set := append([]Chunk(nil), chunks...)
	sort.Slice(set, func(i, j int) bool { return set[i].ID < set[j].ID })

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir != "" {
		if err := fileutil.WriteJSON(m.path(docID), set); err != nil {
			return fmt.Errorf("persist chunks for %s: %w", docID, err)
		}
	}
	m.docs[docID] = set
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return ErrNotFound
	}
	if m.dir != "" {
		if err := os.Remove(m.path(docID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove chunks for %s: %w", docID, err)
		}
	}
	delete(m.docs, docID)
	return nil
}

func (m *MemoryIndex) Chunks(_ context.Context, docID string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Chunk(nil), set...), nil
}

func (m *MemoryIndex) All(_ context.Context) ([]Chunk, error) {
	m.mu.RLock()
	var out []Chunk
	for _, set := range m.docs {
		out = append(out, set...)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryIndex) Documents(_ context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryIndex) Close() error { return nil }
