package retrieval

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/coursefactory/internal/logging"
)

// pgTestDSNEnv names a Postgres database the PgIndex tests may write to.
const pgTestDSNEnv = "COURSEFACTORY_TEST_POSTGRES_DSN"

// openTestPgIndex connects to the test database and returns a document id
// prefix unique to this test. Chunks under the prefix are removed on cleanup.
func openTestPgIndex(t *testing.T) (*PgIndex, string) {
	t.Helper()
	dsn := os.Getenv(pgTestDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", pgTestDSNEnv)
	}
	ctx := context.Background()
	idx, err := OpenPgIndex(ctx, dsn)
	require.NoError(t, err)
	prefix := fmt.Sprintf("test%d-", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = idx.pool.Exec(context.Background(), `DELETE FROM document_chunks WHERE document_id LIKE $1`, prefix+"%")
		idx.Close()
	})
	return idx, prefix
}

func pgChunk(docID string, seq int, text string) Chunk {
	return Chunk{
		ID:         fmt.Sprintf("%s#%04d", docID, seq),
		DocumentID: docID,
		Seq:        seq,
		Start:      seq * 10,
		End:        seq*10 + len(text),
		Text:       text,
		Model:      LocalModel,
		Embedding:  []float32{0.5, -0.25, float32(seq)},
	}
}

func withPrefix(chunks []Chunk, prefix string) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if strings.HasPrefix(c.DocumentID, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func TestPgIndexReplaceIsAtomic(t *testing.T) {
	idx, prefix := openTestPgIndex(t)
	ctx := context.Background()
	doc := prefix + "bio"

	original := []Chunk{pgChunk(doc, 0, "Mitochondria"), pgChunk(doc, 1, "Ribosomes")}
	require.NoError(t, idx.Replace(ctx, doc, original))

	// A duplicate primary key aborts the batch after the delete ran.
	broken := []Chunk{pgChunk(doc, 0, "new"), pgChunk(doc, 0, "new again")}
	require.Error(t, idx.Replace(ctx, doc, broken))

	got, err := idx.Chunks(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, original, got)

	require.NoError(t, idx.Replace(ctx, doc, []Chunk{pgChunk(doc, 0, "Only one now")}))
	got, err = idx.Chunks(ctx, doc)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Only one now", got[0].Text)
}

func TestPgIndexAllOrdering(t *testing.T) {
	idx, prefix := openTestPgIndex(t)
	ctx := context.Background()
	// Uppercase sorts before lowercase and '#' before '-' in byte order,
	// which locale collations disagree with.
	docs := []string{prefix + "b", prefix + "B", prefix + "a-x", prefix + "a"}
	for _, d := range docs {
		require.NoError(t, idx.Replace(ctx, d, []Chunk{pgChunk(d, 1, "one"), pgChunk(d, 0, "zero")}))
	}

	all, err := idx.All(ctx)
	require.NoError(t, err)
	mine := withPrefix(all, prefix)
	require.Len(t, mine, 2*len(docs))
	ids := make([]string, len(mine))
	for i, c := range mine {
		ids[i] = c.ID
	}
	assert.True(t, sort.StringsAreSorted(ids), "All ids = %v", ids)
	assert.Equal(t, prefix+"B#0000", ids[0])
	assert.Equal(t, prefix+"a#0000", ids[2])
	assert.Equal(t, prefix+"a-x#0000", ids[4])
	assert.Equal(t, []float32{0.5, -0.25, 0}, mine[0].Embedding)

	documents, err := idx.Documents(ctx)
	require.NoError(t, err)
	var got []string
	for _, d := range documents {
		if strings.HasPrefix(d, prefix) {
			got = append(got, d)
		}
	}
	want := append([]string(nil), docs...)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestPgIndexDelete(t *testing.T) {
	idx, prefix := openTestPgIndex(t)
	ctx := context.Background()
	doc := prefix + "gone"
	require.NoError(t, idx.Replace(ctx, doc, []Chunk{pgChunk(doc, 0, "text")}))

	require.NoError(t, idx.Delete(ctx, doc))
	assert.ErrorIs(t, idx.Delete(ctx, doc), ErrNotFound)
	_, err := idx.Chunks(ctx, doc)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPgIndexBacksService(t *testing.T) {
	idx, prefix := openTestPgIndex(t)
	svc := NewService(ServiceOpts{
		Index:    idx,
		Splitter: NewSplitter(90, 0),
		Policy:   fastPolicy(),
		Logger:   logging.Discard(),
	})
	ctx := context.Background()
	doc := prefix + "cells"
	_, err := svc.IngestLocal(ctx, Document{ID: doc, Text: threeParagraphs})
	require.NoError(t, err)
	_, err = svc.IngestLocal(ctx, Document{ID: doc, Text: "Only one short paragraph now."})
	require.NoError(t, err)

	chunks, err := idx.Chunks(ctx, doc)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Only one short paragraph now.", chunks[0].Text)
}
