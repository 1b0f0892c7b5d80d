package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/db"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
)

// writeTestConfig writes a test-mode factory.yaml rooted in a temp dir and
// returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	cfg := "factory:\n" +
		"  data_dir: " + filepath.Join(dir, "data") + "\n" +
		"  log_level: error\n" +
		"  test_mode: true\n" +
		"retry:\n" +
		"  initial_delay: 1ms\n" +
		"  max_delay: 1ms\n" +
		"retrieval:\n" +
		"  chunk_size: 200\n" +
		"  chunk_overlap: -1\n"
	path := filepath.Join(dir, "factory.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func decodeJSON[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"fps=24", "test_mode=true", "resolution=1280x720", "model=gpt-4o"})
	if err != nil {
		t.Fatalf("parseOverrides: %v", err)
	}
	if got["fps"] != float64(24) {
		t.Errorf("fps = %#v, want 24", got["fps"])
	}
	if got["test_mode"] != true {
		t.Errorf("test_mode = %#v, want true", got["test_mode"])
	}
	if got["resolution"] != "1280x720" {
		t.Errorf("resolution = %#v, want %q", got["resolution"], "1280x720")
	}
	if got["model"] != "gpt-4o" {
		t.Errorf("model = %#v, want %q", got["model"], "gpt-4o")
	}

	if _, err := parseOverrides([]string{"fps"}); err == nil {
		t.Error("expected error for override without '='")
	}
	if m, err := parseOverrides(nil); err != nil || m != nil {
		t.Errorf("parseOverrides(nil) = %v, %v; want nil, nil", m, err)
	}
}

func TestSubmitRunCourseEndToEnd(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := executeStdout("submit", "Python Programming", "--set", "lesson_count=2", "--run", "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("submit --run: %v", err)
	}
	info := decodeJSON[orchestrator.StatusInfo](t, out)
	if info.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (%+v)", info.Status, info)
	}
	if !info.TestMode {
		t.Error("expected the job to run in test mode")
	}

	out, err = executeStdout("artifacts", info.ID, config.StagePackaging, "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	arts := decodeJSON[[]job.Artifact](t, out)
	if len(arts) == 0 {
		t.Error("packaging produced no artifacts")
	}

	out, err = executeStdout("list", "--status", "completed", "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if jobs := decodeJSON[[]orchestrator.StatusInfo](t, out); len(jobs) != 1 || jobs[0].ID != info.ID {
		t.Errorf("list = %+v, want exactly job %s", jobs, info.ID)
	}

	out, err = executeStdout("status", info.ID, "--config", cfgPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{info.ID, "COMPLETED", config.StageVideoAssembly} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	// A finished job cannot be cancelled or put back on the queue.
	if _, err := executeStdout("cancel", info.ID, "--config", cfgPath); !errors.Is(err, job.ErrTerminal) {
		t.Errorf("cancel after completion: err = %v, want ErrTerminal", err)
	}
	if _, err := executeStdout("queue", "remove", info.ID, "--config", cfgPath); err != nil {
		t.Fatalf("queue remove: %v", err)
	}
	if _, err := executeStdout("queue", "add", info.ID, "--config", cfgPath); err == nil {
		t.Error("queue add of a completed job should fail")
	}
	if _, err := executeStdout("queue", "remove", info.ID, "--config", cfgPath); !errors.Is(err, db.ErrNotQueued) {
		t.Errorf("second queue remove: err = %v, want ErrNotQueued", err)
	}
}

func TestSubmitQueuesAndCancel(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := executeStdout("submit", "Astronomy", "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	info := decodeJSON[orchestrator.StatusInfo](t, out)
	if info.Status != job.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", info.Status)
	}

	out, err = executeStdout("queue", "list", "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	items := decodeJSON[[]db.QueueItem](t, out)
	if len(items) != 1 || items[0].JobID != info.ID || items[0].Status != db.QueuePending {
		t.Fatalf("queue = %+v, want one pending row for %s", items, info.ID)
	}

	if _, err := executeStdout("cancel", info.ID, "--reason", "changed my mind", "--config", cfgPath); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out, err = executeStdout("run", info.ID, "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := decodeJSON[orchestrator.AdvanceResult](t, out)
	if res.Status != job.StatusCancelled {
		t.Errorf("status after run = %s, want CANCELLED", res.Status)
	}

	out, err = executeStdout("analytics", "job", info.ID, "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("analytics job: %v", err)
	}
	if !strings.Contains(out, "changed my mind") {
		t.Errorf("job timeline does not record the cancel reason:\n%s", out)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	cfgPath := writeTestConfig(t)

	if _, err := executeStdout("submit", "   ", "--config", cfgPath); err == nil {
		t.Error("expected an error for an empty domain")
	}
	if _, err := executeStdout("submit", "Go", "--set", "fps=500", "--config", cfgPath); err == nil {
		t.Error("expected an error for fps out of range")
	}
	if _, err := executeStdout("submit", "Go", "--set", "color=blue", "--config", cfgPath); err == nil {
		t.Error("expected an error for an unknown override")
	}
	if _, err := executeStdout("list", "--status", "sideways", "--config", cfgPath); err == nil {
		t.Error("expected an error for an unknown status filter")
	}
}

func TestIngestAndQuery(t *testing.T) {
	cfgPath := writeTestConfig(t)
	docs := t.TempDir()
	files := map[string]string{
		"cells.md":     "Mitochondria produce energy for the cell.",
		"plants.txt":   "Photosynthesis happens in chloroplasts.",
		"ignored.json": `{"not": "a document"}`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(docs, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := executeStdout("ingest", docs, "--local", "--config", cfgPath)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.Contains(out, "indexed cells") || !strings.Contains(out, "indexed plants") {
		t.Errorf("ingest output = %q, want both documents indexed", out)
	}
	if strings.Contains(out, "ignored") {
		t.Errorf("ingest indexed a non-text file: %q", out)
	}

	out, err = executeStdout("query", "Photosynthesis happens in chloroplasts.", "--k", "1", "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	hits := decodeJSON[[]retrieval.Scored](t, out)
	if len(hits) != 1 || hits[0].Chunk.DocumentID != "plants" {
		t.Errorf("hits = %+v, want plants first", hits)
	}

	out, err = executeStdout("query", "What produces energy?", "--answer", "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("query --answer: %v", err)
	}
	ans := decodeJSON[retrieval.Answer](t, out)
	if ans.Text == "" || len(ans.Sources) == 0 {
		t.Errorf("answer = %+v, want text with sources", ans)
	}
}

// fakeIndexService records ingest and delete calls.
type fakeIndexService struct {
	ingested []string
	deleted  []string
}

func (f *fakeIndexService) Ingest(_ context.Context, doc retrieval.Document) ([]retrieval.Chunk, error) {
	f.ingested = append(f.ingested, doc.ID)
	return []retrieval.Chunk{{DocumentID: doc.ID, Model: "fake"}}, nil
}

func (f *fakeIndexService) IngestLocal(ctx context.Context, doc retrieval.Document) ([]retrieval.Chunk, error) {
	return f.Ingest(ctx, doc)
}

func (f *fakeIndexService) Delete(_ context.Context, id string) error {
	if id == "unknown" {
		return retrieval.ErrNotFound
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestDocIngesterSync(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(present, []byte("some notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "blank.md")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := &fakeIndexService{}
	var out strings.Builder
	ing := &docIngester{svc: svc, out: &out}
	ctx := context.Background()

	if err := ing.sync(ctx, present); err != nil {
		t.Fatalf("sync present: %v", err)
	}
	if err := ing.sync(ctx, empty); err != nil {
		t.Fatalf("sync empty: %v", err)
	}
	if err := ing.sync(ctx, filepath.Join(dir, "gone.md")); err != nil {
		t.Fatalf("sync removed: %v", err)
	}
	if err := ing.sync(ctx, filepath.Join(dir, "unknown.md")); err != nil {
		t.Fatalf("sync never-indexed: %v", err)
	}

	if len(svc.ingested) != 1 || svc.ingested[0] != "notes" {
		t.Errorf("ingested = %v, want [notes]", svc.ingested)
	}
	if len(svc.deleted) != 1 || svc.deleted[0] != "gone" {
		t.Errorf("deleted = %v, want [gone]", svc.deleted)
	}
	if !strings.Contains(out.String(), "skipped") {
		t.Errorf("expected the empty file to be reported as skipped:\n%s", out.String())
	}
}

func TestCollectDocuments(t *testing.T) {
	dir := t.TempDir()
	for _, rel := range []string{"a.md", "b.TXT", "c.go", ".hidden.md", "sub/d.rst", ".git/e.md", "e.pdf", "f.DOCX", "g.doc"} {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	explicit := filepath.Join(dir, "c.go")

	got, err := collectDocuments([]string{dir, explicit})
	if err != nil {
		t.Fatalf("collectDocuments: %v", err)
	}
	var rels []string
	for _, p := range got {
		rel, _ := filepath.Rel(dir, p)
		rels = append(rels, rel)
	}
	want := []string{"a.md", "b.TXT", "c.go", "e.pdf", "f.DOCX", filepath.Join("sub", "d.rst")}
	if strings.Join(rels, ",") != strings.Join(want, ",") {
		t.Errorf("collectDocuments = %v, want %v", rels, want)
	}

	if _, err := collectDocuments([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected an error for a missing path")
	}
}

func TestConfigTemplatesInstall(t *testing.T) {
	cfgPath := writeTestConfig(t)
	dir := t.TempDir()

	out, err := executeCommand("config", "templates", "--dir", dir, "--config", cfgPath)
	if err != nil {
		t.Fatalf("config templates: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatalf("no templates written; output:\n%s", out)
	}

	// A second install leaves the edited copies alone.
	out, err = executeCommand("config", "templates", "--dir", dir, "--config", cfgPath)
	if err != nil {
		t.Fatalf("config templates again: %v", err)
	}
	if !strings.Contains(out, "0 template(s) installed") {
		t.Errorf("second install output = %q, want nothing written", out)
	}
}

func TestConfigValidateAndShow(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := executeCommand("config", "validate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("validate output = %q", out)
	}

	out, err = executeStdout("config", "show", "--format", "json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	cfg := decodeJSON[config.Config](t, out)
	if !cfg.Factory.TestMode || cfg.Retrieval.ChunkSize != 200 {
		t.Errorf("show = %+v, want the file's settings merged with defaults", cfg.Factory)
	}
	if _, ok := cfg.Pipelines[config.KindCourse]; !ok {
		t.Error("show is missing the default course pipeline")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	badCfg := "pipelines:\n  course:\n    stages:\n      - id: a\n        after: [b]\n        tiers: [no-such-producer]\n"
	if err := os.WriteFile(bad, []byte(badCfg), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = executeCommand("config", "validate", "--config", bad)
	if err == nil {
		t.Fatalf("expected validation errors, got none:\n%s", out)
	}
	if !strings.Contains(out, "Validation errors") {
		t.Errorf("validate output = %q", out)
	}
}
