package stage

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/coursefactory/internal/adapter"
	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

var fastRetry = config.RetrySettings{MaxAttempts: 2, InitialDelay: "1ms", MaxDelay: "1ms", Multiplier: 1}

func newJob(t *testing.T, store *job.FileStore, id, kind string, input job.Input, overrides map[string]any) *job.Job {
	t.Helper()
	snap, err := config.Default().Snapshot(kind, overrides)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap.Retry = fastRetry
	j := &job.Job{ID: id, Kind: kind, Input: input, Config: *snap}
	if err := store.Create(j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.TransitionStatus(id, job.StatusQueued, job.StatusRunning); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	return j
}

func mockAdapters(customize func(r *adapter.Registry)) *adapter.Registries {
	r := adapter.NewMockRegistry(nil, nil, logging.Discard())
	if customize != nil {
		customize(r)
	}
	return &adapter.Registries{Live: r, Mock: r}
}

// runAll executes every stage in graph order, appending each result, and
// returns the final job. It stops at the first failed stage.
func runAll(t *testing.T, store *job.FileStore, exec *Executor, id string) *job.Job {
	t.Helper()
	j, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, s := range j.Config.Stages {
		res := exec.Execute(context.Background(), Request{Job: j, Stage: s, Attempt: 1, Inputs: j.Artifacts()})
		if !res.Succeeded() {
			t.Fatalf("stage %s failed: %s (%s)", s.ID, res.Error, res.ErrorKind)
		}
		if j, err = store.AppendStageResult(id, *res); err != nil {
			t.Fatalf("AppendStageResult(%s): %v", s.ID, err)
		}
	}
	return j
}

func readArtifact(t *testing.T, store *job.FileStore, j *job.Job, stage, name string) []byte {
	t.Helper()
	for _, a := range j.Artifacts(stage) {
		if a.Name == name {
			data, err := store.ReadArtifact(j.ID, a.Ref)
			if err != nil {
				t.Fatalf("ReadArtifact: %v", err)
			}
			return data
		}
	}
	t.Fatalf("artifact %s/%s not found", stage, name)
	return nil
}

func TestCoursePipelineWithMockAdapters(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{Adapters: mockAdapters(nil), Blobs: store, Logger: logging.Discard()})
	newJob(t, store, "py", config.KindCourse, job.Input{Domain: "Python Programming"}, map[string]any{"lesson_count": 3})

	j := runAll(t, store, exec, "py")

	for _, s := range j.Config.Stages {
		r := j.SuccessResult(s.ID)
		if r.Tier != 0 {
			t.Errorf("%s: tier = %d (%s), want 0", s.ID, r.Tier, r.TierName)
		}
	}
	if !j.Done() {
		t.Fatal("expected every stage to have succeeded")
	}

	var plan CoursePlan
	if err := json.Unmarshal(readArtifact(t, store, j, config.StageDomainAnalysis, PlanFile), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(plan.Lessons) != 3 {
		t.Fatalf("lessons = %d, want 3", len(plan.Lessons))
	}

	// Lessons 2 and 3 of a programming course carry notebooks.
	var nbs []notebookEntry
	if err := json.Unmarshal(readArtifact(t, store, j, config.StageNotebookCreation, NotebookIndexFile), &nbs); err != nil {
		t.Fatalf("decode notebook index: %v", err)
	}
	if len(nbs) != 2 {
		t.Errorf("notebooks = %d, want 2", len(nbs))
	}

	zipData := readArtifact(t, store, j, config.StagePackaging, "python-programming-fundamentals.zip")
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	files := map[string]bool{}
	for _, f := range zr.File {
		files[f.Name] = true
	}
	for _, want := range []string{
		"python-programming-fundamentals/manifest.json",
		"python-programming-fundamentals/lessons/lesson-01.md",
		"python-programming-fundamentals/lessons/lesson-01.html",
		"python-programming-fundamentals/media/lesson-01.mp4",
		"python-programming-fundamentals/notebooks/lesson-02.ipynb",
		"python-programming-fundamentals/media/thumbnail.png",
	} {
		if !files[want] {
			t.Errorf("archive missing %s", want)
		}
	}

	var m CourseManifest
	if err := json.Unmarshal(readArtifact(t, store, j, config.StagePackaging, ManifestFile), &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.VideoMode != ModeAvatar {
		t.Errorf("VideoMode = %q, want %q", m.VideoMode, ModeAvatar)
	}
	if m.Tiers[config.StageAvatarVideoGeneration] != "avatar-video" {
		t.Errorf("avatar tier = %q", m.Tiers[config.StageAvatarVideoGeneration])
	}
}

func TestCoursePipelineWithoutAdaptersUsesLocalTiers(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{Blobs: store, Logger: logging.Discard()})
	newJob(t, store, "offline", config.KindCourse, job.Input{Domain: "Data Engineering"}, map[string]any{"lesson_count": 2})

	j := runAll(t, store, exec, "offline")

	want := map[string]string{
		config.StageDomainAnalysis:        "template-course-plan",
		config.StageContentGeneration:     "skeleton-lessons",
		config.StageBackgroundGeneration:  "gradient-background",
		config.StageScriptWriting:         "outline-scripts",
		config.StageNotebookCreation:      "template-notebooks",
		config.StageThumbnailGeneration:   "background-thumbnail",
		config.StageAvatarVideoGeneration: "placeholder-video",
		config.StageVideoAssembly:         "timeline-assembly",
		config.StagePackaging:             "course-package",
	}
	for stage, tier := range want {
		if got := j.SuccessResult(stage).TierName; got != tier {
			t.Errorf("%s: tier = %q, want %q", stage, got, tier)
		}
	}

	// Unconfigured services fail permanently, so each fallible tier is tried once.
	r := j.SuccessResult(config.StageAvatarVideoGeneration)
	if len(r.TierFailures) != 2 {
		t.Errorf("avatar tier failures = %d, want 2", len(r.TierFailures))
	}
	for _, f := range r.TierFailures {
		if f.Kind != string(svcerr.Permanent) {
			t.Errorf("failure kind = %q, want permanent", f.Kind)
		}
	}

	var tl Timeline
	if err := json.Unmarshal(readArtifact(t, store, j, config.StageVideoAssembly, TimelineFile), &tl); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if tl.Mode != ModePlaceholder || len(tl.Clips) != 2 {
		t.Errorf("timeline mode=%q clips=%d", tl.Mode, len(tl.Clips))
	}
	if tl.TotalFrames != tl.TotalSeconds*tl.FPS {
		t.Errorf("TotalFrames = %d, want %d", tl.TotalFrames, tl.TotalSeconds*tl.FPS)
	}
}

func TestAvatarFailureFallsBackToNarration(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	avatar := adapter.NewMock(adapter.AvatarVideo).FailAlways(svcerr.Permanent)
	exec := NewExecutor(ExecutorOpts{
		Adapters: mockAdapters(func(r *adapter.Registry) { r.Register(adapter.AvatarVideo, avatar) }),
		Blobs:    store,
		Logger:   logging.Discard(),
	})
	newJob(t, store, "narrated", config.KindCourse, job.Input{Domain: "Python Programming"}, map[string]any{"lesson_count": 2})

	j := runAll(t, store, exec, "narrated")

	r := j.SuccessResult(config.StageAvatarVideoGeneration)
	if r.Tier != 1 || r.TierName != "narrated-slides" {
		t.Errorf("avatar stage tier = %d %q, want 1 narrated-slides", r.Tier, r.TierName)
	}
	if avatar.Calls() != 1 {
		t.Errorf("avatar calls = %d, want 1 (permanent failures are not retried)", avatar.Calls())
	}
	for _, a := range r.Artifacts {
		if a.Tier != 1 {
			t.Errorf("artifact %s tier = %d, want 1", a.Name, a.Tier)
		}
	}
}

func TestServiceRejectionFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error": "prompt rejected"}`))
	}))
	defer srv.Close()
	text, err := adapter.NewHTTPJSON(adapter.TextGeneration, adapter.HTTPConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPJSON: %v", err)
	}

	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{
		Adapters: mockAdapters(func(r *adapter.Registry) { r.Register(adapter.TextGeneration, text) }),
		Blobs:    store,
		Logger:   logging.Discard(),
	})
	j := newJob(t, store, "rejected", config.KindCourse, job.Input{Domain: "Python Programming"}, nil)

	res := exec.Execute(context.Background(), Request{Job: j, Stage: *j.Config.Pipeline().FindStage(config.StageDomainAnalysis), Attempt: 1})
	if !res.Succeeded() || res.TierName != "template-course-plan" {
		t.Fatalf("result = %+v, want the template tier", res)
	}
	if len(res.TierFailures) != 1 || res.TierFailures[0].Kind != string(svcerr.Permanent) {
		t.Errorf("TierFailures = %+v, want one permanent failure", res.TierFailures)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	text := adapter.NewMock(adapter.TextGeneration).FailTimes(1, svcerr.Transient)
	exec := NewExecutor(ExecutorOpts{
		Adapters: mockAdapters(func(r *adapter.Registry) { r.Register(adapter.TextGeneration, text) }),
		Blobs:    store,
		Logger:   logging.Discard(),
	})
	j := newJob(t, store, "retry", config.KindCourse, job.Input{Domain: "Python Programming"}, nil)

	res := exec.Execute(context.Background(), Request{Job: j, Stage: *j.Config.Pipeline().FindStage(config.StageDomainAnalysis), Attempt: 1})
	if !res.Succeeded() || res.Tier != 0 {
		t.Fatalf("result = %+v, want tier 0 success", res)
	}
	if res.AdapterAttempts != 2 {
		t.Errorf("AdapterAttempts = %d, want 2", res.AdapterAttempts)
	}
	if len(res.TierFailures) != 1 || res.TierFailures[0].Kind != string(svcerr.Transient) {
		t.Errorf("TierFailures = %+v", res.TierFailures)
	}
}

func TestEmptyDomainIsInvalidInput(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{Adapters: mockAdapters(nil), Blobs: store, Logger: logging.Discard()})
	j := newJob(t, store, "empty", config.KindCourse, job.Input{Domain: "   "}, nil)

	res := exec.Execute(context.Background(), Request{Job: j, Stage: j.Config.Stages[0], Attempt: 1})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != string(svcerr.InvalidInput) {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, svcerr.InvalidInput)
	}
}

func TestUnknownProducerIsFallbackExhausted(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{Blobs: store, Logger: logging.Discard()})
	j := newJob(t, store, "bad", config.KindCourse, job.Input{Domain: "Go"}, nil)

	st := config.Stage{ID: config.StageDomainAnalysis, Tiers: []string{"llm-course-plan", "no-such-tier"}}
	res := exec.Execute(context.Background(), Request{Job: j, Stage: st, Attempt: 1})
	if res.ErrorKind != string(svcerr.FallbackExhausted) {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, svcerr.FallbackExhausted)
	}
}

type blockingProducer struct{}

func (blockingProducer) Name() string     { return "blocking" }
func (blockingProducer) Infallible() bool { return false }
func (blockingProducer) Produce(ctx context.Context, _ *Env) ([]Payload, error) {
	<-ctx.Done()
	return nil, svcerr.FromNetwork(ctx.Err())
}

type constProducer struct{}

func (constProducer) Name() string     { return "const" }
func (constProducer) Infallible() bool { return true }
func (constProducer) Produce(context.Context, *Env) ([]Payload, error) {
	return []Payload{textPayload("out.txt", job.KindDocument, "text/plain", "ok")}, nil
}

func TestStageTimeoutIsTransient(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{
		Producers: NewRegistry(blockingProducer{}, constProducer{}),
		Blobs:     store,
		Logger:    logging.Discard(),
	})
	j := newJob(t, store, "slow", config.KindCourse, job.Input{Domain: "Go"}, nil)

	st := config.Stage{ID: config.StageDomainAnalysis, Timeout: "10ms", Tiers: []string{"blocking", "const"}}
	res := exec.Execute(context.Background(), Request{Job: j, Stage: st, Attempt: 1})
	if !res.Succeeded() || res.TierName != "const" {
		t.Fatalf("result = %+v, want success via const", res)
	}
	if len(res.TierFailures) != fastRetry.MaxAttempts {
		t.Fatalf("TierFailures = %d, want %d", len(res.TierFailures), fastRetry.MaxAttempts)
	}
	for _, f := range res.TierFailures {
		if f.Kind != string(svcerr.Transient) {
			t.Errorf("timeout kind = %q, want transient", f.Kind)
		}
	}
}

func TestCancelledContextLeavesStageResumable(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{Adapters: mockAdapters(nil), Blobs: store, Logger: logging.Discard()})
	j := newJob(t, store, "cancelled", config.KindCourse, job.Input{Domain: "Go"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := exec.Execute(ctx, Request{Job: j, Stage: j.Config.Stages[0], Attempt: 1})
	if res.Succeeded() {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != string(svcerr.Transient) {
		t.Errorf("ErrorKind = %q, want transient", res.ErrorKind)
	}
}

func TestKnowledgeBasePipeline(t *testing.T) {
	dir := t.TempDir()
	store := job.NewFileStore(filepath.Join(dir, "jobs"))
	notes := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(notes, []byte("Goroutines are cheap.\n\nChannels connect goroutines."), 0o644); err != nil {
		t.Fatal(err)
	}

	adapters := mockAdapters(nil)
	svc := retrieval.NewService(retrieval.ServiceOpts{
		Index:    retrieval.NewMemoryIndex(),
		Caller:   adapters.Mock,
		Splitter: retrieval.NewSplitter(30, 0),
		Logger:   logging.Discard(),
	})
	exec := NewExecutor(ExecutorOpts{
		Adapters: adapters,
		Blobs:    store,
		Indexer:  func(c adapter.Caller) Indexer { return svc.WithCaller(c) },
		Logger:   logging.Discard(),
	})
	newJob(t, store, "kb", config.KindKnowledgeBase, job.Input{Documents: []job.Document{
		{ID: "inline", Title: "Inline", Text: "The scheduler multiplexes goroutines onto threads."},
		{Path: notes},
	}}, nil)

	j := runAll(t, store, exec, "kb")

	if got := j.SuccessResult(config.StageDocumentIndexing).TierName; got != "retrieval-index" {
		t.Errorf("indexing tier = %q, want retrieval-index", got)
	}
	if got := j.SuccessResult(config.StageDocumentSummarization).TierName; got != "llm-summaries" {
		t.Errorf("summarization tier = %q, want llm-summaries", got)
	}

	docs, err := svc.Index().Documents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(docs, ",") != "inline,notes" {
		t.Errorf("indexed documents = %v", docs)
	}
	hits, err := svc.Retrieve(context.Background(), "Channels connect goroutines.", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Chunk.DocumentID != "notes" {
		t.Errorf("top hit = %+v, want a notes chunk", hits)
	}

	var entries []IndexEntry
	if err := json.Unmarshal(readArtifact(t, store, j, config.StageDocumentIndexing, ChunkIndexFile), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || !entries[0].Stored {
		t.Errorf("index entries = %+v", entries)
	}
}

func TestKnowledgeBaseWithoutIndexerFallsBack(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{Blobs: store, Logger: logging.Discard()})
	newJob(t, store, "kb", config.KindKnowledgeBase, job.Input{Documents: []job.Document{
		{ID: "a", Text: strings.Repeat("Long text about retrieval. ", 60)},
	}}, nil)

	j := runAll(t, store, exec, "kb")

	if got := j.SuccessResult(config.StageDocumentIndexing).TierName; got != "hashed-index" {
		t.Errorf("indexing tier = %q, want hashed-index", got)
	}
	if got := j.SuccessResult(config.StageDocumentSummarization).TierName; got != "truncated-summaries" {
		t.Errorf("summarization tier = %q, want truncated-summaries", got)
	}
	summary := string(readArtifact(t, store, j, config.StageDocumentSummarization, "a.summary.md"))
	if !strings.HasSuffix(strings.TrimSpace(summary), "...") {
		t.Errorf("summary = %q, want truncated text", summary)
	}
}

func TestDocumentLoaderReadsDOCX(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	body := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:r><w:t>Select waits on channels.</w:t></w:r></w:p></w:body></w:document>`
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	guide := filepath.Join(dir, "guide.docx")
	if err := os.WriteFile(guide, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	store := job.NewFileStore(filepath.Join(dir, "jobs"))
	exec := NewExecutor(ExecutorOpts{Blobs: store, Logger: logging.Discard()})
	newJob(t, store, "kb", config.KindKnowledgeBase, job.Input{Documents: []job.Document{{Path: guide}}}, nil)

	j := runAll(t, store, exec, "kb")

	if got := string(readArtifact(t, store, j, config.StageDocumentExtraction, "guide.txt")); got != "Select waits on channels.\n" {
		t.Errorf("extracted text = %q", got)
	}
	var entries []DocumentEntry
	if err := json.Unmarshal(readArtifact(t, store, j, config.StageDocumentExtraction, DocumentIndexFile), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "guide" || entries[0].Source != guide {
		t.Errorf("document entries = %+v", entries)
	}
}

func TestDocumentLoaderRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		docs []job.Document
	}{
		{"none", nil},
		{"duplicate", []job.Document{{ID: "x", Text: "a"}, {ID: "x", Text: "b"}}},
		{"both path and text", []job.Document{{ID: "x", Text: "a", Path: "/tmp/x"}}},
		{"missing file", []job.Document{{Path: "/definitely/not/here.txt"}}},
		{"path id", []job.Document{{ID: "../x", Text: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := job.NewFileStore(t.TempDir())
			exec := NewExecutor(ExecutorOpts{Blobs: store, Logger: logging.Discard()})
			j := newJob(t, store, "kb", config.KindKnowledgeBase, job.Input{Documents: tt.docs}, nil)
			res := exec.Execute(context.Background(), Request{Job: j, Stage: j.Config.Stages[0], Attempt: 1})
			if res.ErrorKind != string(svcerr.InvalidInput) {
				t.Errorf("ErrorKind = %q, want invalid_input", res.ErrorKind)
			}
		})
	}
}

func TestDuplicatePayloadNamesFail(t *testing.T) {
	store := job.NewFileStore(t.TempDir())
	exec := NewExecutor(ExecutorOpts{Producers: NewRegistry(dupProducer{}), Blobs: store, Logger: logging.Discard()})
	j := newJob(t, store, "dup", config.KindCourse, job.Input{Domain: "Go"}, nil)

	res := exec.Execute(context.Background(), Request{Job: j, Stage: config.Stage{ID: "x", Tiers: []string{"dup"}}, Attempt: 1})
	if res.Succeeded() || res.ErrorKind != string(svcerr.Permanent) {
		t.Errorf("result = %+v, want permanent failure", res)
	}
}

type dupProducer struct{}

func (dupProducer) Name() string     { return "dup" }
func (dupProducer) Infallible() bool { return true }
func (dupProducer) Produce(context.Context, *Env) ([]Payload, error) {
	p := textPayload("same.txt", job.KindDocument, "text/plain", "x")
	return []Payload{p, p}, nil
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Python Programming Fundamentals", "python-programming-fundamentals"},
		{"Café & Crème: Basics", "cafe-creme-basics"},
		{"  --  ", "course"},
		{"C++ 101", "c-101"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistryTiers(t *testing.T) {
	r := DefaultRegistry()
	if _, err := r.Tiers([]string{"llm-course-plan"}); err == nil {
		t.Error("expected error for chain ending in a fallible tier")
	}
	if _, err := r.Tiers([]string{"nope"}); err == nil || !strings.Contains(err.Error(), "unknown producer") {
		t.Errorf("err = %v, want unknown producer", err)
	}
	cfg := config.Default()
	if errs := config.ValidateWith(cfg, r); len(errs) != 0 {
		t.Errorf("default pipelines invalid: %v", errs)
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in   string
		w, h int
	}{
		{"1280x720", 1280, 720},
		{"1920X1080", 1920, 1080},
		{"bogus", 1920, 1080},
		{"0x10", 1920, 1080},
	}
	for _, tt := range tests {
		w, h := parseResolution(tt.in)
		if w != tt.w || h != tt.h {
			t.Errorf("parseResolution(%q) = %dx%d, want %dx%d", tt.in, w, h, tt.w, tt.h)
		}
	}
}
