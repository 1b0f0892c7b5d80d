package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/coursefactory/internal/adapter"
	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/fallback"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/metrics"
	"github.com/lucasnoah/coursefactory/internal/prompt"
	"github.com/lucasnoah/coursefactory/internal/retry"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

const (
	// SummaryChars bounds the truncation fallback for chunk summaries.
	SummaryChars = 500
	embedBatch   = 64
	noContext    = "I could not find anything relevant to that question in the indexed documents."
)

// ServiceOpts configures a Service.
type ServiceOpts struct {
	Index  Index
	Caller adapter.Caller // nil uses the local embedder and extractive answers only
	// EmbedModel is passed as the "model" param of embedding calls.
	EmbedModel  string
	TextModel   string
	Splitter    Splitter
	Summarize   bool
	DefaultK    int
	Policy      retry.Policy
	TemplateDir string
	Recorder    metrics.Recorder
	Logger      *slog.Logger
}

// Service ingests documents into an Index and answers queries over it.
type Service struct {
	opts   ServiceOpts
	logger *slog.Logger
}

// NewService returns a service over opts.Index.
func NewService(opts ServiceOpts) *Service {
	if opts.Splitter.Size == 0 {
		opts.Splitter = NewSplitter(0, 0)
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	opts.Recorder = metrics.OrNoop(opts.Recorder)
	return &Service{opts: opts, logger: logging.WithComponent(opts.Logger, "retrieval")}
}

// OptsFromConfig maps the retrieval section of cfg onto ServiceOpts. Index
// and Caller are left for the caller to set.
func OptsFromConfig(cfg *config.Config) ServiceOpts {
	return ServiceOpts{
		EmbedModel: cfg.Services.Embedding.Model,
		TextModel:  cfg.Course.Model,
		Splitter:   NewSplitter(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap),
		Summarize:  cfg.Retrieval.Summarize,
		DefaultK:   cfg.Retrieval.DefaultK,
		Policy:     retry.FromSettings(cfg.Retry),
	}
}

// WithCaller returns a service sharing the index but calling caller.
func (s *Service) WithCaller(caller adapter.Caller) *Service {
	opts := s.opts
	opts.Caller = caller
	return &Service{opts: opts, logger: s.logger}
}

// Index returns the underlying chunk index.
func (s *Service) Index() Index { return s.opts.Index }

// Ingest chunks, summarizes and embeds doc, then replaces its chunk set.
func (s *Service) Ingest(ctx context.Context, doc Document) ([]Chunk, error) {
	return s.ingest(ctx, doc, s.opts.Caller)
}

// IngestLocal is Ingest without any external calls: summaries are
// truncations and embeddings come from the hashed embedder.
func (s *Service) IngestLocal(ctx context.Context, doc Document) ([]Chunk, error) {
	return s.ingest(ctx, doc, nil)
}

func (s *Service) ingest(ctx context.Context, doc Document, caller adapter.Caller) ([]Chunk, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return nil, svcerr.Newf(svcerr.InvalidInput, "document id is required")
	}
	logger := s.logger.With(logging.Document(doc.ID))

	spans := s.opts.Splitter.Split(doc.Text)
	runes := []rune(doc.Text)
	chunks := make([]Chunk, len(spans))
	texts := make([]string, len(spans))
	for i, sp := range spans {
		text := string(runes[sp.Start:sp.End])
		chunks[i] = Chunk{
			ID:         ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Seq:        i,
			Start:      sp.Start,
			End:        sp.End,
			Text:       text,
		}
		texts[i] = text
	}

	if s.opts.Summarize {
		for i := range chunks {
			summary, err := s.summarize(ctx, caller, chunks[i].Text)
			if err != nil {
				return nil, err
			}
			chunks[i].Summary = summary
		}
	}

	if len(texts) > 0 {
		emb, err := s.embedChain(caller, "embed").Run(ctx, texts)
		if err != nil {
			return nil, err
		}
		for i := range chunks {
			chunks[i].Embedding = emb.Output.vectors[i]
			chunks[i].Model = emb.Output.model
		}
	}

	if err := s.opts.Index.Replace(ctx, doc.ID, chunks); err != nil {
		return nil, svcerr.New(svcerr.Transient, err)
	}
	logger.Info("document indexed", slog.Int("chunks", len(chunks)))
	return chunks, nil
}

// Delete removes a document's chunks.
func (s *Service) Delete(ctx context.Context, docID string) error {
	return s.opts.Index.Delete(ctx, docID)
}

// Retrieve ranks every indexed chunk against query and returns at most k,
// highest score first with ties broken by chunk id. k <= 0 uses the
// configured default.
func (s *Service) Retrieve(ctx context.Context, query string, k int) ([]Scored, error) {
	if strings.TrimSpace(query) == "" {
		return nil, svcerr.Newf(svcerr.InvalidInput, "query is empty")
	}
	if k <= 0 {
		k = s.opts.DefaultK
	}
	all, err := s.opts.Index.All(ctx)
	if err != nil {
		return nil, svcerr.New(svcerr.Transient, err)
	}

	// Chunks are only comparable with a query embedded by the same model.
	queryVecs := make(map[string][]float32)
	var lastErr error
	scored := make([]Scored, 0, len(all))
	for _, c := range all {
		vec, ok := queryVecs[c.Model]
		if !ok {
			vec, err = s.embedQuery(ctx, c.Model, query)
			if err != nil {
				s.logger.Warn("query embedding failed", slog.String("model", c.Model), logging.Error(err))
				lastErr = err
			}
			queryVecs[c.Model] = vec
		}
		if vec == nil {
			continue
		}
		scored = append(scored, Scored{Chunk: c, Score: Cosine(vec, c.Embedding)})
	}
	if len(scored) == 0 && lastErr != nil {
		return nil, lastErr
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Chunk.ID < scored[j].Chunk.ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *Service) embedQuery(ctx context.Context, model, query string) ([]float32, error) {
	if model == LocalModel || model == "" {
		return adapter.HashEmbedding(query), nil
	}
	if s.opts.Caller == nil {
		return nil, svcerr.Newf(svcerr.Permanent, "no embedding service for model %q", model)
	}
	resp, err := s.opts.Caller.Call(ctx, adapter.Embedding, adapter.Request{
		Operation: "embed-query",
		Inputs:    []string{query},
		Params:    map[string]string{"model": model},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Vectors) != 1 {
		return nil, svcerr.Newf(svcerr.Transient, "embedding returned %d vectors for 1 input", len(resp.Vectors))
	}
	return resp.Vectors[0], nil
}

// Answer composes a response to question from the top-k chunks.
func (s *Service) Answer(ctx context.Context, question string, k int) (*Answer, error) {
	sources, err := s.Retrieve(ctx, question, k)
	if err != nil {
		return nil, err
	}
	ans := &Answer{Question: question, Sources: sources}
	if len(sources) == 0 {
		ans.Text = noContext
		ans.TierName = "no-context"
		return ans, nil
	}

	in := answerInput{question: question, context: numberedContext(sources), top: sources[0].Chunk.Text}
	var tiers []fallback.Tier[answerInput, string]
	if s.opts.Caller != nil {
		tiers = append(tiers, fallback.NewTier("llm-answer", func(ctx context.Context, in answerInput) (string, error) {
			text, err := prompt.RenderNamed(prompt.Answer, s.opts.TemplateDir, prompt.Vars{"question": in.question, "context": in.context})
			if err != nil {
				return "", svcerr.New(svcerr.Permanent, err)
			}
			return s.generate(ctx, "answer", text)
		}))
	}
	tiers = append(tiers, fallback.NewInfallibleTier("extractive-answer", func(_ context.Context, in answerInput) (string, error) {
		return in.top, nil
	}))
	chain := &fallback.Chain[answerInput, string]{Name: "answer", Tiers: tiers, Policy: s.opts.Policy, Recorder: s.opts.Recorder, Logger: s.opts.Logger}
	res, err := chain.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	ans.Text = strings.TrimSpace(res.Output)
	ans.Tier = res.Tier
	ans.TierName = res.TierName
	return ans, nil
}

type answerInput struct {
	question string
	context  string
	top      string
}

func numberedContext(sources []Scored) string {
	var b strings.Builder
	for i, sc := range sources {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[" + strconv.Itoa(i+1) + "] ")
		b.WriteString(sc.Chunk.Text)
	}
	return b.String()
}

func (s *Service) generate(ctx context.Context, op, text string) (string, error) {
	params := map[string]string{}
	if s.opts.TextModel != "" {
		params["model"] = s.opts.TextModel
	}
	resp, err := s.opts.Caller.Call(ctx, adapter.TextGeneration, adapter.Request{Operation: op, Prompt: text, Params: params})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", svcerr.Newf(svcerr.Transient, "%s: empty text response", op)
	}
	return resp.Text, nil
}

func (s *Service) summarize(ctx context.Context, caller adapter.Caller, text string) (string, error) {
	var tiers []fallback.Tier[string, string]
	if caller != nil {
		tiers = append(tiers, fallback.NewTier("llm-summary", func(ctx context.Context, text string) (string, error) {
			p, err := prompt.RenderNamed(prompt.Summary, s.opts.TemplateDir, prompt.Vars{"text": text})
			if err != nil {
				return "", svcerr.New(svcerr.Permanent, err)
			}
			return s.WithCaller(caller).generate(ctx, "summary", p)
		}))
	}
	tiers = append(tiers, fallback.NewInfallibleTier("truncated-summary", func(_ context.Context, text string) (string, error) {
		return Truncate(strings.TrimSpace(text), SummaryChars), nil
	}))
	chain := &fallback.Chain[string, string]{Name: "summarize", Tiers: tiers, Policy: s.opts.Policy, Recorder: s.opts.Recorder, Logger: s.opts.Logger}
	res, err := chain.Run(ctx, text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Output), nil
}

type embedded struct {
	vectors [][]float32
	model   string
}

// embedChain embeds a whole document with one model so its chunks stay
// mutually comparable.
func (s *Service) embedChain(caller adapter.Caller, name string) *fallback.Chain[[]string, embedded] {
	var tiers []fallback.Tier[[]string, embedded]
	if caller != nil {
		tiers = append(tiers, fallback.NewTier("embedding-service", func(ctx context.Context, texts []string) (embedded, error) {
			return s.embedRemote(ctx, caller, texts)
		}))
	}
	tiers = append(tiers, fallback.NewInfallibleTier("hashed-embedding", func(_ context.Context, texts []string) (embedded, error) {
		out := embedded{vectors: make([][]float32, len(texts)), model: LocalModel}
		for i, t := range texts {
			out.vectors[i] = adapter.HashEmbedding(t)
		}
		return out, nil
	}))
	return &fallback.Chain[[]string, embedded]{Name: name, Tiers: tiers, Policy: s.opts.Policy, Recorder: s.opts.Recorder, Logger: s.opts.Logger}
}

func (s *Service) embedRemote(ctx context.Context, caller adapter.Caller, texts []string) (embedded, error) {
	out := embedded{vectors: make([][]float32, 0, len(texts))}
	for start := 0; start < len(texts); start += embedBatch {
		end := min(start+embedBatch, len(texts))
		req := adapter.Request{Operation: "embed", Inputs: texts[start:end]}
		if s.opts.EmbedModel != "" {
			req.Params = map[string]string{"model": s.opts.EmbedModel}
		}
		resp, err := caller.Call(ctx, adapter.Embedding, req)
		if err != nil {
			return embedded{}, err
		}
		if len(resp.Vectors) != end-start {
			return embedded{}, svcerr.Newf(svcerr.Transient, "embedding returned %d vectors for %d inputs", len(resp.Vectors), end-start)
		}
		model := resp.Model
		if model == "" {
			model = s.opts.EmbedModel
		}
		if model == "" {
			return embedded{}, svcerr.Newf(svcerr.Permanent, "embedding service did not name its model")
		}
		if out.model != "" && out.model != model {
			return embedded{}, svcerr.Newf(svcerr.Permanent, "embedding model changed mid-document: %s then %s", out.model, model)
		}
		out.model = model
		out.vectors = append(out.vectors, resp.Vectors...)
	}
	return out, nil
}

// IsNotFound reports whether err means the document is not indexed.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
