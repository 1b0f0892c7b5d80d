package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// geminiBackend is the seam between the adapter and the genai client.
type geminiBackend interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey         string
	Model          string // text model, e.g. gemini-1.5-flash
	EmbeddingModel string // e.g. text-embedding-004
}

// Gemini serves text-generation and embedding through Google's Generative
// Language API.
type Gemini struct {
	capability Capability
	cfg        GeminiConfig

	mu      sync.Mutex
	backend geminiBackend
}

// NewGemini creates a Gemini adapter for text-generation or embedding.
func NewGemini(capability Capability, cfg GeminiConfig) (*Gemini, error) {
	return newGeminiWithBackend(capability, cfg, nil)
}

func newGeminiWithBackend(capability Capability, cfg GeminiConfig, backend geminiBackend) (*Gemini, error) {
	if capability != TextGeneration && capability != Embedding {
		return nil, fmt.Errorf("gemini does not serve %s", capability)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-004"
	}
	return &Gemini{capability: capability, cfg: cfg, backend: backend}, nil
}

// Call implements Adapter.
func (g *Gemini) Call(ctx context.Context, req Request) (*Response, error) {
	backend, err := g.resolveBackend(ctx)
	if err != nil {
		return nil, err
	}

	switch g.capability {
	case Embedding:
		if len(req.Inputs) == 0 {
			return nil, svcerr.NewPermanent(errors.New("no inputs to embed"))
		}
		model := req.Param("embedding_model", g.cfg.EmbeddingModel)
		vectors, err := backend.Embed(ctx, model, req.Inputs)
		if err != nil {
			return nil, normalizeGeminiError(err)
		}
		if len(vectors) != len(req.Inputs) {
			return nil, svcerr.Newf(svcerr.Transient, "embedding count %d does not match inputs %d", len(vectors), len(req.Inputs))
		}
		return &Response{Vectors: vectors, Model: model}, nil
	default:
		if strings.TrimSpace(req.Prompt) == "" {
			return nil, svcerr.NewPermanent(errors.New("empty prompt"))
		}
		model := req.Param("model", g.cfg.Model)
		if !strings.HasPrefix(model, "gemini") {
			model = g.cfg.Model
		}
		text, err := backend.Generate(ctx, model, req.Prompt)
		if err != nil {
			return nil, normalizeGeminiError(err)
		}
		return &Response{Text: text, MediaType: "text/plain", Model: model}, nil
	}
}

func (g *Gemini) resolveBackend(ctx context.Context) (geminiBackend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backend != nil {
		return g.backend, nil
	}
	if g.cfg.APIKey == "" {
		return nil, svcerr.NewPermanent(errors.New("gemini api key not set"))
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.cfg.APIKey))
	if err != nil {
		return nil, svcerr.NewPermanent(fmt.Errorf("create gemini client: %w", err))
	}
	g.backend = &genaiBackend{client: client}
	return g.backend, nil
}

// normalizeGeminiError maps genai and googleapi errors onto the taxonomy.
func normalizeGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return svcerr.NewPermanent(err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		se := svcerr.FromStatus(apiErr.Code, apiErr.Header.Get("Retry-After"), apiErr.Message)
		se.Err = err
		return se
	}
	var se *svcerr.Error
	if errors.As(err, &se) {
		return err
	}
	return svcerr.FromNetwork(err)
}

type genaiBackend struct {
	client *genai.Client
}

func (b *genaiBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.GenerativeModel(model).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.FinishReason == genai.FinishReasonSafety {
			return "", svcerr.NewPermanent(errors.New("candidate blocked by safety filter"))
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		break
	}
	if sb.Len() == 0 {
		return "", svcerr.NewTransient(errors.New("gemini returned no text"))
	}
	return sb.String(), nil
}

func (b *genaiBackend) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	em := b.client.EmbeddingModel(model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(res.Embeddings))
	for _, e := range res.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}
