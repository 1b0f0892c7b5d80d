package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/coursefactory/internal/adapter"
	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/fallback"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/prompt"
	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// Payload is one artifact produced by a tier, before it is stored.
type Payload struct {
	Name      string
	Kind      string
	MediaType string
	Data      []byte
}

// Producer is a tier of a stage's fallback chain.
type Producer = fallback.Tier[*Env, []Payload]

// Env is everything a producer may read. Producers are pure apart from
// Caller and Indexer.
type Env struct {
	Job     *job.Job
	Stage   config.Stage
	Attempt int
	Inputs  []job.Artifact
	Caller  adapter.Caller
	Blobs   job.BlobStore
	Indexer Indexer
	// TemplateDir holds prompt overrides; empty uses built-ins.
	TemplateDir string
	Logger      *slog.Logger
}

// Course returns the job's course options.
func (e *Env) Course() config.CourseOptions { return e.Job.Config.Course }

// InputsOf returns the input artifacts produced by stage.
func (e *Env) InputsOf(stage string) []job.Artifact {
	var out []job.Artifact
	for _, a := range e.Inputs {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

// Input returns the named artifact from stage.
func (e *Env) Input(stage, name string) (job.Artifact, bool) {
	for _, a := range e.Inputs {
		if a.Stage == stage && a.Name == name {
			return a, true
		}
	}
	return job.Artifact{}, false
}

// Read loads an input artifact's payload.
func (e *Env) Read(a job.Artifact) ([]byte, error) {
	data, err := e.Blobs.ReadArtifact(e.Job.ID, a.Ref)
	if err != nil {
		return nil, svcerr.New(svcerr.Permanent, err)
	}
	return data, nil
}

// ReadNamed loads the named artifact from stage.
func (e *Env) ReadNamed(stage, name string) ([]byte, error) {
	a, ok := e.Input(stage, name)
	if !ok {
		return nil, svcerr.Newf(svcerr.Permanent, "input %s/%s missing", stage, name)
	}
	return e.Read(a)
}

// Render renders a prompt template with the job's overrides dir.
func (e *Env) Render(name string, vars prompt.Vars) (string, error) {
	out, err := prompt.RenderNamed(name, e.TemplateDir, vars)
	if err != nil {
		return "", svcerr.New(svcerr.Permanent, err)
	}
	return out, nil
}

// Text asks the text-generation capability for op.
func (e *Env) Text(ctx context.Context, op, text string, params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	if _, ok := params["model"]; !ok && e.Course().Model != "" {
		params["model"] = e.Course().Model
	}
	resp, err := e.Caller.Call(ctx, adapter.TextGeneration, adapter.Request{Operation: op, Prompt: text, Params: params})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", svcerr.Newf(svcerr.Transient, "%s: empty text response", op)
	}
	return resp.Text, nil
}

// Resolution parses the course resolution into width and height.
func (e *Env) Resolution() (int, int) {
	return parseResolution(e.Course().Resolution)
}

func parseResolution(s string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if ok {
		wi, err1 := strconv.Atoi(w)
		hi, err2 := strconv.Atoi(h)
		if err1 == nil && err2 == nil && wi > 0 && hi > 0 {
			return wi, hi
		}
	}
	return 1920, 1080
}

func textPayload(name, kind, mediaType, body string) Payload {
	return Payload{Name: name, Kind: kind, MediaType: mediaType, Data: []byte(body)}
}

func jsonPayload(name, kind string, v any) (Payload, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Payload{}, svcerr.New(svcerr.Permanent, fmt.Errorf("marshal %s: %w", name, err))
	}
	return Payload{Name: name, Kind: kind, MediaType: "application/json", Data: append(data, '\n')}, nil
}

// Registry maps producer names to tiers.
type Registry struct {
	producers map[string]Producer
}

// NewRegistry returns a registry holding the given producers.
func NewRegistry(producers ...Producer) *Registry {
	r := &Registry{producers: make(map[string]Producer)}
	for _, p := range producers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in producer.
func DefaultRegistry() *Registry {
	return NewRegistry(BuiltinProducers()...)
}

// Register adds or replaces a producer.
func (r *Registry) Register(p Producer) {
	r.producers[p.Name()] = p
}

// Get returns the producer with the given name.
func (r *Registry) Get(name string) (Producer, bool) {
	p, ok := r.producers[name]
	return p, ok
}

// Lookup implements config.ProducerCatalog.
func (r *Registry) Lookup(name string) (bool, bool) {
	p, ok := r.producers[name]
	if !ok {
		return false, false
	}
	return p.Infallible(), true
}

// Names returns the registered producer names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.producers))
	for n := range r.producers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Tiers resolves a stage's tier names into producers and checks that the
// chain ends in an infallible tier.
func (r *Registry) Tiers(names []string) ([]Producer, error) {
	tiers := make([]Producer, 0, len(names))
	for _, n := range names {
		p, ok := r.producers[n]
		if !ok {
			return nil, fmt.Errorf("unknown producer %q", n)
		}
		tiers = append(tiers, p)
	}
	if err := fallback.Validate(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

var _ config.ProducerCatalog = (*Registry)(nil)

// BuiltinProducers returns every built-in producer, grouped by stage.
func BuiltinProducers() []Producer {
	return []Producer{
		llmCoursePlan{}, templateCoursePlan{},
		llmLessons{}, skeletonLessons{},
		imageBackground{}, gradientBackground{},
		llmScripts{}, outlineScripts{},
		llmNotebooks{}, templateNotebooks{},
		imageThumbnail{}, backgroundThumbnail{},
		avatarVideo{}, narratedSlides{}, placeholderVideo{},
		timelineAssembly{},
		coursePackage{},
		documentLoader{},
		retrievalIndex{}, hashedIndex{},
		llmSummaries{}, truncatedSummaries{},
	}
}
