package config

import "time"

// Config is the top-level factory configuration parsed from YAML.
type Config struct {
	Factory     Factory             `yaml:"factory" json:"factory"`
	Retry       RetrySettings       `yaml:"retry" json:"retry"`
	StageRetry  StageRetry          `yaml:"stage_retry" json:"stage_retry"`
	Concurrency map[string]int      `yaml:"concurrency" json:"concurrency"`
	Services    Services            `yaml:"services" json:"services"`
	Course      CourseOptions       `yaml:"course" json:"course"`
	Retrieval   Retrieval           `yaml:"retrieval" json:"retrieval"`
	Events      Events              `yaml:"events" json:"events"`
	Metrics     Metrics             `yaml:"metrics" json:"metrics"`
	Pipelines   map[string]Pipeline `yaml:"pipelines" json:"pipelines"`
}

// Factory holds process-level settings for workers and the API server.
type Factory struct {
	DataDir       string `yaml:"data_dir" json:"data_dir"`
	LogLevel      string `yaml:"log_level" json:"log_level"`
	TestMode      bool   `yaml:"test_mode" json:"test_mode"`
	Workers       int    `yaml:"workers" json:"workers"`
	PollInterval  string `yaml:"poll_interval" json:"poll_interval"`
	SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
	LeaseTTL      string `yaml:"lease_ttl" json:"lease_ttl"`
	Listen        string `yaml:"listen" json:"listen"`
	EnvFile       string `yaml:"env_file" json:"env_file"`
}

// RetrySettings configures per-tier retries of transient adapter failures.
type RetrySettings struct {
	MaxAttempts  int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay string  `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     string  `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64 `yaml:"multiplier" json:"multiplier"`
	Jitter       float64 `yaml:"jitter" json:"jitter"`
}

// StageRetry configures whole-stage re-execution after a failed stage result.
// Manual parks the job in STAGE_FAILED until an operator retries or fails it.
type StageRetry struct {
	MaxAttempts int  `yaml:"max_attempts" json:"max_attempts"`
	Manual      bool `yaml:"manual" json:"manual"`
}

// Services configures one backend per generation capability.
type Services struct {
	TextGeneration  Service `yaml:"text_generation" json:"text_generation"`
	Embedding       Service `yaml:"embedding" json:"embedding"`
	ImageGeneration Service `yaml:"image_generation" json:"image_generation"`
	SpeechSynthesis Service `yaml:"speech_synthesis" json:"speech_synthesis"`
	AvatarVideo     Service `yaml:"avatar_video" json:"avatar_video"`
}

// Service describes one external backend. Provider is one of http, gemini,
// polly or mock. An empty provider leaves the capability unconfigured.
type Service struct {
	Provider  string `yaml:"provider" json:"provider"`
	Endpoint  string `yaml:"endpoint" json:"endpoint,omitempty"`
	Model     string `yaml:"model" json:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`
	Region    string `yaml:"region" json:"region,omitempty"`
	Voice     string `yaml:"voice" json:"voice,omitempty"`
	Engine    string `yaml:"engine" json:"engine,omitempty"`
	Timeout   string `yaml:"timeout" json:"timeout,omitempty"`
}

// CourseOptions are the per-job knobs exposed as submission overrides.
type CourseOptions struct {
	Model       string `yaml:"model" json:"model"`
	Resolution  string `yaml:"resolution" json:"resolution"`
	FPS         int    `yaml:"fps" json:"fps"`
	LessonCount int    `yaml:"lesson_count" json:"lesson_count"`
}

// Retrieval configures chunking, ranking and the chunk index backend.
type Retrieval struct {
	ChunkSize      int    `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap   int    `yaml:"chunk_overlap" json:"chunk_overlap"`
	DefaultK       int    `yaml:"default_k" json:"default_k"`
	Summarize      bool   `yaml:"summarize" json:"summarize"`
	Index          string `yaml:"index" json:"index"` // memory | postgres
	PostgresDSNEnv string `yaml:"postgres_dsn_env" json:"postgres_dsn_env"`
}

// Events configures the optional NATS job-event publisher.
type Events struct {
	NATSURL string `yaml:"nats_url" json:"nats_url"`
	Subject string `yaml:"subject" json:"subject"`
}

// Metrics toggles the Prometheus recorder and /metrics endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Pipeline is the stage graph for one job kind.
type Pipeline struct {
	Stages []Stage `yaml:"stages" json:"stages"`
}

// Stage declares one node of the graph: its predecessors, per-attempt
// timeout and ordered producer tiers (primary first, infallible last).
type Stage struct {
	ID      string   `yaml:"id" json:"id"`
	After   []string `yaml:"after" json:"after,omitempty"`
	Timeout string   `yaml:"timeout" json:"timeout"`
	Tiers   []string `yaml:"tiers" json:"tiers"`
}

// DefaultStageTimeout bounds each tier attempt of a stage without a timeout.
const DefaultStageTimeout = 2 * time.Minute

// TimeoutDuration parses the stage timeout, falling back to def.
func (s Stage) TimeoutDuration(def time.Duration) time.Duration {
	return parseDuration(s.Timeout, def)
}

// FindStage returns the stage with the given id, or nil.
func (p Pipeline) FindStage(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// StageIDs returns the stage ids in declaration order.
func (p Pipeline) StageIDs() []string {
	ids := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		ids = append(ids, s.ID)
	}
	return ids
}

// Duration helpers for the string-typed fields.
func (f Factory) PollIntervalDuration() time.Duration  { return parseDuration(f.PollInterval, 2*time.Second) }
func (f Factory) SweepIntervalDuration() time.Duration { return parseDuration(f.SweepInterval, time.Minute) }
func (f Factory) LeaseTTLDuration() time.Duration      { return parseDuration(f.LeaseTTL, 20*time.Minute) }
func (s Service) TimeoutDuration() time.Duration       { return parseDuration(s.Timeout, 60*time.Second) }

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// InitialDelayDuration parses InitialDelay, defaulting to 500ms.
func (r RetrySettings) InitialDelayDuration() time.Duration {
	return parseDuration(r.InitialDelay, 500*time.Millisecond)
}

// MaxDelayDuration parses MaxDelay, defaulting to 30s.
func (r RetrySettings) MaxDelayDuration() time.Duration {
	return parseDuration(r.MaxDelay, 30*time.Second)
}
