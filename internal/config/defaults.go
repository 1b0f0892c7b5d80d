package config

import (
	"os"
	"path/filepath"
)

// Job kinds with built-in stage graphs.
const (
	KindCourse        = "course"
	KindKnowledgeBase = "knowledge_base"
)

// Built-in stage ids.
const (
	StageDomainAnalysis        = "domain-analysis"
	StageContentGeneration     = "content-generation"
	StageBackgroundGeneration  = "background-generation"
	StageScriptWriting         = "script-writing"
	StageNotebookCreation      = "notebook-creation"
	StageThumbnailGeneration   = "thumbnail-generation"
	StageAvatarVideoGeneration = "avatar-video-generation"
	StageVideoAssembly         = "video-assembly"
	StagePackaging             = "packaging"

	StageDocumentExtraction    = "document-extraction"
	StageDocumentIndexing      = "document-indexing"
	StageDocumentSummarization = "document-summarization"
)

// DefaultCoursePipeline is the course stage graph used when the config file
// does not declare one.
func DefaultCoursePipeline() Pipeline {
	return Pipeline{Stages: []Stage{
		{ID: StageDomainAnalysis, Timeout: "2m", Tiers: []string{"llm-course-plan", "template-course-plan"}},
		{ID: StageContentGeneration, After: []string{StageDomainAnalysis}, Timeout: "5m", Tiers: []string{"llm-lessons", "skeleton-lessons"}},
		{ID: StageBackgroundGeneration, After: []string{StageDomainAnalysis}, Timeout: "2m", Tiers: []string{"image-background", "gradient-background"}},
		{ID: StageScriptWriting, After: []string{StageContentGeneration, StageBackgroundGeneration}, Timeout: "5m", Tiers: []string{"llm-scripts", "outline-scripts"}},
		{ID: StageNotebookCreation, After: []string{StageContentGeneration}, Timeout: "5m", Tiers: []string{"llm-notebooks", "template-notebooks"}},
		{ID: StageThumbnailGeneration, After: []string{StageBackgroundGeneration}, Timeout: "2m", Tiers: []string{"image-thumbnail", "background-thumbnail"}},
		{ID: StageAvatarVideoGeneration, After: []string{StageScriptWriting}, Timeout: "15m", Tiers: []string{"avatar-video", "narrated-slides", "placeholder-video"}},
		{ID: StageVideoAssembly, After: []string{StageAvatarVideoGeneration}, Timeout: "5m", Tiers: []string{"timeline-assembly"}},
		{ID: StagePackaging, After: []string{StageVideoAssembly, StageNotebookCreation, StageThumbnailGeneration}, Timeout: "5m", Tiers: []string{"course-package"}},
	}}
}

// DefaultKnowledgeBasePipeline ingests a document set into the retrieval index.
func DefaultKnowledgeBasePipeline() Pipeline {
	return Pipeline{Stages: []Stage{
		{ID: StageDocumentExtraction, Timeout: "1m", Tiers: []string{"document-loader"}},
		{ID: StageDocumentIndexing, After: []string{StageDocumentExtraction}, Timeout: "10m", Tiers: []string{"retrieval-index", "hashed-index"}},
		{ID: StageDocumentSummarization, After: []string{StageDocumentExtraction}, Timeout: "10m", Tiers: []string{"llm-summaries", "truncated-summaries"}},
	}}
}

// Default returns a complete configuration with no external services
// configured. Unconfigured capabilities fail permanently, so every stage
// lands on its local tiers.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultDataDir returns ~/.factory, or ./.factory when the home directory is
// unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".factory"
	}
	return filepath.Join(home, ".factory")
}

// applyDefaults fills zero values with the built-in settings.
func applyDefaults(cfg *Config) {
	f := &cfg.Factory
	if f.DataDir == "" {
		f.DataDir = DefaultDataDir()
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if f.Workers <= 0 {
		f.Workers = 2
	}
	if f.Listen == "" {
		f.Listen = ":8080"
	}

	r := &cfg.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay == "" {
		r.InitialDelay = "500ms"
	}
	if r.MaxDelay == "" {
		r.MaxDelay = "30s"
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	if r.Jitter == 0 {
		r.Jitter = 0.2
	}

	if cfg.StageRetry.MaxAttempts <= 0 {
		cfg.StageRetry.MaxAttempts = 2
	}

	if cfg.Concurrency == nil {
		cfg.Concurrency = map[string]int{}
	}
	for capability, n := range map[string]int{
		"text-generation":  4,
		"embedding":        8,
		"image-generation": 2,
		"speech-synthesis": 2,
		"avatar-video":     1,
	} {
		if cfg.Concurrency[capability] <= 0 {
			cfg.Concurrency[capability] = n
		}
	}

	c := &cfg.Course
	if c.Model == "" {
		c.Model = "gpt-4"
	}
	if c.Resolution == "" {
		c.Resolution = "1920x1080"
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.LessonCount <= 0 {
		c.LessonCount = 5
	}

	rt := &cfg.Retrieval
	if rt.ChunkSize <= 0 {
		rt.ChunkSize = 1000
	}
	// Zero means "default" (a fifth of the chunk size); negative disables overlap.
	switch {
	case rt.ChunkOverlap == 0:
		rt.ChunkOverlap = rt.ChunkSize / 5
	case rt.ChunkOverlap < 0:
		rt.ChunkOverlap = 0
	}
	if rt.DefaultK <= 0 {
		rt.DefaultK = 5
	}
	if rt.Index == "" {
		rt.Index = "memory"
	}
	if rt.PostgresDSNEnv == "" {
		rt.PostgresDSNEnv = "DATABASE_URL"
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "coursefactory.jobs"
	}

	if cfg.Pipelines == nil {
		cfg.Pipelines = map[string]Pipeline{}
	}
	if _, ok := cfg.Pipelines[KindCourse]; !ok {
		cfg.Pipelines[KindCourse] = DefaultCoursePipeline()
	}
	if _, ok := cfg.Pipelines[KindKnowledgeBase]; !ok {
		cfg.Pipelines[KindKnowledgeBase] = DefaultKnowledgeBasePipeline()
	}
	for kind, p := range cfg.Pipelines {
		for i := range p.Stages {
			if p.Stages[i].Timeout == "" {
				p.Stages[i].Timeout = "2m"
			}
		}
		cfg.Pipelines[kind] = p
	}
}
