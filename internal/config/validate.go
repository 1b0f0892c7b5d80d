package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ProducerCatalog reports whether a tier producer name is known and whether
// it is infallible. The stage package provides the implementation.
type ProducerCatalog interface {
	Lookup(name string) (infallible bool, ok bool)
}

var (
	recognizedProviders = map[string]bool{"": true, "http": true, "gemini": true, "polly": true, "mock": true}
	recognizedIndexes   = map[string]bool{"memory": true, "postgres": true}
	resolutionRe        = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)
)

// Validate checks a Config for structural and semantic errors without
// knowledge of the producer registry.
func Validate(cfg *Config) []ValidationError {
	return ValidateWith(cfg, nil)
}

// ValidateWith is Validate plus producer checks: every tier must name a known
// producer and the last tier of every stage must be infallible.
func ValidateWith(cfg *Config, catalog ProducerCatalog) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Factory.Workers < 1 {
		add("factory.workers", "must be at least 1")
	}
	for _, d := range []struct{ field, value string }{
		{"factory.poll_interval", cfg.Factory.PollInterval},
		{"factory.sweep_interval", cfg.Factory.SweepInterval},
		{"factory.lease_ttl", cfg.Factory.LeaseTTL},
		{"retry.initial_delay", cfg.Retry.InitialDelay},
		{"retry.max_delay", cfg.Retry.MaxDelay},
	} {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			add(d.field, "invalid duration %q", d.value)
		}
	}

	if cfg.Retry.MaxAttempts < 1 || cfg.Retry.MaxAttempts > 9 {
		add("retry.max_attempts", "must be between 1 and 9")
	}
	if cfg.Retry.Multiplier < 1 {
		add("retry.multiplier", "must be >= 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		add("retry.jitter", "must be within [0,1]")
	}
	if cfg.StageRetry.MaxAttempts < 1 {
		add("stage_retry.max_attempts", "must be at least 1")
	}

	for capability, n := range cfg.Concurrency {
		if n < 1 {
			add("concurrency."+capability, "must be at least 1")
		}
	}

	for name, svc := range map[string]Service{
		"text_generation":  cfg.Services.TextGeneration,
		"embedding":        cfg.Services.Embedding,
		"image_generation": cfg.Services.ImageGeneration,
		"speech_synthesis": cfg.Services.SpeechSynthesis,
		"avatar_video":     cfg.Services.AvatarVideo,
	} {
		field := "services." + name
		if !recognizedProviders[svc.Provider] {
			add(field+".provider", "unrecognized provider %q", svc.Provider)
		}
		if svc.Provider == "http" && svc.Endpoint == "" {
			add(field+".endpoint", "is required for the http provider")
		}
	}

	if !resolutionRe.MatchString(cfg.Course.Resolution) {
		add("course.resolution", "must look like 1920x1080, got %q", cfg.Course.Resolution)
	}
	if cfg.Course.FPS < 1 || cfg.Course.FPS > 120 {
		add("course.fps", "must be between 1 and 120")
	}

	if cfg.Retrieval.ChunkSize < 1 {
		add("retrieval.chunk_size", "must be at least 1")
	}
	if cfg.Retrieval.ChunkOverlap >= cfg.Retrieval.ChunkSize {
		add("retrieval.chunk_overlap", "must be smaller than chunk_size")
	}
	if !recognizedIndexes[cfg.Retrieval.Index] {
		add("retrieval.index", "unrecognized index %q", cfg.Retrieval.Index)
	}

	kinds := make([]string, 0, len(cfg.Pipelines))
	for kind := range cfg.Pipelines {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		validatePipeline(kind, cfg.Pipelines[kind], catalog, cfg.Factory.LeaseTTLDuration(), &errs)
	}
	return errs
}

// validatePipeline checks one stage graph. A stage may not be allowed to run
// longer than a stage claim lives between renewals.
func validatePipeline(kind string, p Pipeline, catalog ProducerCatalog, lease time.Duration, errs *[]ValidationError) {
	prefix := "pipelines." + kind
	add := func(field, format string, args ...any) {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(p.Stages) == 0 {
		add(prefix+".stages", "at least one stage is required")
		return
	}

	ids := make(map[string]bool)
	for i, s := range p.Stages {
		field := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.ID == "" {
			add(field+".id", "is required")
			continue
		}
		if ids[s.ID] {
			add(field+".id", "duplicate stage ID %q", s.ID)
		}
		ids[s.ID] = true
	}

	for i, s := range p.Stages {
		field := fmt.Sprintf("%s.stages[%d]", prefix, i)
		for _, dep := range s.After {
			if dep == s.ID {
				add(field+".after", "stage %q depends on itself", s.ID)
			} else if !ids[dep] {
				add(field+".after", "references undefined stage %q", dep)
			}
		}
		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
				add(field+".timeout", "invalid duration %q", s.Timeout)
			}
		}
		if d := s.TimeoutDuration(DefaultStageTimeout); d > lease {
			add(field+".timeout", "%s exceeds factory.lease_ttl %s", d, lease)
		}
		if len(s.Tiers) == 0 {
			add(field+".tiers", "at least one tier is required")
			continue
		}
		if catalog == nil {
			continue
		}
		for j, name := range s.Tiers {
			infallible, ok := catalog.Lookup(name)
			if !ok {
				add(fmt.Sprintf("%s.tiers[%d]", field, j), "unknown producer %q", name)
				continue
			}
			if j == len(s.Tiers)-1 && !infallible {
				add(fmt.Sprintf("%s.tiers[%d]", field, j), "last tier %q must be an infallible producer", name)
			}
		}
	}

	if cycle := findCycle(p); len(cycle) > 0 {
		add(prefix+".stages", "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
}

// findCycle returns one dependency cycle in p, or nil.
func findCycle(p Pipeline) []string {
	deps := make(map[string][]string, len(p.Stages))
	for _, s := range p.Stages {
		if _, dup := deps[s.ID]; !dup {
			deps[s.ID] = s.After
		}
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case visiting:
			for i, s := range stack {
				if s == id {
					return append(append([]string{}, stack[i:]...), id)
				}
			}
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, d := range deps[id] {
			if _, known := deps[d]; !known {
				continue
			}
			if c := visit(d); c != nil {
				return c
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}
	for _, s := range p.Stages {
		if c := visit(s.ID); c != nil {
			return c
		}
	}
	return nil
}
