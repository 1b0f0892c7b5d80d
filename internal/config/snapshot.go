package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// Snapshot is the configuration frozen into a job at submission. It is
// self-contained so a job can be resumed without the config file that
// created it.
type Snapshot struct {
	Kind       string        `json:"kind"`
	Stages     []Stage       `json:"stages"`
	Retry      RetrySettings `json:"retry"`
	StageRetry StageRetry    `json:"stage_retry"`
	Course     CourseOptions `json:"course"`
	TestMode   bool          `json:"test_mode"`
}

// Pipeline returns the snapshot's stage graph.
func (s *Snapshot) Pipeline() Pipeline {
	return Pipeline{Stages: s.Stages}
}

const overridesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "model":        {"type": "string", "minLength": 1, "maxLength": 128},
    "resolution":   {"type": "string", "pattern": "^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$"},
    "fps":          {"type": "integer", "minimum": 1, "maximum": 120},
    "lesson_count": {"type": "integer", "minimum": 1, "maximum": 20},
    "test_mode":    {"type": "boolean"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func overridesValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("overrides.json", strings.NewReader(overridesSchema)); err != nil {
			schemaErr = fmt.Errorf("add overrides schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("overrides.json")
	})
	return schema, schemaErr
}

// ValidateOverrides checks a submission override map against the recognized
// options. Failures are svcerr.InvalidInput.
func ValidateOverrides(overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	v, err := overridesValidator()
	if err != nil {
		return err
	}
	// Round-trip through JSON so Go-typed values (int, int64) validate the
	// same way decoded request bodies do.
	raw, err := json.Marshal(overrides)
	if err != nil {
		return svcerr.NewInvalidInput(fmt.Errorf("encode overrides: %w", err))
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return svcerr.NewInvalidInput(fmt.Errorf("decode overrides: %w", err))
	}
	if err := v.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return svcerr.NewInvalidInput(fmt.Errorf("invalid overrides: %s", ve.Error()))
		}
		return svcerr.NewInvalidInput(fmt.Errorf("invalid overrides: %w", err))
	}
	return nil
}

// Snapshot freezes the pipeline for kind together with the overrides. The
// returned snapshot shares no memory with cfg.
func (cfg *Config) Snapshot(kind string, overrides map[string]any) (*Snapshot, error) {
	p, ok := cfg.Pipelines[kind]
	if !ok {
		return nil, svcerr.NewInvalidInput(fmt.Errorf("unknown job kind %q", kind))
	}
	if err := ValidateOverrides(overrides); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Kind:       kind,
		Stages:     make([]Stage, len(p.Stages)),
		Retry:      cfg.Retry,
		StageRetry: cfg.StageRetry,
		Course:     cfg.Course,
		TestMode:   cfg.Factory.TestMode,
	}
	for i, s := range p.Stages {
		s.After = append([]string(nil), s.After...)
		s.Tiers = append([]string(nil), s.Tiers...)
		snap.Stages[i] = s
	}

	if v, ok := overrides["model"].(string); ok {
		snap.Course.Model = v
	}
	if v, ok := overrides["resolution"].(string); ok {
		snap.Course.Resolution = v
	}
	if v, ok := intOverride(overrides["fps"]); ok {
		snap.Course.FPS = v
	}
	if v, ok := intOverride(overrides["lesson_count"]); ok {
		snap.Course.LessonCount = v
	}
	if v, ok := overrides["test_mode"].(bool); ok {
		snap.TestMode = v
	}
	return snap, nil
}

func intOverride(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
