package adapter

import (
	"fmt"
	"log/slog"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/metrics"
)

// Registries holds the two adapter variants built once at startup. A job's
// configuration snapshot selects one; nothing else distinguishes them.
type Registries struct {
	Live *Registry
	Mock *Registry
}

// For returns the registry a job runs against.
func (r *Registries) For(testMode bool) *Registry {
	if testMode {
		return r.Mock
	}
	return r.Live
}

// BuildRegistries constructs the live registry from cfg.Services and a mock
// registry covering every capability. When cfg.Factory.TestMode is set the
// live registry is the mock registry.
func BuildRegistries(cfg *config.Config, rec metrics.Recorder, logger *slog.Logger) (*Registries, error) {
	mock := NewMockRegistry(cfg.Concurrency, rec, logger)
	if cfg.Factory.TestMode {
		return &Registries{Live: mock, Mock: mock}, nil
	}

	live := NewRegistry(RegistryOpts{Name: "live", Limits: cfg.Concurrency, Recorder: rec, Logger: logger})
	for c, svc := range map[Capability]config.Service{
		TextGeneration:  cfg.Services.TextGeneration,
		Embedding:       cfg.Services.Embedding,
		ImageGeneration: cfg.Services.ImageGeneration,
		SpeechSynthesis: cfg.Services.SpeechSynthesis,
		AvatarVideo:     cfg.Services.AvatarVideo,
	} {
		a, err := buildAdapter(c, svc)
		if err != nil {
			return nil, err
		}
		if a != nil {
			live.Register(c, a)
		}
	}
	return &Registries{Live: live, Mock: mock}, nil
}

// NewMockRegistry returns a registry with a deterministic mock for every capability.
func NewMockRegistry(limits map[string]int, rec metrics.Recorder, logger *slog.Logger) *Registry {
	r := NewRegistry(RegistryOpts{Name: "mock", Limits: limits, Recorder: rec, Logger: logger})
	for _, c := range Capabilities {
		r.Register(c, NewMock(c))
	}
	return r
}

func buildAdapter(c Capability, svc config.Service) (Adapter, error) {
	switch svc.Provider {
	case "":
		return nil, nil
	case "mock":
		return NewMock(c), nil
	case "http":
		return NewHTTPJSON(c, HTTPConfig{
			Endpoint: svc.Endpoint,
			APIKey:   svc.APIKey(),
			Model:    svc.Model,
			Timeout:  svc.TimeoutDuration(),
		})
	case "gemini":
		cfg := GeminiConfig{APIKey: svc.APIKey()}
		if c == Embedding {
			cfg.EmbeddingModel = svc.Model
		} else {
			cfg.Model = svc.Model
		}
		return NewGemini(c, cfg)
	case "polly":
		if c != SpeechSynthesis {
			return nil, fmt.Errorf("polly cannot serve %s", c)
		}
		return NewPolly(PollyConfig{Region: svc.Region, Voice: svc.Voice, Engine: svc.Engine}), nil
	}
	return nil, fmt.Errorf("%s: unknown provider %q", c, svc.Provider)
}
