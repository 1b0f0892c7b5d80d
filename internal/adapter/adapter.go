// Package adapter normalizes calls to external generation services behind
// one capability-based contract.
//
// Every failure an adapter returns is classified with svcerr so the retry
// policy and fallback chain can act on it without knowing which backend
// produced it.
package adapter

import (
	"context"
	"fmt"
)

// Capability names one class of generation service.
type Capability string

const (
	TextGeneration  Capability = "text-generation"
	Embedding       Capability = "embedding"
	ImageGeneration Capability = "image-generation"
	SpeechSynthesis Capability = "speech-synthesis"
	AvatarVideo     Capability = "avatar-video"
)

// Capabilities lists every capability in a stable order.
var Capabilities = []Capability{TextGeneration, Embedding, ImageGeneration, SpeechSynthesis, AvatarVideo}

// Request is a capability-neutral service request. Adapters read the fields
// that apply to their capability and ignore the rest.
type Request struct {
	// Operation names the caller's intent, e.g. "course-plan" or "lesson".
	Operation string            `json:"operation"`
	Prompt    string            `json:"prompt,omitempty"`
	Inputs    []string          `json:"inputs,omitempty"` // embedding batch
	Params    map[string]string `json:"params,omitempty"` // model, voice, resolution...
	Media     []byte            `json:"media,omitempty"`  // e.g. a background image for avatar video
}

// Param returns Params[key], or def when unset.
func (r Request) Param(key, def string) string {
	if v, ok := r.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Response carries whichever output the capability produces.
type Response struct {
	Text      string      `json:"text,omitempty"`
	Vectors   [][]float32 `json:"vectors,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	MediaType string      `json:"media_type,omitempty"`
	Model     string      `json:"model,omitempty"`
}

// Adapter calls one external generation capability. Failures must be
// *svcerr.Error values.
type Adapter interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Adapter interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Call(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Caller is the registry-level contract used by stage producers and the
// retrieval service.
type Caller interface {
	Call(ctx context.Context, capability Capability, req Request) (*Response, error)
}

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	for _, c := range Capabilities {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}
