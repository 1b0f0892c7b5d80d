package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// Mock is a deterministic, network-free adapter. Outputs depend only on the
// request, so repeated runs of a job in test mode produce identical artifacts.
// Failures can be scripted for tests.
type Mock struct {
	capability Capability

	mu        sync.Mutex
	calls     int
	failKind  svcerr.Kind
	failTimes int // -1 = always
	delay     time.Duration
	requests  []Request
}

// NewMock returns a mock adapter for capability.
func NewMock(capability Capability) *Mock {
	return &Mock{capability: capability}
}

// FailAlways makes every call fail with kind.
func (m *Mock) FailAlways(kind svcerr.Kind) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKind, m.failTimes = kind, -1
	return m
}

// FailTimes makes the next n calls fail with kind.
func (m *Mock) FailTimes(n int, kind svcerr.Kind) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKind, m.failTimes = kind, n
	return m
}

// WithDelay makes each call block for d (or until ctx is done).
func (m *Mock) WithDelay(d time.Duration) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Calls returns the number of calls received.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns a copy of the requests received.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Call implements Adapter.
func (m *Mock) Call(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	delay := m.delay
	var failErr error
	if m.failTimes != 0 {
		failErr = svcerr.Newf(m.failKind, "mock %s failure", m.capability)
		if m.failTimes > 0 {
			m.failTimes--
		}
	}
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, svcerr.FromNetwork(ctx.Err())
		case <-t.C:
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	switch m.capability {
	case TextGeneration:
		return &Response{Text: mockText(req), MediaType: "text/plain", Model: "mock-text"}, nil
	case Embedding:
		vecs := make([][]float32, len(req.Inputs))
		for i, in := range req.Inputs {
			vecs[i] = HashEmbedding(in)
		}
		return &Response{Vectors: vecs, Model: "mock-embedding"}, nil
	case ImageGeneration:
		return &Response{Data: mockPNG(req.Prompt), MediaType: "image/png", Model: "mock-image"}, nil
	case SpeechSynthesis:
		return &Response{Data: []byte("ID3mock:" + digest(req.Prompt)), MediaType: "audio/mpeg", Model: "mock-speech"}, nil
	case AvatarVideo:
		return &Response{Data: []byte("mock-mp4:" + digest(req.Prompt)), MediaType: "video/mp4", Model: "mock-avatar"}, nil
	}
	return nil, svcerr.Newf(svcerr.Permanent, "mock has no behaviour for %s", m.capability)
}

func mockText(req Request) string {
	title := req.Param("title", req.Operation)
	switch req.Operation {
	case "course-plan":
		domain := req.Param("domain", "General Studies")
		n, _ := strconv.Atoi(req.Param("lesson_count", "3"))
		if n <= 0 {
			n = 3
		}
		technical := looksTechnical(domain)
		type lesson struct {
			Title   string `json:"title"`
			Summary string `json:"summary"`
			Coding  bool   `json:"coding"`
		}
		plan := struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Lessons     []lesson `json:"lessons"`
		}{
			Title:       domain + " Fundamentals",
			Description: "A structured introduction to " + domain + ".",
		}
		for i := 1; i <= n; i++ {
			plan.Lessons = append(plan.Lessons, lesson{
				Title:   fmt.Sprintf("%s Part %d", domain, i),
				Summary: fmt.Sprintf("Part %d of the %s course.", i, domain),
				Coding:  technical && i > 1,
			})
		}
		data, _ := json.Marshal(plan)
		return string(data)
	case "lesson":
		return fmt.Sprintf("# %s\n\n## Overview\n\nThis lesson introduces %s.\n\n## Key Ideas\n\n- Core concepts of %s\n- Worked examples\n- Practice questions\n", title, title, title)
	case "script":
		return fmt.Sprintf("Welcome to %s. In this lesson we walk through the key ideas step by step. Let's get started.", title)
	case "notebook":
		return fmt.Sprintf("# %s\nprint(%q)\n", title, "Hello from "+title)
	case "summary":
		return "Summary: " + firstSentence(afterMarker(req.Prompt, "Text:"))
	case "answer":
		return "Answer based on the provided context: " + firstSentence(afterMarker(req.Prompt, "Context:"))
	}
	return fmt.Sprintf("[mock %s] %s", req.Operation, firstSentence(req.Prompt))
}

func looksTechnical(domain string) bool {
	d := strings.ToLower(domain)
	for _, kw := range []string{"program", "python", "code", "coding", "software", "javascript", "data"} {
		if strings.Contains(d, kw) {
			return true
		}
	}
	return false
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".\n"); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func afterMarker(s, marker string) string {
	if i := strings.Index(s, marker); i >= 0 {
		return s[i+len(marker):]
	}
	return s
}

func digest(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return strconv.FormatUint(h.Sum64(), 16)
}

func mockPNG(seed string) []byte {
	h := fnv.New32a()
	h.Write([]byte(seed))
	sum := h.Sum32()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	c := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
