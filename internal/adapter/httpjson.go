package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// HTTPConfig configures an HTTPJSON adapter.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPJSON posts a Request as JSON to a generation endpoint and decodes a
// JSON response. It serves any capability whose backend speaks this shape.
type HTTPJSON struct {
	capability Capability
	cfg        HTTPConfig
	client     *http.Client
}

type httpRequest struct {
	Capability string            `json:"capability"`
	Operation  string            `json:"operation"`
	Model      string            `json:"model,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	Inputs     []string          `json:"inputs,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Media      []byte            `json:"media,omitempty"`
}

type httpResponse struct {
	Text      string      `json:"text"`
	Vectors   [][]float32 `json:"vectors"`
	Data      []byte      `json:"data"`
	MediaType string      `json:"media_type"`
	Model     string      `json:"model"`
	Flagged   bool        `json:"flagged"`
	Error     *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewHTTPJSON creates an HTTP adapter for capability.
func NewHTTPJSON(capability Capability, cfg HTTPConfig) (*HTTPJSON, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("%s: endpoint is required", capability)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPJSON{capability: capability, cfg: cfg, client: client}, nil
}

// Call implements Adapter.
func (h *HTTPJSON) Call(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(httpRequest{
		Capability: string(h.capability),
		Operation:  req.Operation,
		Model:      req.Param("model", h.cfg.Model),
		Prompt:     req.Prompt,
		Inputs:     req.Inputs,
		Params:     req.Params,
		Media:      req.Media,
	})
	if err != nil {
		return nil, svcerr.NewPermanent(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, svcerr.NewPermanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, svcerr.FromNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, svcerr.FromNetwork(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, svcerr.FromStatus(resp.StatusCode, resp.Header.Get("Retry-After"), string(raw))
	}

	var out httpResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// A 2xx with an undecodable body is a server fault, not ours.
		return nil, svcerr.NewTransient(fmt.Errorf("decode response: %w", err))
	}
	if out.Flagged {
		return nil, svcerr.NewPermanent(errors.New("content rejected by moderation"))
	}
	if out.Error != nil {
		if out.Error.Type == "content_policy" || out.Error.Type == "moderation" {
			return nil, svcerr.NewPermanent(fmt.Errorf("content policy: %s", out.Error.Message))
		}
		return nil, svcerr.NewTransient(fmt.Errorf("%s: %s", out.Error.Type, out.Error.Message))
	}

	return &Response{
		Text:      out.Text,
		Vectors:   out.Vectors,
		Data:      out.Data,
		MediaType: out.MediaType,
		Model:     out.Model,
	}, nil
}
