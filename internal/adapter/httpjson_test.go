package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

func TestHTTPJSONSuccess(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "generated", "model": "gpt-4"})
	}))
	defer srv.Close()

	a, err := NewHTTPJSON(TextGeneration, HTTPConfig{Endpoint: srv.URL, APIKey: "sk-test", Model: "gpt-4"})
	require.NoError(t, err)

	resp, err := a.Call(context.Background(), Request{Operation: "lesson", Prompt: "write"})
	require.NoError(t, err)
	assert.Equal(t, "generated", resp.Text)
	assert.Equal(t, "text-generation", got.Capability)
	assert.Equal(t, "gpt-4", got.Model)
	assert.Equal(t, "write", got.Prompt)
}

func TestHTTPJSONClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   svcerr.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, svcerr.Transient},
		{"server error", http.StatusBadGateway, `oops`, svcerr.Transient},
		{"unauthorized", http.StatusUnauthorized, `{}`, svcerr.Permanent},
		{"rejected request", http.StatusBadRequest, `{}`, svcerr.Permanent},
		{"too large", http.StatusRequestEntityTooLarge, `{}`, svcerr.Permanent},
		{"unprocessable", http.StatusUnprocessableEntity, `{}`, svcerr.Permanent},
		{"moderation", http.StatusOK, `{"flagged": true}`, svcerr.Permanent},
		{"policy error body", http.StatusOK, `{"error": {"type": "content_policy", "message": "no"}}`, svcerr.Permanent},
		{"garbage 200", http.StatusOK, `not json`, svcerr.Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a, err := NewHTTPJSON(ImageGeneration, HTTPConfig{Endpoint: srv.URL})
			require.NoError(t, err)
			_, err = a.Call(context.Background(), Request{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, svcerr.KindOf(err))
		})
	}
}

func TestHTTPJSONTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	a, err := NewHTTPJSON(TextGeneration, HTTPConfig{Endpoint: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = a.Call(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, svcerr.Transient, svcerr.KindOf(err))
}

func TestNewHTTPJSONRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPJSON(TextGeneration, HTTPConfig{})
	assert.Error(t, err)
}
