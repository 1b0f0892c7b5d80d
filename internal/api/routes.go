package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lucasnoah/coursefactory/internal/analytics"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
)

// NewRouter builds the route table.
func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/healthz", healthHandler(cfg))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	d := newDashboard(cfg)
	r.Get("/", d.handleIndex)
	r.Get("/jobs/{id}", d.handleJob)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", submitHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", getJobHandler(cfg))
			r.Get("/events", jobEventsHandler(cfg))
			r.Get("/stream", streamHandler(cfg))
			r.Post("/advance", advanceHandler(cfg))
			r.Post("/cancel", cancelHandler(cfg))
			r.Post("/retry", retryHandler(cfg))
			r.Post("/fail", failHandler(cfg))
			r.Get("/stages/{stage}/artifacts", artifactsHandler(cfg))
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRetrieval(cfg))
			r.Get("/documents", listDocumentsHandler(cfg))
			r.Post("/documents", ingestHandler(cfg))
			r.Delete("/documents/{id}", deleteDocumentHandler(cfg))
			r.Post("/query", queryHandler(cfg))
		})
	})

	return r
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	UptimeS int64  `json:"uptime_s"`
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return false
	}
	return true
}

// ---- Jobs ----

// SubmitRequest is the POST /api/jobs body.
type SubmitRequest struct {
	Kind      string         `json:"kind"`
	Domain    string         `json:"domain"`
	Documents []job.Document `json:"documents"`
	Overrides map[string]any `json:"overrides"`
}

// ReasonRequest is the body of the operator actions.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func submitHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if !decode(w, r, &req) {
			return
		}
		j, err := cfg.Orchestrator.Submit(r.Context(), orchestrator.SubmitOpts{
			Kind:      req.Kind,
			Domain:    req.Domain,
			Documents: req.Documents,
			Overrides: req.Overrides,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		info, err := cfg.Orchestrator.Status(r.Context(), j.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Location", "/api/jobs/"+j.ID)
		WriteJSON(w, http.StatusCreated, info)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter job.Status
		if s := r.URL.Query().Get("status"); s != "" {
			st, ok := job.ParseStatus(s)
			if !ok {
				WriteError(w, http.StatusBadRequest, "unknown status "+s, "BAD_REQUEST")
				return
			}
			filter = st
		}
		jobs, err := cfg.Orchestrator.StatusAll(r.Context(), filter)
		if err != nil {
			writeErr(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := cfg.Orchestrator.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

func jobEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := cfg.Orchestrator.Store().Get(id); err != nil {
			writeErr(w, err)
			return
		}
		if cfg.History == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"events": []analytics.JobEvent{}})
			return
		}
		evs, err := analytics.QueryJobDetail(cfg.History, id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if evs == nil {
			evs = []analytics.JobEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"events": evs})
	}
}

func advanceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cfg.Orchestrator.Advance(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// operatorHandler adapts Cancel, Retry and Fail, which share a shape.
func operatorHandler(op func(r *http.Request, id, reason string) (*job.Job, error), cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReasonRequest
		if !decode(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := op(r, id, req.Reason); err != nil {
			writeErr(w, err)
			return
		}
		info, err := cfg.Orchestrator.Status(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

func cancelHandler(cfg ServerConfig) http.HandlerFunc {
	return operatorHandler(func(r *http.Request, id, reason string) (*job.Job, error) {
		return cfg.Orchestrator.Cancel(r.Context(), id, reason)
	}, cfg)
}

func retryHandler(cfg ServerConfig) http.HandlerFunc {
	return operatorHandler(func(r *http.Request, id, reason string) (*job.Job, error) {
		return cfg.Orchestrator.Retry(r.Context(), id, reason)
	}, cfg)
}

func failHandler(cfg ServerConfig) http.HandlerFunc {
	return operatorHandler(func(r *http.Request, id, reason string) (*job.Job, error) {
		return cfg.Orchestrator.Fail(r.Context(), id, reason)
	}, cfg)
}

func artifactsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stage := chi.URLParam(r, "stage")
		arts, err := cfg.Orchestrator.Artifacts(r.Context(), chi.URLParam(r, "id"), stage)
		if err != nil {
			writeErr(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"stage": stage, "artifacts": arts})
	}
}

// ---- Documents and queries ----

func requireRetrieval(cfg ServerConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Retrieval == nil {
				WriteError(w, http.StatusServiceUnavailable, "retrieval is not configured", "UNAVAILABLE")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IngestResponse reports an indexed document.
type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Model      string `json:"model,omitempty"`
}

func listDocumentsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := cfg.Retrieval.Index().Documents(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"documents": ids})
	}
}

func ingestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var doc retrieval.Document
		if !decode(w, r, &doc) {
			return
		}
		if strings.TrimSpace(doc.Text) == "" {
			WriteError(w, http.StatusBadRequest, "document text is required", "INVALID_INPUT")
			return
		}
		chunks, err := cfg.Retrieval.Ingest(r.Context(), doc)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp := IngestResponse{DocumentID: doc.ID, Chunks: len(chunks)}
		if len(chunks) > 0 {
			resp.Model = chunks[0].Model
		}
		WriteJSON(w, http.StatusCreated, resp)
	}
}

func deleteDocumentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Retrieval.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// QueryRequest is the POST /api/query body. Answer composes a reply from
// the retrieved chunks instead of returning them alone.
type QueryRequest struct {
	Query  string `json:"query"`
	K      int    `json:"k"`
	Answer bool   `json:"answer"`
}

func queryHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Answer {
			ans, err := cfg.Retrieval.Answer(r.Context(), req.Query, req.K)
			if err != nil {
				writeErr(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, ans)
			return
		}
		hits, err := cfg.Retrieval.Retrieve(r.Context(), req.Query, req.K)
		if err != nil {
			writeErr(w, err)
			return
		}
		if hits == nil {
			hits = []retrieval.Scored{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": hits})
	}
}
