package api

import (
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/coursefactory/internal/analytics"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status job.Status) string {
		return "badge badge-" + strings.ToLower(strings.ReplaceAll(string(status), "_", "-"))
	},
	"segClass": func(state string) string {
		return "seg seg-" + state
	},
	"relTime": relTime,
}

// ---- view models ----

// DashboardData feeds dashboard.html.
type DashboardData struct {
	Jobs   []orchestrator.StatusInfo
	Counts []StatusCount
	Filter string
}

// StatusCount is one cell of the status summary strip.
type StatusCount struct {
	Status job.Status
	Count  int
}

// JobPageData feeds job.html.
type JobPageData struct {
	Job    *orchestrator.StatusInfo
	Events []analytics.JobEvent
}

type dashboard struct {
	cfg       ServerConfig
	logger    *slog.Logger
	indexTmpl *template.Template
	jobTmpl   *template.Template
}

func newDashboard(cfg ServerConfig) *dashboard {
	return &dashboard{
		cfg:       cfg,
		logger:    cfg.Logger,
		indexTmpl: mustParseTmpl("base.html", "dashboard.html"),
		jobTmpl:   mustParseTmpl("base.html", "job.html"),
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

func (d *dashboard) exec(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		d.logger.Error("render template", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	all, err := d.cfg.Orchestrator.StatusAll(r.Context(), "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	counts := make(map[job.Status]int)
	for _, j := range all {
		counts[j.Status]++
	}
	data := DashboardData{Filter: r.URL.Query().Get("status")}
	for _, st := range job.AllStatuses {
		if counts[st] > 0 {
			data.Counts = append(data.Counts, StatusCount{Status: st, Count: counts[st]})
		}
	}
	filter, _ := job.ParseStatus(data.Filter)
	for _, j := range all {
		if filter == "" || j.Status == filter {
			data.Jobs = append(data.Jobs, j)
		}
	}
	d.exec(w, d.indexTmpl, data)
}

func (d *dashboard) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := d.cfg.Orchestrator.Status(r.Context(), id)
	if err != nil {
		status, _ := classify(err)
		http.Error(w, err.Error(), status)
		return
	}
	data := JobPageData{Job: info}
	if d.cfg.History != nil {
		evs, err := analytics.QueryJobDetail(d.cfg.History, id)
		if err != nil {
			d.logger.Warn("load job history", "job_id", id, "error", err)
		}
		data.Events = evs
	}
	d.exec(w, d.jobTmpl, data)
}

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	}
}
