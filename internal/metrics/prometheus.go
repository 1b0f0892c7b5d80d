package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coursefactory"

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	once            sync.Once
	reg             *prom.Registry
	stageDuration   *prom.HistogramVec
	stageResults    *prom.CounterVec
	tierUsed        *prom.CounterVec
	retries         *prom.CounterVec
	adapterDuration *prom.HistogramVec
	adapterInflight *prom.GaugeVec
	jobOutcomes     *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the collectors on reg. A nil
// reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage results by outcome",
		}, []string{"stage", "result"})
		pr.tierUsed = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_tier_used_total",
			Help:      "Which fallback tier produced each stage artifact",
		}, []string{"stage", "tier"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Transient failures retried within a tier",
		}, []string{"stage"})
		pr.adapterDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_call_duration_seconds",
			Help:      "External service call latency by capability and error kind",
			Buckets:   prom.DefBuckets,
		}, []string{"capability", "error_kind"})
		pr.adapterInflight = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "adapter_inflight",
			Help:      "Outbound calls currently holding a capability slot",
		}, []string{"capability"})
		pr.jobOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Jobs reaching a terminal status",
		}, []string{"status"})
		reg.MustRegister(pr.stageDuration, pr.stageResults, pr.tierUsed, pr.retries,
			pr.adapterDuration, pr.adapterInflight, pr.jobOutcomes)
	})
	return pr
}

// Registry returns the registry the collectors are registered on.
func (p *PrometheusRecorder) Registry() *prom.Registry { return p.reg }

// Handler serves the recorder's registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncTierUsed(stage string, tier int) {
	if p == nil || p.tierUsed == nil {
		return
	}
	p.tierUsed.WithLabelValues(stage, strconv.Itoa(tier)).Inc()
}

func (p *PrometheusRecorder) IncRetry(stage string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) ObserveAdapterCall(capability string, d time.Duration, errKind string) {
	if p == nil || p.adapterDuration == nil {
		return
	}
	if errKind == "" {
		errKind = "none"
	}
	p.adapterDuration.WithLabelValues(capability, errKind).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetAdapterInflight(capability string, n int) {
	if p == nil || p.adapterInflight == nil {
		return
	}
	p.adapterInflight.WithLabelValues(capability).Set(float64(n))
}

func (p *PrometheusRecorder) IncJobOutcome(status string) {
	if p == nil || p.jobOutcomes == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(status).Inc()
}
