// Package metrics exposes conversation and safety counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxmind/internal/dispatch"
	"voxmind/internal/orchestrator"
	"voxmind/internal/safety"
)

const namespace = "voxmind"

// Recorder is an orchestrator.Observer with its own registry.
type Recorder struct {
	reg *prometheus.Registry

	interactions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	fallback     prometheus.Counter
	mode         *prometheus.GaugeVec
	decisions    *prometheus.CounterVec
	memory       *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Utterances handled in a conversation, by handler and outcome.",
		}, []string{"handler", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interaction_duration_seconds",
			Help:      "Time from utterance to reply text.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler"}),
		fallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Utterances answered by the language model or its canned replacement.",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "1 for the current orchestrator mode.",
		}, []string{"mode"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_decisions_total",
			Help:      "Safety decisions by category and verdict.",
		}, []string{"category", "verdict"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_records",
			Help:      "Stored memory records per collection.",
		}, []string{"collection"}),
	}
	r.reg.MustRegister(r.interactions, r.duration, r.fallback, r.mode, r.decisions, r.memory)
	r.ModeChanged(orchestrator.Idle)
	return r
}

func (r *Recorder) ModeChanged(m orchestrator.Mode) {
	for _, mm := range []orchestrator.Mode{orchestrator.Idle, orchestrator.Listening, orchestrator.Active} {
		v := 0.0
		if mm == m {
			v = 1
		}
		r.mode.WithLabelValues(mm.String()).Set(v)
	}
}

func (r *Recorder) Interaction(res dispatch.Result, failed bool, took time.Duration) {
	handler := res.Handler
	if handler == "" {
		handler = "none"
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	r.interactions.WithLabelValues(handler, outcome).Inc()
	r.duration.WithLabelValues(handler).Observe(took.Seconds())
	if res.UsedFallback {
		r.fallback.Inc()
	}
}

// Decision is meant for safety.Engine.OnDecision.
func (r *Recorder) Decision(d safety.Decision) {
	r.decisions.WithLabelValues(d.Category, string(d.Verdict)).Inc()
}

// MemoryCounts records per-collection sizes, e.g. from memory.Stats.
func (r *Recorder) MemoryCounts(counts map[string]int) {
	for name, n := range counts {
		r.memory.WithLabelValues(name).Set(float64(n))
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
