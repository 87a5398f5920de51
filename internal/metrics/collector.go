// Package metrics provides internal metrics collection for the run engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's prometheus instruments. Pass a dedicated
// registry in tests; pass prometheus.DefaultRegisterer in apps.
type Collector struct {
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	segmentsTotal  *prometheus.CounterVec
	tokensUsed     *prometheus.CounterVec
	admissionTotal *prometheus.CounterVec
}

// NewCollector registers the engine instruments on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total run attempts by task type and terminal status",
			},
			[]string{"task_type", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration from start to terminal record",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"task_type"},
		),
		segmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_total",
				Help:      "Segment checkpoints written by per-segment status",
			},
			[]string{"status"},
		),
		tokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_used_total",
				Help:      "Tokens reported or estimated per provider and direction",
			},
			[]string{"provider", "direction"},
		),
		admissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by kind",
			},
			[]string{"decision"},
		),
	}

	reg.MustRegister(c.runsTotal, c.runDuration, c.segmentsTotal, c.tokensUsed, c.admissionTotal)
	return c
}

// Nop returns a collector on a throwaway registry, for callers that do not
// care about metrics.
func Nop() *Collector {
	return NewCollector("agentrun", prometheus.NewRegistry())
}

// RunFinished records one terminal run.
func (c *Collector) RunFinished(taskType, status string, duration time.Duration) {
	c.runsTotal.WithLabelValues(taskType, status).Inc()
	c.runDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// SegmentWritten records one checkpoint write.
func (c *Collector) SegmentWritten(status string) {
	c.segmentsTotal.WithLabelValues(status).Inc()
}

// TokensUsed records token counts for a provider.
func (c *Collector) TokensUsed(provider string, prompt, completion int) {
	if prompt > 0 {
		c.tokensUsed.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.tokensUsed.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// AdmissionDecision records one admission decision.
func (c *Collector) AdmissionDecision(decision string) {
	c.admissionTotal.WithLabelValues(decision).Inc()
}
