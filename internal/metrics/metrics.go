package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeInScope    = "in_scope"
	OutcomeOutOfScope = "out_of_scope"
	OutcomeFallback   = "fallback"
	OutcomeInvalid    = "invalid"
	OutcomeError      = "error"
)

// Pipeline holds the tutoring pipeline collectors. A nil *Pipeline is valid
// and records nothing.
type Pipeline struct {
	requests        *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	chunksRetrieved prometheus.Histogram
	recordFailures  prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) (*Pipeline, error) {
	p := &Pipeline{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutor_requests_total",
				Help: "Tutoring requests by outcome",
			},
			[]string{"outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutor_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"stage"},
		),
		chunksRetrieved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tutor_chunks_retrieved",
			Help:    "Passages retrieved per request",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 10},
		}),
		recordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tutor_record_failures_total",
			Help: "Conversation records that could not be persisted",
		}),
	}
	for _, c := range []prometheus.Collector{p.requests, p.stageDuration, p.chunksRetrieved, p.recordFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) Request(outcome string) {
	if p == nil {
		return
	}
	p.requests.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) Stage(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Pipeline) Chunks(n int) {
	if p == nil {
		return
	}
	p.chunksRetrieved.Observe(float64(n))
}

func (p *Pipeline) RecordFailure() {
	if p == nil {
		return
	}
	p.recordFailures.Inc()
}
