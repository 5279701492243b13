package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolve outcomes.
const (
	ResultOriginal    = "original"
	ResultHit         = "hit"
	ResultGenerated   = "generated"
	ResultWaited      = "waited"
	ResultContended   = "contended"
	ResultUnsupported = "unsupported"
	ResultFailed      = "failed"
)

// Metrics records derivative cache activity.
type Metrics interface {
	IncResolve(size, result string)
	ObserveGeneration(size string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncResolve(string, string)         {}
func (Noop) ObserveGeneration(string, float64) {}

// Prom implements Metrics backed by Prometheus.
type Prom struct {
	resolves   *prometheus.CounterVec
	generation *prometheus.HistogramVec
	once       sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Derivative resolve calls by size and outcome",
		}, []string{"size", "result"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Time spent generating a derivative",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"size"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.resolves, p.generation)
	})
}

func (p *Prom) IncResolve(size, result string) {
	p.resolves.WithLabelValues(size, result).Inc()
}

func (p *Prom) ObserveGeneration(size string, durationSeconds float64) {
	p.generation.WithLabelValues(size).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
