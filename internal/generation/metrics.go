package generation

import "github.com/prometheus/client_golang/prometheus"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "generation",
			Name:      "finished_total",
			Help:      "Generations by terminal status",
		},
		[]string{"status"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "generation",
			Name:      "rejected_total",
			Help:      "Generate calls rejected before a worker started",
		},
		[]string{"reason"},
	)

	tokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Tokens appended across all generations",
		},
	)

	tokensPerSecond = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "localllm",
			Subsystem: "generation",
			Name:      "tokens_per_second",
			Help:      "Throughput of finished generations",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
	)

	activeGenerations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "localllm",
			Subsystem: "generation",
			Name:      "active",
			Help:      "1 while a worker holds the active slot",
		},
	)

	modelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "model",
			Name:      "loads_total",
			Help:      "Model load attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, rejectionsTotal, tokensTotal, tokensPerSecond, activeGenerations, modelLoadsTotal)
}

func rejectReason(err error) string {
	switch err {
	case ErrNoModelLoaded:
		return "no_model"
	case ErrBusy:
		return "busy"
	case ErrEmptyPrompt:
		return "empty_prompt"
	case ErrNegativeMaxTokens:
		return "max_tokens"
	}
	return "other"
}
