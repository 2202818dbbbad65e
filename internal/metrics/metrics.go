package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BasisComputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rope_basis_computations_total",
		Help: "Number of rotary frequency bases computed, by variant",
	}, []string{"variant"})

	BasisRecomputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rope_basis_recomputations_total",
		Help: "Number of dynamic-NTK basis swaps triggered by a longer sequence",
	})

	BasisSeqLen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rope_basis_seq_len",
		Help: "Sequence length the active dynamic basis was computed for",
	})

	AttentionScaling = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rope_attention_scaling",
		Help: "Attention scaling factor applied to cos/sin, by variant",
	}, []string{"variant"})

	EncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rope_encode_duration_seconds",
		Help:    "Time spent producing cos/sin encodings",
		Buckets: prometheus.DefBuckets,
	})

	AttentionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_duration_seconds",
		Help:    "Histogram of attention stage execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000, 65536, 131072},
	})

	TraceExports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trace_exports_total",
		Help: "Arrow trace records exported, by kind and outcome",
	}, []string{"kind", "outcome"})
)

func RecordBasis(variant string, scaling float32) {
	BasisComputations.WithLabelValues(variant).Inc()
	AttentionScaling.WithLabelValues(variant).Set(float64(scaling))
}

func RecordBasisRecompute(seqLen int) {
	BasisRecomputations.Inc()
	BasisSeqLen.Set(float64(seqLen))
}

func RecordEncode(duration time.Duration) {
	EncodeDuration.Observe(duration.Seconds())
}

func RecordAttentionStage(stage string, duration time.Duration) {
	AttentionDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	if tokens > 0 {
		ContextLengthHistogram.Observe(float64(tokens))
	}
}

func RecordTraceExport(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	TraceExports.WithLabelValues(kind, outcome).Inc()
}
