package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yieldvault"

var (
	// Registry holds the service's Prometheus collectors
	Registry = prometheus.NewRegistry()

	signatureCandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_candidate_total",
			Help:      "Assembled signatures by the candidate ordering that verified.",
		},
		[]string{"candidate"},
	)

	signatureUnverified = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_unverified_total",
			Help:      "Signatures submitted without local verification.",
		},
	)

	transactionsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_submitted_total",
			Help:      "Submitted transactions by final status.",
		},
		[]string{"status"},
	)

	autoDepositCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_deposit_cycles_total",
			Help:      "Auto-deposit evaluations by outcome.",
		},
		[]string{"outcome"},
	)

	custodySignDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "custody_sign_seconds",
			Help:      "Time from sign request to completed custody activity.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	Registry.MustRegister(
		signatureCandidates,
		signatureUnverified,
		transactionsSubmitted,
		autoDepositCycles,
		custodySignDuration,
		httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registered metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordSignatureCandidate(candidate string) {
	signatureCandidates.WithLabelValues(candidate).Inc()
}

func RecordUnverifiedSignature() {
	signatureUnverified.Inc()
}

func RecordSubmission(status string) {
	transactionsSubmitted.WithLabelValues(status).Inc()
}

func RecordAutoDepositCycle(outcome string) {
	autoDepositCycles.WithLabelValues(outcome).Inc()
}

func ObserveCustodySign(d time.Duration) {
	custodySignDuration.Observe(d.Seconds())
}

func RecordHTTPRequest(method, path string, status int) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
