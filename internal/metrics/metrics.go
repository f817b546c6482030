package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	LookupRequests     *prometheus.CounterVec
	LookupLatency      *prometheus.HistogramVec
	LookupRetries      prometheus.Counter
	KeyValidations     *prometheus.CounterVec
	QuotaDenials       *prometheus.CounterVec
	PaymentEvents      *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed.",
			}, []string{"type"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			LookupRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "danfe_lookup_requests_total",
				Help:      "Total DANFE lookup requests by outcome.",
			}, []string{"status"}),
			LookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "danfe_lookup_duration_seconds",
				Help:      "Latency distribution for DANFE lookups.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			LookupRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "danfe_lookup_retries_total",
				Help:      "Total retried DANFE lookup calls.",
			}),
			KeyValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_key_validations_total",
				Help:      "Total access key validations by result.",
			}, []string{"result"}),
			QuotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_denials_total",
				Help:      "Total lookups denied by the entitlement policy.",
			}, []string{"reason"}),
			PaymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_events_total",
				Help:      "Total payment confirmations by settlement result.",
			}, []string{"result"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.LookupRequests,
			metricsInstance.LookupLatency,
			metricsInstance.LookupRetries,
			metricsInstance.KeyValidations,
			metricsInstance.QuotaDenials,
			metricsInstance.PaymentEvents,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
