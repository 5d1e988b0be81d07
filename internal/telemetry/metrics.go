package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки доставки (label "outcome").
const (
	OutcomeAck     = "ack"
	OutcomeRequeue = "requeue"
	OutcomeReject  = "reject"
)

// Metrics — Prometheus метрики publisher и consumer.
type Metrics struct {
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	PublishRetries  prometheus.Counter

	Deliveries    *prometheus.CounterVec
	Reconnects    prometheus.Counter
	ConsumerState prometheus.Gauge
}

// NewMetrics регистрирует метрики в reg.
// Если reg == nil, используется отдельный реестр (удобно в тестах).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Envelopes successfully published",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_failures_total",
			Help: "Publish calls that ended with an error",
		}),
		PublishRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_publish_retries_total",
			Help: "Publish attempts repeated after a transient transport error",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Deliveries handled by the consumer, by outcome",
		}, []string{"outcome"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_consumer_reconnects_total",
			Help: "Reconnects scheduled after an unsolicited closure",
		}),
		ConsumerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_consumer_state",
			Help: "Current consumer state machine state",
		}),
	}
}
