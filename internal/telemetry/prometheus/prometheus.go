package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"vnoded/internal/domain"
	"vnoded/internal/telemetry"
)

type supervisorMetrics struct {
	active      prometheus.Gauge
	stops       *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	bytes       prometheus.Counter
	audits      *prometheus.CounterVec
	brokerError *prometheus.CounterVec
}

// NewSupervisorMetrics registers the supervisor collectors on reg.
func NewSupervisorMetrics(reg prometheus.Registerer) telemetry.SupervisorMetrics {
	m := &supervisorMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vnoded_supervisors_active",
			Help: "Number of supervisors currently consuming their shard queue",
		}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnoded_supervisor_stops_total",
			Help: "Total number of supervisor stops by reason",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnoded_deliveries_total",
			Help: "Total number of acknowledged deliveries per shard",
		}, []string{"shard"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vnoded_delivery_bytes_total",
			Help: "Total payload bytes of acknowledged deliveries",
		}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnoded_audits_total",
			Help: "Total number of audit ticks by result",
		}, []string{"result"}),
		brokerError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnoded_broker_errors_total",
			Help: "Total number of broker operation failures",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.active,
		m.stops,
		m.deliveries,
		m.bytes,
		m.audits,
		m.brokerError,
	)
	return m
}

func (m *supervisorMetrics) SupervisorStarted(domain.ShardNumber) {
	m.active.Inc()
}

func (m *supervisorMetrics) SupervisorStopped(_ domain.ShardNumber, reason domain.StopReason) {
	m.active.Dec()
	m.stops.WithLabelValues(string(reason)).Inc()
}

func (m *supervisorMetrics) MessageReceived(shard domain.ShardNumber, bytes int) {
	m.deliveries.WithLabelValues(strconv.FormatUint(uint64(shard), 10)).Inc()
	m.bytes.Add(float64(bytes))
}

func (m *supervisorMetrics) AuditCompleted(result string) {
	m.audits.WithLabelValues(result).Inc()
}

func (m *supervisorMetrics) BrokerError(op string) {
	m.brokerError.WithLabelValues(op).Inc()
}
