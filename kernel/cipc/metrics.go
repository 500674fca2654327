package cipc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the per-core IPC counters
type Metrics struct {
	EventsSent      *prometheus.CounterVec
	EventsReceived  *prometheus.CounterVec
	DataWritten     *prometheus.CounterVec
	DataRead        *prometheus.CounterVec
	BytesWritten    *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	CorruptedQueues *prometheus.GaugeVec
}

// NewMetrics creates the collectors, labelled with core, and registers them on
// reg when it is not nil.
func NewMetrics(reg prometheus.Registerer, core Owner) (*Metrics, error) {
	constLabels := prometheus.Labels{"core": core.String()}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cipc",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}

	m := &Metrics{
		EventsSent:     counter("events_sent_total", "Events enqueued by this core", "user"),
		EventsReceived: counter("events_received_total", "Events dequeued by this core", "user"),
		DataWritten:    counter("data_written_total", "Payloads written to data channels", "user", "channel"),
		DataRead:       counter("data_read_total", "Payloads read from data channels", "user", "channel"),
		BytesWritten:   counter("data_written_bytes_total", "Payload bytes written to data channels", "user"),
		Retries:        counter("full_retries_total", "Retries spent waiting for a full queue", "user"),
		Errors:         counter("errors_total", "Engine errors by kind", "user", "kind"),
		Dispatches:     counter("irq_dispatches_total", "Interrupt dispatch passes", "user"),
		CorruptedQueues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "cipc",
			Name:        "corrupted_queues",
			Help:        "Queues currently refusing operations until reset",
			ConstLabels: constLabels,
		}, []string{"user"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsSent, m.EventsReceived, m.DataWritten, m.DataRead, m.BytesWritten,
		m.Retries, m.Errors, m.Dispatches, m.CorruptedQueues,
	}
}

func (m *Metrics) recordError(user string, err error) {
	if err == nil || errors.Is(err, ErrEmpty) {
		return
	}
	m.Errors.WithLabelValues(user, errorKind(err)).Inc()
}
