package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_connection_state_transitions_total",
			Help: "Total number of connection state transitions.",
		},
		[]string{"state"},
	)
	reconnectAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_reconnect_attempts",
			Help: "Consecutive reconnect attempts since the last successful connect.",
		},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_frames_total",
			Help: "Total number of inbound broker frames by event name.",
		},
		[]string{"event"},
	)
	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_reconcile_total",
			Help: "Total number of message reconciliation outcomes.",
		},
		[]string{"outcome"},
	)
	readMarksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_read_marks_total",
			Help: "Total number of messages marked read in batches.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		connStateTransitions,
		reconnectAttempts,
		framesTotal,
		reconcileTotal,
		readMarksTotal,
		amqpPublishErrorsTotal,
	)
}

func IncStateTransition(state string) {
	connStateTransitions.WithLabelValues(state).Inc()
}

func SetReconnectAttempts(n int) {
	reconnectAttempts.Set(float64(n))
}

func IncFrame(event string) {
	framesTotal.WithLabelValues(event).Inc()
}

func IncReconcile(outcome string) {
	reconcileTotal.WithLabelValues(outcome).Inc()
}

func AddReadMarks(n int) {
	readMarksTotal.Add(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
