package observability

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ukydev/smartpedals/internal/models"
)

// Metrics holds the fleet core collectors.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	TelemetryWrites    *prometheus.CounterVec
	Purged             *prometheus.CounterVec
	PurgeErrors        *prometheus.CounterVec
	GatewayMessages    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpedals_transitions_total",
				Help: "State transitions by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		TransitionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartpedals_transition_duration_seconds",
				Help:    "State transition duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		TelemetryWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpedals_telemetry_writes_total",
				Help: "Telemetry records written by class and outcome",
			},
			[]string{"class", "outcome"},
		),
		Purged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpedals_retention_purged_total",
				Help: "Telemetry records removed by the retention purger",
			},
			[]string{"class"},
		),
		PurgeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpedals_retention_purge_errors_total",
				Help: "Failed purge cycles by retention class",
			},
			[]string{"class"},
		),
		GatewayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpedals_gateway_messages_total",
				Help: "Broker messages by topic and result",
			},
			[]string{"topic", "result"},
		),
	}
}

// Outcome maps an operation error to a metric label.
func Outcome(err error) string {
	var (
		invalid   *models.InvalidTransitionError
		notFound  *models.NotFoundError
		conflict  *models.ConcurrentModificationError
		timeout   *models.TimeoutError
		duplicate *models.DuplicateKeyError
		bad       *models.ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &duplicate):
		return "duplicate"
	case errors.As(err, &bad):
		return "invalid"
	default:
		return "error"
	}
}
