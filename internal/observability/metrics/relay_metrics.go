package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	RelayReasonDeadlineExceeded     = "deadline_exceeded"
	RelayReasonDBLockTimeout        = "db_lock_timeout"
	RelayReasonSerializationFailure = "serialization_failure"
	RelayReasonDB                   = "db"
	RelayReasonPayload              = "payload"
	RelayReasonBroker               = "broker"
	RelayReasonUnknown              = "unknown"
)

// ErrBroker marks failures returned by the message broker.
var ErrBroker = errors.New("broker_error")

// RelayMetrics captures outbox relay health for the /metrics endpoint.
type RelayMetrics struct {
	published     prometheus.Counter
	failures      *prometheus.CounterVec
	batchDuration prometheus.Histogram
	pending       prometheus.Gauge
	oldestPending prometheus.Gauge
}

var (
	relayMetricsOnce sync.Once
	relayMetrics     *RelayMetrics
)

// Relay returns the process-wide relay metrics registered on the default registry.
func Relay(cfg Config) *RelayMetrics {
	relayMetricsOnce.Do(func() {
		relayMetrics = newRelayMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return relayMetrics
}

func newRelayMetrics(registerer prometheus.Registerer, cfg Config) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "creditline"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	published := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "creditline_outbox_published_total",
		Help:        "Outbox events delivered to the broker.",
		ConstLabels: constLabels,
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditline_outbox_failures_total",
		Help:        "Outbox relay failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditline_outbox_batch_duration_seconds",
		Help:        "Outbox relay batch latency.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "creditline_outbox_pending",
		Help:        "Outbox events fetched but not yet delivered in the last batch.",
		ConstLabels: constLabels,
	})
	oldestPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "creditline_outbox_oldest_pending_age_seconds",
		Help:        "Age of the oldest undelivered outbox event seen in the last batch.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(published, failures, batchDuration, pending, oldestPending)

	return &RelayMetrics{
		published:     published,
		failures:      failures,
		batchDuration: batchDuration,
		pending:       pending,
		oldestPending: oldestPending,
	}
}

func (m *RelayMetrics) AddPublished(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.published.Add(float64(count))
}

func (m *RelayMetrics) IncFailure(err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(ClassifyRelayError(err)).Inc()
}

func (m *RelayMetrics) ObserveBatch(duration time.Duration, pending int, oldest time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
	m.pending.Set(float64(pending))
	m.oldestPending.Set(oldest.Seconds())
}

// ClassifyRelayError maps relay errors to low-cardinality reasons.
func ClassifyRelayError(err error) string {
	if err == nil {
		return RelayReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RelayReasonDeadlineExceeded
	}
	if errors.Is(err, ErrBroker) {
		return RelayReasonBroker
	}
	if hasPGCode(err, "55P03") {
		return RelayReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return RelayReasonSerializationFailure
	}
	if isDBError(err) {
		return RelayReasonDB
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return RelayReasonPayload
	}
	return RelayReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
