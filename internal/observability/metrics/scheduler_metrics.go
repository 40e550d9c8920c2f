package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Job error reasons. Kept low-cardinality for alerting.
const (
	ReasonDeadline        = "deadline_exceeded"
	ReasonLockTimeout     = "db_lock_timeout"
	ReasonSerialization   = "serialization_failure"
	ReasonUniqueViolation = "unique_violation"
	ReasonDatabaseBusy    = "db_busy"
	ReasonDB              = "db"
	ReasonUnknown         = "unknown"

	DeferredEmptyBatch = "empty_batch"
)

// Rows each sweep claims.
const (
	ResourcePendingOrders      = "orders_pending"
	ResourceExpiredLots        = "point_lots_expired"
	ResourceStuckReports       = "orders_generating"
	ResourceIdempotencyRecords = "idempotency_records"
)

type SchedulerMetrics struct {
	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	timeouts   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	processed  *prometheus.CounterVec
	deferred   *prometheus.CounterVec
	loopLag    prometheus.Histogram
	lockWait   *prometheus.HistogramVec
	lockByName map[string]prometheus.Observer
}

var (
	schedulerOnce    sync.Once
	schedulerMetrics *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics, registering them on
// first use with default labels.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(reg prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": orDefault(cfg.ServiceName, "fortunepay"),
		"env":     orDefault(cfg.Environment, "unknown"),
	}
	counter := func(name, help string, vars ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fortunepay_scheduler_" + name, Help: help, ConstLabels: labels,
		}, vars)
	}
	seconds := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	m := &SchedulerMetrics{
		runs:      counter("job_runs_total", "Sweep job runs.", "job"),
		timeouts:  counter("job_timeouts_total", "Sweep jobs stopped by their soft deadline.", "job"),
		failures:  counter("job_errors_total", "Sweep job failures by reason.", "job", "reason"),
		processed: counter("batch_processed_total", "Rows handled by sweep jobs.", "job", "resource"),
		deferred:  counter("batch_deferred_total", "Sweep batches that found nothing to claim.", "job", "reason"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "fortunepay_scheduler_job_duration_seconds", Help: "Sweep job latency.",
			Buckets: seconds, ConstLabels: labels,
		}, []string{"job"}),
		loopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fortunepay_scheduler_runloop_lag_seconds", Help: "Delay between the planned tick and the actual run.",
			Buckets: seconds, ConstLabels: labels,
		}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "fortunepay_db_lock_wait_seconds", Help: "Time spent claiming rows with SELECT FOR UPDATE.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}, ConstLabels: labels,
		}, []string{"resource"}),
	}
	reg.MustRegister(m.runs, m.timeouts, m.failures, m.processed, m.deferred, m.duration, m.loopLag, m.lockWait)

	m.lockByName = make(map[string]prometheus.Observer, 4)
	for _, r := range []string{ResourcePendingOrders, ResourceExpiredLots, ResourceStuckReports, ResourceIdempotencyRecords} {
		m.lockByName[r] = m.lockWait.WithLabelValues(r)
	}
	return m
}

func (m *SchedulerMetrics) JobStarted(job string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job).Inc()
}

// JobFinished records latency and, for a failed run, the error reason.
// Deadline failures also count as timeouts.
func (m *SchedulerMetrics) JobFinished(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(job).Observe(took.Seconds())
	if err == nil {
		return
	}
	reason := ClassifyJobError(err)
	if reason == ReasonDeadline {
		m.timeouts.WithLabelValues(job).Inc()
	}
	m.failures.WithLabelValues(job, reason).Inc()
}

func (m *SchedulerMetrics) Processed(job, resource string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.processed.WithLabelValues(job, resource).Add(float64(n))
}

func (m *SchedulerMetrics) Deferred(job, reason string) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(job, reason).Inc()
}

func (m *SchedulerMetrics) RunLoopLag(lag time.Duration) {
	if m == nil || lag <= 0 {
		return
	}
	m.loopLag.Observe(lag.Seconds())
}

func (m *SchedulerMetrics) LockWait(resource string, took time.Duration) {
	if m == nil {
		return
	}
	obs, ok := m.lockByName[resource]
	if !ok {
		obs = m.lockWait.WithLabelValues(resource)
	}
	obs.Observe(took.Seconds())
}

// ClassifyJobError maps a sweep failure to one of the Reason constants.
func ClassifyJobError(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonDeadline
	case pgCode(err) == "55P03":
		return ReasonLockTimeout
	case pgCode(err) == "40001", pgCode(err) == "40P01":
		return ReasonSerialization
	case errors.Is(err, gorm.ErrDuplicatedKey), pgCode(err) == "23505":
		return ReasonUniqueViolation
	case sqliteBusy(err):
		return ReasonDatabaseBusy
	case isDBError(err):
		return ReasonDB
	}
	return ReasonUnknown
}

// Retryable reports whether the next tick is likely to succeed where this
// one failed.
func Retryable(err error) bool {
	switch ClassifyJobError(err) {
	case ReasonDeadline, ReasonLockTimeout, ReasonSerialization, ReasonDatabaseBusy, ReasonDB:
		return true
	}
	return false
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// sqliteBusy matches the pure-Go sqlite driver, which reports lock
// contention only through its message.
func sqliteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range []error{
		gorm.ErrInvalidDB, gorm.ErrInvalidTransaction, gorm.ErrInvalidField,
		gorm.ErrInvalidData, gorm.ErrMissingWhereClause, gorm.ErrInvalidValue,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return pgCode(err) != ""
}

func orDefault(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}
