package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	"github.com/ottworks/telemetria/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	PipelineJobReasonDeadlineExceeded      = "deadline_exceeded"
	PipelineJobReasonUpstreamTransient     = "upstream_transient"
	PipelineJobReasonUpstreamConfiguration = "upstream_configuration"
	PipelineJobReasonDBLockTimeout         = "db_lock_timeout"
	PipelineJobReasonSerializationFailure  = "serialization_failure"
	PipelineJobReasonUniqueViolation       = "unique_violation"
	PipelineJobReasonUnknown               = "unknown"
)

const (
	LeaseResourcePipelineChain = "pipeline_chain"
)

// PipelineMetrics captures pipeline scheduler health signals.
type PipelineMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	runTransitions   *prometheus.CounterVec
	leaseWait        *prometheus.HistogramVec
	transitionCounts map[pipelinedomain.RunState]map[pipelinedomain.RunState]prometheus.Counter
	leaseWaitByName  map[string]prometheus.Observer
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "telemetria"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetria_pipeline_job_runs_total",
		Help:        "Pipeline job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "telemetria_pipeline_job_duration_seconds",
		Help:        "Pipeline job latency to protect ingest freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetria_pipeline_job_timeouts_total",
		Help:        "Pipeline job timeouts that threaten ingest freshness.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetria_pipeline_job_errors_total",
		Help:        "Pipeline job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetria_pipeline_batch_processed_total",
		Help:        "Pipeline batch items processed to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "telemetria_pipeline_runloop_lag_seconds",
		Help:        "Pipeline run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	runTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetria_pipeline_run_transitions_total",
		Help:        "Pipeline run state transitions to validate chain health.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	leaseWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "telemetria_pipeline_lease_wait_seconds",
		Help:        "Time spent acquiring the pipeline lease to detect contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		runLoopLag,
		runTransitions,
		leaseWait,
	)

	transitionCounts := map[pipelinedomain.RunState]map[pipelinedomain.RunState]prometheus.Counter{}
	for from, tos := range map[pipelinedomain.RunState][]pipelinedomain.RunState{
		pipelinedomain.RunStateScheduled: {
			pipelinedomain.RunStateRunningIngest,
			pipelinedomain.RunStateFailed,
		},
		pipelinedomain.RunStateRunningIngest: {
			pipelinedomain.RunStateRunningMerge,
			pipelinedomain.RunStateFailed,
		},
		pipelinedomain.RunStateRunningMerge: {
			pipelinedomain.RunStateDone,
			pipelinedomain.RunStateFailed,
		},
	} {
		counters := map[pipelinedomain.RunState]prometheus.Counter{}
		for _, to := range tos {
			counters[to] = runTransitions.WithLabelValues(string(from), string(to))
		}
		transitionCounts[from] = counters
	}

	leaseWaitByName := map[string]prometheus.Observer{
		LeaseResourcePipelineChain: leaseWait.WithLabelValues(LeaseResourcePipelineChain),
	}

	return &PipelineMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		runLoopLag:       runLoopLag,
		runTransitions:   runTransitions,
		leaseWait:        leaseWait,
		transitionCounts: transitionCounts,
		leaseWaitByName:  leaseWaitByName,
	}
}

// IncJobRun increments the run counter for a pipeline job.
func (m *PipelineMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records pipeline job latency in seconds.
func (m *PipelineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the pipeline job.
func (m *PipelineMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the pipeline job error counter with classification.
func (m *PipelineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyPipelineJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *PipelineMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *PipelineMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncRunTransition increments run state transition counters.
func (m *PipelineMetrics) IncRunTransition(from, to pipelinedomain.RunState) {
	if m == nil {
		return
	}
	if toCounters, ok := m.transitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	if m.runTransitions != nil {
		m.runTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// ObserveLeaseWait records time spent acquiring the named lease.
func (m *PipelineMetrics) ObserveLeaseWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.leaseWaitByName[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	if m.leaseWait != nil {
		m.leaseWait.WithLabelValues(resource).Observe(duration.Seconds())
	}
}

// ClassifyPipelineJobReason maps pipeline job errors to low-cardinality reasons.
func ClassifyPipelineJobReason(err error) string {
	if err == nil {
		return PipelineJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return PipelineJobReasonDeadlineExceeded
	}
	if upstream.IsConfiguration(err) {
		return PipelineJobReasonUpstreamConfiguration
	}
	if upstream.IsTransient(err) {
		return PipelineJobReasonUpstreamTransient
	}
	if isDBLockTimeout(err) {
		return PipelineJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return PipelineJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return PipelineJobReasonUniqueViolation
	}
	return PipelineJobReasonUnknown
}

// IsPipelineErrorRetryable reports whether the pipeline error should be retried.
func IsPipelineErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if upstream.IsConfiguration(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if upstream.IsTransient(err) {
		return true
	}
	return isDBLockTimeout(err) || isSerializationFailure(err)
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
