package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "tokenpipe"

	// Metrics names.
	MetricNameBuildInfo          = Namespace + "_build_info"
	MetricNamePipelineRuns       = Namespace + "_pipeline_runs_total"
	MetricNameStageFailures      = Namespace + "_pipeline_stage_failures_total"
	MetricNamePoolActive         = Namespace + "_pool_active_submissions"
	MetricNamePoolSubmissions    = Namespace + "_pool_submissions_total"
	MetricNameBreakerState       = Namespace + "_breaker_state"
	MetricNameBreakerRejections  = Namespace + "_breaker_rejections_total"
	MetricNameBreakerTransitions = Namespace + "_breaker_transitions_total"

	// Labels.
	LabelVersion = "version"
	LabelCommit  = "commit"
	LabelDate    = "date"
	LabelResult  = "result"
	LabelStage   = "stage"
	LabelBreaker = "breaker"
	LabelState   = "state"

	// Result values.
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
	ResultAborted = "aborted"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the tokenpipe binary",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricNamePipelineRuns, Help: "Total pipeline Execute calls by result.",
	}, []string{LabelResult})
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricNameStageFailures, Help: "Total failed pipeline stages by stage name.",
	}, []string{LabelStage})

	PoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: MetricNamePoolActive, Help: "Agent pool submissions currently running.",
	})
	PoolSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricNamePoolSubmissions, Help: "Total agent pool submissions by result.",
	}, []string{LabelResult})

	// BreakerState encodes the breaker state as a gauge: 0 closed, 1 open,
	// 2 half-open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: MetricNameBreakerState, Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{LabelBreaker})
	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricNameBreakerRejections, Help: "Total calls rejected while the breaker was open or probing.",
	}, []string{LabelBreaker})
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricNameBreakerTransitions, Help: "Total breaker state transitions by target state.",
	}, []string{LabelBreaker, LabelState})
)
