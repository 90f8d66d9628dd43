// Package metrics exposes Prometheus instrumentation for the processor
// daemon: claims, node/stack execution durations, cascade materializations,
// and settlement retries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/histogram the processor and cascade engine
// record against. Use New for the default (global) registerer, or
// NewWithRegisterer in tests to avoid colliding with other registrations.
type Metrics struct {
	claims                  *prometheus.CounterVec
	claimEmptyPolls         prometheus.Counter
	nodeExecutions          *prometheus.CounterVec
	nodeDuration            *prometheus.HistogramVec
	stackCompletions        *prometheus.CounterVec
	stackDuration           *prometheus.HistogramVec
	cascadeMaterializations prometheus.Counter
	cascadeSweeps           prometheus.Counter
	settlementRetries       prometheus.Counter
	settlementFailures      prometheus.Counter
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrunner_requests_claimed_total",
			Help: "Number of TaskRequests claimed by a worker, by outcome.",
		}, []string{"outcome"}),
		claimEmptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_claim_empty_polls_total",
			Help: "Number of claim_next polls that found no claimable request.",
		}),
		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrunner_stack_node_executions_total",
			Help: "Number of stack node executions, by terminal status.",
		}, []string{"status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackrunner_stack_node_duration_seconds",
			Help:    "Duration of a single stack node's subprocess execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_id"}),
		stackCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackrunner_stack_completions_total",
			Help: "Number of execution stacks that reached a terminal status.",
		}, []string{"status"}),
		stackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackrunner_stack_duration_seconds",
			Help:    "Wall-clock duration of an execution stack from create to terminal.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		cascadeMaterializations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_cascade_materializations_total",
			Help: "Number of TaskRequests materialized by cascade-on-source rules.",
		}),
		cascadeSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_cascade_sweeps_total",
			Help: "Number of cron-driven cascade sweeps performed.",
		}),
		settlementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_settlement_retries_total",
			Help: "Number of times settling a TaskRequest was retried after a transient failure.",
		}),
		settlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackrunner_settlement_failures_total",
			Help: "Number of TaskRequest settlements abandoned after retries were exhausted.",
		}),
	}

	reg.MustRegister(
		m.claims, m.claimEmptyPolls, m.nodeExecutions, m.nodeDuration,
		m.stackCompletions, m.stackDuration, m.cascadeMaterializations,
		m.cascadeSweeps, m.settlementRetries, m.settlementFailures,
	)
	return m
}

func (m *Metrics) RecordClaim(outcome string) {
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordEmptyPoll() {
	m.claimEmptyPolls.Inc()
}

func (m *Metrics) RecordNodeExecution(taskID, status string, duration time.Duration) {
	m.nodeExecutions.WithLabelValues(status).Inc()
	m.nodeDuration.WithLabelValues(taskID).Observe(duration.Seconds())
}

func (m *Metrics) RecordStackCompletion(status string, duration time.Duration) {
	m.stackCompletions.WithLabelValues(status).Inc()
	m.stackDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordCascadeMaterializations(n int) {
	m.cascadeMaterializations.Add(float64(n))
}

func (m *Metrics) RecordCascadeSweep() {
	m.cascadeSweeps.Inc()
}

func (m *Metrics) RecordSettlementRetry() {
	m.settlementRetries.Inc()
}

func (m *Metrics) RecordSettlementFailure() {
	m.settlementFailures.Inc()
}
