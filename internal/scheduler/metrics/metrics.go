package metrics

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/armadaproject/vecsched/internal/scheduler/event"
	"github.com/armadaproject/vecsched/internal/scheduler/resource"
	"github.com/armadaproject/vecsched/internal/scheduler/selector"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// Metrics holds every scheduler metric. It implements the observer interfaces of the event loop and the
// selector chain and provides a transition observer for task tables.
type Metrics struct {
	labelsAssigned    *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	tableSize         *prometheus.GaugeVec
	eventsProcessed   *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
	loadDuration      *prometheus.HistogramVec
	executeDuration   *prometheus.HistogramVec
	jobsCompleted     *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	degradedResources *prometheus.GaugeVec
	retries           *prometheus.CounterVec
	allMetrics        []prometheus.Collector
}

func New() *Metrics {
	m := &Metrics{
		labelsAssigned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "labels_assigned_total",
				Help: "Labels assigned by the selector chain",
			},
			[]string{passLabel, resourceLabel, hybridLabel, reasonLabel},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "item_transitions_total",
				Help: "Task table state transitions",
			},
			[]string{resourceLabel, stateLabel, priorStateLabel},
		),
		tableSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: Prefix + "table_items",
				Help: "Items per task table and state",
			},
			[]string{resourceLabel, kindLabel, stateLabel},
		),
		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "events_processed_total",
				Help: "Events dispatched by the event loop",
			},
			[]string{eventLabel},
		),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    Prefix + "event_handler_duration_seconds",
				Help:    "Time spent in event handlers",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{eventLabel},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: Prefix + "event_queue_depth",
				Help: "Events waiting to be dispatched",
			},
		),
		loadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    Prefix + "load_duration_seconds",
				Help:    "Duration of segment loads",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{resourceLabel, loadLabel},
		),
		executeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    Prefix + "execute_duration_seconds",
				Help:    "Duration of compute calls",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{resourceLabel},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "jobs_completed_total",
				Help: "Completed jobs by final status",
			},
			[]string{statusLabel},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "tasks_completed_total",
				Help: "Completed tasks by outcome",
			},
			[]string{resourceLabel, outcomeLabel},
		),
		degradedResources: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: Prefix + "resource_degraded",
				Help: "1 if the resource is degraded",
			},
			[]string{resourceLabel},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: Prefix + "device_retries_total",
				Help: "Loads and executions retried after a retryable device error",
			},
			[]string{resourceLabel},
		),
	}
	m.allMetrics = []prometheus.Collector{
		m.labelsAssigned, m.transitions, m.tableSize, m.eventsProcessed, m.eventDuration, m.queueDepth,
		m.loadDuration, m.executeDuration, m.jobsCompleted, m.tasksCompleted, m.degradedResources, m.retries,
	}
	return m
}

func (m *Metrics) Register(registerer prometheus.Registerer) error {
	for _, c := range m.allMetrics {
		if err := registerer.Register(c); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (m *Metrics) LabelAssigned(pass string, label task.Label, reason selector.Reason) {
	name := "broadcast"
	if label.Type == task.SpecResource {
		name = label.Resource.Name
	}
	m.labelsAssigned.WithLabelValues(pass, name, strconv.FormatBool(label.Hybrid), string(reason)).Inc()
}

// StateTransition matches resource.TransitionObserver.
func (m *Metrics) StateTransition(resourceName string, item *resource.Item, from resource.State) {
	prior := "none"
	if from >= 0 {
		prior = from.String()
	}
	m.transitions.WithLabelValues(resourceName, item.State.String(), prior).Inc()
}

func (m *Metrics) EventProcessed(t event.Type, duration time.Duration) {
	m.eventsProcessed.WithLabelValues(t.String()).Inc()
	m.eventDuration.WithLabelValues(t.String()).Observe(duration.Seconds())
}

func (m *Metrics) QueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) LoadCompleted(resourceName string, kind event.LoadKind, duration time.Duration) {
	m.loadDuration.WithLabelValues(resourceName, kind.String()).Observe(duration.Seconds())
}

func (m *Metrics) ExecutionCompleted(resourceName string, duration time.Duration) {
	m.executeDuration.WithLabelValues(resourceName).Observe(duration.Seconds())
}

func (m *Metrics) TaskCompleted(resourceName string, outcome task.Outcome) {
	m.tasksCompleted.WithLabelValues(resourceName, outcome.String()).Inc()
}

func (m *Metrics) JobCompleted(status task.JobStatus) {
	m.jobsCompleted.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) Retried(resourceName string) {
	m.retries.WithLabelValues(resourceName).Inc()
}

// RefreshResources resets the table and degraded gauges from the current resources.
func (m *Metrics) RefreshResources(resources []*resource.Resource) {
	m.tableSize.Reset()
	m.degradedResources.Reset()
	for _, r := range resources {
		counts := make(map[resource.State]int)
		for _, item := range r.Table().Items() {
			counts[item.State]++
		}
		for state, n := range counts {
			m.tableSize.WithLabelValues(r.Name(), r.Kind().String(), state.String()).Set(float64(n))
		}
		degraded := 0.0
		if r.Degraded() {
			degraded = 1
		}
		m.degradedResources.WithLabelValues(r.Name()).Set(degraded)
	}
}
