// Package promadapters exposes store metrics through the Prometheus client library.
package promadapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

// DefaultDurationBuckets are latency buckets in seconds.
var DefaultDurationBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// DefaultValueBuckets fit the number of events appended per SaveChanges call.
var DefaultValueBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000}

var help = map[string]string{
	eventstore.MetricSaveChangesDuration:  "SaveChanges latency in seconds",
	eventstore.MetricEventsAppended:       "Events appended per SaveChanges call",
	eventstore.MetricConcurrencyConflicts: "SaveChanges calls that lost an optimistic concurrency race",
	eventstore.MetricPartialCommits:       "SaveChanges calls that committed some tenants only",
	eventstore.MetricErrors:               "Failed store operations",
	eventstore.MetricLoadDuration:         "Load latency in seconds",
}

// MetricsCollector implements eventstore.MetricsCollector with Prometheus vectors.
//
// A vector is created and registered the first time its metric name is seen. Its label names are the
// sorted keys of that first call. Later calls fill missing labels with "" and drop unknown ones.
type MetricsCollector struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	histograms map[string]*vector[*prometheus.HistogramVec]
	counters   map[string]*vector[*prometheus.CounterVec]
}

type vector[V any] struct {
	vec        V
	labelNames []string
}

// Option configures a MetricsCollector.
type Option func(*MetricsCollector)

// WithNamespace prefixes every metric name with namespace and an underscore.
func WithNamespace(namespace string) Option {
	return func(m *MetricsCollector) {
		m.namespace = namespace
	}
}

// NewMetricsCollector registers vectors with reg as they are needed.
func NewMetricsCollector(reg prometheus.Registerer, options ...Option) *MetricsCollector {
	m := &MetricsCollector{
		registerer: reg,
		histograms: make(map[string]*vector[*prometheus.HistogramVec]),
		counters:   make(map[string]*vector[*prometheus.CounterVec]),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

func (m *MetricsCollector) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	h := m.histogram(metric, labels, DefaultDurationBuckets)
	if h == nil {
		return
	}

	h.vec.WithLabelValues(valuesFor(h.labelNames, labels)...).Observe(duration.Seconds())
}

func (m *MetricsCollector) IncrementCounter(metric string, labels map[string]string) {
	c := m.counter(metric, labels)
	if c == nil {
		return
	}

	c.vec.WithLabelValues(valuesFor(c.labelNames, labels)...).Inc()
}

func (m *MetricsCollector) RecordValue(metric string, value float64, labels map[string]string) {
	h := m.histogram(metric, labels, DefaultValueBuckets)
	if h == nil {
		return
	}

	h.vec.WithLabelValues(valuesFor(h.labelNames, labels)...).Observe(value)
}

func (m *MetricsCollector) histogram(
	metric string,
	labels map[string]string,
	buckets []float64,
) *vector[*prometheus.HistogramVec] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[metric]; ok {
		return h
	}

	labelNames := sortedKeys(labels)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      metric,
		Help:      helpFor(metric),
		Buckets:   buckets,
	}, labelNames)

	registered, ok := register(m.registerer, vec)
	if !ok {
		return nil
	}

	h := &vector[*prometheus.HistogramVec]{vec: registered, labelNames: labelNames}
	m.histograms[metric] = h

	return h
}

func (m *MetricsCollector) counter(metric string, labels map[string]string) *vector[*prometheus.CounterVec] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[metric]; ok {
		return c
	}

	labelNames := sortedKeys(labels)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      metric,
		Help:      helpFor(metric),
	}, labelNames)

	registered, ok := register(m.registerer, vec)
	if !ok {
		return nil
	}

	c := &vector[*prometheus.CounterVec]{vec: registered, labelNames: labelNames}
	m.counters[metric] = c

	return c
}

// register returns the already registered collector when an identical one exists,
// e.g. after a second MetricsCollector was built on the same registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, bool) {
	if err := reg.Register(c); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			if existing, ok := alreadyRegistered.ExistingCollector.(C); ok {
				return existing, true
			}
		}

		var zero C
		return zero, false
	}

	return c, true
}

func helpFor(metric string) string {
	if h, ok := help[metric]; ok {
		return h
	}

	return "eventstore measurement"
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

func valuesFor(labelNames []string, labels map[string]string) []string {
	values := make([]string, len(labelNames))
	for i, name := range labelNames {
		values[i] = labels[name]
	}

	return values
}

// ContextualMetricsCollector adds the context-aware methods, attaching the trace ID of ctx as an
// exemplar when the caller supplies an extractor.
type ContextualMetricsCollector struct {
	*MetricsCollector

	traceID func(ctx context.Context) string
}

// NewContextualMetricsCollector wraps m. traceID returns "" when ctx carries no trace.
func NewContextualMetricsCollector(m *MetricsCollector, traceID func(ctx context.Context) string) *ContextualMetricsCollector {
	return &ContextualMetricsCollector{MetricsCollector: m, traceID: traceID}
}

func (c *ContextualMetricsCollector) RecordDurationContext(
	ctx context.Context,
	metric string,
	duration time.Duration,
	labels map[string]string,
) {
	h := c.histogram(metric, labels, DefaultDurationBuckets)
	if h == nil {
		return
	}

	c.observe(ctx, h.vec.WithLabelValues(valuesFor(h.labelNames, labels)...), duration.Seconds())
}

func (c *ContextualMetricsCollector) IncrementCounterContext(
	ctx context.Context,
	metric string,
	labels map[string]string,
) {
	counter := c.counter(metric, labels)
	if counter == nil {
		return
	}

	inc := counter.vec.WithLabelValues(valuesFor(counter.labelNames, labels)...)
	if exemplar := c.exemplar(ctx); exemplar != nil {
		if adder, ok := inc.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
			return
		}
	}

	inc.Inc()
}

func (c *ContextualMetricsCollector) RecordValueContext(
	ctx context.Context,
	metric string,
	value float64,
	labels map[string]string,
) {
	h := c.histogram(metric, labels, DefaultValueBuckets)
	if h == nil {
		return
	}

	c.observe(ctx, h.vec.WithLabelValues(valuesFor(h.labelNames, labels)...), value)
}

func (c *ContextualMetricsCollector) observe(ctx context.Context, observer prometheus.Observer, value float64) {
	if exemplar := c.exemplar(ctx); exemplar != nil {
		if eo, ok := observer.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(value, exemplar)
			return
		}
	}

	observer.Observe(value)
}

func (c *ContextualMetricsCollector) exemplar(ctx context.Context) prometheus.Labels {
	if c.traceID == nil {
		return nil
	}

	if id := c.traceID(ctx); id != "" {
		return prometheus.Labels{"trace_id": id}
	}

	return nil
}

var (
	_ eventstore.MetricsCollector           = (*MetricsCollector)(nil)
	_ eventstore.ContextualMetricsCollector = (*ContextualMetricsCollector)(nil)
)
