package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// Metrics are the supervisor's prometheus collectors.
type Metrics struct {
	Started    prometheus.Counter
	Finished   *prometheus.CounterVec
	Active     prometheus.Gauge
	StoreOpDur *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "expvisor",
			Name:      "experiments_started_total",
			Help:      "Experiments whose execution was launched.",
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expvisor",
			Name:      "experiments_finished_total",
			Help:      "Experiments that reached a terminal status.",
		}, []string{"status"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "expvisor",
			Name:      "supervision_loops_active",
			Help:      "Monitoring loops running in this process.",
		}),
		StoreOpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "expvisor",
			Name:      "store_operation_duration_seconds",
			Help:      "State store operation latency, lock wait included.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Started, m.Finished, m.Active, m.StoreOpDur)
	}
	return m
}

// InstrumentStore wraps store so every operation is timed.
func InstrumentStore(store experiment.Store, m *Metrics) experiment.Store {
	if m == nil {
		return store
	}
	return &instrumentedStore{Store: store, m: m}
}

type instrumentedStore struct {
	experiment.Store
	m *Metrics
}

var errWatchUnsupported = errors.New("store does not support watch")

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.m.StoreOpDur.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) Put(ctx context.Context, id string, p experiment.Patch) (*experiment.Record, error) {
	start := time.Now()
	rec, err := s.Store.Put(ctx, id, p)
	s.observe("put", start, err)
	return rec, err
}

func (s *instrumentedStore) Get(ctx context.Context, id string) (*experiment.Record, error) {
	start := time.Now()
	rec, err := s.Store.Get(ctx, id)
	s.observe("get", start, err)
	return rec, err
}

func (s *instrumentedStore) List(ctx context.Context, f experiment.ListFilter) ([]experiment.Record, error) {
	start := time.Now()
	recs, err := s.Store.List(ctx, f)
	s.observe("list", start, err)
	return recs, err
}

func (s *instrumentedStore) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Delete(ctx, id)
	s.observe("delete", start, err)
	return ok, err
}

func (s *instrumentedStore) Watch(ctx context.Context, id string) (<-chan struct{}, error) {
	w, ok := s.Store.(experiment.Watcher)
	if !ok {
		return nil, errWatchUnsupported
	}
	return w.Watch(ctx, id)
}

func (m *Metrics) started() {
	if m != nil {
		m.Started.Inc()
	}
}

func (m *Metrics) finished(status experiment.Status) {
	if m != nil {
		m.Finished.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) loopStarted() {
	if m != nil {
		m.Active.Inc()
	}
}

func (m *Metrics) loopEnded() {
	if m != nil {
		m.Active.Dec()
	}
}
