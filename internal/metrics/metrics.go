// ============================================================================
// Batch-Saga Metrics - Prometheus metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose coordinator and worker metrics for Prometheus
//
// Metric groups:
//
//   1. Counters:
//      - batchsaga_processes_started_total
//      - batchsaga_processes_completed_total
//      - batchsaga_batches_dispatched_total
//      - batchsaga_work_orders_dispatched_total
//      - batchsaga_work_orders_completed_total
//      - batchsaga_work_orders_failed_total
//      - batchsaga_events_discarded_total{reason}
//      - batchsaga_invariant_violations_total
//
//   2. Histogram:
//      - batchsaga_process_duration_seconds: start to WorkAllDone
//
//   3. Gauges:
//      - batchsaga_processes_active
//      - batchsaga_work_orders_in_flight
//      - batchsaga_recovery_time_seconds
//
// Example queries:
//
//   # work items completed per second
//   rate(batchsaga_work_orders_completed_total[1m])
//
//   # duplicate delivery rate
//   rate(batchsaga_events_discarded_total{reason="duplicate"}[5m])
//
// All methods are safe on a nil *Collector so components can run unmetered.
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batchsaga"

// Discard reasons used as the reason label of events_discarded_total.
const (
	ReasonDuplicate       = "duplicate"
	ReasonUnknownProcess  = "unknown_process"
	ReasonOutOfRange      = "out_of_range"
	ReasonNotDispatched   = "not_dispatched"
	ReasonAlreadyFinished = "already_finished"
	ReasonDuplicateStart  = "duplicate_start"
	ReasonNotCompleted    = "not_completed"
)

// Collector holds the Prometheus metrics of one node.
type Collector struct {
	processesStarted    prometheus.Counter
	processesCompleted  prometheus.Counter
	batchesDispatched   prometheus.Counter
	ordersDispatched    prometheus.Counter
	ordersCompleted     prometheus.Counter
	ordersFailed        prometheus.Counter
	eventsDiscarded     *prometheus.CounterVec
	invariantViolations prometheus.Counter

	processDuration prometheus.Histogram

	processesActive prometheus.Gauge
	ordersInFlight  prometheus.Gauge
	recoveryTime    prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		processesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_started_total",
			Help:      "Total number of processes started",
		}),
		processesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_completed_total",
			Help:      "Total number of processes that emitted WorkAllDone",
		}),
		batchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dispatched_total",
			Help:      "Total number of batches dispatched",
		}),
		ordersDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_orders_dispatched_total",
			Help:      "Total number of work orders sent to workers, including re-sends",
		}),
		ordersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_orders_completed_total",
			Help:      "Total number of distinct work items completed",
		}),
		ordersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_orders_failed_total",
			Help:      "Total number of work orders a worker gave up on",
		}),
		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Total number of inbound events discarded by the coordinator",
		}, []string{"reason"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Total number of transitions rejected because they would re-dispatch completed work",
		}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Time from StartProcessing to WorkAllDone",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		processesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_active",
			Help:      "Current number of started, unfinished processes",
		}),
		ordersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_orders_in_flight",
			Help:      "Current number of work orders handed to workers and not yet settled",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery",
		}),
	}

	reg.MustRegister(
		c.processesStarted,
		c.processesCompleted,
		c.batchesDispatched,
		c.ordersDispatched,
		c.ordersCompleted,
		c.ordersFailed,
		c.eventsDiscarded,
		c.invariantViolations,
		c.processDuration,
		c.processesActive,
		c.ordersInFlight,
		c.recoveryTime,
	)

	return c
}

// RecordProcessStarted counts a newly created process.
func (c *Collector) RecordProcessStarted() {
	if c == nil {
		return
	}
	c.processesStarted.Inc()
	c.processesActive.Inc()
}

// RecordProcessCompleted counts a process that reached Completed.
func (c *Collector) RecordProcessCompleted() {
	if c == nil {
		return
	}
	c.processesCompleted.Inc()
	c.processesActive.Dec()
}

// RecordProcessArchived observes the job duration at WorkAllDone.
func (c *Collector) RecordProcessArchived(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.processDuration.Observe(elapsed.Seconds())
}

// RecordBatch counts one dispatched batch of size n.
func (c *Collector) RecordBatch(n int) {
	if c == nil {
		return
	}
	c.batchesDispatched.Inc()
	c.ordersDispatched.Add(float64(n))
}

// RecordRedispatch counts work orders re-sent during recovery.
func (c *Collector) RecordRedispatch(n int) {
	if c == nil {
		return
	}
	c.ordersDispatched.Add(float64(n))
}

// RecordWorkOrderCompleted counts the first completion of a work item.
func (c *Collector) RecordWorkOrderCompleted() {
	if c == nil {
		return
	}
	c.ordersCompleted.Inc()
}

// RecordWorkOrderFailed counts a work order abandoned by a worker.
func (c *Collector) RecordWorkOrderFailed() {
	if c == nil {
		return
	}
	c.ordersFailed.Inc()
}

// RecordDiscarded counts an inbound event the coordinator ignored.
func (c *Collector) RecordDiscarded(reason string) {
	if c == nil {
		return
	}
	c.eventsDiscarded.WithLabelValues(reason).Inc()
}

// RecordInvariantViolation counts a rejected transition.
func (c *Collector) RecordInvariantViolation() {
	if c == nil {
		return
	}
	c.invariantViolations.Inc()
}

// SetInFlight sets the number of unsettled work orders.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.ordersInFlight.Set(float64(n))
}

// SetActiveProcesses resets the active gauge, used after recovery.
func (c *Collector) SetActiveProcesses(n int) {
	if c == nil {
		return
	}
	c.processesActive.Set(float64(n))
}

// SetRecoveryTime records how long startup recovery took.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// Handler returns the /metrics handler for g.
// A nil g uses prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until ctx is cancelled.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
