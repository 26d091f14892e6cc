// Package telemetry exports early stopping progress as Prometheus metrics.
package telemetry

import (
	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region collector
// Collector mirrors monitor steps into gauges and counters. It implements
// monitor.Observer.
type Collector struct {
	steps      *prometheus.CounterVec
	stallCount prometheus.Gauge
	bestEpoch  prometheus.Gauge
	shouldStop prometheus.Gauge
	bestScore  *prometheus.GaugeVec
}

// NewCollector registers the run's metrics on reg. runID is attached as a
// constant label.
func NewCollector(reg prometheus.Registerer, runID string) *Collector {
	f := promauto.With(reg)
	labels := prometheus.Labels{"run_id": runID}
	return &Collector{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "earlystop_steps_total",
			Help:        "Evaluated epochs by action",
			ConstLabels: labels,
		}, []string{"action"}),
		stallCount: f.NewGauge(prometheus.GaugeOpts{
			Name:        "earlystop_stall_count",
			Help:        "Consecutive epochs without improvement",
			ConstLabels: labels,
		}),
		bestEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name:        "earlystop_best_epoch",
			Help:        "Epoch of the current best checkpoint",
			ConstLabels: labels,
		}),
		shouldStop: f.NewGauge(prometheus.GaugeOpts{
			Name:        "earlystop_should_stop",
			Help:        "1 once the run has been told to stop",
			ConstLabels: labels,
		}),
		bestScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "earlystop_best_score",
			Help:        "Best value recorded per metric",
			ConstLabels: labels,
		}, []string{"metric"}),
	}
}

// ObserveStep implements monitor.Observer.
func (c *Collector) ObserveStep(step monitor.Step) {
	c.steps.WithLabelValues(string(step.Action)).Inc()
	c.stallCount.Set(float64(step.StallCount))
	c.bestEpoch.Set(float64(step.BestEpoch))
	if step.ShouldStop {
		c.shouldStop.Set(1)
	}
	for _, s := range step.Best {
		c.bestScore.WithLabelValues(s.Name).Set(s.Value)
	}
}

// #endregion collector

// #region server-metrics
// ServerMetrics counts checkpoints received by a checkpoint server.
type ServerMetrics struct {
	received *prometheus.CounterVec
}

// NewServerMetrics registers server-side counters on reg.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	return &ServerMetrics{
		received: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "earlystop_checkpoints_received_total",
			Help: "Checkpoints received by result",
		}, []string{"result"}),
	}
}

type countingSink struct {
	sink    checkpoint.Sink
	metrics *ServerMetrics
}

// WrapSink returns a sink that counts every Put by outcome.
func (m *ServerMetrics) WrapSink(sink checkpoint.Sink) checkpoint.Sink {
	return &countingSink{sink: sink, metrics: m}
}

func (c *countingSink) Put(rec checkpoint.Record) error {
	if err := c.sink.Put(rec); err != nil {
		c.metrics.received.WithLabelValues("error").Inc()
		return err
	}
	c.metrics.received.WithLabelValues("ok").Inc()
	return nil
}

// #endregion server-metrics

// WriteTextfile dumps g in the text exposition format, for node_exporter's
// textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
