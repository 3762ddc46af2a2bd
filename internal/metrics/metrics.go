package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic-maximizer/maximizer/internal/domain"
	"github.com/elastic-maximizer/maximizer/internal/scheduler"
)

const (
	namespace = "maximizer"

	LabelPolicy = "policy"
	LabelDevice = "device"
)

// Recorder publishes scheduler outcomes as Prometheus metrics. Every series
// carries the policy and the device it was computed for.
type Recorder struct {
	device string

	computeOccupancy *prometheus.GaugeVec
	storageOccupancy *prometheus.GaugeVec
	queues           *prometheus.GaugeVec
	nonSchedulable   *prometheus.GaugeVec
	kernels          *prometheus.GaugeVec
	runSeconds       *prometheus.HistogramVec
	runsTotal        *prometheus.CounterVec
}

// NewRecorder creates the metric vectors and registers them with registry
func NewRecorder(registry prometheus.Registerer, device string) (*Recorder, error) {
	labels := []string{LabelPolicy, LabelDevice}

	r := &Recorder{
		device: device,
		computeOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compute_occupancy_ratio",
			Help:      "Average per-SM compute occupancy of the admitted kernels",
		}, labels),
		storageOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_occupancy_ratio",
			Help:      "Average fraction of device memory held by the admitted kernels",
		}, labels),
		queues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queues",
			Help:      "Number of execution queues formed by the policy",
		}, labels),
		nonSchedulable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "non_schedulable_kernels",
			Help:      "Kernels the policy could not admit",
		}, labels),
		kernels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernels",
			Help:      "Kernels registered for the last evaluation",
		}, labels),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_makespan_seconds",
			Help:      "Makespan of dispatched schedules",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, labels),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of dispatched schedules",
		}, labels),
	}

	collectors := map[string]prometheus.Collector{
		"computeOccupancy": r.computeOccupancy,
		"storageOccupancy": r.storageOccupancy,
		"queues":           r.queues,
		"nonSchedulable":   r.nonSchedulable,
		"kernels":          r.kernels,
		"runSeconds":       r.runSeconds,
		"runsTotal":        r.runsTotal,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return r, nil
}

func (r *Recorder) labels(policy string) prometheus.Labels {
	return prometheus.Labels{LabelPolicy: policy, LabelDevice: r.device}
}

// RecordUtilization sets the gauges for one evaluated policy
func (r *Recorder) RecordUtilization(policy string, u domain.Utilization) {
	l := r.labels(policy)
	r.computeOccupancy.With(l).Set(u.AverageComputeOccupancy)
	r.storageOccupancy.With(l).Set(u.AverageStorageOccupancy)
	r.queues.With(l).Set(float64(u.Queues))
	r.nonSchedulable.With(l).Set(float64(u.NonSchedulable))
	r.kernels.With(l).Set(float64(u.Kernels))
}

// RecordRun observes the makespan of one dispatched schedule
func (r *Recorder) RecordRun(policy string, score time.Duration) {
	l := r.labels(policy)
	r.runSeconds.With(l).Observe(score.Seconds())
	r.runsTotal.With(l).Inc()
}

var _ scheduler.Recorder = (*Recorder)(nil)
