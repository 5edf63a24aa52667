// Package metrics exposes the kernel's prometheus collectors. Every
// constructor takes an optional prometheus.Registerer: a nil registerer
// disables collection entirely, the same convention
// cmd/repo-updater/repos/sync_worker.go uses for
// SyncWorkerOptions.PrometheusRegisterer ("if non-nil, metrics will be
// collected").
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every gauge/counter/histogram the scheduler, timer,
// and sync packages report through.
type Collectors struct {
	ReadyListDepth      prometheus.Gauge
	SleepListDepth      prometheus.Gauge
	ContextSwitches     prometheus.Counter
	TimeSlicePreemptions prometheus.Counter
	DonationChainLength prometheus.Histogram
	MLFQSLoadAvg        prometheus.Gauge
	TicksIdle           prometheus.Counter
	TicksActive         prometheus.Counter
}

// New registers and returns a Collectors. If reg is nil, every field is a
// non-nil no-op-backed collector (prometheus's promauto-free construction
// below still produces usable collector values; callers simply never
// register them, so Collect/Observe calls are cheap local no-ops against
// an unregistered collector).
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ReadyListDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pintoscore",
			Subsystem: "scheduler",
			Name:      "ready_list_depth",
			Help:      "Number of threads currently on the ready list.",
		}),
		SleepListDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pintoscore",
			Subsystem: "timer",
			Name:      "sleep_list_depth",
			Help:      "Number of threads currently registered on the sleep list.",
		}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pintoscore",
			Subsystem: "scheduler",
			Name:      "context_switches_total",
			Help:      "Total number of thread context switches performed.",
		}),
		TimeSlicePreemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pintoscore",
			Subsystem: "scheduler",
			Name:      "time_slice_preemptions_total",
			Help:      "Total number of preemptions requested due to time-slice expiry.",
		}),
		DonationChainLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pintoscore",
			Subsystem: "ksync",
			Name:      "donation_chain_length",
			Help:      "Number of hops walked while applying nested priority donation.",
			Buckets:   prometheus.LinearBuckets(0, 1, 9), // 0..8, matching DONATION_DEPTH_MAX
		}),
		MLFQSLoadAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pintoscore",
			Subsystem: "mlfqs",
			Name:      "load_avg_x100",
			Help:      "Current system load average, scaled by 100 (matches thread_get_load_avg's reporting convention).",
		}),
		TicksIdle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pintoscore",
			Subsystem: "timer",
			Name:      "ticks_idle_total",
			Help:      "Ticks spent with the idle thread running.",
		}),
		TicksActive: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pintoscore",
			Subsystem: "timer",
			Name:      "ticks_active_total",
			Help:      "Ticks spent with a non-idle thread running.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.ReadyListDepth,
			c.SleepListDepth,
			c.ContextSwitches,
			c.TimeSlicePreemptions,
			c.DonationChainLength,
			c.MLFQSLoadAvg,
			c.TicksIdle,
			c.TicksActive,
		)
	}

	return c
}
