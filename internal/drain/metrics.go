package drain

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	invocations  *prometheus.CounterVec
	tasksStopped prometheus.Counter
	completions  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drainkeeper",
			Name:      "invocations_total",
			Help:      "Drain invocations handled, by outcome.",
		}, []string{"outcome"}),
		tasksStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drainkeeper",
			Name:      "node_tasks_stopped_total",
			Help:      "Node-pinned tasks stopped while draining.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drainkeeper",
			Name:      "lifecycle_completions_total",
			Help:      "Lifecycle actions completed, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.invocations, m.tasksStopped, m.completions)
	return m
}
