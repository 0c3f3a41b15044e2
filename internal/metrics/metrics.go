// Package metrics wires github.com/prometheus/client_golang counters
// into the dispatcher and worker packages, per SPEC_FULL.md's DOMAIN
// STACK table. Grounded on mattcburns-shoal-provision's direct use of
// client_golang for its own provisioning counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Dispatch implements dispatch.Metrics, counting every command
// processed by a node's Dispatcher.
type Dispatch struct {
	commandsTotal *prometheus.CounterVec
}

// NewDispatch registers dispatch_commands_total{command,result} on reg.
func NewDispatch(reg prometheus.Registerer) *Dispatch {
	d := &Dispatch{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_commands_total",
			Help: "Commands processed by a node's dispatcher, by command name and result.",
		}, []string{"command", "result"}),
	}
	reg.MustRegister(d.commandsTotal)
	return d
}

func (d *Dispatch) IncCommand(command, result string) {
	d.commandsTotal.WithLabelValues(command, result).Inc()
}

// Worker counts job outcomes observed by a worker's subprocess supervisor.
type Worker struct {
	jobsTotal *prometheus.CounterVec
}

// NewWorker registers worker_jobs_total{status} on reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	w := &Worker{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Jobs a worker has finished running, by final status.",
		}, []string{"status"}),
	}
	reg.MustRegister(w.jobsTotal)
	return w
}

func (w *Worker) IncJob(status string) {
	w.jobsTotal.WithLabelValues(status).Inc()
}
