package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts engine activity. One instance is registered per process.
type Metrics struct {
	Submissions *prometheus.CounterVec
	Decisions   *prometheus.CounterVec
	Terminal    *prometheus.CounterVec
}

// NewMetrics builds and registers the engine counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expenseflow",
			Subsystem: "engine",
			Name:      "expenses_submitted_total",
			Help:      "Expense submissions accepted, by outcome of chain construction.",
		}, []string{"outcome"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expenseflow",
			Subsystem: "engine",
			Name:      "expense_decisions_total",
			Help:      "Slot decisions applied, by verdict.",
		}, []string{"verdict"}),
		Terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expenseflow",
			Subsystem: "engine",
			Name:      "expenses_terminal_total",
			Help:      "Expenses reaching a terminal status, by status and trigger.",
		}, []string{"status", "trigger"}),
	}
	if reg != nil {
		reg.MustRegister(m.Submissions, m.Decisions, m.Terminal)
	}
	return m
}

func (m *Metrics) submission(outcome string) {
	if m != nil {
		m.Submissions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) decision(verdict string) {
	if m != nil {
		m.Decisions.WithLabelValues(verdict).Inc()
	}
}

func (m *Metrics) terminal(status, trigger string) {
	if m != nil {
		m.Terminal.WithLabelValues(status, trigger).Inc()
	}
}
