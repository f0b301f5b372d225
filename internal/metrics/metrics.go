// Package metrics exposes Prometheus instrumentation for the login flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FactorChecks counts credential checks submitted to the identity
	// service, by factor kind and outcome.
	FactorChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "login",
		Name:      "factor_checks_total",
		Help:      "Credential checks submitted to the identity service.",
	}, []string{"kind", "outcome"})

	// FlowDecisions counts next-step decisions by resulting step.
	FlowDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "login",
		Name:      "flow_decisions_total",
		Help:      "Flow decision outcomes by next step.",
	}, []string{"step"})

	// EmailsSent counts notification emails by template and outcome.
	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "login",
		Name:      "emails_sent_total",
		Help:      "Notification emails handed to the delivery provider.",
	}, []string{"template", "outcome"})

	// SessionsDropped counts cookie sessions dropped because the encoded
	// set exceeded the cookie budget.
	SessionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "login",
		Name:      "cookie_sessions_dropped_total",
		Help:      "Sessions evicted from the cookie because the set was over budget.",
	})
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// RecordFactorCheck records one credential check result.
func RecordFactorCheck(kind, outcome string) {
	FactorChecks.WithLabelValues(kind, outcome).Inc()
}

// RecordFlowDecision records one computed next step.
func RecordFlowDecision(step string) {
	FlowDecisions.WithLabelValues(step).Inc()
}

// RecordEmail records one email delivery attempt.
func RecordEmail(template, outcome string) {
	EmailsSent.WithLabelValues(template, outcome).Inc()
}
