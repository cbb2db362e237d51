// Package metrics holds the Prometheus instruments of the workflow service.
// Every method is safe on a nil *Recorder so components can run without
// metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workflow"

// Transition outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeDenied   = "denied"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Recorder records workflow and access-control metrics.
type Recorder struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	accessDecisions    *prometheus.CounterVec
	ruleRefreshes      *prometheus.CounterVec
	ruleSnapshot       *prometheus.GaugeVec
	stepCatalog        *prometheus.GaugeVec
	notifications      *prometheus.CounterVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Transition requests by module and outcome.",
		}, []string{"module", "outcome"}),
		transitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Latency of transition execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
		accessDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "abac",
			Name:      "decisions_total",
			Help:      "Access decisions by action, decision and match kind.",
		}, []string{"action", "decision", "match"}),
		ruleRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "abac",
			Name:      "refreshes_total",
			Help:      "Rule snapshot rebuilds by trigger and result.",
		}, []string{"trigger", "result"}),
		ruleSnapshot: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "abac",
			Name:      "snapshot",
			Help:      "Current rule snapshot version and rule count.",
		}, []string{"field"}),
		stepCatalog: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "catalog",
			Help:      "Current step catalog version and step count.",
		}, []string{"field"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification publishes by result.",
		}, []string{"result"}),
	}
}

func (r *Recorder) ObserveTransition(module, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(module, outcome).Inc()
	r.transitionDuration.WithLabelValues(module).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveDecision(action, decision, match string) {
	if r == nil {
		return
	}
	r.accessDecisions.WithLabelValues(action, decision, match).Inc()
}

func (r *Recorder) ObserveRuleRefresh(trigger string, err error, version uint64, rules int) {
	if r == nil {
		return
	}
	if err != nil {
		r.ruleRefreshes.WithLabelValues(trigger, "error").Inc()
		return
	}
	r.ruleRefreshes.WithLabelValues(trigger, "ok").Inc()
	r.ruleSnapshot.WithLabelValues("version").Set(float64(version))
	r.ruleSnapshot.WithLabelValues("rules").Set(float64(rules))
}

func (r *Recorder) SetStepCatalog(version uint64, steps int) {
	if r == nil {
		return
	}
	r.stepCatalog.WithLabelValues("version").Set(float64(version))
	r.stepCatalog.WithLabelValues("steps").Set(float64(steps))
}

func (r *Recorder) ObserveNotification(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.notifications.WithLabelValues("error").Inc()
		return
	}
	r.notifications.WithLabelValues("ok").Inc()
}
