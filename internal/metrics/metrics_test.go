package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_CountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveTransition("MATURATION", OutcomeApplied, 10*time.Millisecond)
	r.ObserveTransition("MATURATION", OutcomeApplied, 5*time.Millisecond)
	r.ObserveTransition("PIP", OutcomeRejected, time.Millisecond)
	r.ObserveDecision("READ", "PERMIT", "none")
	r.ObserveRuleRefresh("interval", nil, 7, 3)
	r.ObserveRuleRefresh("interval", errors.New("db down"), 0, 0)
	r.ObserveNotification(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("MATURATION", OutcomeApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("PIP", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.accessDecisions.WithLabelValues("READ", "PERMIT", "none")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.ruleSnapshot.WithLabelValues("version")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.ruleSnapshot.WithLabelValues("rules")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ruleRefreshes.WithLabelValues("interval", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifications.WithLabelValues("ok")))
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveTransition("PIP", OutcomeApplied, time.Second)
		r.ObserveDecision("READ", "DENY", "exact")
		r.ObserveRuleRefresh("write", nil, 1, 1)
		r.SetStepCatalog(1, 1)
		r.ObserveNotification(nil)
	})
}
