package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveReconcile(t *testing.T) {
	before := testutil.ToFloat64(ReconcileOutcomes.WithLabelValues("notify", "succeeded"))
	ObserveReconcile("notify", "succeeded")
	after := testutil.ToFloat64(ReconcileOutcomes.WithLabelValues("notify", "succeeded"))
	assert.Equal(t, before+1, after)
}

func TestObserveRenewal(t *testing.T) {
	before := testutil.ToFloat64(RenewalAttempts.WithLabelValues("exhausted"))
	ObserveRenewal("exhausted")
	assert.Equal(t, before+1, testutil.ToFloat64(RenewalAttempts.WithLabelValues("exhausted")))
}
