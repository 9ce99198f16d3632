package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilObservabilityIsNoOp(t *testing.T) {
	var o *Observability
	assert.NotPanics(t, func() {
		o.JobStarted(context.Background(), "apply-pass-event")()
		o.RecordJob(context.Background(), "apply-pass-event", "completed", time.Millisecond)
		assert.NoError(t, o.Shutdown(context.Background()))
	})
}

func TestObservability_RecordsJobs(t *testing.T) {
	o, err := New("entitlement-delivery-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	assert.NotPanics(t, func() {
		done := o.JobStarted(context.Background(), "purge-expired-tokens")
		o.RecordJob(context.Background(), "purge-expired-tokens", "completed", 12*time.Millisecond)
		done()
	})
}
