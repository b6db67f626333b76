package cttso_pieriandx_gateway

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const succeededEvent = `{"id": "wfr.1", "name": "umccr__automated__tso_ctdna_tumor_only__PRJ210001__L2100001", "status": "SUCCEEDED"}`

func TestWorkflowEventListener(t *testing.T) {
	ctx := context.Background()

	t.Run("QueuesOnePassForManyEvents", func(t *testing.T) {
		l := newWorkflowEventListener(nil, "", &stubRunner{})
		assert.True(t, l.handle(ctx, "workflows.state", []byte(succeededEvent)))
		assert.True(t, l.handle(ctx, "workflows.state", []byte(succeededEvent)))
		assert.Len(t, l.trigger, 1)
		assert.Equal(t, "wfr.1", <-l.trigger)
	})

	t.Run("SubjectFilter", func(t *testing.T) {
		l := newWorkflowEventListener(nil, "workflows.cttso", &stubRunner{})
		assert.False(t, l.handle(ctx, "workflows.other", []byte(succeededEvent)))
		assert.True(t, l.handle(ctx, "workflows.cttso", []byte(succeededEvent)))
	})

	t.Run("IgnoresIrrelevantEvents", func(t *testing.T) {
		l := newWorkflowEventListener(nil, "", &stubRunner{})
		assert.False(t, l.handle(ctx, "s", []byte(`{"id": "wfr.2", "name": "tso_ctdna_run", "status": "Running"}`)))
		assert.False(t, l.handle(ctx, "s", []byte(`{"id": "wfr.3", "name": "umccr__automated__wgs_alignment_qc", "status": "Succeeded"}`)))
		assert.False(t, l.handle(ctx, "s", []byte(`not json`)))
		assert.Empty(t, l.trigger)
	})

	t.Run("RunsQueuedPass", func(t *testing.T) {
		runner := &stubRunner{report: NewBatchReport(fixtureTime, false)}
		l := newWorkflowEventListener(nil, "", runner)
		require.True(t, l.handle(ctx, "s", []byte(succeededEvent)))

		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			l.loop(loopCtx)
			close(done)
		}()
		require.Eventually(t, func() bool { return len(l.trigger) == 0 }, time.Second, 5*time.Millisecond)
		cancel()
		<-done
		assert.Equal(t, []bool{false}, runner.dryRuns)
	})
}

func TestDecodeWorkflowEvent(t *testing.T) {
	t.Run("QuotedPayload", func(t *testing.T) {
		ev, err := decodeWorkflowEvent([]byte(strconv.Quote(succeededEvent)))
		require.NoError(t, err)
		assert.Equal(t, WorkflowEvent{ID: "wfr.1", Name: "umccr__automated__tso_ctdna_tumor_only__PRJ210001__L2100001", Status: RunSucceeded}, ev)
	})

	t.Run("MissingID", func(t *testing.T) {
		_, err := decodeWorkflowEvent([]byte(`{"name": "cttso", "status": "Succeeded"}`))
		assert.Error(t, err)
	})
}
