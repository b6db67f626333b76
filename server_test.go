package cttso_pieriandx_gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	report  *BatchReport
	err     error
	dryRuns []bool
}

func (s *stubRunner) Run(_ context.Context, dryRun bool) (*BatchReport, error) {
	s.dryRuns = append(s.dryRuns, dryRun)
	return s.report, s.err
}

func serve(t *testing.T, server *OpsServer, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestOpsServer(t *testing.T) {
	ledger := NewMemoryLedger(
		SubmissionState{Key: keyA, Lifecycle: LifecycleCompleted, VendorCaseID: "11"},
		SubmissionState{Key: keyB, Lifecycle: LifecyclePending},
	)
	require.NoError(t, ledger.Retire(context.Background(), SubmissionState{Key: keyC, Lifecycle: LifecycleDeleted, IsDeleted: true}))

	t.Run("Healthz", func(t *testing.T) {
		rec := serve(t, NewOpsServer(ledger, &stubRunner{}), http.MethodGet, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		recordLifecycles([]SubmissionState{{Key: keyA, Lifecycle: LifecycleCompleted}})
		rec := serve(t, NewOpsServer(ledger, &stubRunner{}), http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `cttso_samples{lifecycle="completed"} 1`)
	})

	t.Run("Samples", func(t *testing.T) {
		rec := serve(t, NewOpsServer(ledger, &stubRunner{}), http.MethodGet, "/samples")
		require.Equal(t, http.StatusOK, rec.Code)
		var states []SubmissionState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
		assert.Len(t, states, 2)
	})

	t.Run("SamplesByLifecycle", func(t *testing.T) {
		rec := serve(t, NewOpsServer(ledger, &stubRunner{}), http.MethodGet, "/samples?lifecycle=pending")
		require.Equal(t, http.StatusOK, rec.Code)
		var states []SubmissionState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
		require.Len(t, states, 1)
		assert.Equal(t, keyB, states[0].Key)
	})

	t.Run("Retired", func(t *testing.T) {
		rec := serve(t, NewOpsServer(ledger, &stubRunner{}), http.MethodGet, "/samples/retired")
		require.Equal(t, http.StatusOK, rec.Code)
		var states []SubmissionState
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
		require.Len(t, states, 1)
		assert.Equal(t, keyC, states[0].Key)
	})

	t.Run("ReconcileDryRun", func(t *testing.T) {
		runner := &stubRunner{report: NewBatchReport(fixtureTime, true)}
		rec := serve(t, NewOpsServer(ledger, runner), http.MethodPost, "/reconcile?dryrun=true")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []bool{true}, runner.dryRuns)

		var report BatchReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, runner.report.PassID, report.PassID)
	})

	t.Run("ReconcileWithFailures", func(t *testing.T) {
		report := NewBatchReport(fixtureTime, false)
		report.addFailure(keyA, keyA.AccessionNumber(), &ResolutionError{Key: keyA, Err: ErrRunNotFound})
		runner := &stubRunner{report: report}
		rec := serve(t, NewOpsServer(ledger, runner), http.MethodPost, "/reconcile")
		assert.Equal(t, http.StatusMultiStatus, rec.Code)
		assert.Equal(t, []bool{false}, runner.dryRuns)
	})

	t.Run("ReconcileCannotStart", func(t *testing.T) {
		rec := serve(t, NewOpsServer(ledger, &stubRunner{err: errors.New("portal unreachable")}), http.MethodPost, "/reconcile")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}
