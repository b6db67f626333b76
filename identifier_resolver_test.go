package cttso_pieriandx_gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t0 := time.Date(2021, 10, 9, 0, 0, 0, 0, time.UTC)
	run := func(id, name string, status RunStatus, created time.Time) WorkflowRun {
		return WorkflowRun{ID: id, Name: name, Status: status, TimeCreated: created}
	}

	t.Run("LatestSucceededWins", func(t *testing.T) {
		runs := []WorkflowRun{
			run("wfr.1", "tso_ctdna__PRJ210001__L2100001__a", RunSucceeded, t0),
			run("wfr.2", "tso_ctdna__PRJ210001__L2100001__b", RunSucceeded, t0.Add(time.Hour)),
			run("wfr.3", "tso_ctdna__PRJ210001__L2100001__c", RunFailed, t0.Add(2*time.Hour)),
			run("wfr.4", "tso_ctdna__PRJ210002__L2100002__a", RunSucceeded, t0.Add(3*time.Hour)),
		}
		got, err := Resolve("PRJ210001", "L2100001", runs)
		require.NoError(t, err)
		assert.Equal(t, "wfr.2", got.ID)
	})

	t.Run("NoCandidates", func(t *testing.T) {
		runs := []WorkflowRun{run("wfr.1", "tso_ctdna__PRJ210001__L2100001", RunRunning, t0)}
		_, err := Resolve("PRJ210001", "L2100001", runs)
		var re *ResolutionError
		require.ErrorAs(t, err, &re)
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.Equal(t, SampleKey{"PRJ210001", "L2100001"}, re.Key)
	})

	t.Run("EqualTimestampsAreAmbiguous", func(t *testing.T) {
		runs := []WorkflowRun{
			run("wfr.1", "x__PRJ210001__L2100001", RunSucceeded, t0),
			run("wfr.2", "y__PRJ210001__L2100001", RunSucceeded, t0),
		}
		_, err := Resolve("PRJ210001", "L2100001", runs)
		var re *ResolutionError
		require.ErrorAs(t, err, &re)
		assert.ErrorIs(t, err, ErrAmbiguousMatch)
		assert.ElementsMatch(t, []string{"wfr.1", "wfr.2"}, re.Candidates)
	})

	t.Run("NameOnlyNeedsToContainKey", func(t *testing.T) {
		runs := []WorkflowRun{run("wfr.1", "umccr__automated__tso_ctdna_tumor_only__PRJ210001__L2100001__211008_A00130_0181_AHWC25DSX2", RunSucceeded, t0)}
		got, err := Resolve("PRJ210001", "L2100001", runs)
		require.NoError(t, err)
		assert.Equal(t, "wfr.1", got.ID)
	})
}
