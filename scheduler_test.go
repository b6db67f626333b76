package cttso_pieriandx_gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	passes int32
}

func (c *countingRunner) Run(context.Context, bool) (*BatchReport, error) {
	atomic.AddInt32(&c.passes, 1)
	return NewBatchReport(time.Now(), false), nil
}

func TestScheduler(t *testing.T) {
	t.Run("RejectsNonPositiveInterval", func(t *testing.T) {
		assert.Error(t, NewScheduler(&countingRunner{}, nil).Start(context.Background(), 0, time.Minute))
	})

	t.Run("RunsPassesAndRefreshesToken", func(t *testing.T) {
		runner := &countingRunner{}
		tokens := &fakeTokens{token: "initial"}
		sc := NewScheduler(runner, tokens)
		require.NoError(t, sc.Start(context.Background(), time.Hour, 20*time.Millisecond))
		defer sc.Stop()

		require.Eventually(t, func() bool { return atomic.LoadInt32(&runner.passes) == 1 }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return atomic.LoadInt32(&tokens.refreshes) >= 1 }, 2*time.Second, 5*time.Millisecond)
	})
}
