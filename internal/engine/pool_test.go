package engine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/CZERTAINLY/wizvms/internal/engine"
	"github.com/stretchr/testify/require"
)

func TestPoolFIFO(t *testing.T) {
	t.Parallel()
	p := engine.NewPool(1)

	var mx sync.Mutex
	var order []int
	var futures []*engine.Future
	for i := range 5 {
		f, err := p.Submit(func() engine.Outcome {
			mx.Lock()
			order = append(order, i)
			mx.Unlock()
			return engine.Done()
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	p.Stop()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
	for _, f := range futures {
		require.Equal(t, engine.Done(), f.Outcome())
	}
	require.Zero(t, p.Running())
	require.Zero(t, p.Queued())
}

func TestPoolSubmitAfterStop(t *testing.T) {
	t.Parallel()
	p := engine.NewPool(0)
	p.Stop()

	f, err := p.Submit(func() engine.Outcome { return engine.Done() })
	require.ErrorIs(t, err, engine.ErrPoolStopped)
	require.Nil(t, f)
}

func TestPoolCompletions(t *testing.T) {
	t.Parallel()
	p := engine.NewPool(2)
	t.Cleanup(p.Stop)

	f, err := p.Submit(func() engine.Outcome { return engine.Done() })
	require.NoError(t, err)

	<-f.Done()
	<-p.Completions()
}

func TestCanceler(t *testing.T) {
	t.Parallel()

	t.Run("cancel before bind", func(t *testing.T) {
		var c engine.Canceler
		c.Cancel()
		ctx, done := c.Bind(t.Context())
		defer done()
		require.ErrorIs(t, ctx.Err(), context.Canceled)
		require.True(t, c.Canceled())
	})

	t.Run("cancel after bind", func(t *testing.T) {
		var c engine.Canceler
		ctx, done := c.Bind(t.Context())
		defer done()
		require.NoError(t, ctx.Err())
		require.False(t, c.Canceled())

		c.Cancel()
		<-ctx.Done()
		require.True(t, c.Canceled())
	})

	t.Run("cancel after done", func(t *testing.T) {
		var c engine.Canceler
		_, done := c.Bind(t.Context())
		done()
		c.Cancel()
		c.Cancel()
		require.True(t, c.Canceled())
	})
}
