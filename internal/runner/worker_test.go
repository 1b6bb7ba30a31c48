package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx-local-starter-sub006/pkg/schema"
)

func TestWorkerPool_ConcurrencyBound(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var mu sync.Mutex
	active, peak := 0, 0

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("handler bug")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
}

func TestWorker_DrivesRunToCompletion(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(f.queue, f.runner, 4, nil)
	worker.Start(ctx)

	run := f.submit(t, &schema.RunDefinition{
		Goal: "pipeline",
		Steps: []schema.StepDefinition{
			{Name: "fetch", Tool: "test:echo", Inputs: map[string]any{"v": 1}},
			{Name: "transform", Tool: "test:echo", Inputs: map[string]any{
				"_dependsOn": []any{"fetch"},
			}},
			{Name: "load", Tool: "test:echo", Inputs: map[string]any{
				"_dependsOn": []any{"transform"},
			}},
		},
	})

	require.Eventually(t, func() bool {
		r, err := f.store.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == schema.RunStatusSucceeded
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	worker.Stop()
}
