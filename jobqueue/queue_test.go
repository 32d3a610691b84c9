package jobqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/benediktbwimmer/apphub-sub012/jobqueue"
)

func TestInlineRunsOnCaller(t *testing.T) {
	var ran []string
	queue := jobqueue.New(zaptest.NewLogger(t), jobqueue.Config{Name: "test", Inline: true},
		func(ctx context.Context, job jobqueue.Job) error {
			ran = append(ran, string(job.Payload))
			return nil
		})

	require.NoError(t, queue.Enqueue(context.Background(), []byte("a")))
	require.NoError(t, queue.Enqueue(context.Background(), []byte("b")))
	require.Equal(t, []string{"a", "b"}, ran)

	depths := queue.Depths()
	require.Equal(t, int64(2), depths.Completed)
}

func TestCoalescingWhileQueued(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var mu sync.Mutex
	var ran int
	release := make(chan struct{})

	queue := jobqueue.New(zaptest.NewLogger(t), jobqueue.Config{Name: "test", Concurrency: 1},
		func(ctx context.Context, job jobqueue.Job) error {
			<-release
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})

	// Three enqueues with the same id while nothing is consumed: one job.
	require.NoError(t, queue.Enqueue(ctx, nil, jobqueue.WithJobID("reconcile:1:a")))
	require.NoError(t, queue.Enqueue(ctx, nil, jobqueue.WithJobID("reconcile:1:a")))
	require.NoError(t, queue.Enqueue(ctx, nil, jobqueue.WithJobID("reconcile:1:a")))
	require.Equal(t, int64(1), queue.Depths().Waiting)

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error { return queue.Run(runCtx) })

	close(release)
	require.Eventually(t, func() bool {
		return queue.Depths().Completed == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, 1, ran)
	mu.Unlock()

	cancel()
}

func TestFailureCountsAndContinues(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := jobqueue.New(zaptest.NewLogger(t), jobqueue.Config{Name: "test", Inline: true},
		func(ctx context.Context, job jobqueue.Job) error {
			if string(job.Payload) == "bad" {
				return jobqueue.Error.New("boom")
			}
			return nil
		})

	require.Error(t, queue.Enqueue(ctx, []byte("bad")))
	require.NoError(t, queue.Enqueue(ctx, []byte("good")))

	depths := queue.Depths()
	require.Equal(t, int64(1), depths.Failed)
	require.Equal(t, int64(1), depths.Completed)
}

func TestEnqueueAfterClose(t *testing.T) {
	queue := jobqueue.New(zaptest.NewLogger(t), jobqueue.Config{Name: "test"},
		func(ctx context.Context, job jobqueue.Job) error { return nil })
	require.NoError(t, queue.Close())

	err := queue.Enqueue(context.Background(), nil)
	require.True(t, jobqueue.ErrClosed.Has(err))
}

func TestPauseResume(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := jobqueue.New(zaptest.NewLogger(t), jobqueue.Config{Name: "test"},
		func(ctx context.Context, job jobqueue.Job) error { return nil })

	queue.Pause()
	require.NoError(t, queue.Enqueue(ctx, nil))
	require.Equal(t, int64(1), queue.Depths().Paused)

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error { return queue.Run(runCtx) })

	queue.Resume()
	require.Eventually(t, func() bool {
		return queue.Depths().Completed == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
}
