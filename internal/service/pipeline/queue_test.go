package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeflow/internal/domain"
)

type processorFunc func(ctx context.Context, req domain.ProcessRequest) (domain.ProcessResult, error)

func (f processorFunc) Process(ctx context.Context, req domain.ProcessRequest) (domain.ProcessResult, error) {
	return f(ctx, req)
}

// recordingProcessor collects the requests it was asked to process.
type recordingProcessor struct {
	mu   sync.Mutex
	reqs []domain.ProcessRequest
}

func (p *recordingProcessor) Process(_ context.Context, req domain.ProcessRequest) (domain.ProcessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return domain.ProcessResult{Processed: true}, nil
}

func (p *recordingProcessor) requests() []domain.ProcessRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProcessRequest(nil), p.reqs...)
}

// runQueue starts q and returns a func that stops it and returns Run's error.
func runQueue(t *testing.T, q *WorkQueue) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			err = <-done
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestWorkQueue_Dedupe(t *testing.T) {
	q := NewWorkQueue(discardLogger(), QueueOptions{Workers: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 1, TriggerJobIDs: []int64{5}}))
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 2}))
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 1, TriggerJobIDs: []int64{6, 5}, Initial: true}))
	assert.Equal(t, 2, q.Len())

	p := &recordingProcessor{}
	q.SetProcessor(p)
	stop := runQueue(t, q)

	require.Eventually(t, func() bool { return len(p.requests()) == 2 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []domain.ProcessRequest{
		{PipelineID: 1, TriggerJobIDs: []int64{5, 6}, Initial: true},
		{PipelineID: 2},
	}, p.requests())
	assert.Equal(t, 0, q.Len())
}

func TestWorkQueue_RequeueAfterPickup(t *testing.T) {
	q := NewWorkQueue(discardLogger(), QueueOptions{Workers: 2})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	q.SetProcessor(processorFunc(func(_ context.Context, _ domain.ProcessRequest) (domain.ProcessResult, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-release
		}
		return domain.ProcessResult{}, nil
	}))
	stop := runQueue(t, q)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 1}))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)

	// The first pass is in flight, so a new request is queued again.
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 1}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, stop())
}

func TestWorkQueue_RecoversPanics(t *testing.T) {
	q := NewWorkQueue(discardLogger(), QueueOptions{Workers: 1})
	p := &recordingProcessor{}
	q.SetProcessor(processorFunc(func(ctx context.Context, req domain.ProcessRequest) (domain.ProcessResult, error) {
		if req.PipelineID == 1 {
			panic("boom")
		}
		return p.Process(ctx, req)
	}))
	stop := runQueue(t, q)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 1}))
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 2}))

	require.Eventually(t, func() bool { return len(p.requests()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, int64(2), p.requests()[0].PipelineID)
}

func TestWorkQueue_BoundedWorkers(t *testing.T) {
	q := NewWorkQueue(discardLogger(), QueueOptions{Workers: 2})
	var mu sync.Mutex
	inFlight, maxInFlight, done := 0, 0, 0
	q.SetProcessor(processorFunc(func(_ context.Context, _ domain.ProcessRequest) (domain.ProcessResult, error) {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		done++
		mu.Unlock()
		return domain.ProcessResult{}, nil
	}))
	stop := runQueue(t, q)

	for id := range int64(10) {
		require.NoError(t, q.Enqueue(context.Background(), domain.ProcessRequest{PipelineID: id + 1}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 10
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, stop())

	assert.LessOrEqual(t, maxInFlight, 2)
}

func TestWorkQueue_Errors(t *testing.T) {
	q := NewWorkQueue(discardLogger(), QueueOptions{})

	err := q.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no processor")

	var verr *domain.ValidationError
	require.ErrorAs(t, q.Enqueue(context.Background(), domain.ProcessRequest{}), &verr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 1}), context.Canceled)
	assert.Equal(t, 0, q.Len())
}

func TestWorkQueue_StopLeavesQueuedRequests(t *testing.T) {
	q := NewWorkQueue(discardLogger(), QueueOptions{Workers: 1, Rate: 0.001, Burst: 1})
	p := &recordingProcessor{}
	q.SetProcessor(p)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 1}))
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 2}))
	require.NoError(t, q.Enqueue(ctx, domain.ProcessRequest{PipelineID: 3}))

	stop := runQueue(t, q)
	require.Eventually(t, func() bool { return len(p.requests()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	// The limiter held the second request back until shutdown; the third
	// is still queued for the sweeper.
	assert.Len(t, p.requests(), 1)
	assert.Equal(t, 1, q.Len())
}
