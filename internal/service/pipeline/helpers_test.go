package pipeline

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"pipeflow/internal/domain"
	"pipeflow/internal/testutil"
)

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func stage(name string, jobs ...domain.CreateJobRequest) domain.CreateStageRequest {
	return domain.CreateStageRequest{Name: name, Jobs: jobs}
}

func job(name string) domain.CreateJobRequest {
	return domain.CreateJobRequest{Name: name}
}

func dagJob(name string, needs ...string) domain.CreateJobRequest {
	if needs == nil {
		needs = []string{}
	}
	return domain.CreateJobRequest{Name: name, Needs: needs}
}

// threeStagePipeline is build, test and deploy with one job each.
func threeStagePipeline() domain.CreatePipelineRequest {
	return domain.CreatePipelineRequest{
		Name:      "main",
		CreatedBy: "alice",
		Stages: []domain.CreateStageRequest{
			stage("build", job("compile")),
			stage("test", job("unit")),
			stage("deploy", job("ship")),
		},
	}
}

// fanOutPipeline is A with no needs, and B and C needing A.
func fanOutPipeline() domain.CreatePipelineRequest {
	return domain.CreatePipelineRequest{
		Name:      "dag",
		CreatedBy: "alice",
		Stages: []domain.CreateStageRequest{
			stage("build", dagJob("A")),
			stage("test", dagJob("C", "A"), dagJob("B", "A")),
		},
	}
}

type harness struct {
	store      *testutil.MemoryStore
	lease      *testutil.RecordingLease
	queue      *testutil.RecordingQueue
	dispatcher *testutil.RecordingDispatcher
}

func newHarness() *harness {
	return &harness{
		store:      testutil.NewMemoryStore(),
		lease:      testutil.NewRecordingLease(),
		queue:      &testutil.RecordingQueue{},
		dispatcher: &testutil.RecordingDispatcher{},
	}
}

func (h *harness) atomic(opts EngineOptions) *AtomicEngine {
	opts.RetryInterval = 0
	return NewAtomicEngine(h.store, h.lease, h.queue, h.dispatcher, discardLogger(), opts)
}

func (h *harness) legacy(opts EngineOptions) *LegacyEngine {
	opts.RetryInterval = 0
	return NewLegacyEngine(h.store, h.queue, h.dispatcher, discardLogger(), opts)
}

func mustProcess(t *testing.T, p domain.Processor, req domain.ProcessRequest) domain.ProcessResult {
	t.Helper()
	res, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	return res
}

// converge runs passes until nothing changes, as the work queue would.
func converge(t *testing.T, p domain.Processor, req domain.ProcessRequest) {
	t.Helper()
	for range 20 {
		res := mustProcess(t, p, req)
		req.Initial = false
		req.TriggerJobIDs = nil
		if !res.Changed && !res.Requeued {
			return
		}
	}
	t.Fatal("pipeline did not converge")
}

// drain runs req and every follow-up request the engine enqueued.
func (h *harness) drain(t *testing.T, p domain.Processor, req domain.ProcessRequest) {
	t.Helper()
	pending := []domain.ProcessRequest{req}
	for range 20 {
		if len(pending) == 0 {
			return
		}
		for _, r := range pending {
			mustProcess(t, p, r)
		}
		pending = h.queue.Drain()
	}
	t.Fatal("pipeline did not converge")
}
