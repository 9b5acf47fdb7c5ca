package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm/proposals/pkg/admission"
	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func proposal(id string, p contracts.Priority) *contracts.Proposal {
	return contracts.MustProposal(contracts.ProposalSpec{ID: id, Type: "test", Priority: p})
}

func testConfig() Config {
	return Config{Workers: 2, MaxRetries: 2, IdleBackoff: time.Millisecond, ResultBuffer: 16, MaintenanceInterval: time.Millisecond}
}

func TestPoolRunsStagesAndExecutor(t *testing.T) {
	q := admission.New(8)
	tag := StageFunc("tag", func(_ context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
		return p.WithPayload(map[string]any{"tagged": true})
	})
	exec := contracts.ExecutorFunc(func(_ context.Context, p *contracts.Proposal) (*contracts.Result, error) {
		return &contracts.Result{Output: p.Payload["tagged"]}, nil
	})
	log := chain.New()
	pool := New(q, testConfig(), WithStages(tag), WithExecutor(exec), WithRecorder(log))

	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityHigh)))
	pool.Start(context.Background())
	defer pool.Stop(time.Second)

	select {
	case r := <-pool.Results():
		assert.Equal(t, "p1", r.Proposal.ID)
		assert.Equal(t, "p1", r.Output.ProposalID)
		assert.Equal(t, true, r.Output.Output)
		assert.False(t, r.Output.CompletedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no result")
	}
	assert.Equal(t, uint64(1), pool.Stats().Completed)
	ok, _ := log.Verify()
	assert.True(t, ok)
}

func TestPoolFilteredItemsProduceNoResult(t *testing.T) {
	q := admission.New(8)
	drop := StageFunc("drop", func(context.Context, *contracts.Proposal) (*contracts.Proposal, error) {
		return nil, nil
	})
	pool := New(q, testConfig(), WithStages(drop))
	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityNormal)))

	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.Stats().Filtered == 1 }, time.Second, time.Millisecond)
	require.True(t, pool.Stop(time.Second))

	assert.Empty(t, pool.Results())
	assert.Equal(t, uint64(0), pool.Stats().Failed)
}

func TestPoolRetriesAtLowerTierThenFails(t *testing.T) {
	q := admission.New(8)
	var seen []contracts.Priority
	var mu sync.Mutex
	boom := errors.New("boom")
	failing := StageFunc("flaky", func(context.Context, *contracts.Proposal) (*contracts.Proposal, error) {
		return nil, boom
	})
	pool := New(q, testConfig(), WithStages(failing))

	var failed atomic.Value
	pool.OnFailure(func(_ context.Context, e *admission.Entry, err error) {
		mu.Lock()
		seen = append(seen, e.Tier)
		mu.Unlock()
		failed.Store(err)
	})

	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityHigh)))
	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.Stats().Failed == 1 }, time.Second, time.Millisecond)
	pool.Stop(time.Second)

	s := pool.Stats()
	assert.Equal(t, uint64(2), s.Retried)
	assert.Equal(t, uint64(3), s.Processed)

	err, _ := failed.Load().(error)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrStageFailure)
	assert.ErrorIs(t, err, boom)
	var se *contracts.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "flaky", se.Stage)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []contracts.Priority{contracts.PriorityLow}, seen)
}

func TestPoolRetryResumesAtFailedStage(t *testing.T) {
	q := admission.New(8)
	var firstCalls, secondCalls atomic.Int32
	first := StageFunc("first", func(_ context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
		firstCalls.Add(1)
		return p, nil
	})
	second := StageFunc("second", func(_ context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
		if secondCalls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return p, nil
	})
	pool := New(q, testConfig(), WithStages(first, second))
	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityNormal)))

	pool.Start(context.Background())
	defer pool.Stop(time.Second)
	select {
	case r := <-pool.Results():
		assert.Equal(t, 1, r.Retries)
	case <-time.After(time.Second):
		t.Fatal("no result")
	}
	assert.Equal(t, int32(1), firstCalls.Load())
	assert.Equal(t, int32(2), secondCalls.Load())
}

func TestPoolExecutorNilResultIsFiltered(t *testing.T) {
	q := admission.New(8)
	exec := contracts.ExecutorFunc(func(context.Context, *contracts.Proposal) (*contracts.Result, error) {
		return nil, nil
	})
	pool := New(q, testConfig(), WithExecutor(exec))
	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityNormal)))
	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.Stats().Filtered == 1 }, time.Second, time.Millisecond)
	pool.Stop(time.Second)
}

func TestPoolCallbackFailuresDoNotStopWorkers(t *testing.T) {
	q := admission.New(8)
	pool := New(q, Config{Workers: 1, IdleBackoff: time.Millisecond})
	var calls atomic.Int32
	pool.OnResult(func(context.Context, Result) error {
		calls.Add(1)
		return errors.New("callback failed")
	})
	pool.OnResult(func(context.Context, Result) error {
		panic("callback panicked")
	})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Submit(proposal(id, contracts.PriorityNormal)))
	}
	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.Stats().Completed == 3 }, time.Second, time.Millisecond)
	require.True(t, pool.Stop(time.Second))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(6), pool.Stats().CallbackErrors)
}

func TestPoolRecoversStagePanics(t *testing.T) {
	q := admission.New(8)
	bad := StageFunc("bad", func(context.Context, *contracts.Proposal) (*contracts.Proposal, error) {
		panic("stage exploded")
	})
	pool := New(q, Config{Workers: 1, MaxRetries: 0, IdleBackoff: time.Millisecond}, WithStages(bad))
	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityNormal)))
	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.Stats().Failed == 1 }, time.Second, time.Millisecond)
	pool.Stop(time.Second)
}

func TestPoolResultSinkOverflow(t *testing.T) {
	q := admission.New(8)
	pool := New(q, Config{Workers: 1, ResultBuffer: 1, IdleBackoff: time.Millisecond})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Submit(proposal(id, contracts.PriorityNormal)))
	}
	pool.Start(context.Background())
	require.Eventually(t, func() bool { return pool.Stats().Completed == 3 }, time.Second, time.Millisecond)
	pool.Stop(time.Second)

	assert.Equal(t, uint64(2), pool.Stats().ResultsDropped)
	assert.Len(t, pool.Results(), 1)
}

func TestPoolMaintenanceRunsWhileIdle(t *testing.T) {
	q := admission.New(1)
	var ticks atomic.Int32
	pool := New(q, testConfig(), WithMaintenance(func(context.Context, time.Time) {
		ticks.Add(1)
	}))
	pool.Start(context.Background())
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	pool.Stop(time.Second)
}

func TestPoolStartStopIdempotent(t *testing.T) {
	pool := New(admission.New(1), testConfig())
	assert.True(t, pool.Stop(time.Second))

	pool.Start(context.Background())
	pool.Start(context.Background())
	assert.True(t, pool.Running())
	assert.Equal(t, uint64(1), pool.Stats().Starts)

	assert.True(t, pool.Stop(time.Second))
	assert.True(t, pool.Stop(time.Second))
	assert.False(t, pool.Running())
}

func TestPoolStopStartDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := admission.New(64)
	pool := New(q, testConfig())
	for cycle := 0; cycle < 5; cycle++ {
		pool.Start(context.Background())
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Submit(proposal("", contracts.PriorityNormal)))
		}
		require.True(t, pool.Stop(time.Second))
		assert.Equal(t, int64(0), pool.Stats().ActiveLoops)
	}
	assert.Equal(t, uint64(5), pool.Stats().Starts)
}

func TestPoolStopAbandonsBusyWorkers(t *testing.T) {
	q := admission.New(4)
	entered := make(chan struct{})
	block := StageFunc("block", func(ctx context.Context, p *contracts.Proposal) (*contracts.Proposal, error) {
		close(entered)
		<-ctx.Done()
		return p, nil
	})
	pool := New(q, Config{Workers: 1, IdleBackoff: time.Millisecond}, WithStages(block))
	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityNormal)))
	pool.Start(context.Background())
	<-entered

	assert.False(t, pool.Stop(20*time.Millisecond))
	assert.Equal(t, uint64(1), pool.Stats().Abandoned)

	// The abandoned loop exits once its context is cancelled.
	require.Eventually(t, func() bool { return pool.Stats().ActiveLoops == 0 }, time.Second, time.Millisecond)
}
