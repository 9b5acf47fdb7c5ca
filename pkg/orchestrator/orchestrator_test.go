package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mindburn-Labs/helm/proposals/pkg/approval"
	"github.com/Mindburn-Labs/helm/proposals/pkg/batch"
	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/config"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/firewall"
	"github.com/Mindburn-Labs/helm/proposals/pkg/lazy"
	"github.com/Mindburn-Labs/helm/proposals/pkg/pipeline"
	"github.com/Mindburn-Labs/helm/proposals/pkg/shard"
	"github.com/Mindburn-Labs/helm/proposals/pkg/speculative"
)

type countingExecutor struct {
	calls atomic.Int64
	delay time.Duration
}

func (c *countingExecutor) Execute(_ context.Context, p *contracts.Proposal) (*contracts.Result, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	return &contracts.Result{ProposalID: p.ID, Output: "ok:" + p.Type}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.IdleBackoff = time.Millisecond
	cfg.Pipeline.MaintenanceInterval = 2 * time.Millisecond
	cfg.Speculative.Enabled = false
	cfg.Throttle.Wait = time.Millisecond
	return cfg
}

func newOrchestrator(t *testing.T, cfg config.Config, opts Options) *Orchestrator {
	t.Helper()
	if opts.Executor == nil {
		opts.Executor = &countingExecutor{}
	}
	o, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(time.Second) })
	return o
}

func proposal(typ string, pr contracts.Priority, impact float64) *contracts.Proposal {
	return contracts.MustProposal(contracts.ProposalSpec{Type: typ, Priority: pr, Impact: impact})
}

func collect(t *testing.T, o *Orchestrator, n int) []pipeline.Result {
	t.Helper()
	var out []pipeline.Result
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case r := <-o.Results():
			out = append(out, r)
		case <-deadline:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func assertNoResult(t *testing.T, o *Orchestrator, wait time.Duration) {
	t.Helper()
	select {
	case r := <-o.Results():
		t.Fatalf("unexpected result for %s", r.Proposal.ID)
	case <-time.After(wait):
	}
}

func eventTypes(l *chain.Log) []string {
	var out []string
	for _, e := range l.Events() {
		out = append(out, e.Type)
	}
	return out
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New(testConfig(), Options{})
	assert.ErrorIs(t, err, contracts.ErrNoExecutorConfigured)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Lazy.Policy = "SOMETIMES"
	_, err := New(cfg, Options{Executor: &countingExecutor{}})
	assert.ErrorIs(t, err, contracts.ErrUnknownPolicy)

	cfg = testConfig()
	cfg.Version = "9.0.0"
	_, err = New(cfg, Options{Executor: &countingExecutor{}})
	assert.Error(t, err)
}

func TestSubmitProposal_EndToEnd(t *testing.T) {
	exec := &countingExecutor{}
	o := newOrchestrator(t, testConfig(), Options{Executor: exec})
	ctx := context.Background()

	var seen atomic.Int64
	o.OnResult(func(context.Context, pipeline.Result) error {
		seen.Add(1)
		return nil
	})
	o.Start(ctx)
	ids := map[string]bool{}
	for _, pr := range []contracts.Priority{contracts.PriorityLow, contracts.PriorityCritical, contracts.PriorityNormal} {
		p := proposal("deploy", pr, 0.1)
		rcpt, err := o.SubmitProposal(ctx, p)
		require.NoError(t, err)
		assert.Empty(t, rcpt.ApprovalRequestID)
		ids[p.ID] = true
	}

	for _, r := range collect(t, o, 3) {
		assert.True(t, ids[r.Proposal.ID])
		assert.Equal(t, "ok:deploy", r.Output.Output)
		assert.False(t, r.Output.Speculative)
	}
	assert.Equal(t, int64(3), exec.calls.Load())
	require.Eventually(t, func() bool { return seen.Load() == 3 }, time.Second, 5*time.Millisecond)

	snap := o.Stats()
	assert.Equal(t, uint64(3), snap.Pipeline.Completed)
	assert.True(t, snap.Chain.Verified)
	assert.Greater(t, snap.Chain.Length, 3)
	assert.Equal(t, uint64(3), snap.Shard.ShardsExecuted)
	assert.Equal(t, 0, snap.Shard.Allocated, "shard capacity released")

	_, err := json.Marshal(snap)
	require.NoError(t, err)
}

func TestSubmitProposal_ApprovalGate(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.AutoThreshold = 0.8
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()
	o.Start(ctx)

	p := proposal("deploy", contracts.PriorityNormal, 0.85)
	rcpt, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)
	require.NotEmpty(t, rcpt.ApprovalRequestID)

	require.Eventually(t, func() bool { return o.Stats().Pipeline.Filtered >= 1 }, 2*time.Second, 5*time.Millisecond)
	assertNoResult(t, o, 20*time.Millisecond)
	assert.Equal(t, 1, o.Stats().Held)

	req, err := o.Approve(ctx, rcpt.ApprovalRequestID, "alice", true, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, req.State, "SINGLE level approves on first vote")

	res := collect(t, o, 1)
	assert.Equal(t, p.ID, res[0].Proposal.ID)
	assert.Equal(t, 0, o.Stats().Held)
	assert.Contains(t, eventTypes(o.Chain()), "proposal.released")
}

func TestSubmitProposal_DualControl(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.AutoThreshold = 0.8
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()

	p := proposal("deploy", contracts.PriorityHigh, 0.92)
	rcpt, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)
	req, ok := o.Approval(rcpt.ApprovalRequestID)
	require.True(t, ok)
	assert.Equal(t, approval.LevelDual, req.Level)

	req, err = o.Approve(ctx, rcpt.ApprovalRequestID, "alice", true, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StateAwaitingSecond, req.State)

	_, err = o.Approve(ctx, rcpt.ApprovalRequestID, "alice", true, "")
	assert.ErrorIs(t, err, contracts.ErrDuplicateVote)

	req, err = o.Approve(ctx, rcpt.ApprovalRequestID, "bob", true, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, req.State)

	// approved before the gate saw it: the queued copy runs exactly once
	o.Start(ctx)
	res := collect(t, o, 1)
	assert.Equal(t, p.ID, res[0].Proposal.ID)
	assertNoResult(t, o, 30*time.Millisecond)
	assert.Equal(t, uint64(1), o.Stats().Pipeline.Completed)
}

func TestSubmitProposal_Rejected(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.AutoThreshold = 0.8
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()
	o.Start(ctx)

	p := proposal("deploy", contracts.PriorityNormal, 0.85)
	rcpt, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Stats().Held == 1 && o.Stats().Pipeline.Filtered >= 1 }, 2*time.Second, 5*time.Millisecond)

	req, err := o.Approve(ctx, rcpt.ApprovalRequestID, "alice", false, "too risky")
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, req.State)
	assert.Equal(t, 0, o.Stats().Held)
	assertNoResult(t, o, 30*time.Millisecond)
	assert.Contains(t, eventTypes(o.Chain()), "proposal.rejected")

	_, err = o.Approve(ctx, rcpt.ApprovalRequestID, "bob", true, "")
	assert.ErrorIs(t, err, approval.ErrRequestResolved)
}

func TestSubmitProposal_RejectedBeforeGate(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.AutoThreshold = 0.8
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()

	rcpt, err := o.SubmitProposal(ctx, proposal("deploy", contracts.PriorityNormal, 0.9))
	require.NoError(t, err)
	_, err = o.Approve(ctx, rcpt.ApprovalRequestID, "alice", false, "")
	require.NoError(t, err)

	o.Start(ctx)
	require.Eventually(t, func() bool { return o.Stats().Pipeline.Filtered == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, o.Stats().Held)
	assertNoResult(t, o, 20*time.Millisecond)
}

func TestSubmitProposal_ApprovalTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Approval.AutoThreshold = 0.8
	cfg.Approval.Timeout = 20 * time.Millisecond
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()
	o.Start(ctx)

	_, err := o.SubmitProposal(ctx, proposal("deploy", contracts.PriorityNormal, 0.85))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := o.Stats()
		return s.Approval.Expired == 1 && s.Held == 0
	}, 2*time.Second, 5*time.Millisecond)
	assertNoResult(t, o, 10*time.Millisecond)
}

func TestSubmitProposal_AdmissionFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Capacity = 1
	cfg.Approval.AutoThreshold = 0.8
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()

	_, err := o.SubmitProposal(ctx, proposal("deploy", contracts.PriorityNormal, 0.85))
	require.NoError(t, err)
	_, err = o.SubmitProposal(ctx, proposal("deploy", contracts.PriorityNormal, 0.85))
	require.ErrorIs(t, err, contracts.ErrAdmissionFull)

	// other tiers are unaffected
	_, err = o.SubmitProposal(ctx, proposal("deploy", contracts.PriorityHigh, 0.1))
	require.NoError(t, err)

	s := o.Stats()
	assert.Equal(t, 1, s.Held, "the refused proposal's gate is rolled back")
	assert.Equal(t, uint64(1), s.Approval.Rejected)
	assert.Equal(t, uint64(1), s.Queue.Dropped)
}

func TestSubmitProposal_Firewall(t *testing.T) {
	fw := firewall.New()
	require.NoError(t, fw.AllowType("deploy", `{"type":"object","required":["image"]}`))
	o := newOrchestrator(t, testConfig(), Options{Firewall: fw})
	ctx := context.Background()

	_, err := o.SubmitProposal(ctx, proposal("rm", contracts.PriorityNormal, 0))
	assert.ErrorIs(t, err, contracts.ErrBlocked)

	_, err = o.SubmitToBatch(ctx, proposal("deploy", contracts.PriorityNormal, 0))
	assert.ErrorIs(t, err, contracts.ErrBlocked, "schema requires image")

	ok := contracts.MustProposal(contracts.ProposalSpec{Type: "deploy", Priority: contracts.PriorityNormal, Payload: map[string]any{"image": "api:v1"}})
	_, err = o.SubmitProposal(ctx, ok)
	require.NoError(t, err)

	s := o.Stats()
	require.NotNil(t, s.Firewall)
	assert.Equal(t, uint64(2), s.Firewall.Blocked)
	assert.Contains(t, eventTypes(o.Chain()), "proposal.blocked")
}

func TestSubmitProposal_SpeculativeHit(t *testing.T) {
	cfg := testConfig()
	cfg.Speculative.Enabled = true
	cfg.Speculative.Threshold = 0.7
	cfg.Speculative.Reputation = map[string]float64{"deploy": 1.0}
	exec := &countingExecutor{}
	o := newOrchestrator(t, cfg, Options{Executor: exec})
	ctx := context.Background()

	p := proposal("deploy", contracts.PriorityCritical, 0)
	rcpt, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)
	require.True(t, rcpt.Speculating)
	o.spec.Wait()

	o.Start(ctx)
	res := collect(t, o, 1)
	assert.True(t, res[0].Output.Speculative)
	assert.Equal(t, int64(1), exec.calls.Load(), "speculative result reused")

	s := o.Stats()
	require.NotNil(t, s.Speculative)
	assert.Equal(t, uint64(1), s.Speculative.Validated)
}

func TestSubmitProposal_SpeculationInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.Speculative.Enabled = true
	cfg.Speculative.Reputation = map[string]float64{"deploy": 1.0}
	exec := &countingExecutor{delay: 30 * time.Millisecond}
	o := newOrchestrator(t, cfg, Options{Executor: exec})
	ctx := context.Background()
	o.Start(ctx)

	p := proposal("deploy", contracts.PriorityCritical, 0)
	rcpt, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)
	require.True(t, rcpt.Speculating)

	res := collect(t, o, 1)
	assert.True(t, res[0].Output.Speculative)
	o.spec.Wait()
	assert.Equal(t, int64(1), exec.calls.Load(), "worker waited for the running speculation")
	e, ok := o.spec.Lookup(p.ID)
	require.True(t, ok)
	assert.Equal(t, speculative.StateValidated, e.State)
}

func TestSubmitProposal_SpeculationSuperseded(t *testing.T) {
	cfg := testConfig()
	cfg.Speculative.Enabled = true
	cfg.Speculative.Reputation = map[string]float64{"deploy": 1.0}
	cfg.Speculative.Wait = time.Millisecond
	exec := &countingExecutor{delay: 100 * time.Millisecond}
	o := newOrchestrator(t, cfg, Options{Executor: exec})
	ctx := context.Background()
	o.Start(ctx)

	p := proposal("deploy", contracts.PriorityCritical, 0)
	_, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)

	res := collect(t, o, 1)
	assert.False(t, res[0].Output.Speculative)
	o.spec.Wait()
	e, ok := o.spec.Lookup(p.ID)
	require.True(t, ok)
	assert.Equal(t, speculative.StateDiscarded, e.State, "a late speculation never lingers as COMPLETED")
	assert.Equal(t, "superseded", e.Reason)
	assert.Equal(t, uint64(1), o.Stats().Speculative.Discarded)
}

func TestSubmitProposal_RejectionDiscardsSpeculation(t *testing.T) {
	cfg := testConfig()
	cfg.Speculative.Enabled = true
	cfg.Speculative.Reputation = map[string]float64{"deploy": 1.0}
	cfg.Approval.AutoThreshold = 0.5
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()

	// CRITICAL weight 1.0 keeps the score above 0.7 even at impact 0.5
	p := proposal("deploy", contracts.PriorityCritical, 0.5)
	rcpt, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)
	require.True(t, rcpt.Speculating)
	o.spec.Wait()

	_, err = o.Approve(ctx, rcpt.ApprovalRequestID, "alice", false, "no")
	require.NoError(t, err)
	e, ok := o.spec.Lookup(p.ID)
	require.True(t, ok)
	assert.Equal(t, speculative.StateDiscarded, e.State)
}

func TestSubmitProposal_Throttled(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxRetries = 1
	load := contracts.StaticLoad(contracts.LoadMetrics{CPU: 0.99})
	o := newOrchestrator(t, cfg, Options{LoadProvider: load})
	ctx := context.Background()

	_, err := o.Throttler().Refresh(ctx)
	require.NoError(t, err)

	low := proposal("deploy", contracts.PriorityLow, 0)
	crit := proposal("deploy", contracts.PriorityCritical, 0)
	_, err = o.SubmitProposal(ctx, low)
	require.NoError(t, err)
	_, err = o.SubmitProposal(ctx, crit)
	require.NoError(t, err)

	o.Start(ctx)
	res := collect(t, o, 1)
	assert.Equal(t, crit.ID, res[0].Proposal.ID)
	require.Eventually(t, func() bool { return o.Stats().Pipeline.Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, o.Stats().Throttle.Deferrals)
}

func TestReleaseDeferred(t *testing.T) {
	cfg := testConfig()
	cfg.Lazy.Policy = lazy.PolicyOnDemand
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()
	o.Start(ctx)

	p := proposal("report", contracts.PriorityNormal, 0)
	_, err := o.SubmitProposal(ctx, p)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return o.Stats().Lazy.Pending == 1 }, 2*time.Second, 5*time.Millisecond)
	assertNoResult(t, o, 10*time.Millisecond)

	require.NoError(t, o.ReleaseDeferred(p.ID))
	res := collect(t, o, 1)
	assert.Equal(t, p.ID, res[0].Proposal.ID)

	assert.ErrorIs(t, o.ReleaseDeferred("missing"), contracts.ErrNotFound)
}

func TestBatch_EndToEndTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.MaxSize = 5
	cfg.Batch.Timeout = 50 * time.Millisecond
	o := newOrchestrator(t, cfg, Options{})
	ctx := context.Background()

	var id string
	for range 3 {
		bid, err := o.SubmitToBatch(ctx, proposal("deploy", contracts.PriorityNormal, 0))
		require.NoError(t, err)
		id = bid
	}
	time.Sleep(60 * time.Millisecond)

	results, err := o.EvaluateAllReady(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].BatchID)
	assert.Len(t, results[0].Results, 3)
	assert.Equal(t, batch.StateCompleted, results[0].State)

	_, err = o.EvaluateBatch(ctx, id)
	assert.ErrorIs(t, err, contracts.ErrBatchAlreadyDispatched)
}

func TestBatch_Flush(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Options{})
	ctx := context.Background()

	_, err := o.SubmitToBatch(ctx, proposal("deploy", contracts.PriorityNormal, 0))
	require.NoError(t, err)
	id, ok := o.FlushBatch()
	require.True(t, ok)
	b, ok := o.Batch(id)
	require.True(t, ok)
	assert.Equal(t, batch.StateReady, b.State)

	res, err := o.EvaluateBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestExecuteParallel(t *testing.T) {
	cfg := testConfig()
	cfg.Shard.ShardSize = 2
	nodes := []shard.NodeSpec{
		{ID: "a", Capacity: 10, MaxConcurrent: 4},
		{ID: "b", Capacity: 10, MaxConcurrent: 4},
	}
	o := newOrchestrator(t, cfg, Options{Nodes: nodes})

	var props []*contracts.Proposal
	for range 5 {
		props = append(props, proposal("deploy", contracts.PriorityNormal, 0))
	}
	res, err := o.ExecuteParallel(context.Background(), props)
	require.NoError(t, err)
	assert.Len(t, res.Results, 5)
	assert.Len(t, res.Shards, 3)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, o.Sharder().Nodes(), 2)
}

func TestExecuteParallel_ExecutorFailure(t *testing.T) {
	boom := errors.New("boom")
	exec := contracts.ExecutorFunc(func(_ context.Context, p *contracts.Proposal) (*contracts.Result, error) {
		if p.Type == "bad" {
			return nil, boom
		}
		return &contracts.Result{ProposalID: p.ID}, nil
	})
	cfg := testConfig()
	cfg.Shard.ShardSize = 1
	o := newOrchestrator(t, cfg, Options{Executor: exec})

	res, err := o.ExecuteParallel(context.Background(), []*contracts.Proposal{
		proposal("good", contracts.PriorityNormal, 0),
		proposal("bad", contracts.PriorityNormal, 0),
	})
	require.NoError(t, err, "item errors do not fail the call")
	assert.Len(t, res.Results, 1)
	assert.Equal(t, 1, res.Failed)
}

func TestStopStartReuse(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	o, err := New(testConfig(), Options{Executor: &countingExecutor{}})
	require.NoError(t, err)
	ctx := context.Background()

	o.Start(ctx)
	require.True(t, o.Stop(time.Second))
	o.Start(ctx)

	_, err = o.SubmitProposal(ctx, proposal("deploy", contracts.PriorityNormal, 0))
	require.NoError(t, err)
	collect(t, o, 1)
	require.True(t, o.Stop(time.Second))

	s := o.Stats()
	assert.False(t, s.Pipeline.Running)
	assert.Equal(t, uint64(2), s.Pipeline.Starts)
	require.NoError(t, o.Close(time.Second))
}

func TestLevelForImpact(t *testing.T) {
	assert.Equal(t, approval.LevelSingle, levelForImpact(0.8))
	assert.Equal(t, approval.LevelDual, levelForImpact(0.9))
	assert.Equal(t, approval.LevelBoard, levelForImpact(0.97))
}

func TestClose_BoundedBySpeculation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.Speculative.Enabled = true
	cfg.Speculative.Reputation = map[string]float64{"deploy": 1.0}
	release := make(chan struct{})
	exec := contracts.ExecutorFunc(func(_ context.Context, p *contracts.Proposal) (*contracts.Result, error) {
		<-release
		return &contracts.Result{ProposalID: p.ID}, nil
	})
	o, err := New(cfg, Options{Executor: exec})
	require.NoError(t, err)

	rcpt, err := o.SubmitProposal(context.Background(), proposal("deploy", contracts.PriorityCritical, 0))
	require.NoError(t, err)
	require.True(t, rcpt.Speculating)

	start := time.Now()
	require.NoError(t, o.Close(20*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, o.Close(time.Second), "second close is a no-op")

	close(release)
	o.spec.Wait()
}

func TestLocalNodeCoversEveryCaller(t *testing.T) {
	cfg := config.Default()
	n := localNode(cfg)
	assert.Equal(t, cfg.Shard.MaxParallel+cfg.Pipeline.Workers+cfg.Batch.MaxConcurrentBatches, n.MaxConcurrent)
	assert.Equal(t, cfg.Shard.ShardSize*cfg.Shard.MaxParallel+cfg.Pipeline.Workers+cfg.Batch.MaxConcurrentBatches, n.Capacity)
}

func TestMaintain_PrunesResolvedApprovals(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Options{})
	ctx := context.Background()

	done, err := o.RequestApproval(ctx, "cluster/prod", approval.LevelSingle)
	require.NoError(t, err)
	_, err = o.Approve(ctx, done.ID, "alice", true, "")
	require.NoError(t, err)
	open, err := o.RequestApproval(ctx, "cluster/stage", approval.LevelDual)
	require.NoError(t, err)

	o.maintain(ctx, time.Now())
	_, ok := o.approvals.Receipt(done.ID)
	assert.True(t, ok, "recent receipts stay queryable")

	o.maintain(ctx, time.Now().Add(retention+time.Minute))
	_, ok = o.approvals.Get(done.ID)
	assert.False(t, ok)
	_, ok = o.approvals.Receipt(done.ID)
	assert.False(t, ok)
	_, ok = o.approvals.Get(open.ID)
	assert.True(t, ok, "pending requests are never pruned")
}

func TestRequestApproval(t *testing.T) {
	o := newOrchestrator(t, testConfig(), Options{})
	ctx := context.Background()

	req, err := o.RequestApproval(ctx, "cluster/prod", approval.LevelSingle)
	require.NoError(t, err)
	req, err = o.Approve(ctx, req.ID, "alice", true, "")
	require.NoError(t, err)
	assert.Equal(t, approval.StateApproved, req.State)
}
