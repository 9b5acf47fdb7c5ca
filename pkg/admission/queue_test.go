package admission

import (
	"errors"
	"sync"
	"testing"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposal(id string, p contracts.Priority) *contracts.Proposal {
	return contracts.MustProposal(contracts.ProposalSpec{ID: id, Type: "test", Priority: p})
}

func TestDequeueHighestTierFirst(t *testing.T) {
	q := New(4)
	require.NoError(t, q.Submit(proposal("p1", contracts.PriorityNormal)))
	require.NoError(t, q.Submit(proposal("p2", contracts.PriorityCritical)))

	e, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "p2", e.Proposal.ID)

	e, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "p1", e.Proposal.ID)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestFIFOWithinTier(t *testing.T) {
	q := New(8)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Submit(proposal(id, contracts.PriorityHigh)))
	}
	for _, id := range []string{"a", "b", "c"} {
		e, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, id, e.Proposal.ID)
	}
}

func TestFullTierRejectsWithoutSpill(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Submit(proposal("n1", contracts.PriorityNormal)))
	require.NoError(t, q.Submit(proposal("n2", contracts.PriorityNormal)))

	err := q.Submit(proposal("n3", contracts.PriorityNormal))
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrAdmissionFull))

	// Other tiers are unaffected.
	require.NoError(t, q.Submit(proposal("l1", contracts.PriorityLow)))

	s := q.Stats()
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, uint64(1), s.Tiers[contracts.PriorityNormal].Dropped)
	assert.Equal(t, 2, s.Tiers[contracts.PriorityNormal].Depth)
	assert.Equal(t, 0, s.Tiers[contracts.PriorityHigh].Depth)
	assert.Equal(t, 1, s.Tiers[contracts.PriorityLow].Depth)
}

func TestStatus(t *testing.T) {
	q := New(1,
		WithTierCapacity(contracts.PriorityCritical, 3),
		WithTierCapacity(contracts.PriorityHigh, 3),
		WithTierCapacity(contracts.PriorityNormal, 3),
	)
	assert.Equal(t, 10, q.Capacity())
	assert.Equal(t, StatusEmpty, q.Status())

	require.NoError(t, q.Submit(proposal("x", contracts.PriorityLow)))
	assert.Equal(t, StatusActive, q.Status())

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit(proposal("c", contracts.PriorityCritical)))
		require.NoError(t, q.Submit(proposal("h", contracts.PriorityHigh)))
	}
	require.NoError(t, q.Submit(proposal("n", contracts.PriorityNormal)))
	require.NoError(t, q.Submit(proposal("n", contracts.PriorityNormal)))
	assert.Equal(t, 9, q.Len())
	assert.Equal(t, StatusFull, q.Status())
}

func TestEnqueueRetryAtLowerTier(t *testing.T) {
	q := New(4)
	e := NewEntry(proposal("r", contracts.PriorityHigh))
	e.Tier = e.Tier.Lower()
	e.Retries = 1
	require.NoError(t, q.Enqueue(e))

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, contracts.PriorityNormal, got.Tier)
	assert.Equal(t, 1, got.Retries)
	assert.False(t, got.EnqueuedAt.IsZero())
}

func TestEnqueueRecordsToChain(t *testing.T) {
	log := chain.New()
	q := New(1, WithRecorder(log))
	require.NoError(t, q.Submit(proposal("a", contracts.PriorityLow)))
	_ = q.Submit(proposal("b", contracts.PriorityLow))

	events := log.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "queue.enqueued", events[0].Type)
	assert.Equal(t, "queue.dropped", events[1].Type)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q := New(1)
	assert.Error(t, q.Enqueue(nil))
	assert.Error(t, q.Enqueue(&Entry{Proposal: proposal("x", contracts.PriorityLow), Tier: 9}))
}

func TestConcurrentEnqueueNeverBlocks(t *testing.T) {
	q := New(50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if q.Submit(proposal("", contracts.PriorityNormal)) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, accepted)
	assert.Equal(t, uint64(150), q.Stats().Dropped)
}
