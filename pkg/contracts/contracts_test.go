package contracts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProposal_SealsProvenance(t *testing.T) {
	p, err := NewProposal(ProposalSpec{
		Type:     "deploy",
		Priority: PriorityHigh,
		Payload:  map[string]any{"image": "api:v2"},
		Targets:  []string{"payments"},
		Impact:   1.7,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1.0, p.Impact, "impact is clamped")
	assert.Contains(t, p.ProvenanceHash, "sha256:")
	assert.True(t, p.VerifyProvenance())
}

func TestNewProposal_InvalidPriority(t *testing.T) {
	_, err := NewProposal(ProposalSpec{Priority: Priority(9)})
	require.Error(t, err)
}

func TestProposal_ProvenanceIndependentOfKeyOrder(t *testing.T) {
	a := MustProposal(ProposalSpec{Type: "t", Payload: map[string]any{"a": 1, "b": "x"}})
	b := MustProposal(ProposalSpec{Type: "t", Payload: map[string]any{"b": "x", "a": 1}})
	assert.Equal(t, a.ProvenanceHash, b.ProvenanceHash)
}

func TestProposal_CopiesAreIndependent(t *testing.T) {
	payload := map[string]any{"k": "v"}
	p := MustProposal(ProposalSpec{Type: "t", Payload: payload, Priority: PriorityNormal})
	payload["k"] = "mutated"
	assert.Equal(t, "v", p.Payload["k"])

	lowered := p.WithPriority(PriorityLow)
	assert.Equal(t, PriorityNormal, p.Priority)
	assert.Equal(t, PriorityLow, lowered.Priority)
	assert.Equal(t, p.ProvenanceHash, lowered.ProvenanceHash)

	changed, err := p.WithPayload(map[string]any{"k": "other"})
	require.NoError(t, err)
	assert.NotEqual(t, p.ProvenanceHash, changed.ProvenanceHash)
	assert.True(t, changed.VerifyProvenance())
}

func TestPriority_LowerAndParse(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityCritical.Lower())
	assert.Equal(t, PriorityLow, PriorityLow.Lower())
	assert.True(t, PriorityCritical.Higher(PriorityLow))

	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)
	_, err = ParsePriority("urgent")
	assert.Error(t, err)

	var q Priority
	require.NoError(t, q.UnmarshalText([]byte("LOW")))
	assert.Equal(t, PriorityLow, q)
}

func TestLoadMetrics_Overall(t *testing.T) {
	m := LoadMetrics{CPU: 0.2, Memory: 0.9, IO: 0.4}
	assert.Equal(t, 0.9, m.Overall())

	got, err := StaticLoad(m).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestStageError_MatchesTaxonomy(t *testing.T) {
	cause := errors.New("boom")
	err := error(&StageError{Stage: "lazy", Err: cause})
	assert.ErrorIs(t, err, ErrStageFailure)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "lazy")
}
