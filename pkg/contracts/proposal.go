// Package contracts defines the shared vocabulary of the proposal
// orchestration core: proposals, results, executors, load samples and the
// error taxonomy every component reports through.
package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Proposal is a unit of untrusted work submitted for evaluation.
// A Proposal is never mutated after construction; transformations return
// a copy.
type Proposal struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Priority       Priority       `json:"priority"`
	Payload        map[string]any `json:"payload,omitempty"`
	Targets        []string       `json:"targets,omitempty"`
	Impact         float64        `json:"impact"`
	ProvenanceHash string         `json:"provenance_hash"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ProposalSpec carries the caller-supplied fields of a new proposal.
type ProposalSpec struct {
	ID       string
	Type     string
	Priority Priority
	Payload  map[string]any
	Targets  []string
	Impact   float64
}

// NewProposal builds a proposal and seals its provenance hash.
func NewProposal(spec ProposalSpec) (*Proposal, error) {
	if !spec.Priority.Valid() {
		return nil, fmt.Errorf("proposal: invalid priority %d", int(spec.Priority))
	}
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := &Proposal{
		ID:        id,
		Type:      spec.Type,
		Priority:  spec.Priority,
		Payload:   maps.Clone(spec.Payload),
		Targets:   slices.Clone(spec.Targets),
		Impact:    clamp01(spec.Impact),
		CreatedAt: time.Now().UTC(),
	}
	hash, err := provenanceHash(p)
	if err != nil {
		return nil, err
	}
	p.ProvenanceHash = hash
	return p, nil
}

// MustProposal is NewProposal for fixtures; it panics on error.
func MustProposal(spec ProposalSpec) *Proposal {
	p, err := NewProposal(spec)
	if err != nil {
		panic(err)
	}
	return p
}

// WithPriority returns a copy of p at another tier. The provenance hash is
// kept: priority is an admission attribute, not content.
func (p *Proposal) WithPriority(pr Priority) *Proposal {
	cp := p.clone()
	cp.Priority = pr
	return cp
}

// WithPayload returns a copy of p carrying payload, with a fresh provenance
// hash.
func (p *Proposal) WithPayload(payload map[string]any) (*Proposal, error) {
	cp := p.clone()
	cp.Payload = maps.Clone(payload)
	hash, err := provenanceHash(cp)
	if err != nil {
		return nil, err
	}
	cp.ProvenanceHash = hash
	return cp, nil
}

// VerifyProvenance recomputes the provenance hash and compares it.
func (p *Proposal) VerifyProvenance() bool {
	hash, err := provenanceHash(p)
	return err == nil && hash == p.ProvenanceHash
}

func (p *Proposal) clone() *Proposal {
	cp := *p
	cp.Payload = maps.Clone(p.Payload)
	cp.Targets = slices.Clone(p.Targets)
	return &cp
}

func provenanceHash(p *Proposal) (string, error) {
	raw, err := json.Marshal(struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
		Targets []string       `json:"targets"`
		Impact  float64        `json:"impact"`
	}{p.Type, p.Payload, p.Targets, p.Impact})
	if err != nil {
		return "", fmt.Errorf("proposal: marshal provenance: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("proposal: canonicalize provenance: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
