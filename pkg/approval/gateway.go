// Package approval implements the N-party human authorization workflow.
//
// A request needs 1, 2 or 3 distinct approvals depending on its level. Any
// rejection resolves it as REJECTED. APPROVED and REJECTED are final, and
// every resolution yields a Receipt with a content hash for audit.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm/proposals/pkg/chain"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// ErrRequestResolved rejects votes on APPROVED or REJECTED requests.
var ErrRequestResolved = errors.New("approval request already resolved")

// ReasonExpired is the rejection reason of timed-out requests.
const ReasonExpired = "expired"

// Level is the approval level of a request.
type Level string

const (
	LevelSingle Level = "SINGLE"
	LevelDual   Level = "DUAL"
	LevelBoard  Level = "BOARD"
)

// Required is the number of distinct approvals the level needs.
func (l Level) Required() int {
	switch l {
	case LevelDual:
		return 2
	case LevelBoard:
		return 3
	default:
		return 1
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(s)) {
	case LevelSingle:
		return LevelSingle, nil
	case LevelDual:
		return LevelDual, nil
	case LevelBoard:
		return LevelBoard, nil
	}
	return "", fmt.Errorf("approval: unknown level %q", s)
}

// State is the request lifecycle state.
type State string

const (
	StatePending        State = "PENDING"
	StateAwaitingSecond State = "AWAITING_SECOND"
	StateApproved       State = "APPROVED"
	StateRejected       State = "REJECTED"
)

// Terminal reports whether s is APPROVED or REJECTED.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

// Decision is one approver's vote.
type Decision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// Approve and Reject are the plain decisions.
var (
	Approve = Decision{Approve: true}
	Reject  = Decision{Approve: false}
)

// Vote is a recorded decision.
type Vote struct {
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	At         time.Time `json:"at"`
}

// Request is a snapshot of an approval request.
type Request struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Level      Level     `json:"level"`
	Required   int       `json:"required"`
	Votes      []Vote    `json:"votes"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Approvals counts approving votes.
func (r *Request) Approvals() int {
	n := 0
	for _, v := range r.Votes {
		if v.Decision.Approve {
			n++
		}
	}
	return n
}

func (r *Request) hasVoted(approverID string) bool {
	return slices.ContainsFunc(r.Votes, func(v Vote) bool { return v.ApproverID == approverID })
}

func (r *Request) snapshot() *Request {
	c := *r
	c.Votes = slices.Clone(r.Votes)
	return &c
}

// Receipt is the immutable record of a resolution.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	RequestID   string    `json:"request_id"`
	ResourceID  string    `json:"resource_id"`
	Outcome     State     `json:"outcome"`
	ApprovedBy  []string  `json:"approved_by,omitempty"`
	RejectedBy  string    `json:"rejected_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}

// ResolveFunc observes resolutions. It runs outside the gateway lock.
type ResolveFunc func(ctx context.Context, req *Request, receipt *Receipt)

// Config tunes the gateway.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Minute}
}

// Gateway owns approval requests.
type Gateway struct {
	cfg      Config
	clock    func() time.Time
	recorder chain.Recorder
	logger   *slog.Logger

	mu         sync.Mutex
	requests   map[string]*Request
	byResource map[string][]string
	receipts   map[string]*Receipt
	onResolve  []ResolveFunc
	created    uint64
	approved   uint64
	rejected   uint64
	expired    uint64
	duplicates uint64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder records request lifecycle events.
func WithRecorder(r chain.Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway.
func NewGateway(cfg Config, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	g := &Gateway{
		cfg:        cfg,
		clock:      time.Now,
		recorder:   chain.Discard,
		logger:     slog.Default().With("component", "approval"),
		requests:   make(map[string]*Request),
		byResource: make(map[string][]string),
		receipts:   make(map[string]*Receipt),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// OnResolve registers a resolution callback.
func (g *Gateway) OnResolve(fn ResolveFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onResolve = append(g.onResolve, fn)
}

// CreateRequest opens a PENDING request for resourceID.
func (g *Gateway) CreateRequest(ctx context.Context, resourceID string, level Level) (*Request, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("approval: resource id is required")
	}
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}
	now := g.clock().UTC()
	req := &Request{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		Level:      level,
		Required:   level.Required(),
		State:      StatePending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.cfg.Timeout),
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.byResource[resourceID] = append(g.byResource[resourceID], req.ID)
	g.created++
	snap := req.snapshot()
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "approval requested", "request_id", req.ID, "resource_id", resourceID, "level", level)
	g.record("approval.requested", map[string]any{
		"request_id":  req.ID,
		"resource_id": resourceID,
		"level":       string(level),
	})
	return snap, nil
}

// AddApproval records a vote. A repeated vote from the same approver fails
// with contracts.ErrDuplicateVote and changes nothing; votes on resolved
// requests fail with ErrRequestResolved.
func (g *Gateway) AddApproval(ctx context.Context, requestID, approverID string, d Decision) (*Request, error) {
	if approverID == "" {
		return nil, fmt.Errorf("approval: approver id is required")
	}
	g.mu.Lock()
	req, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("approval request %q: %w", requestID, contracts.ErrNotFound)
	}
	if req.State.Terminal() {
		snap := req.snapshot()
		g.mu.Unlock()
		return snap, fmt.Errorf("approval request %q is %s: %w", requestID, req.State, ErrRequestResolved)
	}
	now := g.clock().UTC()
	if now.After(req.ExpiresAt) {
		receipt := g.resolveLocked(req, StateRejected, ReasonExpired, "", now)
		g.expired++
		snap, cbs := req.snapshot(), slices.Clone(g.onResolve)
		g.mu.Unlock()
		g.notify(ctx, cbs, snap, receipt)
		return snap, fmt.Errorf("approval request %q expired: %w", requestID, ErrRequestResolved)
	}
	if req.hasVoted(approverID) {
		g.duplicates++
		snap := req.snapshot()
		g.mu.Unlock()
		return snap, fmt.Errorf("approver %q on request %q: %w", approverID, requestID, contracts.ErrDuplicateVote)
	}

	req.Votes = append(req.Votes, Vote{ApproverID: approverID, Decision: d, At: now})
	var receipt *Receipt
	switch {
	case !d.Approve:
		receipt = g.resolveLocked(req, StateRejected, d.Reason, approverID, now)
	case req.Approvals() >= req.Required:
		receipt = g.resolveLocked(req, StateApproved, d.Reason, "", now)
	default:
		req.State = StateAwaitingSecond
	}
	snap, cbs := req.snapshot(), slices.Clone(g.onResolve)
	g.mu.Unlock()

	g.record("approval.vote", map[string]any{
		"request_id":  requestID,
		"approver_id": approverID,
		"approve":     d.Approve,
		"state":       string(snap.State),
	})
	if receipt != nil {
		g.notify(ctx, cbs, snap, receipt)
	}
	return snap, nil
}

// CheckTimeouts rejects every open request past its expiry and returns
// their receipts.
func (g *Gateway) CheckTimeouts(ctx context.Context) []*Receipt {
	g.mu.Lock()
	now := g.clock().UTC()
	var (
		receipts []*Receipt
		snaps    []*Request
	)
	for _, req := range g.requests {
		if req.State.Terminal() || !now.After(req.ExpiresAt) {
			continue
		}
		receipts = append(receipts, g.resolveLocked(req, StateRejected, ReasonExpired, "", now))
		snaps = append(snaps, req.snapshot())
		g.expired++
	}
	cbs := slices.Clone(g.onResolve)
	g.mu.Unlock()

	for i := range receipts {
		g.notify(ctx, cbs, snaps[i], receipts[i])
	}
	return receipts
}

// resolveLocked moves req to a terminal state and issues its receipt.
func (g *Gateway) resolveLocked(req *Request, outcome State, reason, rejectedBy string, now time.Time) *Receipt {
	req.State = outcome
	req.Reason = reason
	req.ResolvedAt = now
	if outcome == StateApproved {
		g.approved++
	} else {
		g.rejected++
	}

	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		RequestID:  req.ID,
		ResourceID: req.ResourceID,
		Outcome:    outcome,
		RejectedBy: rejectedBy,
		Reason:     reason,
		ResolvedAt: now,
		DurationMs: now.Sub(req.CreatedAt).Milliseconds(),
	}
	for _, v := range req.Votes {
		if v.Decision.Approve {
			receipt.ApprovedBy = append(receipt.ApprovedBy, v.ApproverID)
		}
	}
	receipt.ContentHash = receiptHash(receipt)
	g.receipts[req.ID] = receipt
	return receipt
}

func receiptHash(r *Receipt) string {
	hashable := struct {
		RequestID  string   `json:"request_id"`
		ResourceID string   `json:"resource_id"`
		Outcome    State    `json:"outcome"`
		ApprovedBy []string `json:"approved_by"`
		RejectedBy string   `json:"rejected_by"`
		Reason     string   `json:"reason"`
	}{r.RequestID, r.ResourceID, r.Outcome, r.ApprovedBy, r.RejectedBy, r.Reason}
	data, _ := json.Marshal(hashable)
	if canonical, err := jcs.Transform(data); err == nil {
		data = canonical
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

func (g *Gateway) notify(ctx context.Context, cbs []ResolveFunc, req *Request, receipt *Receipt) {
	g.logger.InfoContext(ctx, "approval resolved", "request_id", req.ID, "resource_id", req.ResourceID, "outcome", receipt.Outcome, "reason", receipt.Reason)
	g.record("approval.resolved", map[string]any{
		"request_id":   req.ID,
		"resource_id":  req.ResourceID,
		"outcome":      string(receipt.Outcome),
		"content_hash": receipt.ContentHash,
	})
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("resolve callback panicked", "request_id", req.ID, "panic", r)
				}
			}()
			cb(ctx, req, receipt)
		}()
	}
}

// Get returns a snapshot of a request.
func (g *Gateway) Get(requestID string) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[requestID]
	if !ok {
		return nil, false
	}
	return req.snapshot(), true
}

// Receipt returns the receipt of a resolved request.
func (g *Gateway) Receipt(requestID string) (*Receipt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.receipts[requestID]
	if !ok {
		return nil, false
	}
	c := *r
	c.ApprovedBy = slices.Clone(r.ApprovedBy)
	return &c, true
}

// ForResource returns every request for resourceID, oldest first.
func (g *Gateway) ForResource(resourceID string) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.byResource[resourceID]
	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.requests[id].snapshot())
	}
	return out
}

// Prune forgets requests resolved before cutoff along with their receipts.
// It returns the number removed.
func (g *Gateway) Prune(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, req := range g.requests {
		if !req.State.Terminal() || !req.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(g.requests, id)
		delete(g.receipts, id)
		ids := slices.DeleteFunc(g.byResource[req.ResourceID], func(v string) bool { return v == id })
		if len(ids) == 0 {
			delete(g.byResource, req.ResourceID)
		} else {
			g.byResource[req.ResourceID] = ids
		}
		removed++
	}
	return removed
}

// PendingCount is the number of unresolved requests.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, req := range g.requests {
		if !req.State.Terminal() {
			n++
		}
	}
	return n
}

// Stats is a snapshot of gateway counters.
type Stats struct {
	Created        uint64 `json:"created"`
	Pending        int    `json:"pending"`
	Approved       uint64 `json:"approved"`
	Rejected       uint64 `json:"rejected"`
	Expired        uint64 `json:"expired"`
	DuplicateVotes uint64 `json:"duplicate_votes"`
}

// Stats returns request counters.
func (g *Gateway) Stats() Stats {
	pending := g.PendingCount()
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Created:        g.created,
		Pending:        pending,
		Approved:       g.approved,
		Rejected:       g.rejected,
		Expired:        g.expired,
		DuplicateVotes: g.duplicates,
	}
}

func (g *Gateway) record(eventType string, payload map[string]any) {
	if _, err := g.recorder.Append(eventType, payload); err != nil {
		g.logger.Error("chain append failed", "event", eventType, "error", err)
	}
}
