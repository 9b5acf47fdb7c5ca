// Package chain is the append-only, tamper-evident event ledger.
//
// Every event commits to its predecessor:
//
//	hash = H(prevHash ‖ JCS({seq, type, timestamp, payload}))
//
// so rewriting any past event breaks every hash after it. The log is the
// audit trail of the orchestration core; every component records its
// transitions through a Recorder.
package chain

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Genesis is the head hash of an empty chain.
const Genesis = "genesis"

// Event is one committed entry.
type Event struct {
	Sequence  uint64         `json:"sequence"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder is the write side of the chain.
type Recorder interface {
	Append(eventType string, payload map[string]any) (string, error)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Append(string, map[string]any) (string, error) { return "", nil }

// Log is an in-memory hash chain. Appends are serialized by a single mutex,
// so the total order is lock-acquisition order.
type Log struct {
	mu     sync.RWMutex
	events []Event
	head   string
	hasher Hasher
	clock  func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithHasher selects the hash function.
func WithHasher(h Hasher) Option {
	return func(l *Log) { l.hasher = h }
}

// WithClock overrides the timestamp source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// New creates an empty chain.
func New(opts ...Option) *Log {
	l := &Log{
		head:   Genesis,
		hasher: SHA256,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append commits an event and returns its hash.
func (l *Log) Append(eventType string, payload map[string]any) (string, error) {
	if eventType == "" {
		return "", fmt.Errorf("chain: event type is required")
	}
	if len(payload) == 0 {
		payload = nil
	}
	payload = maps.Clone(payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		Sequence:  uint64(len(l.events)) + 1,
		Type:      eventType,
		Payload:   payload,
		PrevHash:  l.head,
		Timestamp: l.clock().UTC(),
	}
	hash, err := l.hasher.link(l.head, e)
	if err != nil {
		return "", err
	}
	e.Hash = hash
	l.events = append(l.events, e)
	l.head = hash
	return hash, nil
}

// Proof returns the current head hash.
func (l *Log) Proof() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of committed events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Get returns a copy of the event with sequence seq.
func (l *Log) Get(seq uint64) (Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.events)) {
		return Event{}, fmt.Errorf("chain: event %d not found", seq)
	}
	return copyEvent(l.events[seq-1]), nil
}

// Events returns copies of all events in order.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	for i, e := range l.events {
		out[i] = copyEvent(e)
	}
	return out
}

// Since returns copies of the events after seq.
func (l *Log) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.events)) {
		return nil
	}
	out := make([]Event, 0, uint64(len(l.events))-seq)
	for _, e := range l.events[seq:] {
		out = append(out, copyEvent(e))
	}
	return out
}

// Verify recomputes every hash from genesis. It stops at the first broken
// link and reports where.
func (l *Log) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEvents(l.hasher, l.events, l.head)
}

// Restore rebuilds a log from checkpointed events. A chain that does not
// verify is refused.
func Restore(events []Event, opts ...Option) (*Log, error) {
	l := New(opts...)
	restored := make([]Event, len(events))
	for i, e := range events {
		restored[i] = copyEvent(e)
	}
	head := Genesis
	if n := len(restored); n > 0 {
		head = restored[n-1].Hash
	}
	if ok, reason := verifyEvents(l.hasher, restored, head); !ok {
		return nil, fmt.Errorf("chain: refusing to restore: %s", reason)
	}
	l.events = restored
	l.head = head
	return l, nil
}

func verifyEvents(h Hasher, events []Event, head string) (bool, string) {
	prev := Genesis
	for i, e := range events {
		if e.Sequence != uint64(i)+1 {
			return false, fmt.Sprintf("sequence gap at position %d: got %d", i+1, e.Sequence)
		}
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at event %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash)
		}
		want, err := h.link(prev, e)
		if err != nil {
			return false, fmt.Sprintf("event %d: %v", e.Sequence, err)
		}
		if want != e.Hash {
			return false, fmt.Sprintf("hash mismatch at event %d", e.Sequence)
		}
		prev = e.Hash
	}
	if prev != head {
		return false, "head does not match last event"
	}
	return true, ""
}

// serialize is the canonical byte form hashed for each event. The
// timestamp is committed as UTC RFC 3339 with nanoseconds, the same form
// checkpoints store.
func serialize(e Event) ([]byte, error) {
	raw, err := json.Marshal(struct {
		Seq       uint64         `json:"seq"`
		Type      string         `json:"type"`
		Timestamp string         `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}{e.Sequence, e.Type, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Payload})
	if err != nil {
		return nil, fmt.Errorf("chain: marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("chain: canonicalize event: %w", err)
	}
	return canonical, nil
}

func copyEvent(e Event) Event {
	e.Payload = maps.Clone(e.Payload)
	return e
}
