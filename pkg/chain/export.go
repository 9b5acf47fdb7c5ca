package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm/proposals/pkg/artifacts"
)

// WriteJSONL writes one JSON event per line.
func (l *Log) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, e := range l.Events() {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("chain: export event %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// ReadJSONL parses events written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]Event, error) {
	dec := json.NewDecoder(r)
	var events []Event
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("chain: import: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Archive exports the chain to a content-addressed store and returns the
// blob hash.
func (l *Log) Archive(ctx context.Context, store artifacts.Store) (string, error) {
	var buf bytes.Buffer
	if err := l.WriteJSONL(&buf); err != nil {
		return "", err
	}
	hash, err := store.Put(ctx, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("chain: archive: %w", err)
	}
	return hash, nil
}

// LoadArchive restores a chain from an archived export.
func LoadArchive(ctx context.Context, store artifacts.Store, hash string, opts ...Option) (*Log, error) {
	data, err := store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	events, err := ReadJSONL(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return Restore(events, opts...)
}
