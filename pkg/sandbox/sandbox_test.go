package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/proposals/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

// emptyModule is the smallest valid WebAssembly binary: magic and version.
var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

func newExecutor(t *testing.T) (*Executor, *artifacts.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	x, err := New(ctx, store, Config{MemoryLimitBytes: 1 << 20, TimeLimit: time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close(ctx) })
	return x, store
}

func proposalFor(module string) *contracts.Proposal {
	payload := map[string]any{}
	if module != "" {
		payload[ModuleKey] = module
	}
	return contracts.MustProposal(contracts.ProposalSpec{Type: "wasm", Priority: contracts.PriorityNormal, Payload: payload})
}

func TestExecutor_EmptyModule(t *testing.T) {
	x, store := newExecutor(t)
	ctx := context.Background()
	hash, err := store.Put(ctx, emptyModule)
	require.NoError(t, err)

	p := proposalFor(hash)
	res, err := x.Execute(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.ProposalID)
	assert.Nil(t, res.Output)
	assert.Equal(t, hash, res.Metadata["module"])

	// second run hits the compile cache
	_, err = x.Execute(ctx, proposalFor(hash))
	require.NoError(t, err)
	assert.Len(t, x.compiled, 1)
}

func TestExecutor_MissingModule(t *testing.T) {
	x, _ := newExecutor(t)

	_, err := x.Execute(context.Background(), proposalFor(""))
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeModuleMissing, serr.Code)

	_, err = x.Execute(context.Background(), proposalFor(artifacts.ContentHash([]byte("absent"))))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeModuleMissing, serr.Code)
	assert.True(t, errors.Is(err, artifacts.ErrNotFound))
}

func TestExecutor_InvalidModule(t *testing.T) {
	x, store := newExecutor(t)
	hash, err := store.Put(context.Background(), []byte("not wasm at all"))
	require.NoError(t, err)

	_, err = x.Execute(context.Background(), proposalFor(hash))
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeCompileFailed, serr.Code)
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(context.Background(), nil, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestDecodeOutput(t *testing.T) {
	assert.Nil(t, decodeOutput([]byte("  \n")))
	assert.Equal(t, map[string]any{"ok": true}, decodeOutput([]byte(`{"ok":true}`)))
	assert.Equal(t, "plain text", decodeOutput([]byte("plain text\n")))
}
