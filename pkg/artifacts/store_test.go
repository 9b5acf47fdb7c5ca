package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("module-bytes"))
	require.NoError(t, err)
	assert.Equal(t, ContentHash([]byte("module-bytes")), hash)

	again, err := s.Put(ctx, []byte("module-bytes"))
	require.NoError(t, err)
	assert.Equal(t, hash, again, "put is idempotent")

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "module-bytes", string(data))

	require.NoError(t, s.Delete(ctx, hash))
	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "md5:abc")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Backend: BackendFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, Options{Backend: "tape"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: BackendS3})
	assert.Error(t, err, "bucket is required")
}

func TestObjectKeyFansOut(t *testing.T) {
	raw, err := parseHash(ContentHash([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "mods/"+raw[:2]+"/"+raw, objectKey("mods/", raw))
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	hash, err := s.Put(context.Background(), []byte("wasm"))
	require.NoError(t, err)
	raw, _ := parseHash(hash)
	_, err = os.Stat(filepath.Join(dir, raw[:2], raw))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, raw[:2]))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
