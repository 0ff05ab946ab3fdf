package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutFetch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	store, err := NewFileStore(dir, logger)
	require.NoError(t, err)

	data := []byte(`{"name":"Scout"}`)
	c, err := store.Put(context.Background(), data)
	require.NoError(t, err)

	expected, err := ComputeCID(data)
	require.NoError(t, err)
	assert.Equal(t, expected, c)

	again, err := store.Put(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, c, again)

	fetched, err := store.Fetch(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	_, err = os.Stat(filepath.Join(dir, c))
	assert.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must be cleaned up")
}

func TestFileStore_NotFound(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	missing, err := ComputeCID([]byte("missing"))
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), missing)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = store.Fetch(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}

func TestComputeCID(t *testing.T) {
	c, err := ComputeCID([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "bafkreibm6jg3ux5qumhcn2b3flc3tyu6dmlb4xa7u5bf44yegnrjhc4yeq", c)

	parsed, err := ParseCID(c)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestStoreFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewStoreFactory(logger)

	store, err := factory.StoreFor("memory://")
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Name())

	store, err = factory.StoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = factory.StoreFor("ipfs://127.0.0.1:5001/?pin=false&timeout=5s")
	require.NoError(t, err)
	assert.Equal(t, "ipfs-127.0.0.1-5001", store.Name())

	_, err = factory.StoreFor("ipfs://127.0.0.1:5001/?timeout=soon")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)

	_, err = factory.StoreFor("gopher://example")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)

	multi, err := factory.CreateMultiStore([]string{"memory://", "file://" + t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &MultiStore{}, multi)
}
