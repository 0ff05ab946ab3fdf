package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(t *testing.T) *interfaces.WorkflowState {
	t.Helper()
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	state := NewWorkflowState(scoutForm(), "0x00000000000000000000000000000000000000aa", at)
	state.Step = interfaces.StepBurningToken
	state.LastCompletedStep = interfaces.StepPublishingContent
	state.Metadata = &interfaces.IdentityMetadata{
		Name:         "Scout",
		Description:  "demo",
		Services:     []interfaces.ServiceEndpoint{{Endpoint: "https://api.example/agents", X402Support: true}},
		Capabilities: []string{"search"},
	}
	state.Content = &interfaces.ContentReference{CID: "bafkreiexample", URI: "ipfs://bafkreiexample"}
	state.BurnTxHash = "0x" + strings.Repeat("ab", 32)
	state.History = append(state.History,
		interfaces.Transition{Step: interfaces.StepBuildingMetadata, At: at},
		interfaces.Transition{Step: interfaces.StepPublishingContent, At: at},
		interfaces.Transition{Step: interfaces.StepBurningToken, At: at},
	)
	return state
}

// exerciseStore runs the contract every workflow store must satisfy.
func exerciseStore(t *testing.T, store interfaces.WorkflowStore) {
	ctx := context.Background()

	_, err := store.Load(ctx, uuid.NewString())
	assert.ErrorIs(t, err, interfaces.ErrWorkflowNotFound)

	state := sampleState(t)
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)

	// Saving replaces the previous snapshot.
	state.BurnReceipt = &interfaces.ChainReceipt{TxHash: state.BurnTxHash, BlockNumber: 101, Status: interfaces.ReceiptSuccess}
	state.LastCompletedStep = interfaces.StepBurningToken
	require.NoError(t, store.Save(ctx, state))

	loaded, err = store.Load(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepBurningToken, loaded.LastCompletedStep)
	assert.Equal(t, uint64(101), loaded.BurnReceipt.BlockNumber)

	// Loaded states are independent copies.
	loaded.Form.Capabilities[0] = "changed"
	again, err := store.Load(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, "search", again.Form.Capabilities[0])

	other := sampleState(t)
	require.NoError(t, store.Save(ctx, other))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{state.ID, other.ID}, ids)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)
	exerciseStore(t, store)

	// No temporary files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = store.Load(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, interfaces.ErrWorkflowNotFound)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "workflows.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	_, err := OpenSQLiteStore(" ")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(context.Background(), &redis.Options{Addr: mr.Addr()}, time.Hour)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)

	mr.FastForward(2 * time.Hour)

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), &redis.Options{Addr: addr, MaxRetries: -1}, 0)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name     string
		location string
		wantType interface{}
		wantErr  bool
	}{
		{name: "default", location: "", wantType: &MemoryStore{}},
		{name: "memory", location: "memory://", wantType: &MemoryStore{}},
		{name: "file", location: "file://" + filepath.Join(dir, "states"), wantType: &FileStore{}},
		{name: "sqlite", location: "sqlite://" + filepath.Join(dir, "wf.db"), wantType: &SQLiteStore{}},
		{name: "redis", location: "redis://" + mr.Addr() + "/1?ttl=1h", wantType: &RedisStore{}},
		{name: "unknown scheme", location: "etcd://localhost:2379", wantErr: true},
		{name: "bad ttl", location: "redis://" + mr.Addr() + "/0?ttl=forever", wantErr: true},
		{name: "bad database", location: "redis://" + mr.Addr() + "/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closer, err := OpenStore(context.Background(), tt.location, testLogger())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStoreURI)
				return
			}
			require.NoError(t, err)
			defer closer.Close()
			assert.IsType(t, tt.wantType, store)
			exerciseStore(t, store)
		})
	}
}
