package workflow

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/ruteri/agent-identity-provisioner/storage"
	"github.com/ruteri/agent-identity-provisioner/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingContentStore holds every Put until released or cancelled.
type blockingContentStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingContentStore() *blockingContentStore {
	return &blockingContentStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}, 8),
		release:     make(chan struct{}),
	}
}

func (s *blockingContentStore) Put(ctx context.Context, data []byte) (string, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return s.MemoryStore.Put(ctx, data)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func waitEntered(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("content store was not called")
	}
}

func signPending(t *testing.T, pending *interfaces.SignatureRequest, chainID *big.Int, key *ecdsa.PrivateKey) string {
	t.Helper()
	unsigned, err := hexutil.Decode(pending.UnsignedTx)
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(unsigned))
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return hexutil.Encode(raw)
}

func TestManager_StartAndWait(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.orch, testLogger())

	started, err := m.Start(context.Background(), scoutForm(), h.session)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepIdle, started.Step)

	final, err := m.Wait(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepSucceeded, final.Step)

	got, err := m.Get(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepSucceeded, got.Step)

	ids, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{started.ID}, ids)

	_, ok := m.Session(started.ID)
	assert.False(t, ok)
}

func TestManager_ConcurrentWorkflowsAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.chain.Mint("43", h.session.Account())
	m := NewManager(h.orch, testLogger())

	formA := scoutForm()
	formB := scoutForm()
	formB.AgentName = "Ranger"
	formB.TokenID = "43"

	a, err := m.Start(context.Background(), formA, h.session)
	require.NoError(t, err)
	b, err := m.Start(context.Background(), formB, wallet.NewKeyedSession(h.key, testLogger()))
	require.NoError(t, err)

	finalA, err := m.Wait(context.Background(), a.ID)
	require.NoError(t, err)
	finalB, err := m.Wait(context.Background(), b.ID)
	require.NoError(t, err)

	// Both share one account, so nonce races may surface as retried network errors; neither may leak into the other.
	for _, s := range []*interfaces.WorkflowState{finalA, finalB} {
		if s.Step == interfaces.StepSucceeded {
			assert.NotEmpty(t, s.IdentityID)
		}
	}
	assert.Equal(t, "Scout", finalA.Metadata.Name)
	assert.Equal(t, "Ranger", finalB.Metadata.Name)
	assert.NotEqual(t, finalA.Content.CID, finalB.Content.CID)
}

func TestManager_Subscribe(t *testing.T) {
	content := newBlockingContentStore()
	h := newHarness(t, withContentStore(content))
	m := NewManager(h.orch, testLogger())

	started, err := m.Start(context.Background(), scoutForm(), h.session)
	require.NoError(t, err)
	waitEntered(t, content.entered)

	updates, unsubscribe := m.Subscribe(started.ID)
	defer unsubscribe()
	close(content.release)

	var last *interfaces.WorkflowState
	timeout := time.After(2 * time.Second)
	for last == nil || !last.Terminal() {
		select {
		case s := <-updates:
			last = s
		case <-timeout:
			t.Fatal("no terminal update received")
		}
	}
	assert.Equal(t, interfaces.StepSucceeded, last.Step)
	assert.Equal(t, started.ID, last.ID)
}

func TestManager_CancelDuringPublishing(t *testing.T) {
	content := newBlockingContentStore()
	h := newHarness(t, withContentStore(content))
	m := NewManager(h.orch, testLogger())

	started, err := m.Start(context.Background(), scoutForm(), h.session)
	require.NoError(t, err)
	waitEntered(t, content.entered)

	final, err := m.Cancel(context.Background(), started.ID)
	require.NoError(t, err)
	require.NotNil(t, final.Failure)
	assert.Equal(t, interfaces.StepFailed, final.Step)
	assert.Equal(t, interfaces.KindCancelled, final.Failure.Kind)
	assert.Equal(t, interfaces.StepPublishingContent, final.Failure.FailedStep)
	assert.Equal(t, interfaces.StepBuildingMetadata, final.Failure.LastCompletedStep)
	assert.False(t, final.Failure.Irreversible)
	assert.Equal(t, 0, h.calls.count("burn.submit"))
	assert.Equal(t, 0, h.chain.Sent(tokenAddr))

	stored, err := h.store.Load(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindCancelled, stored.Failure.Kind)
}

func TestManager_RelayWallet(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.orch, testLogger())
	relay := wallet.NewRelaySession(h.session.Account(), testLogger())

	started, err := m.Start(context.Background(), scoutForm(), relay)
	require.NoError(t, err)

	session, ok := m.Session(started.ID)
	require.True(t, ok)
	assert.Same(t, relay, session)

	// Waiting for the burn signature.
	require.Eventually(t, func() bool {
		s, err := m.Get(context.Background(), started.ID)
		return err == nil && s.SignatureRequest != nil
	}, 2*time.Second, time.Millisecond)

	_, err = m.Cancel(context.Background(), started.ID)
	assert.ErrorIs(t, err, ErrCancelNotAllowed)

	_, err = m.Resume(context.Background(), started.ID, relay)
	assert.ErrorIs(t, err, ErrWorkflowRunning)

	for _, purpose := range []string{"burn access token", "register agent identity"} {
		require.Eventually(t, func() bool {
			p := relay.Pending()
			return p != nil && p.Purpose == purpose
		}, 2*time.Second, time.Millisecond)
		require.NoError(t, relay.Submit(signPending(t, relay.Pending(), testChainID, h.key)))
	}

	final, err := m.Wait(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepSucceeded, final.Step)
	assert.Equal(t, "1", final.IdentityID)
}

func TestManager_RelayRejectThenResume(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.orch, testLogger())
	relay := wallet.NewRelaySession(h.session.Account(), testLogger())

	started, err := m.Start(context.Background(), scoutForm(), relay)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return relay.Pending() != nil }, 2*time.Second, time.Millisecond)
	require.NoError(t, relay.Reject("not now"))

	failed, err := m.Wait(context.Background(), started.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, interfaces.KindUserRejected, failed.Failure.Kind)
	assert.Equal(t, interfaces.StepPublishingContent, failed.LastCompletedStep)

	resumed, err := m.Resume(context.Background(), started.ID, h.session)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepFailed, resumed.Step)

	final, err := m.Wait(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepSucceeded, final.Step)
	assert.Equal(t, 1, h.calls.count("publish"))
}

func TestManager_CancelStoredWorkflow(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.orch, testLogger())

	state, err := h.orch.Prepare(context.Background(), scoutForm(), h.session.Account().Hex())
	require.NoError(t, err)

	final, err := m.Cancel(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindCancelled, final.Failure.Kind)
	assert.Equal(t, interfaces.StepIdle, final.Failure.FailedStep)
}

func TestManager_CancelResumedFailedWorkflow(t *testing.T) {
	content := newBlockingContentStore()
	h := newHarness(t, withContentStore(content))
	m := NewManager(h.orch, testLogger())

	started, err := m.Start(context.Background(), scoutForm(), h.session)
	require.NoError(t, err)
	waitEntered(t, content.entered)
	first, err := m.Cancel(context.Background(), started.ID)
	require.NoError(t, err)
	require.Equal(t, interfaces.StepFailed, first.Step)

	resumed, err := m.Resume(context.Background(), started.ID, h.session)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepFailed, resumed.Step)

	// Cancelled right away, before the run has left the previous Failed state.
	final, err := m.Cancel(context.Background(), started.ID)
	require.NoError(t, err)
	require.NotNil(t, final.Failure)
	assert.Equal(t, interfaces.KindCancelled, final.Failure.Kind)
	assert.Equal(t, interfaces.StepPublishingContent, final.Failure.FailedStep)
	assert.Equal(t, 0, h.calls.count("burn.submit"))
	assert.Equal(t, 0, h.chain.Sent(tokenAddr))
}

func TestManager_ResumeByOtherAccountRefused(t *testing.T) {
	h := newHarness(t)
	m := NewManager(h.orch, testLogger())

	started, err := m.Start(context.Background(), scoutForm(), h.rejecting("register agent identity"))
	require.NoError(t, err)
	failed, err := m.Wait(context.Background(), started.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.BurnReceipt)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = m.Resume(context.Background(), started.ID, wallet.NewKeyedSession(otherKey, testLogger()))
	require.ErrorIs(t, err, ErrOwnerMismatch)
	assert.False(t, m.running(started.ID))

	_, err = m.Resume(context.Background(), started.ID, h.session)
	require.NoError(t, err)
	final, err := m.Wait(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepSucceeded, final.Step)
	assert.Equal(t, 1, h.chain.Sent(tokenAddr))
}

func TestManager_ShutdownInterrupts(t *testing.T) {
	content := newBlockingContentStore()
	h := newHarness(t, withContentStore(content))
	m := NewManager(h.orch, testLogger())

	started, err := m.Start(context.Background(), scoutForm(), h.session)
	require.NoError(t, err)
	waitEntered(t, content.entered)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	stored, err := h.store.Load(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StepPublishingContent, stored.Step)
	assert.Nil(t, stored.Failure)
}
