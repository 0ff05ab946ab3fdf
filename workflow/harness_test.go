package workflow

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/agent-identity-provisioner/backend"
	"github.com/ruteri/agent-identity-provisioner/chain"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/ruteri/agent-identity-provisioner/metadata"
	"github.com/ruteri/agent-identity-provisioner/storage"
	"github.com/ruteri/agent-identity-provisioner/wallet"
	"github.com/stretchr/testify/require"
)

var (
	testChainID  = big.NewInt(1337)
	tokenAddr    = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
	registryAddr = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scoutForm() interfaces.ProvisionFormData {
	return interfaces.ProvisionFormData{
		AgentName:    "Scout",
		Description:  "demo",
		Capabilities: []string{"search"},
		TokenID:      "42",
	}
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

// callLog records collaborator calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type spyPublisher struct {
	inner ContentPublisher
	log   *callLog
}

func (s *spyPublisher) Publish(ctx context.Context, doc *interfaces.IdentityMetadata) (*interfaces.ContentReference, error) {
	s.log.add("publish")
	return s.inner.Publish(ctx, doc)
}

type spyBurner struct {
	inner TokenBurnExecutor
	log   *callLog
}

func (s *spyBurner) Submit(ctx context.Context, tokenID string, session interfaces.SigningSession) (string, error) {
	s.log.add("burn.submit")
	return s.inner.Submit(ctx, tokenID, session)
}

func (s *spyBurner) Await(ctx context.Context, txHash string) (*interfaces.ChainReceipt, error) {
	s.log.add("burn.await")
	return s.inner.Await(ctx, txHash)
}

type spyRegistrar struct {
	inner IdentityRegistrar
	log   *callLog
}

func (s *spyRegistrar) Lookup(ctx context.Context, owner common.Address, ref interfaces.ContentReference) (*interfaces.ChainReceipt, error) {
	s.log.add("register.lookup")
	return s.inner.Lookup(ctx, owner, ref)
}

func (s *spyRegistrar) Submit(ctx context.Context, ref interfaces.ContentReference, session interfaces.SigningSession) (string, error) {
	s.log.add("register.submit")
	return s.inner.Submit(ctx, ref, session)
}

func (s *spyRegistrar) Await(ctx context.Context, txHash string) (*interfaces.ChainReceipt, error) {
	s.log.add("register.await")
	return s.inner.Await(ctx, txHash)
}

// fakeBackend is a backend whose job status can be changed by the test.
type fakeBackend struct {
	mu      sync.Mutex
	status  interfaces.JobStatus
	started int
	log     *callLog
}

func (f *fakeBackend) StartProvisioning(ctx context.Context, identityID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	f.log.add("provision.start")
	return "job-1", nil
}

func (f *fakeBackend) JobStatus(ctx context.Context, jobID string) (interfaces.ProvisioningStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return interfaces.ProvisioningStatus{Status: f.status}, nil
}

func (f *fakeBackend) setStatus(status interfaces.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// scriptedSession signs with a key but rejects the requests whose purposes are listed.
type scriptedSession struct {
	*wallet.KeyedSession
	mu     sync.Mutex
	reject map[string]bool
}

func (s *scriptedSession) RequestSignature(ctx context.Context, req interfaces.TxRequest) (*types.Transaction, error) {
	s.mu.Lock()
	rejected := s.reject[req.Purpose]
	s.mu.Unlock()
	if rejected {
		return nil, interfaces.ErrUserRejected
	}
	return s.KeyedSession.RequestSignature(ctx, req)
}

// recordingStore keeps every saved snapshot.
type recordingStore struct {
	*MemoryStore
	mu        sync.Mutex
	snapshots []*interfaces.WorkflowState
}

func (s *recordingStore) Save(ctx context.Context, state *interfaces.WorkflowState) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, state.Clone())
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, state)
}

func (s *recordingStore) all() []*interfaces.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*interfaces.WorkflowState(nil), s.snapshots...)
}

type harness struct {
	calls   *callLog
	chain   *chain.MockChain
	content *storage.MemoryStore
	store   *recordingStore
	backend *fakeBackend
	key     *ecdsa.PrivateKey
	session *wallet.KeyedSession
	deps    Deps
	metrics *Metrics
	orch    *Orchestrator
}

type harnessOption func(h *harness)

func withContentStore(store interfaces.ContentStore) harnessOption {
	return func(h *harness) {
		publisher, err := storage.NewPublisher(store, storage.PublisherConfig{Timeout: time.Second, CacheSize: 16}, testLogger())
		if err != nil {
			panic(err)
		}
		h.deps.Publisher = &spyPublisher{inner: publisher, log: h.calls}
	}
}

func withBackendService(service interfaces.BackendService) harnessOption {
	return func(h *harness) {
		h.deps.Provisioner = backend.NewProvisioner(service, backend.Config{PollInterval: 2 * time.Millisecond, WaitBudget: 40 * time.Millisecond}, testLogger())
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := testLogger()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		calls:   &callLog{},
		chain:   chain.NewMockChain(testChainID, tokenAddr, registryAddr),
		content: storage.NewMemoryStore(),
		store:   &recordingStore{MemoryStore: NewMemoryStore()},
		key:     key,
		session: wallet.NewKeyedSession(key, logger),
	}
	h.backend = &fakeBackend{status: interfaces.JobReady, log: h.calls}
	h.chain.Mint("42", h.session.Account())

	builder, err := metadata.NewBuilder(metadata.EndpointConfig{Endpoint: "https://api.example/agents", X402Support: true})
	require.NoError(t, err)

	transactor := chain.NewTransactor(h.chain, logger)
	waiter := chain.NewReceiptWaiter(h.chain, chain.WaitConfig{PollInterval: 2 * time.Millisecond, Budget: 20 * time.Millisecond}, logger)

	h.deps = Deps{
		Builder:   builder,
		Burner:    &spyBurner{inner: chain.NewTokenBurner(tokenAddr, transactor, waiter, logger), log: h.calls},
		Registrar: &spyRegistrar{inner: chain.NewIdentityRegistrar(registryAddr, 0, h.chain, transactor, waiter, logger), log: h.calls},
		Store:     h.store,
	}
	withContentStore(h.content)(h)
	withBackendService(h.backend)(h)

	for _, opt := range opts {
		opt(h)
	}

	h.metrics = NewMetrics(prometheus.NewRegistry())
	h.orch = NewOrchestrator(h.deps, Config{Retry: testRetryPolicy()}, h.metrics, logger)
	return h
}

func (h *harness) rejecting(purposes ...string) *scriptedSession {
	s := &scriptedSession{KeyedSession: h.session, reject: make(map[string]bool)}
	for _, p := range purposes {
		s.reject[p] = true
	}
	return s
}

func historySteps(state *interfaces.WorkflowState) []interfaces.Step {
	steps := make([]interfaces.Step, 0, len(state.History))
	for _, tr := range state.History {
		steps = append(steps, tr.Step)
	}
	return steps
}
