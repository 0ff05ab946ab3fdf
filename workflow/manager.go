package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// ErrWorkflowRunning is returned when a workflow is resumed while it is still running.
var ErrWorkflowRunning = errors.New("workflow is already running")

const subscriberBuffer = 16

type instance struct {
	gate    *CancelGate
	session interfaces.SigningSession
	latest  *interfaces.WorkflowState
	done    chan struct{}
}

// Manager runs many workflows concurrently, one goroutine each.
// Workflows share nothing but the orchestrator's read-only configuration.
type Manager struct {
	orch *Orchestrator
	log  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	instances   map[string]*instance
	subscribers map[string]map[chan *interfaces.WorkflowState]struct{}
}

// NewManager creates a manager. It registers itself as the orchestrator's update listener.
func NewManager(orch *Orchestrator, log *slog.Logger) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		orch:        orch,
		log:         log,
		baseCtx:     ctx,
		stop:        stop,
		instances:   make(map[string]*instance),
		subscribers: make(map[string]map[chan *interfaces.WorkflowState]struct{}),
	}
	orch.OnUpdate(m.publish)
	return m
}

// Start persists a new workflow and runs it in the background. It returns the initial state.
func (m *Manager) Start(ctx context.Context, form interfaces.ProvisionFormData, session interfaces.SigningSession) (*interfaces.WorkflowState, error) {
	state, err := m.orch.Prepare(ctx, form, session.Account().Hex())
	if err != nil {
		return nil, err
	}
	snapshot := state.Clone()
	if err := m.launch(state, session); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Resume continues a persisted workflow in the background.
func (m *Manager) Resume(ctx context.Context, id string, session interfaces.SigningSession) (*interfaces.WorkflowState, error) {
	if m.running(id) {
		return nil, ErrWorkflowRunning
	}

	state, err := m.orch.Load(ctx, id)
	if err != nil {
		return state, err
	}
	if err := checkOwner(state, session); err != nil {
		return state, err
	}
	snapshot := state.Clone()
	if err := m.launch(state, session); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Get returns the latest state of a workflow.
func (m *Manager) Get(ctx context.Context, id string) (*interfaces.WorkflowState, error) {
	m.mu.Lock()
	if inst, ok := m.instances[id]; ok {
		state := inst.latest.Clone()
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	return m.orch.deps.Store.Load(ctx, id)
}

// List returns the ids of all persisted workflows.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.orch.deps.Store.List(ctx)
}

// Session returns the signing session of a running workflow.
func (m *Manager) Session(id string) (interfaces.SigningSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, false
	}
	return inst.session, true
}

// Cancel aborts a workflow that has not yet reached an on-chain step and
// returns its final state. Returns ErrCancelNotAllowed afterwards.
func (m *Manager) Cancel(ctx context.Context, id string) (*interfaces.WorkflowState, error) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return m.orch.Cancel(ctx, id)
	}
	if inst.latest.ChainEffectsRecorded() {
		m.mu.Unlock()
		return nil, ErrCancelNotAllowed
	}
	if err := inst.gate.Cancel(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.log.Info("Workflow cancellation requested", slog.String("workflowID", id))
	return m.wait(ctx, id, inst)
}

// Wait blocks until a running workflow stops and returns its state.
func (m *Manager) Wait(ctx context.Context, id string) (*interfaces.WorkflowState, error) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	m.mu.Unlock()
	if !ok {
		return m.orch.deps.Store.Load(ctx, id)
	}
	return m.wait(ctx, id, inst)
}

// Subscribe returns a channel receiving every state snapshot of workflow id.
// Slow subscribers miss intermediate snapshots rather than block the workflow,
// but always receive the latest one.
// The returned function ends the subscription.
func (m *Manager) Subscribe(id string) (<-chan *interfaces.WorkflowState, func()) {
	ch := make(chan *interfaces.WorkflowState, subscriberBuffer)

	m.mu.Lock()
	if m.subscribers[id] == nil {
		m.subscribers[id] = make(map[chan *interfaces.WorkflowState]struct{})
	}
	m.subscribers[id][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers[id], ch)
			if len(m.subscribers[id]) == 0 {
				delete(m.subscribers, id)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Shutdown interrupts all running workflows and waits for them to persist their state.
// Interrupted workflows can be resumed later.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[id]
	return ok
}

func (m *Manager) launch(state *interfaces.WorkflowState, session interfaces.SigningSession) error {
	runCtx, gate := NewCancelGate(m.baseCtx)
	inst := &instance{
		gate:    gate,
		session: session,
		latest:  state.Clone(),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.instances[state.ID]; ok {
		m.mu.Unlock()
		gate.Release()
		return ErrWorkflowRunning
	}
	m.instances[state.ID] = inst
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer gate.Release()

		final, err := m.orch.Run(runCtx, state, session, gate)
		if err != nil {
			m.log.Warn("Workflow run stopped", slog.String("workflowID", state.ID), "err", err)
		}

		m.mu.Lock()
		if final != nil {
			inst.latest = final
		}
		delete(m.instances, state.ID)
		m.mu.Unlock()
		close(inst.done)
	}()
	return nil
}

func (m *Manager) wait(ctx context.Context, id string, inst *instance) (*interfaces.WorkflowState, error) {
	select {
	case <-inst.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	state := inst.latest.Clone()
	m.mu.Unlock()
	return state, nil
}

func (m *Manager) publish(state *interfaces.WorkflowState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[state.ID]; ok {
		inst.latest = state
	}
	for ch := range m.subscribers[state.ID] {
		snapshot := state.Clone()
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// Full buffer: drop the oldest snapshot so the latest one is always delivered.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
