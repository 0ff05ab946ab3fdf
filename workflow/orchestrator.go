package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/ruteri/agent-identity-provisioner/metadata"
	"github.com/ruteri/agent-identity-provisioner/wallet"
)

var (
	// ErrWorkflowCompleted is returned when resuming a workflow that already succeeded.
	ErrWorkflowCompleted = errors.New("workflow already succeeded")
	// ErrOwnerMismatch is returned when a workflow with on-chain effects is resumed by another account.
	ErrOwnerMismatch = errors.New("signing account does not own the workflow")

	errOutOfOrder = errors.New("step started before its prerequisites completed")
)

// storeError marks persistence failures. They abort the run instead of failing the workflow.
type storeError struct {
	err error
}

func (e *storeError) Error() string { return fmt.Sprintf("persisting workflow state: %v", e.err) }
func (e *storeError) Unwrap() error { return e.err }

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Builder     MetadataBuilder
	Publisher   ContentPublisher
	Burner      TokenBurnExecutor
	Registrar   IdentityRegistrar
	Provisioner BackendProvisioner
	Store       interfaces.WorkflowStore
}

// Config holds orchestrator settings.
type Config struct {
	Retry RetryPolicy
}

// Listener receives a copy of every persisted state snapshot.
type Listener func(state *interfaces.WorkflowState)

// Orchestrator drives provisioning workflows through their steps:
//
//	Idle → BuildingMetadata → PublishingContent → BurningToken
//	     → RegisteringIdentity → Provisioning → Succeeded
//
// Any step may end the workflow in Failed. State is persisted after every
// transition and immediately after each transaction submission, so a run
// interrupted at any point can be resumed without repeating on-chain effects.
// One Orchestrator may run many workflows concurrently; a single workflow
// must not be run twice at the same time.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	metrics  *Metrics
	log      *slog.Logger
	listener Listener
	now      func() time.Time
}

func NewOrchestrator(deps Deps, cfg Config, metrics *Metrics, log *slog.Logger) *Orchestrator {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnUpdate registers a listener for persisted snapshots. It must be called before any run starts.
func (o *Orchestrator) OnUpdate(l Listener) {
	o.listener = l
}

// NewWorkflowState creates the initial state of a provisioning attempt.
func NewWorkflowState(form interfaces.ProvisionFormData, owner string, now time.Time) *interfaces.WorkflowState {
	form = metadata.Normalize(form)
	return &interfaces.WorkflowState{
		ID:                uuid.NewString(),
		Step:              interfaces.StepIdle,
		LastCompletedStep: interfaces.StepIdle,
		Form:              form,
		Owner:             owner,
		History:           []interfaces.Transition{{Step: interfaces.StepIdle, At: now}},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Prepare creates and persists a new workflow in Idle.
func (o *Orchestrator) Prepare(ctx context.Context, form interfaces.ProvisionFormData, owner string) (*interfaces.WorkflowState, error) {
	state := NewWorkflowState(form, owner, o.now())
	if err := o.deps.Store.Save(ctx, state); err != nil {
		return nil, &storeError{err}
	}
	o.notify(state)
	return state, nil
}

// Load returns the persisted state of a workflow and checks that it can be resumed.
func (o *Orchestrator) Load(ctx context.Context, id string) (*interfaces.WorkflowState, error) {
	state, err := o.deps.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Step == interfaces.StepSucceeded {
		return state, ErrWorkflowCompleted
	}
	return state, nil
}

// Start runs a new workflow for form to a terminal state.
func (o *Orchestrator) Start(ctx context.Context, form interfaces.ProvisionFormData, session interfaces.SigningSession) (*interfaces.WorkflowState, error) {
	state, err := o.Prepare(ctx, form, session.Account().Hex())
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, state, session, nil)
}

// Resume continues a persisted workflow after its last completed step.
func (o *Orchestrator) Resume(ctx context.Context, id string, session interfaces.SigningSession) (*interfaces.WorkflowState, error) {
	state, err := o.Load(ctx, id)
	if err != nil {
		return state, err
	}
	return o.Run(ctx, state, session, nil)
}

// Run executes state until it reaches Succeeded or Failed. Step failures are
// recorded in the returned state, not returned as errors. An error is returned
// only when state cannot be persisted, when the workflow already succeeded,
// when session does not own a workflow with submitted transactions, or
// when ctx ends for a reason other than user cancellation; the persisted state
// can then be resumed later.
// gate may be nil when user cancellation is not offered.
func (o *Orchestrator) Run(ctx context.Context, state *interfaces.WorkflowState, session interfaces.SigningSession, gate *CancelGate) (*interfaces.WorkflowState, error) {
	if state.Step == interfaces.StepSucceeded {
		return state.Clone(), ErrWorkflowCompleted
	}
	if err := checkOwner(state, session); err != nil {
		return state.Clone(), err
	}
	state.Owner = session.Account().Hex()

	o.metrics.running(1)
	defer o.metrics.running(-1)

	r := &run{
		o:     o,
		state: state,
		gate:  gate,
		log:   o.log.With(slog.String("workflowID", state.ID)),
	}
	r.session = &recordingSession{inner: session, run: r}

	if state.Step == interfaces.StepFailed && state.Failure != nil {
		r.log.Info("Resuming failed workflow",
			slog.String("lastCompletedStep", state.LastCompletedStep.String()),
			slog.String("previousFailure", string(state.Failure.Kind)))
	}
	state.Failure = nil

	return r.execute(ctx)
}

// checkOwner refuses a session for another account once a transaction has been submitted.
// Before that the workflow is adopted by whoever resumes it.
func checkOwner(state *interfaces.WorkflowState, session interfaces.SigningSession) error {
	if state.Owner == "" || !state.ChainEffectsRecorded() {
		return nil
	}
	if !common.IsHexAddress(state.Owner) || common.HexToAddress(state.Owner) != session.Account() {
		return fmt.Errorf("%w: owner %s, signer %s", ErrOwnerMismatch, state.Owner, session.Account().Hex())
	}
	return nil
}

func (o *Orchestrator) notify(state *interfaces.WorkflowState) {
	if o.listener != nil {
		o.listener(state.Clone())
	}
}

// run is the execution of one workflow instance. It is confined to one goroutine.
type run struct {
	o       *Orchestrator
	state   *interfaces.WorkflowState
	session interfaces.SigningSession
	gate    *CancelGate
	log     *slog.Logger

	// ctx is the run context, used by the signing wrapper to persist requests.
	ctx context.Context
}

func (r *run) execute(ctx context.Context) (*interfaces.WorkflowState, error) {
	r.ctx = ctx

	for {
		step := r.nextStep()

		if step == interfaces.StepSucceeded {
			r.state.LastCompletedStep = r.completedThrough()
			r.transition(interfaces.StepSucceeded)
			if err := r.save(); err != nil {
				return r.state.Clone(), err
			}
			r.log.Info("Workflow succeeded", slog.String("identityID", r.state.IdentityID))
			return r.state.Clone(), nil
		}

		if cancelledByUser(ctx) || (step.IsIrreversible() && !r.gate.Close()) {
			failedAt := r.state.Step
			if !failedAt.Cancellable() {
				failedAt = step
			}
			return r.finish(failedAt, interfaces.ErrCancelled)
		}
		if ctx.Err() != nil {
			return r.interrupt(ctx)
		}

		if r.state.Step != step {
			r.transition(step)
			if err := r.save(); err != nil {
				return r.state.Clone(), err
			}
		}

		started := time.Now()
		err := r.runStep(ctx, step)
		r.o.metrics.observeStep(step, started)

		var serr *storeError
		switch {
		case errors.As(err, &serr):
			return r.state.Clone(), err
		case err != nil && cancelledByUser(ctx):
			return r.finish(step, fmt.Errorf("%w: %v", interfaces.ErrCancelled, err))
		case err != nil && ctx.Err() != nil:
			return r.interrupt(ctx)
		case err != nil:
			return r.finish(step, err)
		}

		r.state.LastCompletedStep = r.completedThrough()
		if err := r.save(); err != nil {
			return r.state.Clone(), err
		}
	}
}

// nextStep derives the step to execute from the recorded results.
func (r *run) nextStep() interfaces.Step {
	s := r.state
	switch {
	case s.Metadata == nil:
		return interfaces.StepBuildingMetadata
	case s.Content == nil:
		return interfaces.StepPublishingContent
	case s.BurnReceipt == nil:
		return interfaces.StepBurningToken
	case s.RegistrationReceipt == nil:
		return interfaces.StepRegisteringIdentity
	case s.JobStatus == nil || s.JobStatus.Status != interfaces.JobReady:
		return interfaces.StepProvisioning
	default:
		return interfaces.StepSucceeded
	}
}

// completedThrough returns the highest step whose side effect is confirmed.
// Provisioning counts as completed once the backend accepted the job.
func (r *run) completedThrough() interfaces.Step {
	s := r.state
	switch {
	case s.JobID != "" && s.RegistrationReceipt != nil:
		return interfaces.StepProvisioning
	case s.RegistrationReceipt != nil:
		return interfaces.StepRegisteringIdentity
	case s.BurnReceipt != nil:
		return interfaces.StepBurningToken
	case s.Content != nil:
		return interfaces.StepPublishingContent
	case s.Metadata != nil:
		return interfaces.StepBuildingMetadata
	default:
		return interfaces.StepIdle
	}
}

func (r *run) runStep(ctx context.Context, step interfaces.Step) error {
	switch step {
	case interfaces.StepBuildingMetadata:
		r.o.metrics.attempt(step)
		return r.buildMetadata()
	case interfaces.StepPublishingContent:
		return r.withRetry(ctx, step, func() error { return r.publish(ctx) })
	case interfaces.StepBurningToken:
		return r.withRetry(ctx, step, func() error { return r.burn(ctx) })
	case interfaces.StepRegisteringIdentity:
		return r.withRetry(ctx, step, func() error { return r.register(ctx) })
	case interfaces.StepProvisioning:
		return r.withRetry(ctx, step, func() error { return r.provision(ctx) })
	default:
		return fmt.Errorf("no executor for step %s", step)
	}
}

func (r *run) withRetry(ctx context.Context, step interfaces.Step, body func() error) error {
	_, err := r.o.cfg.Retry.Do(ctx, func() error {
		r.o.metrics.attempt(step)
		return body()
	}, func(attempt int, wait time.Duration, err error) {
		kind := interfaces.KindOf(err)
		r.o.metrics.retry(step, kind)
		r.log.Warn("Step failed, retrying",
			slog.String("step", step.String()),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			"err", err)
	})
	return err
}

func (r *run) buildMetadata() error {
	doc, err := r.o.deps.Builder.Build(r.state.Form)
	if err != nil {
		return err
	}
	r.state.Metadata = doc
	return nil
}

func (r *run) publish(ctx context.Context) error {
	if r.state.Metadata == nil {
		return errOutOfOrder
	}
	ref, err := r.o.deps.Publisher.Publish(ctx, r.state.Metadata)
	if err != nil {
		return err
	}
	r.state.Content = ref
	return nil
}

func (r *run) burn(ctx context.Context) error {
	if r.state.Content == nil {
		return errOutOfOrder
	}

	if r.state.BurnTxHash == "" {
		hash, err := r.o.deps.Burner.Submit(ctx, r.state.Form.TokenID, r.session)
		if err != nil {
			return err
		}
		r.state.BurnTxHash = hash
		if err := r.save(); err != nil {
			return err
		}
	} else {
		r.log.Info("Awaiting previously submitted burn", slog.String("txHash", r.state.BurnTxHash))
	}

	receipt, err := r.o.deps.Burner.Await(ctx, r.state.BurnTxHash)
	if err != nil {
		if errors.Is(err, interfaces.ErrTransactionReverted) {
			// A reverted transaction is final; a later attempt must submit anew.
			r.state.BurnTxHash = ""
		}
		return err
	}
	r.state.BurnReceipt = receipt
	return nil
}

func (r *run) register(ctx context.Context) error {
	if r.state.Content == nil || r.state.BurnReceipt == nil || r.state.BurnReceipt.Status != interfaces.ReceiptSuccess {
		return errOutOfOrder
	}

	if r.state.RegistrationTxHash == "" {
		existing, err := r.o.deps.Registrar.Lookup(ctx, common.HexToAddress(r.state.Owner), *r.state.Content)
		if err != nil {
			return err
		}
		if existing != nil {
			r.log.Info("Identity already registered", slog.String("txHash", existing.TxHash))
			r.state.RegistrationReceipt = existing
			r.state.IdentityID = existing.IdentityID
			return nil
		}

		hash, err := r.o.deps.Registrar.Submit(ctx, *r.state.Content, r.session)
		if err != nil {
			return err
		}
		r.state.RegistrationTxHash = hash
		if err := r.save(); err != nil {
			return err
		}
	} else {
		r.log.Info("Awaiting previously submitted registration", slog.String("txHash", r.state.RegistrationTxHash))
	}

	receipt, err := r.o.deps.Registrar.Await(ctx, r.state.RegistrationTxHash)
	if err != nil {
		if errors.Is(err, interfaces.ErrTransactionReverted) {
			r.state.RegistrationTxHash = ""
		}
		return err
	}
	r.state.RegistrationReceipt = receipt
	r.state.IdentityID = receipt.IdentityID
	return nil
}

func (r *run) provision(ctx context.Context) error {
	if r.state.RegistrationReceipt == nil || r.state.IdentityID == "" {
		return errOutOfOrder
	}

	if r.state.JobID == "" || (r.state.JobStatus != nil && r.state.JobStatus.Status == interfaces.JobFailed) {
		jobID, err := r.o.deps.Provisioner.Provision(ctx, r.state.IdentityID)
		if err != nil {
			return err
		}
		r.state.JobID = jobID
		r.state.JobStatus = &interfaces.ProvisioningStatus{Status: interfaces.JobPending}
		r.state.LastCompletedStep = r.completedThrough()
		if err := r.save(); err != nil {
			return err
		}
	}

	status, err := r.o.deps.Provisioner.Await(ctx, r.state.JobID)
	if status != nil {
		r.state.JobStatus = status
	}
	return err
}

func (r *run) transition(step interfaces.Step) {
	now := r.o.now()
	r.state.Step = step
	r.state.History = append(r.state.History, interfaces.Transition{Step: step, At: now})
	r.state.UpdatedAt = now
	r.o.metrics.transition(step)
	r.log.Info("Workflow transition", slog.String("step", step.String()))
}

// finish moves the workflow to Failed.
func (r *run) finish(step interfaces.Step, err error) (*interfaces.WorkflowState, error) {
	kind := interfaces.KindOf(err)
	r.state.LastCompletedStep = r.completedThrough()
	r.state.SignatureRequest = nil
	r.state.Failure = &interfaces.Failure{
		Kind:              kind,
		Message:           interfaces.UserMessage(kind),
		Detail:            err.Error(),
		FailedStep:        step,
		LastCompletedStep: r.state.LastCompletedStep,
		Retryable:         interfaces.IsRetryable(kind),
		Irreversible:      r.state.ChainEffectsRecorded(),
	}
	r.transition(interfaces.StepFailed)
	r.o.metrics.failure(step, kind)

	r.log.Error("Workflow failed",
		slog.String("step", step.String()),
		slog.String("kind", string(kind)),
		slog.String("lastCompletedStep", r.state.LastCompletedStep.String()),
		"err", err)

	if serr := r.save(); serr != nil {
		return r.state.Clone(), serr
	}
	return r.state.Clone(), nil
}

// interrupt persists a non-terminal state when the run context ends.
func (r *run) interrupt(ctx context.Context) (*interfaces.WorkflowState, error) {
	r.state.SignatureRequest = nil
	r.log.Warn("Workflow interrupted", slog.String("step", r.state.Step.String()), "err", ctx.Err())
	if err := r.save(); err != nil {
		return r.state.Clone(), err
	}
	return r.state.Clone(), ctx.Err()
}

// save persists the state even when the run context has ended.
func (r *run) save() error {
	r.state.UpdatedAt = r.o.now()
	if err := r.o.deps.Store.Save(context.WithoutCancel(r.ctx), r.state); err != nil {
		r.log.Error("Failed to persist workflow state", "err", err)
		return &storeError{err}
	}
	r.o.notify(r.state)
	return nil
}

// recordingSession publishes pending signature requests in the workflow state.
type recordingSession struct {
	inner interfaces.SigningSession
	run   *run
}

func (s *recordingSession) Account() common.Address {
	return s.inner.Account()
}

func (s *recordingSession) RequestSignature(ctx context.Context, req interfaces.TxRequest) (*types.Transaction, error) {
	details, err := wallet.Describe(s.inner.Account(), req)
	if err == nil {
		s.run.state.SignatureRequest = details
		if err := s.run.save(); err != nil {
			return nil, err
		}
	}

	tx, err := s.inner.RequestSignature(ctx, req)

	s.run.state.SignatureRequest = nil
	if serr := s.run.save(); serr != nil && err == nil {
		return nil, serr
	}
	return tx, err
}

// Cancel ends a workflow that is not currently running. Workflows that may
// have submitted a transaction cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*interfaces.WorkflowState, error) {
	state, err := o.deps.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Terminal() || !state.Step.Cancellable() || state.ChainEffectsRecorded() {
		return state, ErrCancelNotAllowed
	}

	r := &run{
		o:     o,
		state: state,
		log:   o.log.With(slog.String("workflowID", state.ID)),
		ctx:   ctx,
	}
	return r.finish(state.Step, interfaces.ErrCancelled)
}
