package workflow

import (
	"context"
	"errors"
	"sync"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// ErrCancelNotAllowed is returned when cancellation is requested after an
// on-chain submission may have started.
var ErrCancelNotAllowed = errors.New("workflow can no longer be cancelled")

// CancelGate arbitrates between user cancellation and the first on-chain submission.
// Once closed by the orchestrator, cancellation is refused.
type CancelGate struct {
	mu        sync.Mutex
	closed    bool
	cancelled bool
	cancel    context.CancelCauseFunc
}

// NewCancelGate returns a gate that cancels ctx with interfaces.ErrCancelled when Cancel succeeds.
func NewCancelGate(ctx context.Context) (context.Context, *CancelGate) {
	ctx, cancel := context.WithCancelCause(ctx)
	return ctx, &CancelGate{cancel: cancel}
}

// Cancel aborts the workflow unless the gate is closed.
func (g *CancelGate) Cancel() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrCancelNotAllowed
	}
	g.cancelled = true
	g.cancel(interfaces.ErrCancelled)
	return nil
}

// Close refuses further cancellation. Returns false if the workflow was already cancelled.
func (g *CancelGate) Close() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancelled {
		return false
	}
	g.closed = true
	return true
}

// Release frees the gate's context.
func (g *CancelGate) Release() {
	g.cancel(context.Canceled)
}

func cancelledByUser(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), interfaces.ErrCancelled)
}
