package interfaces

import (
	"errors"
	"fmt"
)

// ErrorKind classifies step failures for retry policy and user messaging.
type ErrorKind string

const (
	KindValidation           ErrorKind = "ValidationError"
	KindNetwork              ErrorKind = "NetworkError"
	KindQuotaExceeded        ErrorKind = "QuotaExceeded"
	KindUserRejected         ErrorKind = "UserRejected"
	KindInsufficientFunds    ErrorKind = "InsufficientFunds"
	KindTransactionReverted  ErrorKind = "TransactionReverted"
	KindChainTimeout         ErrorKind = "ChainTimeout"
	KindBackendRejected      ErrorKind = "BackendRejected"
	KindBackendUnavailable   ErrorKind = "BackendUnavailable"
	KindProvisioningTimedOut ErrorKind = "ProvisioningTimedOut"
	KindCancelled            ErrorKind = "Cancelled"
	KindInternal             ErrorKind = "InternalError"
)

var (
	// ErrValidation is returned when form data cannot produce a metadata document.
	ErrValidation = errors.New("invalid provisioning form")

	// ErrNetwork is returned when the content store or chain node cannot be reached or times out.
	ErrNetwork = errors.New("network error")

	// ErrQuotaExceeded is returned when the content store refuses the write for quota reasons.
	ErrQuotaExceeded = errors.New("content store quota exceeded")

	// ErrUserRejected is returned when the user declines a signature request.
	ErrUserRejected = errors.New("signature request rejected by user")

	// ErrInsufficientFunds is returned when the signing account cannot pay for the transaction.
	ErrInsufficientFunds = errors.New("insufficient funds for transaction")

	// ErrTransactionReverted is returned when the transaction reverts or would revert.
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrChainTimeout is returned when a submitted transaction is not included within the wait budget.
	ErrChainTimeout = errors.New("transaction inclusion timed out")

	// ErrBackendRejected is returned when the backend refuses to provision the identity.
	ErrBackendRejected = errors.New("backend rejected provisioning request")

	// ErrBackendUnavailable is returned when the backend cannot be reached or fails transiently.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrProvisioningTimedOut is returned when the backend job is still pending after the wait budget.
	ErrProvisioningTimedOut = errors.New("provisioning job did not finish in time")

	// ErrCancelled is returned when the user aborts the workflow before any on-chain submission.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrWorkflowNotFound is returned by workflow stores for unknown ids.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrContentNotFound is returned by content stores for unknown CIDs.
	ErrContentNotFound = errors.New("content not found")

	// ErrSignatureRequestPending is returned when a second signature request is made
	// while one is outstanding on the same session.
	ErrSignatureRequestPending = errors.New("signature request already pending")
)

var kindSentinels = []struct {
	err  error
	kind ErrorKind
}{
	{ErrValidation, KindValidation},
	{ErrNetwork, KindNetwork},
	{ErrQuotaExceeded, KindQuotaExceeded},
	{ErrUserRejected, KindUserRejected},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrTransactionReverted, KindTransactionReverted},
	{ErrChainTimeout, KindChainTimeout},
	{ErrBackendRejected, KindBackendRejected},
	{ErrBackendUnavailable, KindBackendUnavailable},
	{ErrProvisioningTimedOut, KindProvisioningTimedOut},
	{ErrCancelled, KindCancelled},
}

// KindOf maps an error to its kind. Errors outside the taxonomy are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// IsRetryable reports whether the orchestrator retries failures of this kind.
func IsRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindChainTimeout, KindBackendUnavailable:
		return true
	default:
		return false
	}
}

// UserMessage returns the actionable message shown for a failure kind.
func UserMessage(kind ErrorKind) string {
	switch kind {
	case KindValidation:
		return "Please provide an agent name and at least one capability."
	case KindNetwork:
		return "A network service could not be reached. Retry to resume where the workflow stopped."
	case KindQuotaExceeded:
		return "The content store quota is exhausted. Contact support before retrying."
	case KindUserRejected:
		return "You declined the transaction in your wallet. Retry to be asked again."
	case KindInsufficientFunds:
		return "Your wallet does not hold enough funds to pay for the transaction."
	case KindTransactionReverted:
		return "The transaction was rejected by the contract. Check that you own the access token and that it was not already used."
	case KindChainTimeout:
		return "Your transaction is still pending on-chain. Retry to keep waiting; it will not be sent again."
	case KindBackendRejected:
		return "The provisioning service rejected this identity."
	case KindBackendUnavailable:
		return "The provisioning service is unavailable. Retry to resume provisioning."
	case KindProvisioningTimedOut:
		return "Your identity is registered and the knowledge stack is still being prepared. Check back later with your identity id."
	case KindCancelled:
		return "Provisioning was cancelled before anything was sent on-chain."
	default:
		return "Provisioning failed unexpectedly."
	}
}

// PendingTxError reports a submitted transaction whose inclusion was not observed.
// The orchestrator keeps TxHash and re-polls it instead of resubmitting.
type PendingTxError struct {
	TxHash string
	Err    error
}

func (e *PendingTxError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.TxHash, e.Err)
}

func (e *PendingTxError) Unwrap() error {
	return e.Err
}
