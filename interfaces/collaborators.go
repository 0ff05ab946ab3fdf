package interfaces

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ContentStore is a content-addressed byte store.
// Putting byte-identical data must yield the same CID.
type ContentStore interface {
	// Put writes data and returns its CID.
	Put(ctx context.Context, data []byte) (string, error)

	// Fetch reads data by CID. Returns ErrContentNotFound for unknown CIDs.
	Fetch(ctx context.Context, cid string) ([]byte, error)

	// Available checks if the store is reachable.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this store.
	LocationURI() string
}

// TxRequest is a transaction awaiting the user's signature.
type TxRequest struct {
	// Purpose is a short human-readable label ("burn access token").
	Purpose string
	ChainID *big.Int
	Tx      *types.Transaction
}

// SigningSession is the user-controlled capability to sign transactions.
// Implementations return ErrUserRejected when the user declines.
type SigningSession interface {
	// Account returns the address transactions are signed with.
	Account() common.Address

	// RequestSignature blocks until the user signs or rejects the transaction.
	RequestSignature(ctx context.Context, req TxRequest) (*types.Transaction, error)
}

// ChainClient is the subset of an Ethereum RPC client used to submit and observe transactions.
// *ethclient.Client satisfies it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns ethereum.NotFound while the transaction is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// BackendService is the knowledge-stack backend, consumed over REST.
type BackendService interface {
	// StartProvisioning maps to POST /identities/{id}/provision.
	StartProvisioning(ctx context.Context, identityID string) (string, error)

	// JobStatus maps to GET /provision-jobs/{jobId}.
	JobStatus(ctx context.Context, jobID string) (ProvisioningStatus, error)
}

// WorkflowStore persists workflow state between steps.
type WorkflowStore interface {
	// Save stores a snapshot of the state, replacing any previous one with the same id.
	Save(ctx context.Context, state *WorkflowState) error

	// Load returns the last saved state. Returns ErrWorkflowNotFound for unknown ids.
	Load(ctx context.Context, id string) (*WorkflowState, error)

	// List returns the ids of all stored workflows.
	List(ctx context.Context) ([]string, error)
}
