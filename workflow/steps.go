package workflow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// MetadataBuilder derives the identity document from form data.
// *metadata.Builder implements it.
type MetadataBuilder interface {
	Build(form interfaces.ProvisionFormData) (*interfaces.IdentityMetadata, error)
}

// ContentPublisher publishes identity documents. *storage.Publisher implements it.
type ContentPublisher interface {
	Publish(ctx context.Context, doc *interfaces.IdentityMetadata) (*interfaces.ContentReference, error)
}

// TokenBurnExecutor burns access tokens. *chain.TokenBurner implements it.
type TokenBurnExecutor interface {
	Submit(ctx context.Context, tokenID string, session interfaces.SigningSession) (string, error)
	Await(ctx context.Context, txHash string) (*interfaces.ChainReceipt, error)
}

// IdentityRegistrar registers identity documents on-chain. *chain.IdentityRegistrar implements it.
type IdentityRegistrar interface {
	Lookup(ctx context.Context, owner common.Address, ref interfaces.ContentReference) (*interfaces.ChainReceipt, error)
	Submit(ctx context.Context, ref interfaces.ContentReference, session interfaces.SigningSession) (string, error)
	Await(ctx context.Context, txHash string) (*interfaces.ChainReceipt, error)
}

// BackendProvisioner starts and awaits knowledge-stack jobs. *backend.Provisioner implements it.
type BackendProvisioner interface {
	Provision(ctx context.Context, identityID string) (string, error)
	Await(ctx context.Context, jobID string) (*interfaces.ProvisioningStatus, error)
}
