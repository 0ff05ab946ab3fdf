package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

const registerPurpose = "register agent identity"

// ErrNoRegisteredEvent is returned when a successful registration receipt carries no Registered event.
// It is reported as a reverted transaction so the registration is submitted again.
var ErrNoRegisteredEvent = errors.New("registration receipt has no Registered event")

// IdentityRegistrar registers published identity documents with the identity registry.
type IdentityRegistrar struct {
	registry    common.Address
	deployBlock uint64
	client      interfaces.ChainClient
	transactor  *Transactor
	waiter      *ReceiptWaiter
	log         *slog.Logger
}

// NewIdentityRegistrar creates a registrar for the registry at address.
// deployBlock bounds the log search for earlier registrations.
func NewIdentityRegistrar(registry common.Address, deployBlock uint64, client interfaces.ChainClient, transactor *Transactor, waiter *ReceiptWaiter, log *slog.Logger) *IdentityRegistrar {
	return &IdentityRegistrar{
		registry:    registry,
		deployBlock: deployBlock,
		client:      client,
		transactor:  transactor,
		waiter:      waiter,
		log:         log,
	}
}

// Lookup searches for an existing registration of ref by owner.
// Returns nil without error when there is none.
func (r *IdentityRegistrar) Lookup(ctx context.Context, owner common.Address, ref interfaces.ContentReference) (*interfaces.ChainReceipt, error) {
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.deployBlock),
		Addresses: []common.Address{r.registry},
		Topics: [][]common.Hash{
			{registeredEvent.ID},
			nil,
			{common.BytesToHash(owner.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying registrations: %v", interfaces.ErrNetwork, err)
	}

	for i := range logs {
		agentID, uri, err := r.parseRegistered(&logs[i])
		if err != nil {
			r.log.Warn("Skipping malformed Registered log", slog.String("txHash", logs[i].TxHash.Hex()), "err", err)
			continue
		}
		if uri != ref.URI || logs[i].Removed {
			continue
		}
		return &interfaces.ChainReceipt{
			TxHash:      logs[i].TxHash.Hex(),
			BlockNumber: logs[i].BlockNumber,
			Status:      interfaces.ReceiptSuccess,
			IdentityID:  agentID,
		}, nil
	}
	return nil, nil
}

// Submit asks the session to sign register(ref.URI) and broadcasts it.
func (r *IdentityRegistrar) Submit(ctx context.Context, ref interfaces.ContentReference, session interfaces.SigningSession) (string, error) {
	if ref.CID == "" || ref.URI == "" {
		return "", fmt.Errorf("%w: registration requires a published content reference", interfaces.ErrValidation)
	}

	data, err := IdentityRegistryABI.Pack("register", ref.URI)
	if err != nil {
		return "", fmt.Errorf("packing register call: %w", err)
	}

	hash, err := r.transactor.Submit(ctx, session, registerPurpose, r.registry, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Await polls for the registration transaction and returns its receipt with the new identity id.
func (r *IdentityRegistrar) Await(ctx context.Context, txHash string) (*interfaces.ChainReceipt, error) {
	receipt, err := r.waiter.Wait(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, err
	}

	out, err := toChainReceipt(receipt)
	if err != nil {
		return nil, err
	}

	for _, l := range receipt.Logs {
		if l.Address != r.registry || len(l.Topics) == 0 || l.Topics[0] != registeredEvent.ID {
			continue
		}
		agentID, _, err := r.parseRegistered(l)
		if err != nil {
			return nil, err
		}
		out.IdentityID = agentID

		r.log.Info("Agent identity registered",
			slog.String("txHash", out.TxHash),
			slog.String("identityID", agentID))
		return out, nil
	}

	return nil, fmt.Errorf("%w: %w: %s", interfaces.ErrTransactionReverted, ErrNoRegisteredEvent, out.TxHash)
}

// Register returns the existing registration of ref for the session's account,
// or submits a new one and waits for it.
func (r *IdentityRegistrar) Register(ctx context.Context, ref interfaces.ContentReference, session interfaces.SigningSession) (*interfaces.ChainReceipt, error) {
	existing, err := r.Lookup(ctx, session.Account(), ref)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	hash, err := r.Submit(ctx, ref, session)
	if err != nil {
		return nil, err
	}
	return r.Await(ctx, hash)
}

func (r *IdentityRegistrar) parseRegistered(l *types.Log) (string, string, error) {
	if len(l.Topics) != 3 {
		return "", "", fmt.Errorf("expected 3 topics, got %d", len(l.Topics))
	}

	values, err := IdentityRegistryABI.Unpack("Registered", l.Data)
	if err != nil {
		return "", "", fmt.Errorf("unpacking Registered event: %w", err)
	}
	if len(values) != 1 {
		return "", "", fmt.Errorf("unexpected Registered event data")
	}
	uri, ok := values[0].(string)
	if !ok {
		return "", "", fmt.Errorf("unexpected tokenURI type %T", values[0])
	}

	agentID := new(big.Int).SetBytes(l.Topics[1].Bytes())
	return agentID.String(), uri, nil
}
