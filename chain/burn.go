package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

const burnPurpose = "burn access token"

// TokenBurner burns the user's access token.
type TokenBurner struct {
	token      common.Address
	transactor *Transactor
	waiter     *ReceiptWaiter
	log        *slog.Logger
}

func NewTokenBurner(token common.Address, transactor *Transactor, waiter *ReceiptWaiter, log *slog.Logger) *TokenBurner {
	return &TokenBurner{
		token:      token,
		transactor: transactor,
		waiter:     waiter,
		log:        log,
	}
}

// Submit asks the session to sign burn(tokenID) and broadcasts it.
func (b *TokenBurner) Submit(ctx context.Context, tokenID string, session interfaces.SigningSession) (string, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || id.Sign() < 0 {
		return "", fmt.Errorf("%w: token id %q is not a decimal integer", interfaces.ErrValidation, tokenID)
	}

	data, err := AccessTokenABI.Pack("burn", id)
	if err != nil {
		return "", fmt.Errorf("packing burn call: %w", err)
	}

	hash, err := b.transactor.Submit(ctx, session, burnPurpose, b.token, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Await polls for the burn transaction and returns its receipt.
func (b *TokenBurner) Await(ctx context.Context, txHash string) (*interfaces.ChainReceipt, error) {
	receipt, err := b.waiter.Wait(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, err
	}

	out, err := toChainReceipt(receipt)
	if err != nil {
		return nil, err
	}

	b.log.Info("Access token burned",
		slog.String("txHash", out.TxHash),
		slog.Uint64("block", out.BlockNumber))
	return out, nil
}

// Burn submits the burn and waits for its inclusion.
func (b *TokenBurner) Burn(ctx context.Context, tokenID string, session interfaces.SigningSession) (*interfaces.ChainReceipt, error) {
	hash, err := b.Submit(ctx, tokenID, session)
	if err != nil {
		return nil, err
	}
	return b.Await(ctx, hash)
}
