package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// WaitConfig bounds polling for transaction inclusion.
type WaitConfig struct {
	PollInterval time.Duration
	Budget       time.Duration
}

func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		PollInterval: 2 * time.Second,
		Budget:       3 * time.Minute,
	}
}

// ReceiptWaiter polls the node for transaction receipts.
type ReceiptWaiter struct {
	client interfaces.ChainClient
	cfg    WaitConfig
	log    *slog.Logger
}

func NewReceiptWaiter(client interfaces.ChainClient, cfg WaitConfig, log *slog.Logger) *ReceiptWaiter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWaitConfig().PollInterval
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultWaitConfig().Budget
	}
	return &ReceiptWaiter{
		client: client,
		cfg:    cfg,
		log:    log,
	}
}

// Wait blocks until the transaction is included or the budget runs out.
// On timeout it returns a *interfaces.PendingTxError wrapping interfaces.ErrChainTimeout.
func (w *ReceiptWaiter) Wait(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.Budget)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(pollCtx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && pollCtx.Err() == nil {
			w.log.Warn("Receipt query failed", slog.String("txHash", txHash.Hex()), "err", err)
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &interfaces.PendingTxError{
				TxHash: txHash.Hex(),
				Err:    fmt.Errorf("%w: not included after %s", interfaces.ErrChainTimeout, w.cfg.Budget),
			}
		case <-ticker.C:
		}
	}
}

// toChainReceipt converts an included receipt, failing for reverted transactions.
func toChainReceipt(receipt *types.Receipt) (*interfaces.ChainReceipt, error) {
	out := &interfaces.ChainReceipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receiptBlock(receipt),
		Status:      interfaces.ReceiptSuccess,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		out.Status = interfaces.ReceiptReverted
		return out, fmt.Errorf("%w: %s in block %d", interfaces.ErrTransactionReverted, out.TxHash, out.BlockNumber)
	}
	return out, nil
}

func receiptBlock(receipt *types.Receipt) uint64 {
	if receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}
