package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// gasHeadroomPercent is added on top of the node's gas estimate.
const gasHeadroomPercent = 20

// Transactor builds contract calls, has them signed by a signing session and broadcasts them.
type Transactor struct {
	client interfaces.ChainClient
	log    *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

func NewTransactor(client interfaces.ChainClient, log *slog.Logger) *Transactor {
	return &Transactor{
		client: client,
		log:    log,
	}
}

// ChainID returns the chain id reported by the node, cached after the first call.
func (t *Transactor) ChainID(ctx context.Context) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.chainID != nil {
		return t.chainID, nil
	}

	id, err := t.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching chain id: %v", interfaces.ErrNetwork, err)
	}
	t.chainID = id
	return id, nil
}

// Submit sends a call of data to contract from the session's account and returns the transaction hash.
// Nothing has been broadcast when an error is returned.
func (t *Transactor) Submit(ctx context.Context, session interfaces.SigningSession, purpose string, contract common.Address, data []byte) (common.Hash, error) {
	chainID, err := t.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	from := session.Account()

	nonce, err := t.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, classifyTxError(fmt.Errorf("fetching nonce: %w", err))
	}

	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, classifyTxError(fmt.Errorf("fetching gas price: %w", err))
	}

	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, classifyTxError(fmt.Errorf("estimating gas for %s: %w", purpose, err))
	}
	gas += gas * gasHeadroomPercent / 100

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := session.RequestSignature(ctx, interfaces.TxRequest{
		Purpose: purpose,
		ChainID: chainID,
		Tx:      unsigned,
	})
	if err != nil {
		return common.Hash{}, err
	}
	if signed == nil {
		return common.Hash{}, errors.New("signing session returned no transaction")
	}

	if err := t.client.SendTransaction(ctx, signed); err != nil {
		// The node already holds this exact transaction.
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return signed.Hash(), nil
		}
		return common.Hash{}, classifyTxError(fmt.Errorf("sending %s: %w", purpose, err))
	}

	t.log.Info("Transaction submitted",
		slog.String("purpose", purpose),
		slog.String("txHash", signed.Hash().Hex()),
		slog.String("from", from.Hex()))

	return signed.Hash(), nil
}
