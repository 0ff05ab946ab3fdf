package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// ErrNoChainID is returned when a transaction request carries no chain id.
var ErrNoChainID = errors.New("transaction request has no chain id")

// KeyedSession signs transactions with a private key held in memory.
// Every request is approved.
type KeyedSession struct {
	key     *ecdsa.PrivateKey
	account common.Address
	log     *slog.Logger
}

func NewKeyedSession(key *ecdsa.PrivateKey, log *slog.Logger) *KeyedSession {
	return &KeyedSession{
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
		log:     log,
	}
}

func (s *KeyedSession) Account() common.Address {
	return s.account
}

// RequestSignature signs the transaction for the request's chain.
func (s *KeyedSession) RequestSignature(ctx context.Context, req interfaces.TxRequest) (*types.Transaction, error) {
	if req.ChainID == nil {
		return nil, ErrNoChainID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(s.key, req.ChainID)
	if err != nil {
		return nil, fmt.Errorf("creating transactor: %w", err)
	}

	signed, err := auth.Signer(s.account, req.Tx)
	if err != nil {
		return nil, fmt.Errorf("signing %s: %w", req.Purpose, err)
	}

	s.log.Debug("Signed transaction",
		slog.String("purpose", req.Purpose),
		slog.String("txHash", signed.Hash().Hex()))
	return signed, nil
}

// KeyFromHex parses a hex encoded secp256k1 private key, with or without 0x prefix.
func KeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// KeyFromKeystore decrypts a V3 keystore file.
func KeyFromKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}

	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypting keystore: %w", err)
	}
	return key.PrivateKey, nil
}
