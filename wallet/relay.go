package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

var (
	// ErrNoPendingRequest is returned when a reply arrives while nothing awaits a signature.
	ErrNoPendingRequest = errors.New("no signature request pending")

	// ErrSignatureMismatch is returned when the posted transaction does not match the pending request.
	ErrSignatureMismatch = errors.New("signed transaction does not match pending request")
)

type relayReply struct {
	tx  *types.Transaction
	err error
}

type pendingRequest struct {
	req     interfaces.TxRequest
	details interfaces.SignatureRequest
	reply   chan relayReply
}

// RelaySession forwards signature requests to an external wallet.
// RequestSignature blocks until Submit or Reject is called, or the context ends.
// At most one request is outstanding at a time.
type RelaySession struct {
	account common.Address
	log     *slog.Logger

	mu      sync.Mutex
	pending *pendingRequest
}

func NewRelaySession(account common.Address, log *slog.Logger) *RelaySession {
	return &RelaySession{
		account: account,
		log:     log,
	}
}

func (s *RelaySession) Account() common.Address {
	return s.account
}

// RequestSignature publishes the request and waits for the wallet's reply.
// Returns interfaces.ErrSignatureRequestPending if another request is outstanding.
func (s *RelaySession) RequestSignature(ctx context.Context, req interfaces.TxRequest) (*types.Transaction, error) {
	if req.ChainID == nil {
		return nil, ErrNoChainID
	}

	details, err := Describe(s.account, req)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		req:     req,
		details: *details,
		reply:   make(chan relayReply, 1),
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, interfaces.ErrSignatureRequestPending
	}
	s.pending = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	s.log.Info("Awaiting wallet signature",
		slog.String("purpose", req.Purpose),
		slog.String("account", s.account.Hex()))

	select {
	case r := <-p.reply:
		return r.tx, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the outstanding request, or nil.
func (s *RelaySession) Pending() *interfaces.SignatureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	details := s.pending.details
	return &details
}

// Submit delivers a signed transaction (hex encoded, as produced by
// eth_signTransaction) for the outstanding request.
// The wallet may adjust nonce and fees but not the sender, recipient, value or calldata.
func (s *RelaySession) Submit(rawTx string) error {
	raw, err := hexutil.Decode(rawTx)
	if err != nil {
		return fmt.Errorf("decoding signed transaction: %w", err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decoding signed transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return ErrNoPendingRequest
	}

	if err := s.matches(s.pending.req, tx); err != nil {
		return err
	}

	s.pending.reply <- relayReply{tx: tx}
	s.pending = nil
	return nil
}

// Reject reports that the user declined the outstanding request.
func (s *RelaySession) Reject(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return ErrNoPendingRequest
	}

	err := interfaces.ErrUserRejected
	if reason != "" {
		err = fmt.Errorf("%w: %s", interfaces.ErrUserRejected, reason)
	}
	s.pending.reply <- relayReply{err: err}
	s.pending = nil
	return nil
}

func (s *RelaySession) matches(req interfaces.TxRequest, tx *types.Transaction) error {
	if tx.ChainId() == nil || tx.ChainId().Cmp(req.ChainID) != 0 {
		return fmt.Errorf("%w: chain id %v", ErrSignatureMismatch, tx.ChainId())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(req.ChainID), tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if sender != s.account {
		return fmt.Errorf("%w: signed by %s", ErrSignatureMismatch, sender.Hex())
	}

	want := req.Tx
	if (tx.To() == nil) != (want.To() == nil) || (tx.To() != nil && *tx.To() != *want.To()) {
		return fmt.Errorf("%w: recipient", ErrSignatureMismatch)
	}
	if !bytes.Equal(tx.Data(), want.Data()) {
		return fmt.Errorf("%w: calldata", ErrSignatureMismatch)
	}
	if valueOf(tx).Cmp(valueOf(want)) != 0 {
		return fmt.Errorf("%w: value", ErrSignatureMismatch)
	}
	return nil
}

func valueOf(tx *types.Transaction) *big.Int {
	if v := tx.Value(); v != nil {
		return v
	}
	return new(big.Int)
}

// Describe renders a transaction request for display in a wallet.
func Describe(account common.Address, req interfaces.TxRequest) (*interfaces.SignatureRequest, error) {
	unsigned, err := req.Tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding unsigned transaction: %w", err)
	}

	to := ""
	if req.Tx.To() != nil {
		to = req.Tx.To().Hex()
	}

	chainID := ""
	if req.ChainID != nil {
		chainID = req.ChainID.String()
	}

	return &interfaces.SignatureRequest{
		Purpose:     req.Purpose,
		ChainID:     chainID,
		From:        account.Hex(),
		To:          to,
		UnsignedTx:  hexutil.Encode(unsigned),
		RequestedAt: time.Now().UTC(),
	}, nil
}
