package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockChain is an in-memory implementation of interfaces.ChainClient for tests.
// It understands the access token burn and the identity registry register calls
// and executes them when transactions are sent. With auto mining enabled every
// transaction is included immediately; otherwise transactions stay pending until Mine.
type MockChain struct {
	mutex    sync.Mutex
	chainID  *big.Int
	gasPrice *big.Int
	token    common.Address
	registry common.Address

	owners      map[string]common.Address
	nonces      map[common.Address]uint64
	broke       map[common.Address]bool
	nextAgentID uint64
	autoMine    bool
	sendErr     error

	block    uint64
	sent     []*types.Transaction
	unmined  []*types.Receipt
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
}

func NewMockChain(chainID *big.Int, token, registry common.Address) *MockChain {
	return &MockChain{
		chainID:     chainID,
		gasPrice:    big.NewInt(1_000_000_000),
		token:       token,
		registry:    registry,
		owners:      make(map[string]common.Address),
		nonces:      make(map[common.Address]uint64),
		broke:       make(map[common.Address]bool),
		nextAgentID: 1,
		autoMine:    true,
		block:       100,
		receipts:    make(map[common.Hash]*types.Receipt),
	}
}

// Mint assigns an access token to owner.
func (m *MockChain) Mint(tokenID string, owner common.Address) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.owners[tokenID] = owner
}

// Owner returns the current owner of an access token.
func (m *MockChain) Owner(tokenID string) (common.Address, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	owner, ok := m.owners[tokenID]
	return owner, ok
}

// SetAutoMine controls whether sent transactions are included immediately.
func (m *MockChain) SetAutoMine(enabled bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.autoMine = enabled
}

// SetInsufficientFunds makes gas estimation for account fail with insufficient funds.
func (m *MockChain) SetInsufficientFunds(account common.Address) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.broke[account] = true
}

// FailNextSend makes the next SendTransaction call return err without broadcasting.
func (m *MockChain) FailNextSend(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sendErr = err
}

// Mine includes all pending transactions in a new block.
func (m *MockChain) Mine() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.mine()
}

// Sent returns the number of transactions broadcast to contract.
func (m *MockChain) Sent(contract common.Address) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	for _, tx := range m.sent {
		if tx.To() != nil && *tx.To() == contract {
			count++
		}
	}
	return count
}

// RegisterIdentity records a registration of uri by owner in a mined block and returns the agent id.
func (m *MockChain) RegisterIdentity(owner common.Address, uri string) (string, common.Hash, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	txHash := common.BigToHash(new(big.Int).SetUint64(m.nextAgentID + 1<<32))
	receipt, err := m.executeRegister(txHash, owner, uri)
	if err != nil {
		return "", common.Hash{}, err
	}
	m.unmined = append(m.unmined, receipt)
	m.mine()

	agentID := new(big.Int).SetBytes(receipt.Logs[0].Topics[1].Bytes())
	return agentID.String(), txHash, nil
}

func (m *MockChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *MockChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.nonces[account], nil
}

func (m *MockChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.gasPrice), nil
}

func (m *MockChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.broke[msg.From] {
		return 0, errors.New("insufficient funds for gas * price + value")
	}
	if msg.To == nil {
		return 0, errors.New("contract creation not supported")
	}

	switch *msg.To {
	case m.token:
		tokenID, err := m.decodeBurn(msg.Data)
		if err != nil {
			return 0, err
		}
		if owner, ok := m.owners[tokenID]; !ok || owner != msg.From {
			return 0, errors.New("execution reverted: caller is not token owner")
		}
		return 30000, nil
	case m.registry:
		if _, err := m.decodeRegister(msg.Data); err != nil {
			return 0, err
		}
		return 90000, nil
	default:
		return 21000, nil
	}
}

func (m *MockChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.sendErr != nil {
		err := m.sendErr
		m.sendErr = nil
		return err
	}

	from, err := types.Sender(types.LatestSignerForChainID(m.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if _, ok := m.receipts[tx.Hash()]; ok {
		return errors.New("already known")
	}
	for _, r := range m.unmined {
		if r.TxHash == tx.Hash() {
			return errors.New("already known")
		}
	}
	if tx.Nonce() != m.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), m.nonces[from])
	}
	m.nonces[from]++
	m.sent = append(m.sent, tx)

	receipt := &types.Receipt{
		Type:    tx.Type(),
		Status:  types.ReceiptStatusFailed,
		TxHash:  tx.Hash(),
		GasUsed: tx.Gas(),
	}

	switch {
	case tx.To() != nil && *tx.To() == m.token:
		tokenID, err := m.decodeBurn(tx.Data())
		if err == nil {
			if owner, ok := m.owners[tokenID]; ok && owner == from {
				delete(m.owners, tokenID)
				receipt.Status = types.ReceiptStatusSuccessful
			}
		}
	case tx.To() != nil && *tx.To() == m.registry:
		uri, err := m.decodeRegister(tx.Data())
		if err == nil {
			if executed, err := m.executeRegister(tx.Hash(), from, uri); err == nil {
				receipt = executed
			}
		}
	default:
		receipt.Status = types.ReceiptStatusSuccessful
	}

	m.unmined = append(m.unmined, receipt)
	if m.autoMine {
		m.mine()
	}
	return nil
}

func (m *MockChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	receipt, ok := m.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (m *MockChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []types.Log
	for _, l := range m.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !matchTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *MockChain) mine() {
	if len(m.unmined) == 0 {
		return
	}
	m.block++
	for i, r := range m.unmined {
		r.BlockNumber = new(big.Int).SetUint64(m.block)
		r.TransactionIndex = uint(i)
		for _, l := range r.Logs {
			l.BlockNumber = m.block
			l.TxIndex = uint(i)
			m.logs = append(m.logs, *l)
		}
		m.receipts[r.TxHash] = r
	}
	m.unmined = nil
}

func (m *MockChain) executeRegister(txHash common.Hash, owner common.Address, uri string) (*types.Receipt, error) {
	data, err := registeredEvent.Inputs.NonIndexed().Pack(uri)
	if err != nil {
		return nil, err
	}

	agentID := new(big.Int).SetUint64(m.nextAgentID)
	m.nextAgentID++

	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: txHash,
		Logs: []*types.Log{{
			Address: m.registry,
			Topics: []common.Hash{
				registeredEvent.ID,
				common.BigToHash(agentID),
				common.BytesToHash(owner.Bytes()),
			},
			Data:   data,
			TxHash: txHash,
		}},
	}, nil
}

func (m *MockChain) decodeBurn(data []byte) (string, error) {
	args, err := decodeCall(AccessTokenABI, "burn", data)
	if err != nil {
		return "", err
	}
	id, ok := args[0].(*big.Int)
	if !ok {
		return "", errors.New("execution reverted: bad token id")
	}
	return id.String(), nil
}

func (m *MockChain) decodeRegister(data []byte) (string, error) {
	args, err := decodeCall(IdentityRegistryABI, "register", data)
	if err != nil {
		return "", err
	}
	uri, ok := args[0].(string)
	if !ok {
		return "", errors.New("execution reverted: bad token uri")
	}
	return uri, nil
}

func decodeCall(contract abi.ABI, name string, data []byte) ([]interface{}, error) {
	if len(data) < 4 {
		return nil, errors.New("execution reverted: short calldata")
	}
	method, err := contract.MethodById(data[:4])
	if err != nil || method.Name != name {
		return nil, errors.New("execution reverted: unknown method")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 1 {
		return nil, errors.New("execution reverted: bad arguments")
	}
	return args, nil
}

func containsAddress(addrs []common.Address, addr common.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	if len(filter) > len(topics) {
		return false
	}
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		found := false
		for _, t := range alternatives {
			if t == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
