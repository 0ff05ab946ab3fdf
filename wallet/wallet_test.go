package wallet

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testChainID = big.NewInt(1337)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTxRequest() interfaces.TxRequest {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return interfaces.TxRequest{
		Purpose: "burn access token",
		ChainID: testChainID,
		Tx: types.NewTx(&types.LegacyTx{
			Nonce:    3,
			To:       &to,
			Gas:      60000,
			GasPrice: big.NewInt(1_000_000_000),
			Data:     []byte{0x42, 0x96, 0x6c, 0x68},
		}),
	}
}

func TestKeyedSession_SignsForChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	session := NewKeyedSession(key, testLogger())
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), session.Account())

	signed, err := session.RequestSignature(context.Background(), testTxRequest())
	require.NoError(t, err)

	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), signed)
	require.NoError(t, err)
	assert.Equal(t, session.Account(), sender)
	assert.Equal(t, uint64(3), signed.Nonce())

	req := testTxRequest()
	req.ChainID = nil
	_, err = session.RequestSignature(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoChainID)
}

func TestKeyLoading(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hex.EncodeToString(crypto.FromECDSA(key))

	parsed, err := KeyFromHex("0x" + hexKey)
	require.NoError(t, err)
	assert.Equal(t, key.D, parsed.D)

	_, err = KeyFromHex("not-a-key")
	assert.Error(t, err)

	dir := t.TempDir()
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key, "secret")
	require.NoError(t, err)

	loaded, err := KeyFromKeystore(account.URL.Path, "secret")
	require.NoError(t, err)
	assert.Equal(t, key.D, loaded.D)

	_, err = KeyFromKeystore(account.URL.Path, "wrong")
	assert.Error(t, err)

	_, err = KeyFromKeystore(filepath.Join(dir, "missing.json"), "secret")
	assert.Error(t, err)
}

func TestRelaySession_Submit(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := crypto.PubkeyToAddress(key.PublicKey)
	relay := NewRelaySession(account, testLogger())

	req := testTxRequest()
	result := make(chan *types.Transaction, 1)
	go func() {
		tx, err := relay.RequestSignature(context.Background(), req)
		assert.NoError(t, err)
		result <- tx
	}()

	require.Eventually(t, func() bool { return relay.Pending() != nil }, time.Second, time.Millisecond)
	pending := relay.Pending()
	assert.Equal(t, "burn access token", pending.Purpose)
	assert.Equal(t, "1337", pending.ChainID)
	assert.Equal(t, account.Hex(), pending.From)

	// The wallet signs the published unsigned transaction.
	unsigned, err := hexutil.Decode(pending.UnsignedTx)
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(unsigned))
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, relay.Submit(hexutil.Encode(raw)))

	select {
	case got := <-result:
		assert.Equal(t, signed.Hash(), got.Hash())
	case <-time.After(time.Second):
		t.Fatal("signature was not delivered")
	}
	assert.Nil(t, relay.Pending())
	assert.ErrorIs(t, relay.Submit(hexutil.Encode(raw)), ErrNoPendingRequest)
}

func TestRelaySession_RejectsForeignSignature(t *testing.T) {
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	relay := NewRelaySession(crypto.PubkeyToAddress(owner.PublicKey), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := relay.RequestSignature(ctx, testTxRequest())
		done <- err
	}()
	require.Eventually(t, func() bool { return relay.Pending() != nil }, time.Second, time.Millisecond)

	signed, err := types.SignTx(testTxRequest().Tx, types.LatestSignerForChainID(testChainID), other)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	assert.ErrorIs(t, relay.Submit(hexutil.Encode(raw)), ErrSignatureMismatch)
	assert.NotNil(t, relay.Pending(), "request stays open after a bad submission")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Nil(t, relay.Pending())
}

func TestRelaySession_Reject(t *testing.T) {
	relay := NewRelaySession(common.HexToAddress("0x01"), testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := relay.RequestSignature(context.Background(), testTxRequest())
		done <- err
	}()
	require.Eventually(t, func() bool { return relay.Pending() != nil }, time.Second, time.Millisecond)

	// Only one request may be outstanding.
	_, err := relay.RequestSignature(context.Background(), testTxRequest())
	assert.ErrorIs(t, err, interfaces.ErrSignatureRequestPending)

	require.NoError(t, relay.Reject("declined in wallet"))

	err = <-done
	assert.ErrorIs(t, err, interfaces.ErrUserRejected)
	assert.Equal(t, interfaces.KindUserRejected, interfaces.KindOf(err))
	assert.ErrorIs(t, relay.Reject(""), ErrNoPendingRequest)
}
