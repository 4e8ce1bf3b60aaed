package devnet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainstep/internal/chain"
	"github.com/roach88/chainstep/internal/chain/keyring"
)

var chainID = big.NewInt(1337)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func signTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to *common.Address, data []byte) *types.Transaction {
	t.Helper()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Gas:      1_000_000,
		GasPrice: DefaultGasPrice,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	require.NoError(t, err)
	return signed
}

func TestSend_CreatesContract(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	from := crypto.PubkeyToAddress(key.PublicKey)
	c := New(chainID)
	c.Fund(from, ether(1))
	ctx := context.Background()

	hash, err := c.Send(ctx, signTx(t, key, 0, nil, []byte{0x60, 0x80}))
	require.NoError(t, err)

	rcpt, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
	require.NotNil(t, rcpt.ContractAddress)
	assert.Equal(t, crypto.CreateAddress(from, 0), *rcpt.ContractAddress)
	assert.Equal(t, []byte{0x60, 0x80}, c.Code(*rcpt.ContractAddress))
	assert.Equal(t, uint64(1), rcpt.BlockNumber)

	nonce, err := c.PendingNonce(ctx, from)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)
	assert.Equal(t, -1, c.Balance(from).Cmp(ether(1)), "gas is charged")
}

func TestSend_NonceConflict(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	c := New(chainID, WithAutoFund(ether(10)))
	ctx := context.Background()

	_, err := c.Send(ctx, signTx(t, key, 3, nil, []byte{1}))
	assert.ErrorIs(t, err, chain.ErrNonceConflict)

	_, err = c.Send(ctx, signTx(t, key, 0, nil, []byte{1}))
	require.NoError(t, err)

	_, err = c.Send(ctx, signTx(t, key, 0, nil, []byte{2}))
	assert.ErrorIs(t, err, chain.ErrNonceConflict)
}

func TestSend_InsufficientFunds(t *testing.T) {
	key := keyring.DevKey("test", "poor")
	c := New(chainID)

	_, err := c.Send(context.Background(), signTx(t, key, 0, nil, []byte{1}))
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)
	assert.Empty(t, c.Sent())
}

func TestSend_WrongChain(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	c := New(big.NewInt(1), WithAutoFund(ether(10)))

	_, err := c.Send(context.Background(), signTx(t, key, 0, nil, []byte{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain id")
}

func TestSend_RevertRule(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	c := New(chainID, WithAutoFund(ether(10)))
	ctx := context.Background()

	hash, err := c.Send(ctx, signTx(t, key, 0, nil, []byte{0xfe}))
	require.NoError(t, err)
	rcpt, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	addr := *rcpt.ContractAddress

	sel := []byte{0xde, 0xad, 0xbe, 0xef}
	c.AddRevertRule(RevertSelector(addr, sel, "Ownable: caller is not the owner"))

	hash, err = c.Send(ctx, signTx(t, key, 1, &addr, append(sel, 0x01)))
	require.NoError(t, err, "a reverted transaction is still mined")
	rcpt, err = c.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.False(t, rcpt.Success)
	assert.Equal(t, "Ownable: caller is not the owner", rcpt.RevertReason)

	nonce, err := c.PendingNonce(ctx, crypto.PubkeyToAddress(key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nonce, "reverted transactions consume their nonce")
}

func TestSend_CallToNonContractReverts(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	c := New(chainID, WithAutoFund(ether(10)))
	ctx := context.Background()
	to := common.HexToAddress("0x0000000000000000000000000000000000000bad")

	hash, err := c.Send(ctx, signTx(t, key, 0, &to, []byte{1, 2, 3, 4}))
	require.NoError(t, err)
	rcpt, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.False(t, rcpt.Success)
	assert.Equal(t, "call to non-contract", rcpt.RevertReason)
}

func TestReceipt_PendingPolls(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	c := New(chainID, WithAutoFund(ether(10)), WithPendingPolls(2))
	ctx := context.Background()

	hash, err := c.Send(ctx, signTx(t, key, 0, nil, []byte{1}))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.Receipt(ctx, hash)
		assert.ErrorIs(t, err, chain.ErrPending)
	}
	rcpt, err := c.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
}

func TestFailSends_Scripted(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	c := New(chainID, WithAutoFund(ether(10)))
	c.FailSends(chain.ErrUnavailable, ErrScripted)
	ctx := context.Background()

	_, err := c.Send(ctx, signTx(t, key, 0, nil, []byte{1}))
	assert.ErrorIs(t, err, chain.ErrUnavailable)
	_, err = c.Send(ctx, signTx(t, key, 0, nil, []byte{1}))
	assert.ErrorIs(t, err, ErrScripted)
	_, err = c.Send(ctx, signTx(t, key, 0, nil, []byte{1}))
	assert.NoError(t, err)
}

func TestDropReplies_MinesButFails(t *testing.T) {
	key := keyring.DevKey("test", "deployer")
	c := New(chainID, WithAutoFund(ether(10)))
	c.DropReplies(1)
	ctx := context.Background()
	tx := signTx(t, key, 0, nil, []byte{1})

	_, err := c.Send(ctx, tx)
	assert.ErrorIs(t, err, chain.ErrUnavailable)
	assert.Len(t, c.Sent(), 1)

	_, err = c.Send(ctx, tx)
	assert.ErrorIs(t, err, chain.ErrAlreadyKnown)

	rcpt, err := c.Receipt(ctx, tx.Hash())
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
}

func TestClose_Unavailable(t *testing.T) {
	c := New(chainID)
	require.NoError(t, c.Close())

	_, err := c.ChainID(context.Background())
	assert.ErrorIs(t, err, chain.ErrUnavailable)
	_, err = c.PendingNonce(context.Background(), common.Address{})
	assert.ErrorIs(t, err, chain.ErrUnavailable)
}
