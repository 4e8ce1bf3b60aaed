// Package ethrpc implements chain.Transport over an Ethereum JSON-RPC node.
package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/roach88/chainstep/internal/chain"
)

// Transport wraps an ethclient.Client.
type Transport struct {
	client *ethclient.Client
	url    string
}

var _ chain.Transport = (*Transport)(nil)

// Dial connects to the node at url.
func Dial(ctx context.Context, url string) (*Transport, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", chain.ErrUnavailable, url, err)
	}
	return &Transport{client: c, url: url}, nil
}

func (t *Transport) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := t.client.ChainID(ctx)
	return id, classify(err)
}

func (t *Transport) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	n, err := t.client.PendingNonceAt(ctx, account)
	return n, classify(err)
}

func (t *Transport) GasPrice(ctx context.Context) (*big.Int, error) {
	p, err := t.client.SuggestGasPrice(ctx)
	return p, classify(err)
}

func (t *Transport) Send(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := t.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, classify(err)
	}
	return tx.Hash(), nil
}

func (t *Transport) Receipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error) {
	r, err := t.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, chain.ErrPending
	}
	if err != nil {
		return nil, classify(err)
	}

	out := &chain.Receipt{
		TxHash:    r.TxHash,
		BlockHash: r.BlockHash,
		Success:   r.Status == types.ReceiptStatusSuccessful,
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.ContractAddress != (common.Address{}) {
		addr := r.ContractAddress
		out.ContractAddress = &addr
	}
	if !out.Success {
		out.RevertReason = t.revertReason(ctx, hash, r.BlockNumber)
	}
	return out, nil
}

// revertReason replays the failed transaction as a call at its block to
// recover the revert string. Best effort: nodes without archive state
// return nothing useful.
func (t *Transport) revertReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := t.client.TransactionByHash(ctx, hash)
	if err != nil {
		return "execution reverted"
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "execution reverted"
	}
	_, err = t.client.CallContract(ctx, ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}, block)
	if err == nil {
		return "execution reverted"
	}
	return err.Error()
}

func (t *Transport) Close() error {
	t.client.Close()
	return nil
}

// classify maps node errors onto the chain sentinels. Geth, anvil and
// hardhat phrase these differently, so matching is on substrings.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"),
		strings.Contains(msg, "already imported"):
		return fmt.Errorf("%w: %v", chain.ErrAlreadyKnown, err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return fmt.Errorf("%w: %v", chain.ErrNonceConflict, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", chain.ErrInsufficientFunds, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "503") || strings.Contains(msg, "502") {
		return fmt.Errorf("%w: %v", chain.ErrUnavailable, err)
	}
	return err
}
