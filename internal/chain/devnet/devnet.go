// Package devnet is an in-memory chain.Transport.
//
// It validates signatures, nonces and balances the way a node would, mines
// every accepted transaction into its own block, and records contract code
// for creations so later calls can be checked against it. Reverts are
// simulated with rules installed by the caller.
package devnet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/chainstep/internal/chain"
)

const (
	// intrinsicGas is charged for every transaction.
	intrinsicGas = 21000
	// createGas is charged on top of intrinsicGas for contract creations.
	createGas = 32000
	// dataGas is charged per calldata byte.
	dataGas = 16
)

// DefaultGasPrice is the price returned by GasPrice unless overridden.
var DefaultGasPrice = big.NewInt(1_000_000_000)

// Call is what a revert rule sees of a transaction.
type Call struct {
	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int
}

// Selector returns the first four bytes of the calldata, or nil.
func (c Call) Selector() []byte {
	if len(c.Data) < 4 {
		return nil
	}
	return c.Data[:4]
}

// RevertRule returns a non-empty reason to make a call revert.
type RevertRule func(Call) string

// Option configures a Chain.
type Option func(*Chain)

// WithGasPrice sets the gas price.
func WithGasPrice(p *big.Int) Option {
	return func(c *Chain) { c.gasPrice = new(big.Int).Set(p) }
}

// WithAutoFund credits amount to any sender whose balance cannot cover its
// transaction. Useful for local runs where nobody wants to manage faucets.
func WithAutoFund(amount *big.Int) Option {
	return func(c *Chain) { c.autoFund = new(big.Int).Set(amount) }
}

// WithRevertRule installs a revert rule. Rules run in installation order and
// the first non-empty reason wins.
func WithRevertRule(r RevertRule) Option {
	return func(c *Chain) { c.rules = append(c.rules, r) }
}

// WithPendingPolls makes each receipt report pending for n polls before it
// becomes available.
func WithPendingPolls(n int) Option {
	return func(c *Chain) { c.pendingPolls = n }
}

// Chain is an in-memory network. It is safe for concurrent use.
type Chain struct {
	chainID      *big.Int
	signer       types.Signer
	gasPrice     *big.Int
	autoFund     *big.Int
	pendingPolls int

	mu       sync.Mutex
	rules    []RevertRule
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	code     map[common.Address][]byte
	receipts map[common.Hash]*chain.Receipt
	polls    map[common.Hash]int
	sendErrs []error
	dropped  int
	sent     []*types.Transaction
	block    uint64
	closed   bool
}

var _ chain.Transport = (*Chain)(nil)

// New creates an empty chain with the given id.
func New(chainID *big.Int, opts ...Option) *Chain {
	c := &Chain{
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
		gasPrice: new(big.Int).Set(DefaultGasPrice),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		code:     make(map[common.Address][]byte),
		receipts: make(map[common.Hash]*chain.Receipt),
		polls:    make(map[common.Hash]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fund credits amount to account.
func (c *Chain) Fund(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(account, amount)
}

// Balance returns the account balance.
func (c *Chain) Balance(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(account))
}

// Code returns the code stored at address, or nil.
func (c *Chain) Code(address common.Address) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.code[address]...)
}

// AddRevertRule installs a revert rule after construction.
func (c *Chain) AddRevertRule(r RevertRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, r)
}

// FailSends makes the next len(errs) Send calls fail with errs, in order,
// before any validation happens.
func (c *Chain) FailSends(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErrs = append(c.sendErrs, errs...)
}

// DropReplies makes the next n accepted transactions get mined while their
// Send call still fails with chain.ErrUnavailable, as when a node's reply is
// lost on the way back.
func (c *Chain) DropReplies(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped += n
}

// Sent returns every transaction accepted so far.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// BlockNumber returns the number of the latest block.
func (c *Chain) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.chainID), nil
}

func (c *Chain) GasPrice(context.Context) (*big.Int, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Chain) PendingNonce(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, chain.ErrUnavailable
	}
	return c.nonces[account], nil
}

// Send validates tx and mines it into a new block.
func (c *Chain) Send(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return common.Hash{}, chain.ErrUnavailable
	}
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		return common.Hash{}, err
	}

	if tx.ChainId().Cmp(c.chainID) != 0 {
		return common.Hash{}, fmt.Errorf("invalid chain id %s, want %s", tx.ChainId(), c.chainID)
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %w", err)
	}
	if _, dup := c.receipts[tx.Hash()]; dup {
		return common.Hash{}, fmt.Errorf("%w: %s", chain.ErrAlreadyKnown, tx.Hash().Hex())
	}

	next := c.nonces[from]
	switch {
	case tx.Nonce() < next:
		return common.Hash{}, fmt.Errorf("%w: nonce too low: next nonce %d, tx nonce %d", chain.ErrNonceConflict, next, tx.Nonce())
	case tx.Nonce() > next:
		return common.Hash{}, fmt.Errorf("%w: nonce too high: next nonce %d, tx nonce %d", chain.ErrNonceConflict, next, tx.Nonce())
	}

	gasUsed := uint64(intrinsicGas + dataGas*len(tx.Data()))
	if tx.To() == nil {
		gasUsed += createGas
	}
	if gasUsed > tx.Gas() {
		return common.Hash{}, fmt.Errorf("intrinsic gas too low: have %d, want %d", tx.Gas(), gasUsed)
	}

	maxCost := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasPrice())
	maxCost.Add(maxCost, tx.Value())
	if c.balance(from).Cmp(maxCost) < 0 && c.autoFund != nil {
		c.credit(from, c.autoFund)
	}
	if have := c.balance(from); have.Cmp(maxCost) < 0 {
		return common.Hash{}, fmt.Errorf("%w for gas * price + value: address %s have %s want %s",
			chain.ErrInsufficientFunds, from.Hex(), have, maxCost)
	}

	c.block++
	rcpt := &chain.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: c.block,
		BlockHash:   crypto.Keccak256Hash(c.chainID.Bytes(), new(big.Int).SetUint64(c.block).Bytes()),
		GasUsed:     gasUsed,
	}
	rcpt.RevertReason = c.execute(Call{From: from, To: tx.To(), Data: tx.Data(), Value: tx.Value()})
	rcpt.Success = rcpt.RevertReason == ""

	if rcpt.Success {
		if tx.To() == nil {
			addr := crypto.CreateAddress(from, tx.Nonce())
			c.code[addr] = append([]byte(nil), tx.Data()...)
			rcpt.ContractAddress = &addr
		} else {
			c.debit(from, tx.Value())
			c.credit(*tx.To(), tx.Value())
		}
	}
	c.debit(from, new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), tx.GasPrice()))
	c.nonces[from] = next + 1

	c.receipts[tx.Hash()] = rcpt
	c.polls[tx.Hash()] = c.pendingPolls
	c.sent = append(c.sent, tx)
	if c.dropped > 0 {
		c.dropped--
		return common.Hash{}, chain.ErrUnavailable
	}
	return tx.Hash(), nil
}

// Receipt returns the receipt of a mined transaction.
func (c *Chain) Receipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, chain.ErrUnavailable
	}
	rcpt, ok := c.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", hash.Hex())
	}
	if c.polls[hash] > 0 {
		c.polls[hash]--
		return nil, chain.ErrPending
	}
	out := *rcpt
	return &out, nil
}

// Close makes every further call fail with chain.ErrUnavailable.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Chain) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chain.ErrUnavailable
	}
	return nil
}

// execute returns the revert reason for call, or "".
func (c *Chain) execute(call Call) string {
	if call.To != nil && len(call.Data) > 0 && len(c.code[*call.To]) == 0 {
		return "call to non-contract"
	}
	for _, rule := range c.rules {
		if reason := rule(call); reason != "" {
			return reason
		}
	}
	return ""
}

func (c *Chain) balance(a common.Address) *big.Int {
	if b, ok := c.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) credit(a common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	c.balances[a] = new(big.Int).Add(c.balance(a), amount)
}

func (c *Chain) debit(a common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	c.balances[a] = new(big.Int).Sub(c.balance(a), amount)
}

// RevertSelector returns a rule that reverts calls to address whose calldata
// starts with selector.
func RevertSelector(address common.Address, selector []byte, reason string) RevertRule {
	return func(call Call) string {
		if call.To == nil || *call.To != address {
			return ""
		}
		if sel := call.Selector(); sel != nil && string(sel) == string(selector) {
			return reason
		}
		return ""
	}
}

// ErrScripted is a convenience for FailSends callers that need a generic
// transport failure.
var ErrScripted = errors.New("devnet: scripted failure")
