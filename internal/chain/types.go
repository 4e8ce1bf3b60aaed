package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionRequest is a logical call before nonce assignment and signing.
//
// To == nil means contract creation. Nonce is normally left nil so the
// executor can manage it; a non-nil Nonce pins the value for the first attempt.
type TransactionRequest struct {
	Role     string // signer role that must sign the request
	From     common.Address
	To       *common.Address
	Data     []byte
	Value    *big.Int
	Nonce    *uint64
	GasLimit uint64
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash          common.Hash
	BlockNumber     uint64
	BlockHash       common.Hash
	Success         bool
	GasUsed         uint64
	RevertReason    string
	ContractAddress *common.Address
}

// Transport submits signed transactions to one network.
//
// Receipt returns ErrPending while the transaction is not yet mined.
type Transport interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Send(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	Close() error
}

// Signer holds signing capability for a single account.
type Signer interface {
	Address() common.Address
	Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SignerProvider resolves named roles ("deployer", "bridge_admin") to accounts.
//
// Account works for every configured role. Signer fails with ErrNoKey for
// roles that are configured by address only.
type SignerProvider interface {
	Account(ctx context.Context, role string) (common.Address, error)
	Signer(ctx context.Context, role string) (Signer, error)
}

// Artifact is a compiled contract and, once deployed, its address in one
// environment's deployment namespace.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
	Address  common.Address
}

// Deployed reports whether the artifact has an address in this namespace.
func (a *Artifact) Deployed() bool {
	return a != nil && a.Address != (common.Address{})
}

// ArtifactRegistry is one environment's view of compiled and deployed artifacts.
type ArtifactRegistry interface {
	Artifact(ctx context.Context, name string) (*Artifact, error)
	RecordDeployment(ctx context.Context, name string, address common.Address, txHash common.Hash) error
}

// Connection is a live handle on one environment.
type Connection struct {
	EnvironmentID string
	ChainID       *big.Int
	Transport     Transport
	Signers       SignerProvider
	Artifacts     ArtifactRegistry
}

// Close releases the transport.
func (c *Connection) Close() error {
	if c == nil || c.Transport == nil {
		return nil
	}
	return c.Transport.Close()
}
