package testutil

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/chainstep/internal/chain"
	"github.com/roach88/chainstep/internal/chain/devnet"
	"github.com/roach88/chainstep/internal/chain/keyring"
)

// Artifacts is an in-memory chain.ArtifactRegistry.
type Artifacts struct {
	env string

	mu        sync.Mutex
	artifacts map[string]chain.Artifact
	recorded  map[string]common.Hash
}

var _ chain.ArtifactRegistry = (*Artifacts)(nil)

// NewArtifacts creates an empty registry for env.
func NewArtifacts(env string) *Artifacts {
	return &Artifacts{
		env:       env,
		artifacts: make(map[string]chain.Artifact),
		recorded:  make(map[string]common.Hash),
	}
}

// Add registers a compiled artifact. abiJSON may be empty.
func (a *Artifacts) Add(name, abiJSON, bytecode string) {
	art := chain.Artifact{Name: name, Bytecode: hexutil.MustDecode(bytecode)}
	if abiJSON != "" {
		parsed, err := abi.JSON(strings.NewReader(abiJSON))
		if err != nil {
			panic("testutil: bad abi for " + name + ": " + err.Error())
		}
		art.ABI = parsed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.artifacts[name] = art
}

func (a *Artifacts) Artifact(_ context.Context, name string) (*chain.Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	art, ok := a.artifacts[name]
	if !ok {
		return nil, &chain.ArtifactNotFoundError{Name: name, Environment: a.env}
	}
	return &art, nil
}

func (a *Artifacts) RecordDeployment(_ context.Context, name string, address common.Address, txHash common.Hash) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	art, ok := a.artifacts[name]
	if !ok {
		return &chain.ArtifactNotFoundError{Name: name, Environment: a.env}
	}
	art.Address = address
	a.artifacts[name] = art
	a.recorded[name] = txHash
	return nil
}

// Deployments returns the names recorded through RecordDeployment.
func (a *Artifacts) Deployments() map[string]common.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]common.Hash, len(a.recorded))
	for k, v := range a.recorded {
		out[k] = v
	}
	return out
}

// Env is a devnet-backed environment for tests.
type Env struct {
	ID        string
	Chain     *devnet.Chain
	Keys      *keyring.Keyring
	Artifacts *Artifacts
}

// NewEnv creates an auto-funded devnet environment whose roles have
// deterministic dev keys.
func NewEnv(id string, chainID int64, roles ...string) *Env {
	fund := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	e := &Env{
		ID:        id,
		Chain:     devnet.New(big.NewInt(chainID), devnet.WithAutoFund(fund)),
		Keys:      keyring.New(id),
		Artifacts: NewArtifacts(id),
	}
	for _, r := range roles {
		e.Keys.AddKey(r, keyring.DevKey(id, r))
	}
	return e
}

// Connection returns a fresh connection to the environment.
func (e *Env) Connection() *chain.Connection {
	id, _ := e.Chain.ChainID(context.Background())
	return &chain.Connection{
		EnvironmentID: e.ID,
		ChainID:       id,
		Transport:     e.Chain,
		Signers:       e.Keys,
		Artifacts:     e.Artifacts,
	}
}

// Address returns the address of role.
func (e *Env) Address(role string) common.Address {
	addr, err := e.Keys.Account(context.Background(), role)
	if err != nil {
		panic(err)
	}
	return addr
}

// Dial returns a router dial function over envs, keyed by id.
func Dial(envs ...*Env) func(ctx context.Context, id string) (*chain.Connection, error) {
	byID := make(map[string]*Env, len(envs))
	for _, e := range envs {
		byID[e.ID] = e
	}
	return func(_ context.Context, id string) (*chain.Connection, error) {
		e, ok := byID[id]
		if !ok {
			return nil, chain.ErrUnavailable
		}
		return e.Connection(), nil
	}
}

// Contract ABIs used across package tests.
const (
	BridgeABI = `[
		{"type":"constructor","inputs":[{"name":"admin","type":"address"}]},
		{"type":"function","name":"setAdmin","inputs":[{"name":"admin","type":"address"}],"outputs":[],"stateMutability":"nonpayable"},
		{"type":"function","name":"setLimits","inputs":[{"name":"daily","type":"uint256"},{"name":"fee","type":"uint16"},{"name":"tag","type":"bytes32"},{"name":"peers","type":"address[]"}],"outputs":[],"stateMutability":"nonpayable"}
	]`
	TokenABI = `[
		{"type":"constructor","inputs":[{"name":"name","type":"string"},{"name":"supply","type":"uint256"}]},
		{"type":"function","name":"transferOwnership","inputs":[{"name":"owner","type":"address"}],"outputs":[],"stateMutability":"nonpayable"}
	]`
	// Bytecode is placeholder creation code; devnet stores it verbatim.
	Bytecode = "0x6080604052348015600f57600080fd5b50"
)

// Selector returns the 4-byte function selector of signature, for example
// "setAdmin(address)".
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}
