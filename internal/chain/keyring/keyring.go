// Package keyring implements chain.SignerProvider over in-memory keys.
package keyring

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/chainstep/internal/chain"
)

type account struct {
	address common.Address
	key     *ecdsa.PrivateKey // nil for address-only roles
}

// Keyring maps the named roles of one environment to accounts.
type Keyring struct {
	env string

	mu    sync.RWMutex
	roles map[string]account
}

var _ chain.SignerProvider = (*Keyring)(nil)

// New creates an empty keyring for environment env.
func New(env string) *Keyring {
	return &Keyring{env: env, roles: make(map[string]account)}
}

// AddKey registers role with a signing key.
func (k *Keyring) AddKey(role string, key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.roles[role] = account{address: addr, key: key}
	return addr
}

// AddHexKey registers role with a hex-encoded secp256k1 private key.
func (k *Keyring) AddHexKey(role, hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("role %q: invalid private key: %w", role, err)
	}
	return k.AddKey(role, key), nil
}

// AddAddress registers role by address only. Such a role can be referenced
// as an argument but cannot sign.
func (k *Keyring) AddAddress(role string, addr common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.roles[role] = account{address: addr}
}

// Roles returns the configured role names, sorted.
func (k *Keyring) Roles() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.roles))
	for r := range k.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (k *Keyring) lookup(role string) (account, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	a, ok := k.roles[role]
	if !ok {
		return account{}, fmt.Errorf("%w: %q in environment %q", chain.ErrUnknownRole, role, k.env)
	}
	return a, nil
}

func (k *Keyring) Account(_ context.Context, role string) (common.Address, error) {
	a, err := k.lookup(role)
	if err != nil {
		return common.Address{}, err
	}
	return a.address, nil
}

func (k *Keyring) Signer(_ context.Context, role string) (chain.Signer, error) {
	a, err := k.lookup(role)
	if err != nil {
		return nil, err
	}
	if a.key == nil {
		return nil, fmt.Errorf("%w: %q in environment %q", chain.ErrNoKey, role, k.env)
	}
	return &keySigner{address: a.address, key: a.key}, nil
}

type keySigner struct {
	address common.Address
	key     *ecdsa.PrivateKey
}

func (s *keySigner) Address() common.Address { return s.address }

func (s *keySigner) Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// DevKey derives a deterministic key for role in env. It exists for devnet
// environments only and must never hold real funds.
func DevKey(env, role string) *ecdsa.PrivateKey {
	seed := crypto.Keccak256([]byte("chainstep/devnet/" + env + "/" + role))
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		// A keccak digest is a valid scalar except with negligible probability.
		panic(fmt.Sprintf("keyring: derive dev key: %v", err))
	}
	return key
}
