package executor

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/chainstep/internal/chain"
)

// nonceCache tracks the next nonce per (environment, account) so consecutive
// transactions from one signer do not each round-trip to the node.
type nonceCache struct {
	mu   sync.Mutex
	next map[string]uint64
}

func newNonceCache() *nonceCache {
	return &nonceCache{next: make(map[string]uint64)}
}

func nonceKey(env string, account common.Address) string {
	return env + "/" + account.Hex()
}

// get returns the cached next nonce, asking the transport on a miss.
func (c *nonceCache) get(ctx context.Context, env string, account common.Address, t chain.Transport) (uint64, error) {
	key := nonceKey(env, account)
	c.mu.Lock()
	n, ok := c.next[key]
	c.mu.Unlock()
	if ok {
		return n, nil
	}

	n, err := t.PendingNonce(ctx, account)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.next[key] = n
	c.mu.Unlock()
	return n, nil
}

// used records that nonce was accepted.
func (c *nonceCache) used(env string, account common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next[nonceKey(env, account)] = nonce + 1
}

// invalidate drops the cached value so the next get refreshes from the node.
func (c *nonceCache) invalidate(env string, account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.next, nonceKey(env, account))
}
