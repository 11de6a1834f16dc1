// Package redisnonce implements the multi-process nonce allocator on top of
// Redis. All allocation decisions run inside Lua scripts so concurrent
// processes never observe intermediate state.
package redisnonce

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	nonceapp "github.com/stablepay/chainexec/business/nonce/app"
	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/cache"
	"github.com/stablepay/chainexec/internal/logger"
)

// reserveScript allocates the next nonce. KEYS[1] is the counter holding
// the next nonce to hand out, KEYS[2] a sorted set of released
// reservations. ARGV[1] is the chain's pending nonce used as the floor,
// ARGV[2] the TTL in seconds. Released reservations are reused lowest
// first so gaps never block later transactions.
var reserveScript = redis.NewScript(`
local floor = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', '(' .. floor)
local released = redis.call('ZRANGE', KEYS[2], 0, 0)
if released[1] then
  redis.call('ZREM', KEYS[2], released[1])
  redis.call('EXPIRE', KEYS[2], ttl)
  return tonumber(released[1])
end
local cur = tonumber(redis.call('GET', KEYS[1]))
local nxt
if cur == nil or cur < floor then
  nxt = floor
else
  nxt = cur
end
redis.call('SET', KEYS[1], nxt + 1, 'EX', ttl)
return nxt
`)

// releaseScript returns an unused reservation. ARGV[1] is the nonce,
// ARGV[2] the TTL. Returns 0 when the nonce was never an open reservation.
var releaseScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local cur = tonumber(redis.call('GET', KEYS[1]))
if cur == nil or n >= cur then
  return 0
end
if n == cur - 1 then
  cur = n
  redis.call('SET', KEYS[1], cur, 'EX', ttl)
  while true do
    local top = redis.call('ZRANGE', KEYS[2], -1, -1)
    if top[1] and tonumber(top[1]) == cur - 1 then
      redis.call('ZREM', KEYS[2], top[1])
      cur = cur - 1
      redis.call('SET', KEYS[1], cur, 'EX', ttl)
    else
      break
    end
  end
else
  redis.call('ZADD', KEYS[2], n, n)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return 1
`)

// syncScript resets the counter to the chain's pending nonce and drops all
// released reservations.
var syncScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
redis.call('DEL', KEYS[2])
return tonumber(ARGV[1])
`)

// Allocator coordinates nonces across processes through Redis. The chain's
// pending nonce is read through the rpc pool and cached briefly per process
// so Reserve does not hit the chain on every call.
type Allocator struct {
	rdb            *redis.Client
	pool           rpcapp.Pool
	logger         logger.LoggerInterface
	reservationTTL time.Duration

	floorCache *cache.Cache[string, uint64]
	cacheTTL   time.Duration
}

var _ nonceapp.Allocator = (*Allocator)(nil)

// NewAllocator creates the Redis-backed allocator. reservationTTL bounds
// how long allocation state survives without activity, so a crashed fleet
// eventually falls back to the chain's own pending nonce.
func NewAllocator(rdb *redis.Client, pool rpcapp.Pool, log logger.LoggerInterface, cacheTTL, reservationTTL time.Duration) *Allocator {
	return &Allocator{
		rdb:            rdb,
		pool:           pool,
		logger:         log,
		reservationTTL: reservationTTL,
		floorCache:     cache.New[string, uint64](time.Minute),
		cacheTTL:       cacheTTL,
	}
}

func counterKey(chain string, addr common.Address) string {
	return "chainexec:nonce:" + chain + ":" + addr.Hex()
}

func releasedKey(chain string, addr common.Address) string {
	return "chainexec:nonce:released:" + chain + ":" + addr.Hex()
}

func (a *Allocator) chainNonce(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	key := chain + "/" + addr.Hex()
	if n, ok := a.floorCache.Get(ctx, key); ok {
		return n, nil
	}
	client, err := a.pool.ClientFor(chain)
	if err != nil {
		return 0, err
	}
	n, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, apperror.New(apperror.CodeNonceSyncFailed,
			apperror.WithCause(err), apperror.WithChain(chain))
	}
	a.floorCache.Set(ctx, key, n, a.cacheTTL)
	return n, nil
}

// Reserve allocates the next nonce for addr on chain.
func (a *Allocator) Reserve(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	floor, err := a.chainNonce(ctx, chain, addr)
	if err != nil {
		return 0, err
	}
	n, err := reserveScript.Run(ctx, a.rdb,
		[]string{counterKey(chain, addr), releasedKey(chain, addr)},
		floor, int(a.reservationTTL.Seconds())).Int64()
	if err != nil {
		return 0, apperror.New(apperror.CodeNonceStoreFailure,
			apperror.WithCause(err), apperror.WithChain(chain))
	}
	return uint64(n), nil
}

// Release returns an unused reservation.
func (a *Allocator) Release(ctx context.Context, chain string, addr common.Address, nonce uint64) error {
	ok, err := releaseScript.Run(ctx, a.rdb,
		[]string{counterKey(chain, addr), releasedKey(chain, addr)},
		nonce, int(a.reservationTTL.Seconds())).Int64()
	if err != nil {
		return apperror.New(apperror.CodeNonceStoreFailure,
			apperror.WithCause(err), apperror.WithChain(chain))
	}
	if ok == 0 {
		return apperror.New(apperror.CodeNonceConflict,
			apperror.WithChain(chain),
			apperror.WithContext("released nonce was not an open reservation"))
	}
	// The released transaction may still land on chain. Drop the cached
	// floor so the next Reserve re-reads the pending nonce and the Lua
	// script prunes reservations the chain consumed meanwhile.
	a.floorCache.Delete(ctx, chain+"/"+addr.Hex())
	return nil
}

// Sync discards shared state and re-reads the pending nonce from the chain.
func (a *Allocator) Sync(ctx context.Context, chain string, addr common.Address) (uint64, error) {
	a.floorCache.Delete(ctx, chain+"/"+addr.Hex())
	floor, err := a.chainNonce(ctx, chain, addr)
	if err != nil {
		return 0, err
	}
	n, err := syncScript.Run(ctx, a.rdb,
		[]string{counterKey(chain, addr), releasedKey(chain, addr)},
		floor, int(a.reservationTTL.Seconds())).Int64()
	if err != nil {
		return 0, apperror.New(apperror.CodeNonceStoreFailure,
			apperror.WithCause(err), apperror.WithChain(chain))
	}
	return uint64(n), nil
}

// Close releases the per-process floor cache.
func (a *Allocator) Close() {
	a.floorCache.Close()
}
