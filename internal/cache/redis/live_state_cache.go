package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/predictify/internal/domain"
)

// DefaultLiveStateTTL keeps chain reads fresh enough for list views.
const DefaultLiveStateTTL = 15 * time.Second

// LiveStateCache implements domain.LiveStateCache. Each entry is a hash with
// a JSON "data" field under chain:market:{onChainID}.
type LiveStateCache struct {
	c   *Client
	ttl time.Duration
}

var _ domain.LiveStateCache = (*LiveStateCache)(nil)

// NewLiveStateCache returns a cache whose entries expire after ttl.
func NewLiveStateCache(c *Client, ttl time.Duration) *LiveStateCache {
	if ttl <= 0 {
		ttl = DefaultLiveStateTTL
	}
	return &LiveStateCache{c: c, ttl: ttl}
}

func (lc *LiveStateCache) stateKey(onChainID string) string {
	return lc.c.key("chain:market:", onChainID)
}

// Set stores st under its on-chain id.
func (lc *LiveStateCache) Set(ctx context.Context, st domain.ChainMarketState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: marshal chain state %s: %w", st.OnChainID, err)
	}
	key := lc.stateKey(st.OnChainID)

	pipe := lc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, lc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set chain state %s: %w", st.OnChainID, err)
	}
	return nil
}

// Get returns the cached state or domain.ErrNotFound.
func (lc *LiveStateCache) Get(ctx context.Context, onChainID string) (domain.ChainMarketState, error) {
	data, err := lc.c.rdb.HGet(ctx, lc.stateKey(onChainID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ChainMarketState{}, domain.ErrNotFound
		}
		return domain.ChainMarketState{}, fmt.Errorf("redis: get chain state %s: %w", onChainID, err)
	}

	var st domain.ChainMarketState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.ChainMarketState{}, fmt.Errorf("redis: unmarshal chain state %s: %w", onChainID, err)
	}
	return st, nil
}

// Invalidate drops the cached state.
func (lc *LiveStateCache) Invalidate(ctx context.Context, onChainID string) error {
	if err := lc.c.rdb.Del(ctx, lc.stateKey(onChainID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate chain state %s: %w", onChainID, err)
	}
	return nil
}
