package query

import (
	"PerpVault/internal/observability"
	"PerpVault/internal/projection"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedReader wraps a QueryService with a Redis read-through cache for the
// Postgres-backed history reads and the pool views. The projection worker
// invalidates entries after each write; the TTL bounds staleness when an
// invalidation is missed.
type CachedReader struct {
	*QueryService
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

var _ projection.Invalidator = (*CachedReader)(nil)

func NewCachedReader(qs *QueryService, rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics) *CachedReader {
	return &CachedReader{
		QueryService: qs,
		rdb:          rdb,
		ttl:          ttl,
		metrics:      metrics,
	}
}

// --- Read-through ---

func (c *CachedReader) GetPool(ctx context.Context, asset string) (*PoolResponse, error) {
	var cached PoolResponse
	if c.lookup(ctx, poolKey(asset), &cached) {
		return &cached, nil
	}

	p, err := c.QueryService.GetPool(ctx, asset)
	if err != nil {
		return nil, err
	}
	c.store(ctx, poolKey(asset), p)
	return p, nil
}

func (c *CachedReader) GetPositionHistory(ctx context.Context, account string) ([]*PositionResponse, error) {
	var cached []*PositionResponse
	if c.lookup(ctx, positionsKey(account), &cached) {
		return cached, nil
	}

	positions, err := c.QueryService.GetPositionHistory(ctx, account)
	if err != nil {
		return nil, err
	}
	c.store(ctx, positionsKey(account), positions)
	return positions, nil
}

// GetFundingHistory caches only the first page of each size, in one hash
// per asset so invalidation drops every page at once.
func (c *CachedReader) GetFundingHistory(ctx context.Context, asset string, limit int, beforeSequence *int64) ([]FundingHistoryResponse, error) {
	if beforeSequence != nil {
		return c.QueryService.GetFundingHistory(ctx, asset, limit, beforeSequence)
	}

	field := strconv.Itoa(limit)
	data, err := c.rdb.HGet(ctx, fundingKey(asset), field).Bytes()
	if err == nil {
		var cached []FundingHistoryResponse
		if json.Unmarshal(data, &cached) == nil {
			c.count("hit")
			return cached, nil
		}
	}
	c.countMiss(err)

	history, err := c.QueryService.GetFundingHistory(ctx, asset, limit, nil)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(history); err == nil {
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, fundingKey(asset), field, data)
		pipe.Expire(ctx, fundingKey(asset), c.ttl)
		pipe.Exec(ctx)
	}
	return history, nil
}

// --- Invalidation ---

func (c *CachedReader) InvalidateAsset(ctx context.Context, asset string) error {
	return c.rdb.Del(ctx, poolKey(asset), fundingKey(asset)).Err()
}

func (c *CachedReader) InvalidateAccount(ctx context.Context, account string) error {
	return c.rdb.Del(ctx, positionsKey(account)).Err()
}

// --- Cache helpers ---

func (c *CachedReader) lookup(ctx context.Context, key string, dst interface{}) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(data, dst) == nil {
		c.count("hit")
		return true
	}
	c.countMiss(err)
	return false
}

func (c *CachedReader) store(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		c.rdb.Set(ctx, key, data, c.ttl)
	}
}

func (c *CachedReader) countMiss(err error) {
	if err == nil || err == redis.Nil {
		c.count("miss")
		return
	}
	c.count("error")
}

func (c *CachedReader) count(result string) {
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}

func poolKey(asset string) string        { return fmt.Sprintf("vault:pool:%s", asset) }
func positionsKey(account string) string { return fmt.Sprintf("vault:positions:%s", account) }
func fundingKey(asset string) string     { return fmt.Sprintf("vault:funding:%s", asset) }
