package core

import (
	"PerpVault/internal/observability"
	"container/list"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU in
// front of the persisted command log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker // optional
	logger    zerolog.Logger
	metrics   *observability.Metrics // optional
}

// DBIdempotencyChecker looks a command up in the persisted command log
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, logger zerolog.Logger, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		logger:    logger,
		metrics:   metrics,
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", commandType, idempotencyKey)
}

// IsDuplicate reports whether the command was already processed. A failing
// database lookup counts as not seen.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		ic.logger.Warn().Err(err).
			Str("command_type", commandType).
			Str("key", idempotencyKey).
			Msg("tier-2 dedup lookup failed")
		if ic.metrics != nil {
			ic.metrics.PersistErrors.WithLabelValues("dedup_lookup").Inc()
		}
		return false
	}
	if isDup {
		ic.recordDuplicate(commandType, "postgres")
		ic.lru.Add(key)
		return true
	}
	return false
}

// MarkProcessed remembers the command in the LRU
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	evicted := ic.lru.Add(compositeKey(commandType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm preloads composite keys, e.g. from a snapshot.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

// RecentKeys returns up to n composite keys, most recent first.
func (ic *IdempotencyChecker) RecentKeys(n int) []string {
	return ic.lru.Recent(n)
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// ============================================================================
// LRU
// ============================================================================

// IdempotencyLRU is an LRU set of composite keys.
// Not thread-safe: only the processor goroutine touches it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List // front is most recent

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts or promotes key and reports whether an older key was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.order.Back()
	if elem == nil {
		return
	}
	lru.order.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads keys given most recent first, so the first key ends up
// at the front.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		lru.Add(keys[i])
	}
}

// Recent returns up to n keys, most recent first.
func (lru *IdempotencyLRU) Recent(n int) []string {
	if n > lru.order.Len() {
		n = lru.order.Len()
	}
	out := make([]string, 0, n)
	for e := lru.order.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
