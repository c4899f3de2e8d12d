package cache

import (
	"context"
	"sync"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 读多写少，使用 RWMutex 保护
// - 支持 TTL 过期
// - 超出容量时淘汰最早过期的条目
// - 条目被移除时回调 onEvict，用于释放受保护内存
type LocalCache[V any] struct {
	mu      sync.RWMutex
	data    map[string]cacheEntry[V]
	maxSize int
	ttl     time.Duration
	onEvict func(key string, value V)
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，0 表示不限制
//   - ttl: 默认过期时间
//   - onEvict: 条目被删除、过期或淘汰时的回调，可为 nil
func NewLocalCache[V any](maxSize int, ttl time.Duration, onEvict func(key string, value V)) *LocalCache[V] {
	return &LocalCache[V]{
		data:    make(map[string]cacheEntry[V]),
		maxSize: maxSize,
		ttl:     ttl,
		onEvict: onEvict,
		now:     time.Now,
	}
}

// Get 获取缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(entry.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	old, replaced := c.data[key]
	if !replaced && c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.data[key] = cacheEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()

	if replaced && c.onEvict != nil {
		c.onEvict(key, old.value)
	}
}

// Delete 删除缓存值
func (c *LocalCache[V]) Delete(key string) {
	c.mu.Lock()
	entry, ok := c.data[key]
	delete(c.data, key)
	c.mu.Unlock()

	if ok && c.onEvict != nil {
		c.onEvict(key, entry.value)
	}
}

// Clear 清空所有缓存
func (c *LocalCache[V]) Clear() {
	c.mu.Lock()
	old := c.data
	c.data = make(map[string]cacheEntry[V])
	c.mu.Unlock()

	if c.onEvict != nil {
		for k, entry := range old {
			c.onEvict(k, entry.value)
		}
	}
}

// Len 当前条目数（含尚未清理的过期条目）
func (c *LocalCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Cleanup 清理过期条目，返回清理数量
func (c *LocalCache[V]) Cleanup() int {
	now := c.now()
	expired := make(map[string]V)

	c.mu.Lock()
	for k, entry := range c.data {
		if now.After(entry.expiresAt) {
			expired[k] = entry.value
			delete(c.data, k)
		}
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for k, v := range expired {
			c.onEvict(k, v)
		}
	}
	return len(expired)
}

// Run 定期清理过期条目，直到 ctx 结束
func (c *LocalCache[V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// evictOldestLocked 淘汰最早过期的条目，调用方需持有写锁
func (c *LocalCache[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, entry := range c.data {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey, oldest = k, entry.expiresAt
		}
	}
	if oldestKey == "" {
		return
	}
	entry := c.data[oldestKey]
	delete(c.data, oldestKey)
	if c.onEvict != nil {
		go c.onEvict(oldestKey, entry.value)
	}
}
