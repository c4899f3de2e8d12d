package smtp

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const limiterShards = 32

// Admission 连接准入判断
type Admission interface {
	Allow(ctx context.Context, ip string) bool
}

// RateLimitEntry 单个来源 IP 在当前窗口内的连接记录
type RateLimitEntry struct {
	Attempts    int
	WindowStart time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]*RateLimitEntry
}

// RateLimiter 按来源 IP 的窗口限流器
//
// 条目按 IP 哈希分布到 32 个分片，每个分片独立加锁。
// 只做准入控制，不作为安全边界。
type RateLimiter struct {
	shards [limiterShards]*limiterShard
	quota  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter 创建限流器
//
// 参数:
//   - quota: 窗口内允许的连接数，<=0 时为 10
//   - window: 窗口长度，<=0 时为 1 小时
func NewRateLimiter(quota int, window time.Duration) *RateLimiter {
	if quota <= 0 {
		quota = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	l := &RateLimiter{
		quota:  quota,
		window: window,
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &limiterShard{entries: make(map[string]*RateLimitEntry)}
	}
	return l
}

func (l *RateLimiter) shard(ip string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return l.shards[h.Sum32()%limiterShards]
}

// Allow 记录一次连接并判断是否超出配额
//
// 窗口过期后重新计数。被拒绝的连接同样计入次数。
func (l *RateLimiter) Allow(_ context.Context, ip string) bool {
	s := l.shard(ip)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ip]
	if !ok || now.Sub(e.WindowStart) >= l.window {
		s.entries[ip] = &RateLimitEntry{Attempts: 1, WindowStart: now}
		return true
	}
	e.Attempts++
	return e.Attempts <= l.quota
}

// Entry 返回 IP 的当前记录
func (l *RateLimiter) Entry(ip string) (RateLimitEntry, bool) {
	s := l.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[ip]
	if !ok {
		return RateLimitEntry{}, false
	}
	return *e, true
}

// Sweep 清理窗口已过期的条目，返回清理数量
func (l *RateLimiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for ip, e := range s.entries {
			if now.Sub(e.WindowStart) >= l.window {
				delete(s.entries, ip)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len 当前跟踪的 IP 数量
func (l *RateLimiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Run 定期清理过期条目，直到 ctx 取消
func (l *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// WindowCounter 跨进程的固定窗口计数
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisRateLimiter 基于 Redis 的共享配额
//
// Redis 不可用时放行，并记录警告。
type RedisRateLimiter struct {
	counter WindowCounter
	quota   int
	window  time.Duration
	prefix  string
	logger  *zap.Logger
}

// NewRedisRateLimiter 创建共享限流器
func NewRedisRateLimiter(counter WindowCounter, quota int, window time.Duration, logger *zap.Logger) *RedisRateLimiter {
	if quota <= 0 {
		quota = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RedisRateLimiter{
		counter: counter,
		quota:   quota,
		window:  window,
		prefix:  "mailforge:smtp:conn:",
		logger:  logger.Named("ratelimit"),
	}
}

// Allow 实现 Admission
func (l *RedisRateLimiter) Allow(ctx context.Context, ip string) bool {
	n, err := l.counter.IncrWindow(ctx, l.key(ip), l.window)
	if err != nil {
		l.logger.Warn("Rate limit backend unavailable, admitting connection",
			zap.String("ip", ip),
			zap.Error(err),
		)
		return true
	}
	return n <= int64(l.quota)
}

func (l *RedisRateLimiter) key(ip string) string {
	return fmt.Sprintf("%s%s", l.prefix, ip)
}

// ConnectionLimiter 并发连接上限
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
}

// NewConnectionLimiter 创建连接限流器，maxConns<=0 表示不限制
func NewConnectionLimiter(maxConns int) *ConnectionLimiter {
	return &ConnectionLimiter{maxConns: maxConns}
}

// Acquire 获取连接许可
//
// 返回值:
//   - bool: 是否获取成功
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConns > 0 && l.current >= l.maxConns {
		return false
	}
	l.current++
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
