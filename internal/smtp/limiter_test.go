package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailforge/backend/internal/monitoring"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("超出配额后拒绝", func(t *testing.T) {
		l := NewRateLimiter(3, time.Hour)
		for i := 0; i < 3; i++ {
			assert.True(t, l.Allow(ctx, "192.0.2.1"))
		}
		assert.False(t, l.Allow(ctx, "192.0.2.1"))
		assert.True(t, l.Allow(ctx, "192.0.2.2"), "其他 IP 不受影响")

		e, ok := l.Entry("192.0.2.1")
		require.True(t, ok)
		assert.Equal(t, 4, e.Attempts)
	})

	t.Run("窗口过期后重新计数", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		l := NewRateLimiter(1, time.Hour)
		l.now = clock.Now

		assert.True(t, l.Allow(ctx, "192.0.2.1"))
		assert.False(t, l.Allow(ctx, "192.0.2.1"))

		clock.Advance(59 * time.Minute)
		assert.False(t, l.Allow(ctx, "192.0.2.1"))

		clock.Advance(time.Minute)
		assert.True(t, l.Allow(ctx, "192.0.2.1"))
	})

	t.Run("清理过期条目", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		l := NewRateLimiter(10, time.Hour)
		l.now = clock.Now

		for i := 0; i < 100; i++ {
			l.Allow(ctx, fmt.Sprintf("10.0.0.%d", i))
		}
		clock.Advance(30 * time.Minute)
		l.Allow(ctx, "10.0.1.1")
		assert.Equal(t, 101, l.Len())

		clock.Advance(31 * time.Minute)
		assert.Equal(t, 100, l.Sweep())
		assert.Equal(t, 1, l.Len())
	})

	t.Run("默认值", func(t *testing.T) {
		l := NewRateLimiter(0, 0)
		assert.Equal(t, 10, l.quota)
		assert.Equal(t, time.Hour, l.window)
	})

	t.Run("并发计数准确", func(t *testing.T) {
		l := NewRateLimiter(50, time.Hour)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Allow(ctx, "198.51.100.7") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, allowed)
	})

	t.Run("Run 在取消后退出", func(t *testing.T) {
		l := NewRateLimiter(1, time.Millisecond)
		l.Allow(ctx, "192.0.2.9")

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			l.Run(runCtx, 5*time.Millisecond)
			close(done)
		}()

		assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run 未退出")
		}
	})
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (c *fakeCounter) IncrWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.counts == nil {
		c.counts = make(map[string]int64)
	}
	c.counts[key]++
	return c.counts[key], nil
}

func TestRedisRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("共享计数", func(t *testing.T) {
		counter := &fakeCounter{}
		l := NewRedisRateLimiter(counter, 2, time.Hour, zap.NewNop())

		assert.True(t, l.Allow(ctx, "192.0.2.1"))
		assert.True(t, l.Allow(ctx, "192.0.2.1"))
		assert.False(t, l.Allow(ctx, "192.0.2.1"))
		assert.Equal(t, int64(3), counter.counts["mailforge:smtp:conn:192.0.2.1"])
	})

	t.Run("后端不可用时放行", func(t *testing.T) {
		l := NewRedisRateLimiter(&fakeCounter{err: errors.New("connection refused")}, 1, time.Hour, zap.NewNop())
		assert.True(t, l.Allow(ctx, "192.0.2.1"))
		assert.True(t, l.Allow(ctx, "192.0.2.1"))
	})
}

func TestConnectionLimiter(t *testing.T) {
	l := NewConnectionLimiter(2)
	assert.True(t, l.Acquire())
	assert.True(t, l.Acquire())
	assert.False(t, l.Acquire())
	assert.Equal(t, 2, l.Current())

	l.Release()
	assert.True(t, l.Acquire())

	l.Release()
	l.Release()
	l.Release()
	assert.Equal(t, 0, l.Current())

	unlimited := NewConnectionLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, unlimited.Acquire())
	}
}

// greetingServer 对每个被接受的连接写一行问候
func greetingServer(t *testing.T, l net.Listener) <-chan net.Conn {
	t.Helper()
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			accepted <- c
			go func() { _, _ = c.Write([]byte("220 ready\r\n")) }()
		}
	}()
	return accepted
}

func readLine(t *testing.T, c net.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestLimitedListener(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	conns := NewConnectionLimiter(0)
	l := NewLimitedListener(inner, "inbound", NewRateLimiter(1, time.Hour), conns, metrics, zap.NewNop())
	defer l.Close()

	accepted := greetingServer(t, l)

	first, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	assert.Equal(t, "220 ready\r\n", readLine(t, first))
	serverSide := <-accepted
	assert.Equal(t, 1, conns.Current())

	second, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, "421 4.7.0 Too many connections from your address, try again later\r\n", readLine(t, second))
	rejected := <-accepted

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SMTPConnections.WithLabelValues("inbound", "accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SMTPConnections.WithLabelValues("inbound", "rate_limited")))
	assert.Equal(t, 1, conns.Current(), "被拒绝的连接立即归还名额")

	_, err = rejected.Read(make([]byte, 1))
	assert.ErrorIs(t, err, net.ErrClosed)
	_ = rejected.Close()
	assert.Equal(t, 1, conns.Current())

	require.NoError(t, serverSide.Close())
	_ = serverSide.Close()
	assert.Equal(t, 0, conns.Current(), "关闭连接归还名额且只归还一次")
}

// slowAdmission 阻塞到 ctx 超时后放行
type slowAdmission struct{}

func (slowAdmission) Allow(ctx context.Context, _ string) bool {
	<-ctx.Done()
	return true
}

func TestLimitedListener_SlowAdmissionDoesNotBlockAccept(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	l := NewLimitedListener(inner, "inbound", slowAdmission{}, nil, metrics, zap.NewNop())
	defer l.Close()

	accepted := make(chan net.Conn, 3)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	start := time.Now()
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", inner.Addr().String())
		require.NoError(t, err)
		defer c.Close()
	}
	for i := 0; i < 3; i++ {
		select {
		case c := <-accepted:
			defer c.Close()
		case <-time.After(admissionTimeout):
			t.Fatal("准入查询阻塞了 Accept")
		}
	}
	assert.Less(t, time.Since(start), admissionTimeout)

	// 准入在首次写入时执行，超时后放行
	conn, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	c := <-accepted
	defer c.Close()
	_, err = c.Write([]byte("220 ready\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SMTPConnections.WithLabelValues("inbound", "accepted")))
}
