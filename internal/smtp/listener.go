package smtp

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/monitoring"
)

const (
	replyRateLimited    = "421 4.7.0 Too many connections from your address, try again later\r\n"
	replyTooManyClients = "421 4.7.0 Too many concurrent connections, try again later\r\n"
)

// admissionTimeout 单次准入查询的上限
const admissionTimeout = 500 * time.Millisecond

// LimitedListener 在 SMTP 问候之前执行准入控制
//
// Accept 只做并发名额检查，速率准入推迟到连接自身的首次读写，
// 慢速的准入查询不会阻塞其他连接的接受。
// 被拒绝的连接收到 421 后立即关闭，不会到达 AUTH。
type LimitedListener struct {
	net.Listener
	name      string
	admission Admission
	conns     *ConnectionLimiter
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewLimitedListener 包装监听器，admission 和 conns 可为 nil
func NewLimitedListener(inner net.Listener, name string, admission Admission, conns *ConnectionLimiter, metrics *monitoring.Metrics, logger *zap.Logger) *LimitedListener {
	return &LimitedListener{
		Listener:  inner,
		name:      name,
		admission: admission,
		conns:     conns,
		metrics:   metrics,
		logger:    logger,
	}
}

// Accept 返回下一个占到名额的连接
func (l *LimitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ip := remoteIP(conn.RemoteAddr())
		if l.conns != nil && !l.conns.Acquire() {
			go l.reject(conn, ip, "capacity", replyTooManyClients)
			continue
		}
		return &admittedConn{Conn: conn, ip: ip, listener: l}, nil
	}
}

func (l *LimitedListener) admit(ip string) bool {
	if l.admission == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), admissionTimeout)
	defer cancel()
	return l.admission.Allow(ctx, ip)
}

func (l *LimitedListener) release() {
	if l.conns != nil {
		l.conns.Release()
	}
}

func (l *LimitedListener) reject(conn net.Conn, ip, reason, reply string) {
	l.metrics.RecordConnection(l.name, reason)
	l.logger.Info("Connection rejected",
		zap.String("listener", l.name),
		zap.String("ip", ip),
		zap.String("reason", reason),
	)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte(reply))
	_ = conn.Close()
}

// admittedConn 首次读写时执行速率准入，关闭时归还连接名额
type admittedConn struct {
	net.Conn
	ip       string
	listener *LimitedListener

	admitOnce sync.Once
	denied    bool
	closeOnce sync.Once
}

func (c *admittedConn) check() error {
	c.admitOnce.Do(func() {
		if c.listener.admit(c.ip) {
			c.listener.metrics.RecordConnection(c.listener.name, "accepted")
			return
		}
		c.denied = true
		c.closeOnce.Do(c.listener.release)
		c.listener.reject(c.Conn, c.ip, "rate_limited", replyRateLimited)
	})
	if c.denied {
		return net.ErrClosed
	}
	return nil
}

func (c *admittedConn) Read(b []byte) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *admittedConn) Write(b []byte) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

func (c *admittedConn) Close() error {
	c.closeOnce.Do(c.listener.release)
	return c.Conn.Close()
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
