package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/pool"
	"mailforge/backend/internal/storage"
)

// AuditStore 审计持久化所需的存储
type AuditStore interface {
	storage.MessageRepository
	storage.LogRepository
}

// Recorder 负责写入 MailMessage 与 MailLog
//
// 配置了工作池时日志在后台写入；队列已满或工作池未启动时在当前协程写入，不丢弃任何日志。
type Recorder struct {
	store   AuditStore
	workers *pool.WorkerPool
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder 创建审计记录器，workers 可为 nil
func NewRecorder(store AuditStore, workers *pool.WorkerPool, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:   store,
		workers: workers,
		logger:  logger.Named("recorder"),
		timeout: 10 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SaveMessage 同步保存邮件，调用方根据错误决定协议层响应
func (r *Recorder) SaveMessage(ctx context.Context, m *domain.MailMessage) error {
	return r.store.SaveMessage(ctx, m)
}

// Log 追加一条审计日志
func (r *Recorder) Log(ctx context.Context, entry *domain.MailLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	if r.workers != nil {
		bg := context.WithoutCancel(ctx)
		if r.workers.TrySubmit(func() { r.write(bg, entry) }) {
			return
		}
		r.logger.Debug("Worker queue unavailable, writing log inline")
	}
	r.write(ctx, entry)
}

// Success 记录成功日志
func (r *Recorder) Success(ctx context.Context, typ domain.LogType, from, to, subject string, metadata map[string]string) {
	r.Log(ctx, &domain.MailLog{
		Type:     typ,
		From:     from,
		To:       to,
		Subject:  subject,
		Status:   domain.LogStatusSuccess,
		Metadata: metadata,
	})
}

// Failure 记录失败或退信日志
func (r *Recorder) Failure(ctx context.Context, typ domain.LogType, status domain.LogStatus, from, to, subject string, cause error, metadata map[string]string) {
	entry := &domain.MailLog{
		Type:     typ,
		From:     from,
		To:       to,
		Subject:  subject,
		Status:   status,
		Metadata: metadata,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	r.Log(ctx, entry)
}

// Logs 查询日志
func (r *Recorder) Logs(ctx context.Context, filter domain.LogFilter) ([]*domain.MailLog, error) {
	return r.store.ListLogs(ctx, filter)
}

// Messages 查询邮件
func (r *Recorder) Messages(ctx context.Context, direction domain.Direction, limit int) ([]*domain.MailMessage, error) {
	return r.store.ListMessages(ctx, direction, limit)
}

// Message 根据 message-id 查询邮件
func (r *Recorder) Message(ctx context.Context, messageID string) (*domain.MailMessage, error) {
	return r.store.GetMessage(ctx, messageID)
}

func (r *Recorder) write(ctx context.Context, entry *domain.MailLog) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.logger.Error("Failed to append mail log",
			zap.String("type", string(entry.Type)),
			zap.String("status", string(entry.Status)),
			zap.Error(err),
		)
	}
}
