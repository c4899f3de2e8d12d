package storage

import (
	"context"

	"mailforge/backend/internal/domain"
)

// DomainRepository 定义邮件域名数据存取操作。
type DomainRepository interface {
	CreateDomain(ctx context.Context, d *domain.MailDomain) error // 已存在时返回 domain.ErrDomainExists
	GetDomain(ctx context.Context, name string) (*domain.MailDomain, error)
	ListDomains(ctx context.Context) ([]*domain.MailDomain, error)
	ListActiveDomains(ctx context.Context) ([]*domain.MailDomain, error)
	PatchDomain(ctx context.Context, name string, patch domain.DomainPatch) (*domain.MailDomain, error) // 只更新 patch 中的列，返回更新后的记录
	UpdateDomainTLS(ctx context.Context, name, keyPath, certPath string) error
}

// AddressRepository 定义邮件地址数据存取操作。
type AddressRepository interface {
	CreateAddress(ctx context.Context, a *domain.MailAddress) error
	GetAddress(ctx context.Context, address string) (*domain.MailAddress, error)
	ListAddressesByUser(ctx context.Context, userID string) ([]*domain.MailAddress, error)
	UpdateAddress(ctx context.Context, a *domain.MailAddress) error
}

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error // 只更新密码哈希与激活状态
}

// MessageRepository 定义邮件数据存取操作，邮件只写入不修改。
type MessageRepository interface {
	SaveMessage(ctx context.Context, m *domain.MailMessage) error
	GetMessage(ctx context.Context, messageID string) (*domain.MailMessage, error)
	ListMessages(ctx context.Context, direction domain.Direction, limit int) ([]*domain.MailMessage, error)
}

// LogRepository 定义审计日志操作，只追加。
type LogRepository interface {
	AppendLog(ctx context.Context, l *domain.MailLog) error
	ListLogs(ctx context.Context, filter domain.LogFilter) ([]*domain.MailLog, error)
}

// Store 定义完整的存储接口。
type Store interface {
	DomainRepository
	AddressRepository
	UserRepository
	MessageRepository
	LogRepository

	// 工具方法
	Close() error
	Health(ctx context.Context) error
}
