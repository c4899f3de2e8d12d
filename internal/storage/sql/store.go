package sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailforge/backend/internal/domain"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+、PostgreSQL 和 SQLite）
type Store struct {
	db         *gorm.DB
	driverName string // "mysql" / "postgres" / "sqlite"
}

// Models 需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{
		&domain.MailDomain{},
		&domain.MailAddress{},
		&domain.User{},
		&domain.MailMessage{},
		&domain.MailLog{},
	}
}

// Open 按驱动名打开 GORM 连接
func Open(driverName, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, sqlite)", driverName)
	}

	return gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
}

// NewStore 创建SQL数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	db, err := Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}

	// 设置连接池参数
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, driverName: driverName}

	// 自动执行数据库迁移
	if err := store.Migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// notFound 把 gorm.ErrRecordNotFound 转换为领域错误
func notFound(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

// isDuplicate 判断是否为唯一约束冲突
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

// ========== Domain Repository ==========

// CreateDomain 保存新域名
func (s *Store) CreateDomain(ctx context.Context, d *domain.MailDomain) error {
	d.Domain = strings.ToLower(d.Domain)
	err := s.db.WithContext(ctx).Create(d).Error
	if err != nil && isDuplicate(err) {
		return domain.ErrDomainExists
	}
	return err
}

// GetDomain 根据域名获取记录
func (s *Store) GetDomain(ctx context.Context, name string) (*domain.MailDomain, error) {
	var d domain.MailDomain
	err := s.db.WithContext(ctx).Where("domain = ?", strings.ToLower(name)).First(&d).Error
	if err != nil {
		return nil, notFound(err, domain.ErrDomainNotFound)
	}
	return &d, nil
}

// ListDomains 列出所有域名
func (s *Store) ListDomains(ctx context.Context) ([]*domain.MailDomain, error) {
	var out []*domain.MailDomain
	err := s.db.WithContext(ctx).Order("domain").Find(&out).Error
	return out, err
}

// ListActiveDomains 列出激活的域名
func (s *Store) ListActiveDomains(ctx context.Context) ([]*domain.MailDomain, error) {
	var out []*domain.MailDomain
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("domain").Find(&out).Error
	return out, err
}

// PatchDomain 在事务中只更新 patch 涉及的列并读回最新记录
func (s *Store) PatchDomain(ctx context.Context, name string, patch domain.DomainPatch) (*domain.MailDomain, error) {
	key := strings.ToLower(name)
	cols := patch.Columns()
	cols["updated_at"] = time.Now().UTC()

	var out domain.MailDomain
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("domain = ?", key).First(&out).Error; err != nil {
			return notFound(err, domain.ErrDomainNotFound)
		}
		if err := tx.Model(&domain.MailDomain{}).Where("domain = ?", key).Updates(cols).Error; err != nil {
			return err
		}
		return tx.Where("domain = ?", key).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDomainTLS 更新域名的证书路径
func (s *Store) UpdateDomainTLS(ctx context.Context, name, keyPath, certPath string) error {
	res := s.db.WithContext(ctx).Model(&domain.MailDomain{}).
		Where("domain = ?", strings.ToLower(name)).
		Updates(map[string]interface{}{"tls_key_path": keyPath, "tls_cert_path": certPath})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrDomainNotFound
	}
	return nil
}

// ========== Address Repository ==========

// CreateAddress 保存新地址
func (s *Store) CreateAddress(ctx context.Context, a *domain.MailAddress) error {
	a.Address = strings.ToLower(a.Address)
	err := s.db.WithContext(ctx).Create(a).Error
	if err != nil && isDuplicate(err) {
		return domain.ErrAddressExists
	}
	return err
}

// GetAddress 根据地址获取记录
func (s *Store) GetAddress(ctx context.Context, address string) (*domain.MailAddress, error) {
	var a domain.MailAddress
	err := s.db.WithContext(ctx).Where("address = ?", strings.ToLower(address)).First(&a).Error
	if err != nil {
		return nil, notFound(err, domain.ErrAddressNotFound)
	}
	return &a, nil
}

// ListAddressesByUser 列出用户的全部地址
func (s *Store) ListAddressesByUser(ctx context.Context, userID string) ([]*domain.MailAddress, error) {
	var out []*domain.MailAddress
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("address").Find(&out).Error
	return out, err
}

// UpdateAddress 更新地址
func (s *Store) UpdateAddress(ctx context.Context, a *domain.MailAddress) error {
	res := s.db.WithContext(ctx).Model(&domain.MailAddress{}).
		Where("address = ?", strings.ToLower(a.Address)).
		Select("*").Omit("address", "created_at").
		Updates(a)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAddressNotFound
	}
	return nil
}

// ========== User Repository ==========

// CreateUser 创建新用户
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	if err != nil && isDuplicate(err) {
		return domain.ErrUserExists
	}
	return err
}

// GetUser 根据ID获取用户
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFound(err, domain.ErrUserNotFound)
	}
	return &u, nil
}

// GetUserByUsername 根据用户名获取用户
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	if err := s.db.WithContext(ctx).Where("LOWER(username) = ?", strings.ToLower(username)).First(&u).Error; err != nil {
		return nil, notFound(err, domain.ErrUserNotFound)
	}
	return &u, nil
}

// ListUsers 列出所有用户
func (s *Store) ListUsers(ctx context.Context) ([]*domain.User, error) {
	var out []*domain.User
	err := s.db.WithContext(ctx).Order("username").Find(&out).Error
	return out, err
}

// UpdateUser 更新用户的密码哈希与激活状态
func (s *Store) UpdateUser(ctx context.Context, u *domain.User) error {
	res := s.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", u.ID).
		Updates(map[string]any{
			"password_hash": u.PasswordHash,
			"is_active":     u.IsActive,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// ========== Message Repository ==========

// SaveMessage 保存邮件
func (s *Store) SaveMessage(ctx context.Context, m *domain.MailMessage) error {
	err := s.db.WithContext(ctx).Create(m).Error
	if err != nil && isDuplicate(err) {
		return domain.ErrMessageExists
	}
	return err
}

// GetMessage 根据 message-id 获取邮件
func (s *Store) GetMessage(ctx context.Context, messageID string) (*domain.MailMessage, error) {
	var m domain.MailMessage
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&m).Error; err != nil {
		return nil, notFound(err, domain.ErrMessageNotFound)
	}
	return &m, nil
}

// ListMessages 按时间倒序列出邮件
func (s *Store) ListMessages(ctx context.Context, direction domain.Direction, limit int) ([]*domain.MailMessage, error) {
	q := s.db.WithContext(ctx).Order("COALESCE(received_at, sent_at) DESC")
	if direction != "" {
		q = q.Where("direction = ?", direction)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*domain.MailMessage
	err := q.Find(&out).Error
	return out, err
}

// ========== Log Repository ==========

// AppendLog 追加审计日志
func (s *Store) AppendLog(ctx context.Context, l *domain.MailLog) error {
	return s.db.WithContext(ctx).Create(l).Error
}

// ListLogs 按时间倒序列出日志
func (s *Store) ListLogs(ctx context.Context, filter domain.LogFilter) ([]*domain.MailLog, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []*domain.MailLog
	err := q.Find(&out).Error
	return out, err
}
