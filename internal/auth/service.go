package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"mailforge/backend/internal/domain"
)

// ErrInvalidOldPassword 旧密码不匹配
var ErrInvalidOldPassword = errors.New("invalid old password")

// UserRepository 用户存储接口
type UserRepository interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error
}

// AddressLookup 地址查询接口
type AddressLookup interface {
	GetAddress(ctx context.Context, address string) (*domain.MailAddress, error)
}

// Service 账户认证服务
type Service struct {
	users     UserRepository
	addresses AddressLookup
	cost      int
	now       func() time.Time
}

// NewService 创建认证服务
func NewService(users UserRepository, addresses AddressLookup) *Service {
	return &Service{
		users:     users,
		addresses: addresses,
		cost:      bcrypt.DefaultCost,
		now:       time.Now,
	}
}

// WithCost 设置 bcrypt 代价，测试中使用 bcrypt.MinCost
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// RegisterInput 注册输入
type RegisterInput struct {
	Username string
	Password string
}

// Register 创建账户
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, error) {
	username := strings.ToLower(strings.TrimSpace(input.Username))
	if err := domain.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := domain.ValidatePassword(input.Password); err != nil {
		return nil, err
	}

	if _, err := s.users.GetUserByUsername(ctx, username); err == nil {
		return nil, domain.ErrUserExists
	}

	hash, err := HashPassword(input.Password, s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Authenticate SMTP AUTH 登录
//
// 用户名是邮件地址，必须解析到激活的 MailAddress，其所属用户也必须激活且密码哈希匹配。
// 所有失败都返回 domain.ErrAuthenticationFailed，不区分原因。
//
// 返回值:
//   - *domain.User: 地址所属用户
//   - error: 认证失败
func (s *Service) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	addr, err := domain.NormalizeAddress(username)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid username", domain.ErrAuthenticationFailed)
	}

	mailAddr, err := s.addresses.GetAddress(ctx, addr)
	if err != nil || !mailAddr.IsActive {
		return nil, fmt.Errorf("%w: unknown address", domain.ErrAuthenticationFailed)
	}

	user, err := s.users.GetUser(ctx, mailAddr.UserID)
	if err != nil || !user.IsActive {
		return nil, fmt.Errorf("%w: account unavailable", domain.ErrAuthenticationFailed)
	}

	if !CheckPassword(password, user.PasswordHash) {
		return nil, fmt.Errorf("%w: bad credentials", domain.ErrAuthenticationFailed)
	}
	return user, nil
}

// GetUser 根据 ID 获取用户
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetUser(ctx, id)
}

// ListUsers 列出用户
func (s *Service) ListUsers(ctx context.Context) ([]*domain.User, error) {
	return s.users.ListUsers(ctx)
}

// ChangePassword 修改密码
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPassword(oldPassword, user.PasswordHash) {
		return ErrInvalidOldPassword
	}
	if err := domain.ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword, s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.PasswordHash = hash
	return s.users.UpdateUser(ctx, user)
}

// SetActive 启用或禁用账户，禁用后该账户的全部地址都无法通过 SMTP AUTH
func (s *Service) SetActive(ctx context.Context, userID string, active bool) (*domain.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.IsActive = active
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// HashPassword 哈希密码
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword 检查密码是否匹配
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
