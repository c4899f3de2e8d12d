package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage"
)

// AddressService 管理邮件地址并为 SMTP 会话解析收件人
type AddressService struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewAddressService 创建地址服务
func NewAddressService(store storage.Store, logger *zap.Logger) *AddressService {
	return &AddressService{
		store:  store,
		logger: logger.Named("address"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateAddressInput 创建地址的输入
type CreateAddressInput struct {
	Address string
	UserID  string
}

// Create 创建地址
//
// 地址所在域名必须是激活的托管域名，所属用户必须存在。
func (s *AddressService) Create(ctx context.Context, input CreateAddressInput) (*domain.MailAddress, error) {
	addr, err := domain.NormalizeAddress(input.Address)
	if err != nil {
		return nil, err
	}
	localPart, domainName, err := domain.SplitAddress(addr)
	if err != nil {
		return nil, err
	}

	d, err := s.store.GetDomain(ctx, domainName)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, domain.ErrDomainInactive
	}
	if _, err := s.store.GetUser(ctx, input.UserID); err != nil {
		return nil, err
	}

	mailAddr := &domain.MailAddress{
		Address:   addr,
		LocalPart: localPart,
		Domain:    domainName,
		UserID:    input.UserID,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAddress(ctx, mailAddr); err != nil {
		return nil, err
	}

	s.logger.Info("Mail address created",
		zap.String("address", addr),
		zap.String("user_id", input.UserID),
	)
	return mailAddr, nil
}

// Get 获取地址
func (s *AddressService) Get(ctx context.Context, address string) (*domain.MailAddress, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	return s.store.GetAddress(ctx, addr)
}

// ListByUser 列出用户的地址
func (s *AddressService) ListByUser(ctx context.Context, userID string) ([]*domain.MailAddress, error) {
	return s.store.ListAddressesByUser(ctx, userID)
}

// SetActive 启用或停用地址，地址不会被删除
func (s *AddressService) SetActive(ctx context.Context, address string, active bool) (*domain.MailAddress, error) {
	a, err := s.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	a.IsActive = active
	if err := s.store.UpdateAddress(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ResolveRecipient 返回激活的收件地址
func (s *AddressService) ResolveRecipient(ctx context.Context, address string) (*domain.MailAddress, error) {
	a, err := s.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, domain.ErrAddressInactive
	}
	return a, nil
}

// IsManagedDomain 域名是否为激活的托管域名
func (s *AddressService) IsManagedDomain(ctx context.Context, name string) (bool, error) {
	d, err := s.store.GetDomain(ctx, domain.NormalizeDomain(name))
	if errors.Is(err, domain.ErrDomainNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup domain: %w", err)
	}
	return d.IsActive, nil
}

// CheckSender 确认发件地址属于该用户且处于激活状态
func (s *AddressService) CheckSender(ctx context.Context, userID, from string) error {
	a, err := s.Get(ctx, from)
	if err != nil {
		if errors.Is(err, domain.ErrAddressNotFound) {
			return domain.ErrSenderNotOwned
		}
		return err
	}
	if a.UserID != userID {
		return domain.ErrSenderNotOwned
	}
	if !a.IsActive {
		return domain.ErrAddressInactive
	}
	return nil
}
