package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mailforge/backend/internal/domain"
)

// Store 使用内存保存域名、地址、邮件和日志，主要用于开发验证和测试。
//
// 读写均返回副本，调用方修改返回值不会影响存储内容。
type Store struct {
	mu         sync.RWMutex
	domains    map[string]*domain.MailDomain  // domain -> record
	addresses  map[string]*domain.MailAddress // address -> record
	users      map[string]*domain.User        // userID -> user
	byUsername map[string]string              // username -> userID
	messages   map[string]*domain.MailMessage // messageID -> message
	order      []string                       // 邮件写入顺序
	logs       []*domain.MailLog
	now        func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		domains:    make(map[string]*domain.MailDomain),
		addresses:  make(map[string]*domain.MailAddress),
		users:      make(map[string]*domain.User),
		byUsername: make(map[string]string),
		messages:   make(map[string]*domain.MailMessage),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ========== Domain Repository ==========

// CreateDomain 保存新域名
func (s *Store) CreateDomain(_ context.Context, d *domain.MailDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(d.Domain)
	if _, exists := s.domains[key]; exists {
		return domain.ErrDomainExists
	}
	cp := *d
	cp.Domain = key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.domains[key] = &cp
	d.CreatedAt, d.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	return nil
}

// GetDomain 根据域名获取记录
func (s *Store) GetDomain(_ context.Context, name string) (*domain.MailDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[strings.ToLower(name)]
	if !ok {
		return nil, domain.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDomains 列出所有域名（按名称排序）
func (s *Store) ListDomains(_ context.Context) ([]*domain.MailDomain, error) {
	return s.listDomains(false), nil
}

// ListActiveDomains 列出激活的域名
func (s *Store) ListActiveDomains(_ context.Context) ([]*domain.MailDomain, error) {
	return s.listDomains(true), nil
}

func (s *Store) listDomains(activeOnly bool) []*domain.MailDomain {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.MailDomain, 0, len(s.domains))
	for _, d := range s.domains {
		if activeOnly && !d.IsActive {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// PatchDomain 修改指定字段
func (s *Store) PatchDomain(_ context.Context, name string, patch domain.DomainPatch) (*domain.MailDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[strings.ToLower(name)]
	if !ok {
		return nil, domain.ErrDomainNotFound
	}
	patch.Apply(d)
	d.UpdatedAt = s.now()
	cp := *d
	return &cp, nil
}

// UpdateDomainTLS 更新域名的证书路径
func (s *Store) UpdateDomainTLS(_ context.Context, name, keyPath, certPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[strings.ToLower(name)]
	if !ok {
		return domain.ErrDomainNotFound
	}
	d.TLSKeyPath = keyPath
	d.TLSCertPath = certPath
	d.UpdatedAt = s.now()
	return nil
}

// ========== Address Repository ==========

// CreateAddress 保存新地址
func (s *Store) CreateAddress(_ context.Context, a *domain.MailAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(a.Address)
	if _, exists := s.addresses[key]; exists {
		return domain.ErrAddressExists
	}
	cp := *a
	cp.Address = key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.addresses[key] = &cp
	a.CreatedAt = cp.CreatedAt
	return nil
}

// GetAddress 根据地址获取记录
func (s *Store) GetAddress(_ context.Context, address string) (*domain.MailAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.addresses[strings.ToLower(address)]
	if !ok {
		return nil, domain.ErrAddressNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAddressesByUser 列出用户的全部地址
func (s *Store) ListAddressesByUser(_ context.Context, userID string) ([]*domain.MailAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MailAddress
	for _, a := range s.addresses {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// UpdateAddress 更新地址
func (s *Store) UpdateAddress(_ context.Context, a *domain.MailAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(a.Address)
	existing, ok := s.addresses[key]
	if !ok {
		return domain.ErrAddressNotFound
	}
	cp := *a
	cp.Address = key
	cp.CreatedAt = existing.CreatedAt
	s.addresses[key] = &cp
	return nil
}

// ========== User Repository ==========

// CreateUser 创建新用户
func (s *Store) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return domain.ErrUserExists
	}
	if _, exists := s.byUsername[strings.ToLower(u.Username)]; exists {
		return domain.ErrUserExists
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.users[u.ID] = &cp
	s.byUsername[strings.ToLower(u.Username)] = u.ID
	u.CreatedAt = cp.CreatedAt
	return nil
}

// GetUser 根据ID获取用户
func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername 根据用户名获取用户
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[strings.ToLower(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

// ListUsers 列出所有用户
func (s *Store) ListUsers(_ context.Context) ([]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// UpdateUser 更新用户的密码哈希与激活状态
func (s *Store) UpdateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return domain.ErrUserNotFound
	}
	cp := *existing
	cp.PasswordHash = u.PasswordHash
	cp.IsActive = u.IsActive
	s.users[u.ID] = &cp
	return nil
}

// ========== Message Repository ==========

// SaveMessage 保存邮件，同一 message-id 只能写入一次
func (s *Store) SaveMessage(_ context.Context, m *domain.MailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[m.MessageID]; exists {
		return domain.ErrMessageExists
	}
	cp := *m
	s.messages[m.MessageID] = &cp
	s.order = append(s.order, m.MessageID)
	return nil
}

// GetMessage 根据 message-id 获取邮件
func (s *Store) GetMessage(_ context.Context, messageID string) (*domain.MailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

// ListMessages 按写入时间倒序列出邮件，direction 为空时不过滤
func (s *Store) ListMessages(_ context.Context, direction domain.Direction, limit int) ([]*domain.MailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MailMessage
	for i := len(s.order) - 1; i >= 0; i-- {
		m := s.messages[s.order[i]]
		if direction != "" && m.Direction != direction {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ========== Log Repository ==========

// AppendLog 追加审计日志
func (s *Store) AppendLog(_ context.Context, l *domain.MailLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.logs = append(s.logs, &cp)
	return nil
}

// ListLogs 按写入时间倒序列出日志
func (s *Store) ListLogs(_ context.Context, filter domain.LogFilter) ([]*domain.MailLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.MailLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if !filter.Match(s.logs[i]) {
			continue
		}
		cp := *s.logs[i]
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close 内存存储无需关闭
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康
func (s *Store) Health(context.Context) error {
	return nil
}
