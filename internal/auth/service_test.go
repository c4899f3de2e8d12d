package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store, store).WithCost(bcrypt.MinCost), store
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("成功注册", func(t *testing.T) {
		svc, _ := newTestService(t)
		user, err := svc.Register(ctx, RegisterInput{Username: "Alice", Password: "Password123!"})
		require.NoError(t, err)
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "alice", user.Username)
		assert.True(t, user.IsActive)
		assert.NotEqual(t, "Password123!", user.PasswordHash)
	})

	t.Run("用户名重复", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Register(ctx, RegisterInput{Username: "alice", Password: "Password123!"})
		require.NoError(t, err)
		_, err = svc.Register(ctx, RegisterInput{Username: "ALICE", Password: "Password123!"})
		assert.ErrorIs(t, err, domain.ErrUserExists)
	})

	t.Run("密码太短", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Register(ctx, RegisterInput{Username: "alice", Password: "short"})
		assert.ErrorIs(t, err, domain.ErrPasswordTooShort)
	})
}

func TestService_Authenticate(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	user, err := svc.Register(ctx, RegisterInput{Username: "alice", Password: "Password123!"})
	require.NoError(t, err)
	require.NoError(t, store.CreateAddress(ctx, &domain.MailAddress{
		Address: "alice@example.com", LocalPart: "alice", Domain: "example.com", UserID: user.ID, IsActive: true,
	}))
	require.NoError(t, store.CreateAddress(ctx, &domain.MailAddress{
		Address: "old@example.com", LocalPart: "old", Domain: "example.com", UserID: user.ID, IsActive: false,
	}))

	t.Run("地址与密码匹配", func(t *testing.T) {
		got, err := svc.Authenticate(ctx, "Alice@Example.com", "Password123!")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("密码错误", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "alice@example.com", "wrong-password")
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})

	t.Run("未知地址", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "nobody@example.com", "Password123!")
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})

	t.Run("停用地址", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "old@example.com", "Password123!")
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})

	t.Run("停用账户", func(t *testing.T) {
		_, err := svc.SetActive(ctx, user.ID, false)
		require.NoError(t, err)
		defer svc.SetActive(ctx, user.ID, true)

		_, err = svc.Authenticate(ctx, "alice@example.com", "Password123!")
		assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	})
}

func TestService_ChangePassword(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	user, err := svc.Register(ctx, RegisterInput{Username: "bob", Password: "Password123!"})
	require.NoError(t, err)

	t.Run("旧密码错误", func(t *testing.T) {
		err := svc.ChangePassword(ctx, user.ID, "nope-nope", "NewPassword456!")
		assert.ErrorIs(t, err, ErrInvalidOldPassword)
	})

	t.Run("修改成功", func(t *testing.T) {
		require.NoError(t, svc.ChangePassword(ctx, user.ID, "Password123!", "NewPassword456!"))
		stored, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, CheckPassword("NewPassword456!", stored.PasswordHash))
		assert.False(t, CheckPassword("Password123!", stored.PasswordHash))
	})
}
