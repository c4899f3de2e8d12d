package httptransport

import (
	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/auth"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/service"
)

// AccountHandler 用户与邮件地址处理器
type AccountHandler struct {
	users     *auth.Service
	addresses *service.AddressService
}

// NewAccountHandler 创建账户处理器
func NewAccountHandler(users *auth.Service, addresses *service.AddressService) *AccountHandler {
	return &AccountHandler{users: users, addresses: addresses}
}

// CreateUserRequest 创建用户请求
type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CreateUser godoc
// @Summary 创建 SMTP 用户
// @Tags Accounts
// @Accept json
// @Produce json
// @Param request body CreateUserRequest true "用户信息"
// @Success 201 {object} domain.User
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /v1/users [post]
func (h *AccountHandler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	user, err := h.users.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, user)
}

// ListUsers 用户列表
func (h *AccountHandler) ListUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	if users == nil {
		users = []*domain.User{}
	}
	Success(c, users)
}

// GetUser 用户详情
func (h *AccountHandler) GetUser(c *gin.Context) {
	user, err := h.users.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, user)
}

type setActiveRequest struct {
	IsActive *bool `json:"isActive" binding:"required"`
}

// SetUserActive 启用或停用用户
func (h *AccountHandler) SetUserActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	user, err := h.users.SetActive(c.Request.Context(), c.Param("id"), *req.IsActive)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, user)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

// ChangePassword 修改密码
func (h *AccountHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.users.ChangePassword(c.Request.Context(), c.Param("id"), req.OldPassword, req.NewPassword); err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"updated": true})
}

// ListUserAddresses 用户的邮件地址
func (h *AccountHandler) ListUserAddresses(c *gin.Context) {
	addrs, err := h.addresses.ListByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	if addrs == nil {
		addrs = []*domain.MailAddress{}
	}
	Success(c, addrs)
}

// CreateAddressRequest 创建邮件地址请求
type CreateAddressRequest struct {
	Address string `json:"address" binding:"required"`
	UserID  string `json:"userId" binding:"required"`
}

// CreateAddress godoc
// @Summary 创建邮件地址
// @Description 地址所在域名必须已开通且处于激活状态
// @Tags Accounts
// @Accept json
// @Produce json
// @Param request body CreateAddressRequest true "地址信息"
// @Success 201 {object} domain.MailAddress
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Router /v1/addresses [post]
func (h *AccountHandler) CreateAddress(c *gin.Context) {
	var req CreateAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	addr, err := h.addresses.Create(c.Request.Context(), service.CreateAddressInput{
		Address: req.Address,
		UserID:  req.UserID,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, addr)
}

// GetAddress 地址详情
func (h *AccountHandler) GetAddress(c *gin.Context) {
	addr, err := h.addresses.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, addr)
}

// SetAddressActive 启用或停用地址
func (h *AccountHandler) SetAddressActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	addr, err := h.addresses.SetActive(c.Request.Context(), c.Param("address"), *req.IsActive)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, addr)
}
