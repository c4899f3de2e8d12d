package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// MailHandler 外发与审计查询处理器
type MailHandler struct {
	outbound *service.OutboundService
	recorder *service.Recorder
}

// NewMailHandler 创建邮件处理器
func NewMailHandler(outbound *service.OutboundService, recorder *service.Recorder) *MailHandler {
	return &MailHandler{outbound: outbound, recorder: recorder}
}

// Send godoc
// @Summary 发送邮件
// @Description 发件域名存在 DKIM 密钥时自动签名，投递只尝试一次
// @Tags Mail
// @Accept json
// @Produce json
// @Param request body service.SendInput true "邮件内容"
// @Success 200 {object} service.SendResult
// @Failure 400 {object} Response
// @Failure 403 {object} Response
// @Failure 502 {object} Response
// @Router /v1/send [post]
func (h *MailHandler) Send(c *gin.Context) {
	var req service.SendInput
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.outbound.Send(c.Request.Context(), req)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, result)
}

// Logs 审计日志，按时间倒序
func (h *MailHandler) Logs(c *gin.Context) {
	logs, err := h.recorder.Logs(c.Request.Context(), domain.LogFilter{
		Type:   domain.LogType(c.Query("type")),
		Status: domain.LogStatus(c.Query("status")),
		Limit:  parseLimit(c),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	if logs == nil {
		logs = []*domain.MailLog{}
	}
	Success(c, logs)
}

// Messages 已保存的邮件
func (h *MailHandler) Messages(c *gin.Context) {
	direction := domain.Direction(c.Query("direction"))
	switch direction {
	case "", domain.DirectionIncoming, domain.DirectionOutgoing:
	default:
		BadRequest(c, MsgInvalidRequest)
		return
	}

	msgs, err := h.recorder.Messages(c.Request.Context(), direction, parseLimit(c))
	if err != nil {
		Fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.MailMessage{}
	}
	Success(c, msgs)
}

// Message 按 Message-Id 查询
func (h *MailHandler) Message(c *gin.Context) {
	msg, err := h.recorder.Message(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, msg)
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
