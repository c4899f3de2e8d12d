package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailforge/backend/internal/delivery"
	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/secrets"
)

// SignerSource 按域名提供 DKIM 签名器
type SignerSource interface {
	Signer(ctx context.Context, domainName string, extraHeaders ...string) (*dkim.Signer, error)
}

// SendInput 外发邮件输入
type SendInput struct {
	From     string            `json:"from" binding:"required"`
	To       []string          `json:"to"`
	Cc       []string          `json:"cc"`
	Bcc      []string          `json:"bcc"`
	Subject  string            `json:"subject"`
	TextBody string            `json:"textBody"`
	HTMLBody string            `json:"htmlBody"`
	Headers  map[string]string `json:"headers"`
	UserID   string            `json:"userId"` // 非空时发件地址必须属于该用户
}

// SendResult 外发结果
type SendResult struct {
	MessageID  string `json:"messageId"`
	DKIMSigned bool   `json:"dkimSigned"`
	Transport  string `json:"transport"`
	Recipients int    `json:"recipients"` // 已接收的收件人数

	// FailedRecipients 部分投递时未送达的收件人及原因
	FailedRecipients map[string]string `json:"failedRecipients,omitempty"`
}

// OutboundService 外发邮件
//
// 每次发送只尝试一次。签名失败时降级为不签名继续发送；投递失败时不保存邮件，只写失败日志并返回错误。
// 部分收件域名成功时按已发出处理，日志中记录成功和失败的收件人。
type OutboundService struct {
	addresses *AddressService
	keys      SignerSource
	transport delivery.Transport
	recorder  *Recorder
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewOutboundService 创建外发服务
func NewOutboundService(
	addresses *AddressService,
	keys SignerSource,
	transport delivery.Transport,
	recorder *Recorder,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *OutboundService {
	return &OutboundService{
		addresses: addresses,
		keys:      keys,
		transport: transport,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.Named("outbound"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send 组装、签名并投递一封邮件
func (s *OutboundService) Send(ctx context.Context, input SendInput) (*SendResult, error) {
	start := time.Now()
	recipients := strings.Join(append(append(append([]string{}, input.To...), input.Cc...), input.Bcc...), ", ")

	fail := func(err error) (*SendResult, error) {
		s.recorder.Failure(ctx, domain.LogTypeOutgoing, domain.LogStatusFailed, input.From, recipients, input.Subject, err, nil)
		s.metrics.RecordOutbound("failed", false, time.Since(start))
		return nil, err
	}

	if input.UserID != "" {
		if err := s.addresses.CheckSender(ctx, input.UserID, input.From); err != nil {
			return fail(err)
		}
	}

	msg, err := delivery.Compose(delivery.Envelope{
		From:     input.From,
		To:       input.To,
		Cc:       input.Cc,
		Bcc:      input.Bcc,
		Subject:  input.Subject,
		TextBody: input.TextBody,
		HTMLBody: input.HTMLBody,
		Headers:  input.Headers,
		Date:     s.now(),
	})
	if err != nil {
		return fail(err)
	}

	s.sign(ctx, msg, input.Subject)

	err = s.transport.Deliver(ctx, msg.From, msg.Recipients, msg.Bytes())
	var partial *delivery.PartialDeliveryError
	if err != nil && !errors.As(err, &partial) {
		s.logger.Warn("Outbound delivery failed",
			zap.String("message_id", msg.MessageID),
			zap.String("transport", s.transport.Name()),
			zap.Error(err),
		)
		s.recorder.Failure(ctx, domain.LogTypeOutgoing, domain.LogStatusFailed, msg.From, recipients, input.Subject, err, map[string]string{
			"messageId": msg.MessageID,
			"transport": s.transport.Name(),
		})
		s.metrics.RecordOutbound("failed", msg.Signed(), time.Since(start))
		return nil, err
	}

	sentAt := s.now()
	record := &domain.MailMessage{
		MessageID:    msg.MessageID,
		Direction:    domain.DirectionOutgoing,
		From:         msg.From,
		To:           nonNil(input.To),
		Cc:           nonNil(input.Cc),
		Bcc:          nonNil(input.Bcc),
		Subject:      input.Subject,
		TextBody:     input.TextBody,
		HTMLBody:     input.HTMLBody,
		Headers:      msg.HeaderMap(),
		Size:         domain.BodySize(input.TextBody, input.HTMLBody),
		SentAt:       &sentAt,
		SenderUserID: input.UserID,
		DKIMSigned:   msg.Signed(),
	}
	if err := s.recorder.SaveMessage(ctx, record); err != nil {
		// 邮件已经发出，保存失败只记录
		s.logger.Error("Failed to persist sent message",
			zap.String("message_id", msg.MessageID),
			zap.Error(err),
		)
	}

	result := &SendResult{
		MessageID:  msg.MessageID,
		DKIMSigned: msg.Signed(),
		Transport:  s.transport.Name(),
		Recipients: len(msg.Recipients),
	}
	meta := map[string]string{
		"messageId":  msg.MessageID,
		"transport":  s.transport.Name(),
		"dkimSigned": strconv.FormatBool(msg.Signed()),
	}
	status := "success"
	if partial != nil {
		status = "partial"
		result.Recipients = len(partial.Delivered)
		result.FailedRecipients = make(map[string]string, len(partial.Failed))
		failed := make([]string, 0, len(partial.Failed))
		for rcpt, cause := range partial.Failed {
			result.FailedRecipients[rcpt] = cause.Error()
			failed = append(failed, rcpt)
		}
		sort.Strings(failed)
		meta["partial"] = "true"
		meta["delivered"] = strings.Join(partial.Delivered, ", ")
		meta["failedRecipients"] = strings.Join(failed, ", ")
		meta["failureReason"] = partial.Error()

		s.logger.Warn("Outbound delivery partially failed",
			zap.String("message_id", msg.MessageID),
			zap.Strings("failed", failed),
		)
	}

	s.recorder.Success(ctx, domain.LogTypeOutgoing, msg.From, recipients, input.Subject, meta)
	s.metrics.RecordOutbound(status, msg.Signed(), time.Since(start))

	return result, nil
}

// sign 尝试签名，失败时降级为不签名
func (s *OutboundService) sign(ctx context.Context, msg *delivery.Message, subject string) {
	senderDomain := domain.DomainOf(msg.From)

	signer, err := s.keys.Signer(ctx, senderDomain)
	if errors.Is(err, secrets.ErrNoCredentials) {
		s.logger.Debug("No DKIM credentials, sending unsigned", zap.String("domain", senderDomain))
		return
	}
	if err == nil {
		err = msg.Sign(signer)
	}
	if err == nil {
		return
	}

	s.logger.Warn("DKIM signing failed, sending unsigned",
		zap.String("domain", senderDomain),
		zap.Error(err),
	)
	s.metrics.RecordSignFailure()
	s.recorder.Failure(ctx, domain.LogTypeError, domain.LogStatusFailed, msg.From, "", subject, err, map[string]string{
		"messageId": msg.MessageID,
		"stage":     "dkim",
	})
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
