package domain

import "time"

// Direction 邮件方向
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MailMessage 已完成解析（入站）或已交给传输层（出站）的邮件，创建后不可变
type MailMessage struct {
	MessageID      string            `json:"messageId" gorm:"primaryKey;type:varchar(255)"`
	Direction      Direction         `json:"direction" gorm:"type:varchar(10);index"`
	From           string            `json:"from" gorm:"type:varchar(254);index"`
	To             []string          `json:"to" gorm:"serializer:json;type:text"`
	Cc             []string          `json:"cc,omitempty" gorm:"serializer:json;type:text"`
	Bcc            []string          `json:"bcc,omitempty" gorm:"serializer:json;type:text"`
	Subject        string            `json:"subject" gorm:"type:varchar(998)"`
	TextBody       string            `json:"textBody"`
	HTMLBody       string            `json:"htmlBody,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" gorm:"serializer:json;type:text"`
	Size           int               `json:"size"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	ReceivedAt     *time.Time        `json:"receivedAt,omitempty"`
	SenderUserID   string            `json:"senderUserId,omitempty" gorm:"type:varchar(36);index"`
	ReceiverUserID string            `json:"receiverUserId,omitempty" gorm:"type:varchar(36);index"`
	DKIMSigned     bool              `json:"dkimSigned"`
}

// BodySize 计算持久化正文的字节数
func BodySize(text, html string) int {
	return len(text) + len(html)
}

// LogType 日志类型
type LogType string

const (
	LogTypeIncoming LogType = "incoming"
	LogTypeOutgoing LogType = "outgoing"
	LogTypeError    LogType = "error"
)

// LogStatus 日志状态
type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
	LogStatusBounced LogStatus = "bounced"
)

// MailLog 只追加的审计记录，从不更新或删除
type MailLog struct {
	ID        string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Type      LogType           `json:"type" gorm:"type:varchar(10);index"`
	From      string            `json:"from" gorm:"type:varchar(254)"`
	To        string            `json:"to" gorm:"type:text"`
	Subject   string            `json:"subject" gorm:"type:varchar(998)"`
	Status    LogStatus         `json:"status" gorm:"type:varchar(10);index"`
	Error     string            `json:"error,omitempty" gorm:"type:text"`
	Metadata  map[string]string `json:"metadata,omitempty" gorm:"serializer:json;type:text"`
	CreatedAt time.Time         `json:"createdAt" gorm:"index"`
}

// LogFilter 日志查询条件
type LogFilter struct {
	Type   LogType
	Status LogStatus
	Limit  int
}

// Match 判断日志是否满足过滤条件
func (f LogFilter) Match(l *MailLog) bool {
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}
