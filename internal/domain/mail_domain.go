package domain

import (
	"strconv"
	"strings"
	"time"
)

// MailDomain 托管的邮件域名及其 DNS/DKIM/TLS 材料
type MailDomain struct {
	Domain          string     `json:"domain" gorm:"primaryKey;type:varchar(253)"`
	OwnerID         string     `json:"ownerId,omitempty" gorm:"type:varchar(36);index"`
	MXRecord        string     `json:"mxRecord" gorm:"type:varchar(255)"`
	SPFRecord       string     `json:"spfRecord" gorm:"type:varchar(512)"`
	DKIMSelector    string     `json:"dkimSelector" gorm:"type:varchar(63)"`
	DKIMPublicKey   string     `json:"dkimPublicKey" gorm:"type:text"`
	DKIMPrivateKey  string     `json:"-" gorm:"type:text"` // 私钥不返回给前端
	DMARCRecord     string     `json:"dmarcRecord" gorm:"type:varchar(512)"`
	TLSKeyPath      string     `json:"tlsKeyPath,omitempty" gorm:"type:varchar(512)"`
	TLSCertPath     string     `json:"tlsCertPath,omitempty" gorm:"type:varchar(512)"`
	IsActive        bool       `json:"isActive" gorm:"default:true;index"`
	AutoRenew       bool       `json:"autoRenew" gorm:"default:true"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	DNSConfiguredAt *time.Time `json:"dnsConfiguredAt,omitempty"`
}

// DomainPatch 对域名的局部修改，nil 字段保持原值
//
// 存储层只写入非 nil 字段对应的列，避免并发修改互相覆盖。
type DomainPatch struct {
	MXRecord        *string
	SPFRecord       *string
	DMARCRecord     *string
	IsActive        *bool
	AutoRenew       *bool
	DNSConfiguredAt *time.Time
}

// Columns 返回需要更新的列及其值
func (p DomainPatch) Columns() map[string]any {
	cols := make(map[string]any)
	if p.MXRecord != nil {
		cols["mx_record"] = *p.MXRecord
	}
	if p.SPFRecord != nil {
		cols["spf_record"] = *p.SPFRecord
	}
	if p.DMARCRecord != nil {
		cols["dmarc_record"] = *p.DMARCRecord
	}
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	if p.AutoRenew != nil {
		cols["auto_renew"] = *p.AutoRenew
	}
	if p.DNSConfiguredAt != nil {
		cols["dns_configured_at"] = *p.DNSConfiguredAt
	}
	return cols
}

// Apply 把修改写入 d
func (p DomainPatch) Apply(d *MailDomain) {
	if p.MXRecord != nil {
		d.MXRecord = *p.MXRecord
	}
	if p.SPFRecord != nil {
		d.SPFRecord = *p.SPFRecord
	}
	if p.DMARCRecord != nil {
		d.DMARCRecord = *p.DMARCRecord
	}
	if p.IsActive != nil {
		d.IsActive = *p.IsActive
	}
	if p.AutoRenew != nil {
		d.AutoRenew = *p.AutoRenew
	}
	if p.DNSConfiguredAt != nil {
		t := *p.DNSConfiguredAt
		d.DNSConfiguredAt = &t
	}
}

// CanSign 判断域名是否具备 DKIM 签名条件
func (d *MailDomain) CanSign() bool {
	return d.IsActive && d.DKIMSelector != "" && d.DKIMPrivateKey != ""
}

// HasTLSMaterial 判断是否配置了 TLS 证书路径
func (d *MailDomain) HasTLSMaterial() bool {
	return d.TLSKeyPath != "" && d.TLSCertPath != ""
}

// DKIMRecordName 返回 DKIM TXT 记录的主机名（相对域名）
func (d *MailDomain) DKIMRecordName() string {
	return d.DKIMSelector + "._domainkey"
}

// DKIMRecordValue 返回 DKIM TXT 记录内容
func (d *MailDomain) DKIMRecordValue() string {
	return DKIMRecordValue(d.DKIMPublicKey)
}

// DKIMRecordValue 根据 base64 公钥构造 DKIM TXT 记录内容
func DKIMRecordValue(publicKey string) string {
	return "v=DKIM1; k=rsa; p=" + publicKey
}

// ParseMX 解析 "priority host" 形式的 MX 记录
//
// 缺少优先级时默认为 10。
func ParseMX(mx string) (priority uint, host string, err error) {
	fields := strings.Fields(mx)
	switch len(fields) {
	case 1:
		return 10, strings.TrimSuffix(fields[0], "."), nil
	case 2:
		p, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return 0, "", ErrInvalidMXRecord
		}
		return uint(p), strings.TrimSuffix(fields[1], "."), nil
	default:
		return 0, "", ErrInvalidMXRecord
	}
}

// RecordBundle 记录合成器产出的一组 DNS 记录与 DKIM 密钥
type RecordBundle struct {
	MX             string `json:"mx"`
	SPF            string `json:"spf"`
	DKIMSelector   string `json:"dkimSelector"`
	DKIMPublicKey  string `json:"dkimPublicKey"`
	DKIMPrivateKey string `json:"-"`
	DMARC          string `json:"dmarc"`
}

// BundleFromDomain 从已持久化的域名构造记录集合
func BundleFromDomain(d *MailDomain) *RecordBundle {
	return &RecordBundle{
		MX:             d.MXRecord,
		SPF:            d.SPFRecord,
		DKIMSelector:   d.DKIMSelector,
		DKIMPublicKey:  d.DKIMPublicKey,
		DKIMPrivateKey: d.DKIMPrivateKey,
		DMARC:          d.DMARCRecord,
	}
}

// DNSRecord 展示给运维人员的单条 DNS 记录
type DNSRecord struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Priority uint   `json:"priority,omitempty"`
	TTL      int    `json:"ttl"`
}

// DNSInstructions 返回手工配置 DNS 所需的四条记录
func (d *MailDomain) DNSInstructions() []DNSRecord {
	records := make([]DNSRecord, 0, 4)
	if priority, host, err := ParseMX(d.MXRecord); err == nil {
		records = append(records, DNSRecord{Type: "MX", Name: "@", Value: host, Priority: priority, TTL: DefaultRecordTTL})
	}
	records = append(records,
		DNSRecord{Type: "TXT", Name: "@", Value: d.SPFRecord, TTL: DefaultRecordTTL},
		DNSRecord{Type: "TXT", Name: d.DKIMRecordName(), Value: d.DKIMRecordValue(), TTL: DefaultRecordTTL},
		DNSRecord{Type: "TXT", Name: "_dmarc", Value: d.DMARCRecord, TTL: DefaultRecordTTL},
	)
	return records
}

// DefaultRecordTTL 默认 DNS 记录 TTL（秒）
const DefaultRecordTTL = 3600
