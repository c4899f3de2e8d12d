package domain

import "time"

// MailAddress 邮件地址，归属于一个域名和一个用户
type MailAddress struct {
	Address   string    `json:"address" gorm:"primaryKey;type:varchar(254)"`
	LocalPart string    `json:"localPart" gorm:"type:varchar(64)"`
	Domain    string    `json:"domain" gorm:"type:varchar(253);index"`
	UserID    string    `json:"userId" gorm:"type:varchar(36);index"`
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	CreatedAt time.Time `json:"createdAt"`
}

// User 可通过 SMTP AUTH 登录的账户
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username     string    `json:"username" gorm:"uniqueIndex;type:varchar(100);not null"`
	PasswordHash string    `json:"-" gorm:"type:varchar(255)"` // 不返回给前端
	IsActive     bool      `json:"isActive" gorm:"default:true"`
	CreatedAt    time.Time `json:"createdAt"`
}
