package domain

import "time"

// MailAccount 用户配置的 IMAP 邮箱账户。
type MailAccount struct {
	ID            string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID       string     `json:"ownerId" gorm:"type:varchar(36);index;not null"`
	Address       string     `json:"address" gorm:"type:varchar(255);not null"`
	Host          string     `json:"host" gorm:"type:varchar(255)"`
	Port          int        `json:"port"`
	Username      string     `json:"username" gorm:"type:varchar(255)"`
	AppPassword   string     `json:"-" gorm:"type:varchar(255)"`
	Insecure      bool       `json:"insecure"`                                 // 明文连接，仅用于测试环境
	Folders       []string   `json:"folders" gorm:"serializer:json;type:text"` // 默认扫描文件夹
	Active        bool       `json:"active"`
	LastScannedAt *time.Time `json:"lastScannedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (MailAccount) TableName() string { return "mail_accounts" }

// Login 返回登录用户名，未设置时使用邮箱地址。
func (a *MailAccount) Login() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Address
}

// Company 根据发件人域名识别出的公司。
type Company struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name            string     `json:"name" gorm:"type:varchar(255)"`
	EmailDomain     string     `json:"emailDomain" gorm:"type:varchar(255);uniqueIndex"`
	DocumentCount   int        `json:"documentCount"`
	FirstDocumentAt *time.Time `json:"firstDocumentAt,omitempty"`
	LastDocumentAt  *time.Time `json:"lastDocumentAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// TableName 指定表名
func (Company) TableName() string { return "companies" }
