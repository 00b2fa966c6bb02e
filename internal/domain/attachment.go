package domain

import "time"

// DownloadedAttachment 扫描过程中保存到磁盘的 PDF 附件。
type DownloadedAttachment struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	JobID         string    `json:"jobId" gorm:"type:varchar(36);index;not null"`
	OwnerID       string    `json:"ownerId" gorm:"type:varchar(36);index"`
	FileName      string    `json:"fileName" gorm:"type:varchar(255)"`     // 磁盘上的文件名
	OriginalName  string    `json:"originalName" gorm:"type:varchar(255)"` // 邮件中的原始文件名
	StoragePath   string    `json:"storagePath" gorm:"type:varchar(500)"`  // 相对存储根目录的路径
	Size          int64     `json:"size"`
	ContentHash   string    `json:"contentHash" gorm:"type:varchar(64);index"` // SHA-256 十六进制
	Sender        string    `json:"sender" gorm:"type:varchar(255)"`
	SenderName    string    `json:"senderName" gorm:"type:varchar(255)"`
	Subject       string    `json:"subject" gorm:"type:varchar(500)"`
	MessageDate   time.Time `json:"messageDate"`
	SourceAccount string    `json:"sourceAccount" gorm:"type:varchar(255)"`
	CompanyID     *string   `json:"companyId,omitempty" gorm:"type:varchar(36);index"`
	DownloadedAt  time.Time `json:"downloadedAt"`
}

// TableName 指定表名
func (DownloadedAttachment) TableName() string { return "downloaded_attachments" }
