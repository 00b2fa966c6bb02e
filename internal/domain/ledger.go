package domain

import "time"

// ProcessedMessage 去重账本条目：某账户某文件夹下已处理过的邮件。
// (AccountID, MessageID, Folder) 唯一。
type ProcessedMessage struct {
	ID              uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	AccountID       string    `json:"accountId" gorm:"type:varchar(36);not null;uniqueIndex:uq_processed_message,priority:1"`
	MessageID       string    `json:"messageId" gorm:"type:varchar(255);not null;uniqueIndex:uq_processed_message,priority:2"`
	Folder          string    `json:"folder" gorm:"type:varchar(100);not null;uniqueIndex:uq_processed_message,priority:3"`
	Subject         string    `json:"subject" gorm:"type:varchar(500)"`
	Sender          string    `json:"sender" gorm:"type:varchar(255)"`
	MessageDate     time.Time `json:"messageDate"`
	HasAttachments  bool      `json:"hasAttachments"`
	AttachmentCount int       `json:"attachmentCount"`
	ProcessedAt     time.Time `json:"processedAt"`
	JobID           string    `json:"jobId" gorm:"type:varchar(36);index"`
}

// TableName 指定表名
func (ProcessedMessage) TableName() string { return "processed_messages" }

// FolderWatermark 文件夹水位：仅作为服务端 SINCE 过滤的提示，
// 从不用于判断邮件是否已处理。LastMessageAt 只前进不后退。
type FolderWatermark struct {
	ID                      uint       `json:"-" gorm:"primaryKey;autoIncrement"`
	AccountID               string     `json:"accountId" gorm:"type:varchar(36);not null;uniqueIndex:uq_folder_watermark,priority:1"`
	Folder                  string     `json:"folder" gorm:"type:varchar(100);not null;uniqueIndex:uq_folder_watermark,priority:2"`
	LastMessageAt           *time.Time `json:"lastMessageAt,omitempty"`
	LastMessageID           string     `json:"lastMessageId,omitempty" gorm:"type:varchar(255)"`
	LastScanAt              time.Time  `json:"lastScanAt"`
	TotalMessages           int        `json:"totalMessages"`
	MessagesWithAttachments int        `json:"messagesWithAttachments"`
	AttachmentsSaved        int        `json:"attachmentsSaved"`
	LastScanNew             int        `json:"lastScanNew"`
	LastScanSkipped         int        `json:"lastScanSkipped"`
}

// TableName 指定表名
func (FolderWatermark) TableName() string { return "folder_watermarks" }

// FolderScanSummary 一次文件夹扫描结束时用于推进水位的汇总。
type FolderScanSummary struct {
	AccountID        string
	Folder           string
	ScannedAt        time.Time
	NewestMessageAt  *time.Time
	NewestMessageID  string
	New              int
	Skipped          int
	WithAttachments  int
	AttachmentsSaved int
}

// Apply 将一次文件夹扫描的汇总合并进水位。
func (w *FolderWatermark) Apply(s FolderScanSummary) {
	w.AccountID = s.AccountID
	w.Folder = s.Folder
	w.LastScanAt = s.ScannedAt
	if s.NewestMessageAt != nil && (w.LastMessageAt == nil || s.NewestMessageAt.After(*w.LastMessageAt)) {
		t := *s.NewestMessageAt
		w.LastMessageAt = &t
		w.LastMessageID = s.NewestMessageID
	}
	w.TotalMessages += s.New
	w.MessagesWithAttachments += s.WithAttachments
	w.AttachmentsSaved += s.AttachmentsSaved
	w.LastScanNew = s.New
	w.LastScanSkipped = s.Skipped
}
