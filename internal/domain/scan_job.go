package domain

import "time"

// ScanStatus 扫描任务状态
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"   // 已创建，尚未开始
	ScanStatusRunning   ScanStatus = "running"   // 运行中
	ScanStatusPaused    ScanStatus = "paused"    // 已暂停
	ScanStatusCancelled ScanStatus = "cancelled" // 已取消
	ScanStatusCompleted ScanStatus = "completed" // 已完成
	ScanStatusError     ScanStatus = "error"     // 失败
)

// IsLive 任务是否仍处于活动状态（pending/running/paused）。
func (s ScanStatus) IsLive() bool {
	switch s {
	case ScanStatusPending, ScanStatusRunning, ScanStatusPaused:
		return true
	}
	return false
}

// IsTerminal 任务是否已结束。
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanStatusCancelled, ScanStatusCompleted, ScanStatusError:
		return true
	}
	return false
}

// ScanJob 一次多账户附件扫描任务的持久化记录。
type ScanJob struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID          string     `json:"ownerId" gorm:"type:varchar(36);index;not null"`
	AccountIDs       []string   `json:"accountIds" gorm:"serializer:json;type:text"`
	Keywords         []string   `json:"keywords" gorm:"serializer:json;type:text"`
	Folders          []string   `json:"folders" gorm:"serializer:json;type:text"`
	Since            *time.Time `json:"since,omitempty"`
	Before           *time.Time `json:"before,omitempty"`
	ForceRescan      bool       `json:"forceRescan"`
	Status           ScanStatus `json:"status" gorm:"type:varchar(20);index;not null"`
	MessagesScanned  int        `json:"messagesScanned"`
	AttachmentsSaved int        `json:"attachmentsSaved"`
	CurrentAccount   string     `json:"currentAccount,omitempty" gorm:"type:varchar(255)"`
	ErrorMessage     string     `json:"errorMessage,omitempty" gorm:"type:text"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (ScanJob) TableName() string { return "scan_jobs" }

// ScanProgress 周期性检查点写入的进度计数。
type ScanProgress struct {
	MessagesScanned  int
	AttachmentsSaved int
	CurrentAccount   string
}

// ScanResult 任务结束时写入的最终结果。
type ScanResult struct {
	Status           ScanStatus
	MessagesScanned  int
	AttachmentsSaved int
	ErrorMessage     string
	EndedAt          time.Time
}

// ScanFilter 单次扫描的过滤条件。
type ScanFilter struct {
	AccountIDs  []string
	Keywords    []string
	Folders     []string
	Since       *time.Time
	Before      *time.Time
	ForceRescan bool
}
