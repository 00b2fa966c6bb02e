package domain

import "time"

// OutboundStatus 外发消息状态
type OutboundStatus string

const (
	OutboundStatusPending OutboundStatus = "pending" // 等待发送
	OutboundStatusSent    OutboundStatus = "sent"    // 已发送
	OutboundStatusError   OutboundStatus = "error"   // 超过重试上限
)

// OutboundMessage 外发队列中的一条消息。
type OutboundMessage struct {
	ID                string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID           string         `json:"ownerId" gorm:"type:varchar(36);index"`
	ContactID         string         `json:"contactId" gorm:"type:varchar(36);index;not null"`
	AttachmentID      *string        `json:"attachmentId,omitempty" gorm:"type:varchar(36)"`
	Body              string         `json:"body" gorm:"type:text"`
	Status            OutboundStatus `json:"status" gorm:"type:varchar(20);index;not null"`
	Attempts          int            `json:"attempts"`
	LastError         string         `json:"lastError,omitempty" gorm:"type:text"`
	ProviderMessageID string         `json:"providerMessageId,omitempty" gorm:"type:varchar(255)"`
	ManualLink        string         `json:"manualLink,omitempty" gorm:"type:text"`
	ScheduledAt       *time.Time     `json:"scheduledAt,omitempty" gorm:"index"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// TableName 指定表名
func (OutboundMessage) TableName() string { return "outbound_messages" }

// Contact 外发消息的收件人。
type Contact struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID    string     `json:"ownerId" gorm:"type:varchar(36);index"`
	FirstName  string     `json:"firstName" gorm:"type:varchar(100)"`
	LastName   string     `json:"lastName" gorm:"type:varchar(100)"`
	Phone      string     `json:"phone" gorm:"type:varchar(32)"`
	LastSentAt *time.Time `json:"lastSentAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// TableName 指定表名
func (Contact) TableName() string { return "contacts" }

// PolicyInfo 消息模板中可引用的保单信息。
type PolicyInfo struct {
	CompanyName  string     `json:"companyName"`
	PolicyType   string     `json:"policyType"`
	PolicyNumber string     `json:"policyNumber"`
	ValidFrom    *time.Time `json:"validFrom,omitempty"`
	ValidTo      *time.Time `json:"validTo,omitempty"`
	Premium      *float64   `json:"premium,omitempty"`
}

// FullName 返回联系人全名。
func (c *Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
