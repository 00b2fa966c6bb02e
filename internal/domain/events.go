package domain

import "time"

// JobEventType 扫描任务事件类型
type JobEventType string

const (
	JobEventState      JobEventType = "state"      // 状态变化
	JobEventAttachment JobEventType = "attachment" // 保存了新附件
	JobEventProgress   JobEventType = "progress"   // 进度检查点
)

// JobEvent 扫描任务推送给订阅者的事件
type JobEvent struct {
	Type      JobEventType `json:"type"`
	JobID     string       `json:"jobId"`
	OwnerID   string       `json:"-"`
	Status    ScanStatus   `json:"status,omitempty"`
	Data      any          `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
