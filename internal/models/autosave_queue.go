package models

import (
	"time"
)

// 自动保存条目状态常量
// 状态机：pending -> processing -> {completed, failed}；
// failed 条目按退避重新入队，重试耗尽后保持failed并告警，绝不静默丢弃
const (
	AutosaveStatusPending    = "pending"    // 等待处理
	AutosaveStatusProcessing = "processing" // 提交中
	AutosaveStatusCompleted  = "completed"  // 已提交
	AutosaveStatusFailed     = "failed"     // 提交失败
)

// AutosaveQueueEntry 自动保存队列条目
// 同一文件的条目必须按提交顺序串行处理，不同文件可并行
type AutosaveQueueEntry struct {
	ID      uint   `gorm:"primarykey" json:"id"`
	EntryID string `gorm:"size:36;not null;uniqueIndex" json:"entry_id"`

	FileID   uint `gorm:"not null;index:idx_file_status" json:"file_id"`
	BranchID uint `gorm:"not null;index" json:"branch_id"`
	UserID   uint `gorm:"not null" json:"user_id"`

	// 快照内容与说明
	ContentSnapshot []byte `json:"-"`
	ChangeSummary   string `gorm:"size:500" json:"change_summary"`

	// 调度
	Priority    int        `gorm:"default:0;index" json:"priority"`
	Status      string     `gorm:"size:20;not null;default:'pending';index:idx_file_status" json:"status"`
	RetryCount  int        `gorm:"default:0" json:"retry_count"`
	ErrorMsg    string     `gorm:"size:500" json:"error_msg,omitempty"`
	ScheduledAt time.Time  `gorm:"index" json:"scheduled_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (AutosaveQueueEntry) TableName() string {
	return "autosave_queue_entries"
}
