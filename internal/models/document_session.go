package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// DocumentSession 协作编辑会话模型
// 每个文件最多一个活跃会话（file_id 唯一索引），
// 并发get-or-create依赖该唯一约束加冲突重试
type DocumentSession struct {
	ID     uint `gorm:"primarykey" json:"id"`
	FileID uint `gorm:"not null;uniqueIndex" json:"file_id"`

	// 会话令牌（不透明密钥）
	SessionToken string `gorm:"size:36;not null;uniqueIndex" json:"session_token"`

	// CRDT状态（不透明字节）与引擎类型
	CRDTState []byte `json:"-"`
	CRDTType  string `gorm:"size:20;not null;default:'opset'" json:"crdt_type"`

	// 参与者集合
	ActiveUsers datatypes.JSON `gorm:"type:json" json:"active_users"`

	// 生命周期
	LastActivity    time.Time `json:"last_activity"`
	AutosavePending bool      `gorm:"default:false;index" json:"autosave_pending"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `gorm:"index" json:"expires_at"`
}

// TableName 指定表名
func (DocumentSession) TableName() string {
	return "document_sessions"
}

// Expired 会话是否已过期
func (s *DocumentSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ActiveUserIDs 解析参与者集合
func (s *DocumentSession) ActiveUserIDs() []uint {
	if len(s.ActiveUsers) == 0 {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal(s.ActiveUsers, &ids); err != nil {
		return nil
	}
	return ids
}

// SetActiveUserIDs 序列化参与者集合
func (s *DocumentSession) SetActiveUserIDs(ids []uint) {
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	s.ActiveUsers = datatypes.JSON(data)
}
