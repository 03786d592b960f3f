package models

import (
	"time"
)

// BranchPermission 分支权限模型
// (branch_id, user_id) 唯一；分支创建者在创建事务中自动获得全部权限
type BranchPermission struct {
	ID       uint `gorm:"primarykey" json:"id"`
	BranchID uint `gorm:"not null;uniqueIndex:idx_branch_user" json:"branch_id"`
	UserID   uint `gorm:"not null;uniqueIndex:idx_branch_user;index" json:"user_id"`

	// 权限位
	CanRead  bool `gorm:"default:false" json:"can_read"`  // 加入会话与文件列表
	CanWrite bool `gorm:"default:false" json:"can_write"` // 提交增量与自动保存入队
	CanAdmin bool `gorm:"default:false" json:"can_admin"` // 权限变更与受保护分支操作

	// 审计
	GrantedBy uint      `gorm:"not null" json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}

// TableName 指定表名
func (BranchPermission) TableName() string {
	return "branch_permissions"
}
