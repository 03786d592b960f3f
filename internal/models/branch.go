package models

import (
	"time"
)

// BranchStatus 分支状态（封闭集合）
type BranchStatus string

const (
	BranchStatusActive   BranchStatus = "active"   // 活跃
	BranchStatusMerged   BranchStatus = "merged"   // 已合并
	BranchStatusArchived BranchStatus = "archived" // 已归档
	BranchStatusDeleted  BranchStatus = "deleted"  // 已删除（软删除）
)

// ValidStatus 是否为合法状态值
func ValidStatus(s BranchStatus) bool {
	switch s {
	case BranchStatusActive, BranchStatusMerged, BranchStatusArchived, BranchStatusDeleted:
		return true
	}
	return false
}

// CanTransition 状态机：active -> {merged, archived, deleted}，archived -> deleted，
// deleted 为终态，任何状态都不可回退
func CanTransition(from, to BranchStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case BranchStatusActive:
		return to == BranchStatusMerged || to == BranchStatusArchived || to == BranchStatusDeleted
	case BranchStatusArchived:
		return to == BranchStatusDeleted
	}
	return false
}

// Branch 分支模型
// (project_id, name) 在非deleted分支中唯一，写路径事务检查加部分唯一索引双重保证
type Branch struct {
	ID        uint `gorm:"primarykey" json:"id"`
	ProjectID uint `gorm:"not null;index:idx_project_name" json:"project_id"`

	// 基本信息
	Name        string `gorm:"size:100;not null;index:idx_project_name" json:"name"`
	Description string `gorm:"size:500" json:"description"`

	// 谱系
	SourceBranchID *uint  `gorm:"index" json:"source_branch_id,omitempty"` // 来源分支，不允许指向自身
	HeadCommitHash string `gorm:"size:40" json:"head_commit_hash,omitempty"`

	// 状态
	Status      BranchStatus `gorm:"size:20;not null;default:'active';index" json:"status"`
	IsDefault   bool         `gorm:"default:false" json:"is_default"`
	IsProtected bool         `gorm:"default:false" json:"is_protected"`

	// 审计
	CreatedBy uint       `gorm:"not null;index" json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	MergedBy  *uint      `json:"merged_by,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// 关联
	Permissions []BranchPermission `gorm:"foreignKey:BranchID" json:"permissions,omitempty"`
	Files       []FileMetadata     `gorm:"foreignKey:BranchID" json:"files,omitempty"`
}

// TableName 指定表名
func (Branch) TableName() string {
	return "branches"
}

// IsWritable 分支是否可接受写流量
func (b *Branch) IsWritable() bool {
	return b.Status == BranchStatusActive
}
