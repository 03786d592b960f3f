package models

import (
	"time"
)

// FileMetadata 文件元数据模型
// 不含内容列，文件字节只存在于Git后端；
// file_size 只反映最近一次已知的字节长度，不作为权威数据
type FileMetadata struct {
	ID        uint `gorm:"primarykey" json:"id"`
	ProjectID uint `gorm:"not null;index" json:"project_id"`
	BranchID  uint `gorm:"not null;index:idx_branch_path" json:"branch_id"`

	// 路径信息，(branch_id, file_path) 在未删除文件中唯一
	FilePath string `gorm:"size:500;not null;index:idx_branch_path" json:"file_path"`
	FileName string `gorm:"size:255;not null" json:"file_name"`
	FileType string `gorm:"size:50" json:"file_type"` // tex / bib / figure 等
	FileSize int64  `gorm:"default:0" json:"file_size"`
	Encoding string `gorm:"size:20;default:'utf-8'" json:"encoding"`

	// 审计
	CreatedBy      uint       `gorm:"not null" json:"created_by"`
	LastModifiedBy uint       `json:"last_modified_by"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (FileMetadata) TableName() string {
	return "file_metadata"
}
