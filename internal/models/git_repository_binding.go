package models

import (
	"time"
)

// GitRepositoryBinding 项目与Git仓库的绑定
// 每个项目一条记录，在首次分支或文件操作时惰性创建
type GitRepositoryBinding struct {
	ID        uint `gorm:"primarykey" json:"id"`
	ProjectID uint `gorm:"not null;uniqueIndex" json:"project_id"`

	// 仓库位置（相对于Git存储根目录，如 "42"）
	RepoPath string `gorm:"size:200;not null" json:"repo_path"`
	RepoURL  string `gorm:"size:500" json:"repo_url,omitempty"`

	// 指针
	DefaultBranchID *uint  `json:"default_branch_id,omitempty"`
	LastCommitHash  string `gorm:"size:40" json:"last_commit_hash,omitempty"`

	Initialized bool `gorm:"default:false" json:"initialized"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (GitRepositoryBinding) TableName() string {
	return "git_repository_bindings"
}
