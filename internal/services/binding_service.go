package services

import (
	"colatex/internal/models"
	"colatex/pkg/gitstore"
	"fmt"
	"strconv"

	"gorm.io/gorm"
)

// BindingService 项目与Git仓库绑定服务
// 绑定在首次分支或文件操作时惰性创建，仓库目录以项目ID命名
type BindingService struct {
	db    *gorm.DB
	store *gitstore.Store
}

// NewBindingService 创建绑定服务
func NewBindingService(db *gorm.DB, store *gitstore.Store) *BindingService {
	return &BindingService{db: db, store: store}
}

// Ensure 获取项目绑定，不存在时创建并初始化仓库（幂等）
func (s *BindingService) Ensure(projectID uint, author string) (*models.GitRepositoryBinding, error) {
	var binding models.GitRepositoryBinding
	err := s.db.Where("project_id = ?", projectID).First(&binding).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if err == gorm.ErrRecordNotFound {
		binding = models.GitRepositoryBinding{
			ProjectID: projectID,
			RepoPath:  strconv.FormatUint(uint64(projectID), 10),
		}
		if createErr := s.db.Create(&binding).Error; createErr != nil {
			// 并发创建时让唯一约束裁决，重查即可
			if refetchErr := s.db.Where("project_id = ?", projectID).First(&binding).Error; refetchErr != nil {
				return nil, createErr
			}
		}
	}

	if !binding.Initialized {
		if err := s.store.EnsureRepo(binding.RepoPath, author); err != nil {
			return nil, fmt.Errorf("初始化项目仓库失败: %v", err)
		}
		if err := s.db.Model(&models.GitRepositoryBinding{}).
			Where("id = ?", binding.ID).
			Update("initialized", true).Error; err != nil {
			return nil, err
		}
		binding.Initialized = true
	}

	return &binding, nil
}

// Get 查询项目绑定
func (s *BindingService) Get(projectID uint) (*models.GitRepositoryBinding, error) {
	var binding models.GitRepositoryBinding
	err := s.db.Where("project_id = ?", projectID).First(&binding).Error
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

// UpdateLastCommit 更新项目级最近提交指针
func (s *BindingService) UpdateLastCommit(projectID uint, commitHash string) error {
	return s.db.Model(&models.GitRepositoryBinding{}).
		Where("project_id = ?", projectID).
		Update("last_commit_hash", commitHash).Error
}

// SetDefaultBranch 更新默认分支指针
func (s *BindingService) SetDefaultBranch(projectID, branchID uint) error {
	return s.db.Model(&models.GitRepositoryBinding{}).
		Where("project_id = ?", projectID).
		Update("default_branch_id", branchID).Error
}
