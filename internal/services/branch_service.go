package services

import (
	"colatex/internal/models"
	"colatex/pkg/errors"
	"colatex/pkg/gitstore"
	"colatex/pkg/logger"
	"colatex/pkg/pagination"
	"time"

	"gorm.io/gorm"
)

// CreateBranchRequest 创建分支请求
type CreateBranchRequest struct {
	Name           string `json:"name" binding:"required,branchname,max=100"`
	Description    string `json:"description" binding:"max=500"`
	SourceBranchID *uint  `json:"source_branch_id"`
	IsProtected    bool   `json:"is_protected"`
}

// UpdateBranchRequest 更新分支请求
type UpdateBranchRequest struct {
	Name        *string              `json:"name" binding:"omitempty,branchname,max=100"`
	Description *string              `json:"description" binding:"omitempty,max=500"`
	Status      *models.BranchStatus `json:"status"`
	IsProtected *bool                `json:"is_protected"`
}

// BranchService 分支服务
type BranchService struct {
	db          *gorm.DB
	permissions *PermissionService
	bindings    *BindingService
	store       *gitstore.Store
}

// NewBranchService 创建分支服务
func NewBranchService(db *gorm.DB, store *gitstore.Store) *BranchService {
	return &BranchService{
		db:          db,
		permissions: NewPermissionService(db),
		bindings:    NewBindingService(db, store),
		store:       store,
	}
}

// Permissions 暴露权限服务，处理层做前置校验用
func (s *BranchService) Permissions() *PermissionService {
	return s.permissions
}

// Create 创建分支
// 分支插入与创建者权限授予在同一事务中完成；
// 同项目非deleted分支中名称重复时返回冲突错误
func (s *BranchService) Create(projectID uint, req *CreateBranchRequest, creator uint, creatorName string) (*models.Branch, error) {
	// 惰性初始化项目仓库绑定
	binding, err := s.bindings.Ensure(projectID, creatorName)
	if err != nil {
		return nil, err
	}

	var sourceBranch *models.Branch
	if req.SourceBranchID != nil {
		var source models.Branch
		if err := s.db.First(&source, *req.SourceBranchID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, errors.Wrap(errors.ErrNotFound, "来源分支不存在")
			}
			return nil, err
		}
		if source.ProjectID != projectID {
			return nil, errors.Wrap(errors.ErrConflict, "来源分支不属于该项目")
		}
		if source.Status == models.BranchStatusDeleted {
			return nil, errors.Wrap(errors.ErrConflict, "来源分支已删除")
		}
		sourceBranch = &source
	}

	branch := &models.Branch{
		ProjectID:      projectID,
		Name:           req.Name,
		Description:    req.Description,
		SourceBranchID: req.SourceBranchID,
		Status:         models.BranchStatusActive,
		IsProtected:    req.IsProtected,
		CreatedBy:      creator,
	}
	if sourceBranch != nil {
		branch.HeadCommitHash = sourceBranch.HeadCommitHash
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// 非deleted分支中名称唯一（部分唯一约束在写路径中显式保证）
		var count int64
		if err := tx.Model(&models.Branch{}).
			Where("project_id = ? AND name = ? AND status != ?", projectID, req.Name, models.BranchStatusDeleted).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errors.Wrap(errors.ErrConflict, "同名分支已存在")
		}

		// 项目的第一个分支成为默认分支
		var existing int64
		if err := tx.Model(&models.Branch{}).
			Where("project_id = ? AND status != ?", projectID, models.BranchStatusDeleted).
			Count(&existing).Error; err != nil {
			return err
		}
		branch.IsDefault = existing == 0

		if err := tx.Create(branch).Error; err != nil {
			return err
		}

		// source_branch_id 不允许指向自身（创建路径下天然不可能，克隆路径下再查一次）
		if branch.SourceBranchID != nil && *branch.SourceBranchID == branch.ID {
			return errors.Wrap(errors.ErrConflict, "来源分支不能是分支自身")
		}

		// 创建者在同一事务中获得全部权限
		if _, err := s.permissions.GrantInTx(tx, branch.ID, creator, true, true, true, creator); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 默认分支指针与Git分支引用（DB之外的副作用，失败只记录日志）
	if branch.IsDefault {
		if err := s.bindings.SetDefaultBranch(projectID, branch.ID); err != nil {
			logger.GetLogger().Errorf("更新默认分支指针失败: %v", err)
		}
	}
	fromName := "main"
	if sourceBranch != nil {
		fromName = sourceBranch.Name
	}
	if branch.Name != fromName {
		if err := s.store.EnsureBranch(binding.RepoPath, branch.Name, fromName); err != nil {
			logger.GetLogger().Warnf("创建Git分支引用失败 branch=%s: %v", branch.Name, err)
		}
	}

	return branch, nil
}

// Get 查询分支
func (s *BranchService) Get(id uint, includePermissions, includeFiles bool) (*models.Branch, error) {
	query := s.db
	if includePermissions {
		query = query.Preload("Permissions")
	}
	if includeFiles {
		query = query.Preload("Files", "deleted_at IS NULL")
	}

	var branch models.Branch
	if err := query.First(&branch, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.Wrap(errors.ErrNotFound, "分支不存在")
		}
		return nil, err
	}
	return &branch, nil
}

// List 分页查询调用者可读的分支
// 按最近更新时间降序，创建时间降序兜底
func (s *BranchService) List(projectID, callerID uint, statusFilter models.BranchStatus, params *pagination.PageParams) ([]*models.Branch, int64, error) {
	params.Normalize()

	query := s.db.Model(&models.Branch{}).
		Joins("JOIN branch_permissions ON branch_permissions.branch_id = branches.id").
		Where("branches.project_id = ?", projectID).
		Where("branch_permissions.user_id = ? AND branch_permissions.can_read = ?", callerID, true)

	if statusFilter != "" {
		if !models.ValidStatus(statusFilter) {
			return nil, 0, errors.Wrap(errors.ErrConflict, "非法的分支状态")
		}
		query = query.Where("branches.status = ?", statusFilter)
	} else {
		query = query.Where("branches.status != ?", models.BranchStatusDeleted)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var branches []*models.Branch
	err := query.
		Order("branches.updated_at DESC, branches.created_at DESC").
		Offset(params.GetOffset()).
		Limit(params.GetLimit()).
		Find(&branches).Error
	if err != nil {
		return nil, 0, err
	}

	return branches, total, nil
}

// Update 更新分支
// 受保护分支的状态变更与保护位关闭需要管理权限；
// merged/deleted 状态只能通过 Merge/Delete 进入
func (s *BranchService) Update(id uint, req *UpdateBranchRequest, actorID uint) (*models.Branch, error) {
	branch, err := s.Get(id, false, false)
	if err != nil {
		return nil, err
	}

	touchesProtection := req.Status != nil || (req.IsProtected != nil && !*req.IsProtected)
	if branch.IsProtected && touchesProtection {
		if err := s.permissions.RequireAdmin(id, actorID); err != nil {
			return nil, errors.Wrap(errors.ErrProtected, "受保护分支的状态与保护位变更需要管理权限")
		}
	}

	updates := map[string]interface{}{}

	if req.Name != nil && *req.Name != branch.Name {
		var count int64
		if err := s.db.Model(&models.Branch{}).
			Where("project_id = ? AND name = ? AND status != ? AND id != ?",
				branch.ProjectID, *req.Name, models.BranchStatusDeleted, id).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.Wrap(errors.ErrConflict, "同名分支已存在")
		}
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.IsProtected != nil {
		updates["is_protected"] = *req.IsProtected
	}
	if req.Status != nil {
		newStatus := *req.Status
		if !models.ValidStatus(newStatus) {
			return nil, errors.Wrap(errors.ErrConflict, "非法的分支状态")
		}
		if newStatus == models.BranchStatusMerged || newStatus == models.BranchStatusDeleted {
			return nil, errors.Wrap(errors.ErrConflict, "该状态只能通过合并或删除操作进入")
		}
		if !models.CanTransition(branch.Status, newStatus) {
			return nil, errors.Wrap(errors.ErrConflict, "不允许的状态变更")
		}
		updates["status"] = newStatus
	}

	if len(updates) == 0 {
		return branch, nil
	}

	if err := s.db.Model(branch).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(id, false, false)
}

// Delete 软删除分支
// 受保护分支直接拒绝删除
func (s *BranchService) Delete(id uint) (bool, error) {
	branch, err := s.Get(id, false, false)
	if err != nil {
		return false, err
	}

	if branch.IsProtected {
		return false, errors.Wrap(errors.ErrProtected, "受保护分支不允许删除")
	}
	if !models.CanTransition(branch.Status, models.BranchStatusDeleted) {
		return false, errors.Wrap(errors.ErrConflict, "当前状态不允许删除")
	}

	now := time.Now()
	err = s.db.Model(branch).Updates(map[string]interface{}{
		"status":     models.BranchStatusDeleted,
		"deleted_at": now,
	}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

// Merge 合并分支
// 只更新版本状态元数据；内容级合并由客户端在目标分支上提交完成
func (s *BranchService) Merge(id, intoID, mergerID uint) (*models.Branch, error) {
	if id == intoID {
		return nil, errors.Wrap(errors.ErrConflict, "分支不能合并到自身")
	}

	branch, err := s.Get(id, false, false)
	if err != nil {
		return nil, err
	}
	target, err := s.Get(intoID, false, false)
	if err != nil {
		return nil, err
	}

	if branch.ProjectID != target.ProjectID {
		return nil, errors.Wrap(errors.ErrConflict, "不能跨项目合并分支")
	}
	if !models.CanTransition(branch.Status, models.BranchStatusMerged) {
		return nil, errors.Wrap(errors.ErrConflict, "当前状态不允许合并")
	}
	if target.Status != models.BranchStatusActive {
		return nil, errors.Wrap(errors.ErrConflict, "目标分支不可写")
	}

	now := time.Now()
	err = s.db.Model(branch).Updates(map[string]interface{}{
		"status":    models.BranchStatusMerged,
		"merged_at": now,
		"merged_by": mergerID,
	}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(id, false, false)
}

// SetDefault 设置项目默认分支
func (s *BranchService) SetDefault(id uint) (*models.Branch, error) {
	branch, err := s.Get(id, false, false)
	if err != nil {
		return nil, err
	}
	if branch.Status != models.BranchStatusActive {
		return nil, errors.Wrap(errors.ErrConflict, "只有活跃分支可以设为默认")
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Branch{}).
			Where("project_id = ? AND is_default = ?", branch.ProjectID, true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.Branch{}).Where("id = ?", id).Update("is_default", true).Error
	})
	if err != nil {
		return nil, err
	}

	if err := s.bindings.SetDefaultBranch(branch.ProjectID, id); err != nil {
		logger.GetLogger().Errorf("更新默认分支指针失败: %v", err)
	}
	return s.Get(id, false, false)
}

// UpdateHeadCommit 更新分支头指针（自动保存提交完成后调用）
func (s *BranchService) UpdateHeadCommit(id uint, commitHash string) error {
	return s.db.Model(&models.Branch{}).
		Where("id = ?", id).
		Update("head_commit_hash", commitHash).Error
}
