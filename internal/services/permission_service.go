package services

import (
	"colatex/internal/models"
	"colatex/pkg/errors"
	"time"

	"gorm.io/gorm"
)

// PermissionService 分支权限注册表
// 其他所有组件的授权依据：can_read 控制会话加入与文件列表，
// can_write 控制增量提交与自动保存入队，can_admin 控制权限变更与受保护分支操作
type PermissionService struct {
	db *gorm.DB
}

// NewPermissionService 创建权限服务
func NewPermissionService(db *gorm.DB) *PermissionService {
	return &PermissionService{db: db}
}

// Grant 授予权限（upsert语义，幂等）
// 已存在时覆盖权限位与授予人
func (s *PermissionService) Grant(branchID, userID uint, canRead, canWrite, canAdmin bool, grantedBy uint) (*models.BranchPermission, error) {
	return s.grantTx(s.db, branchID, userID, canRead, canWrite, canAdmin, grantedBy)
}

// GrantInTx 在外部事务中授予权限（分支创建时与分支插入保持原子）
func (s *PermissionService) GrantInTx(tx *gorm.DB, branchID, userID uint, canRead, canWrite, canAdmin bool, grantedBy uint) (*models.BranchPermission, error) {
	return s.grantTx(tx, branchID, userID, canRead, canWrite, canAdmin, grantedBy)
}

func (s *PermissionService) grantTx(tx *gorm.DB, branchID, userID uint, canRead, canWrite, canAdmin bool, grantedBy uint) (*models.BranchPermission, error) {
	var perm models.BranchPermission
	err := tx.Where("branch_id = ? AND user_id = ?", branchID, userID).First(&perm).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if err == gorm.ErrRecordNotFound {
		perm = models.BranchPermission{
			BranchID:  branchID,
			UserID:    userID,
			CanRead:   canRead,
			CanWrite:  canWrite,
			CanAdmin:  canAdmin,
			GrantedBy: grantedBy,
			GrantedAt: time.Now(),
		}
		if err := tx.Create(&perm).Error; err != nil {
			return nil, err
		}
		return &perm, nil
	}

	// 覆盖权限位与授予人
	perm.CanRead = canRead
	perm.CanWrite = canWrite
	perm.CanAdmin = canAdmin
	perm.GrantedBy = grantedBy
	perm.GrantedAt = time.Now()
	if err := tx.Save(&perm).Error; err != nil {
		return nil, err
	}
	return &perm, nil
}

// Get 查询权限，不存在时返回 nil, nil
func (s *PermissionService) Get(branchID, userID uint) (*models.BranchPermission, error) {
	var perm models.BranchPermission
	err := s.db.Where("branch_id = ? AND user_id = ?", branchID, userID).First(&perm).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

// Revoke 撤销权限
func (s *PermissionService) Revoke(branchID, userID uint) (bool, error) {
	result := s.db.Where("branch_id = ? AND user_id = ?", branchID, userID).
		Delete(&models.BranchPermission{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListByBranch 查询分支的全部权限（管理界面使用）
func (s *PermissionService) ListByBranch(branchID uint) ([]*models.BranchPermission, error) {
	var perms []*models.BranchPermission
	err := s.db.Where("branch_id = ?", branchID).Order("granted_at asc").Find(&perms).Error
	return perms, err
}

// CanRead 是否可读
func (s *PermissionService) CanRead(branchID, userID uint) (bool, error) {
	perm, err := s.Get(branchID, userID)
	if err != nil {
		return false, err
	}
	return perm != nil && perm.CanRead, nil
}

// CanWrite 是否可写
func (s *PermissionService) CanWrite(branchID, userID uint) (bool, error) {
	perm, err := s.Get(branchID, userID)
	if err != nil {
		return false, err
	}
	return perm != nil && perm.CanWrite, nil
}

// CanAdmin 是否可管理
func (s *PermissionService) CanAdmin(branchID, userID uint) (bool, error) {
	perm, err := s.Get(branchID, userID)
	if err != nil {
		return false, err
	}
	return perm != nil && perm.CanAdmin, nil
}

// RequireRead 校验读权限，缺失时返回权限错误
func (s *PermissionService) RequireRead(branchID, userID uint) error {
	ok, err := s.CanRead(branchID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(errors.ErrAccessDenied, "缺少分支读权限")
	}
	return nil
}

// RequireWrite 校验写权限
func (s *PermissionService) RequireWrite(branchID, userID uint) error {
	ok, err := s.CanWrite(branchID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(errors.ErrAccessDenied, "缺少分支写权限")
	}
	return nil
}

// RequireAdmin 校验管理权限
func (s *PermissionService) RequireAdmin(branchID, userID uint) error {
	ok, err := s.CanAdmin(branchID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(errors.ErrAccessDenied, "缺少分支管理权限")
	}
	return nil
}
