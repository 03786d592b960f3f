package services

import (
	"colatex/internal/models"
	"colatex/pkg/errors"
	"colatex/pkg/gitstore"
	"colatex/pkg/logger"
	"colatex/pkg/pagination"
	"path"
	"strings"
	"time"

	"gorm.io/gorm"
)

// CreateFileRequest 创建文件请求
type CreateFileRequest struct {
	BranchID       uint   `json:"branch_id" binding:"required"`
	FilePath       string `json:"file_path" binding:"required,max=500"`
	FileType       string `json:"file_type" binding:"omitempty,max=50"`
	Encoding       string `json:"encoding" binding:"omitempty,max=20"`
	InitialContent string `json:"initial_content"`
}

// UpdateFileRequest 更新文件元数据请求
type UpdateFileRequest struct {
	FilePath *string `json:"file_path" binding:"omitempty,max=500"`
	FileType *string `json:"file_type" binding:"omitempty,max=50"`
	Encoding *string `json:"encoding" binding:"omitempty,max=20"`
}

// FileService 文件元数据服务
// 内容字节只经由Git后端存取，这里只维护元数据与指针
type FileService struct {
	db          *gorm.DB
	permissions *PermissionService
	bindings    *BindingService
	store       *gitstore.Store
}

// NewFileService 创建文件服务
func NewFileService(db *gorm.DB, store *gitstore.Store) *FileService {
	return &FileService{
		db:          db,
		permissions: NewPermissionService(db),
		bindings:    NewBindingService(db, store),
		store:       store,
	}
}

// Permissions 暴露权限服务，处理层做前置校验用
func (s *FileService) Permissions() *PermissionService {
	return s.permissions
}

// Create 创建文件元数据，可附带初始内容提交
func (s *FileService) Create(req *CreateFileRequest, actorID uint, actorName string) (*models.FileMetadata, error) {
	var branch models.Branch
	if err := s.db.First(&branch, req.BranchID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.Wrap(errors.ErrNotFound, "分支不存在")
		}
		return nil, err
	}
	if !branch.IsWritable() {
		return nil, errors.Wrap(errors.ErrConflict, "分支不可写")
	}
	if err := s.permissions.RequireWrite(req.BranchID, actorID); err != nil {
		return nil, err
	}

	filePath := path.Clean(req.FilePath)
	if filePath == "." || strings.HasPrefix(filePath, "..") {
		return nil, errors.Wrap(errors.ErrConflict, "非法的文件路径")
	}

	fileType := req.FileType
	if fileType == "" {
		fileType = strings.TrimPrefix(path.Ext(filePath), ".")
	}
	encoding := req.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}

	file := &models.FileMetadata{
		ProjectID:      branch.ProjectID,
		BranchID:       req.BranchID,
		FilePath:       filePath,
		FileName:       path.Base(filePath),
		FileType:       fileType,
		FileSize:       int64(len(req.InitialContent)),
		Encoding:       encoding,
		CreatedBy:      actorID,
		LastModifiedBy: actorID,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		// (branch_id, file_path) 在未删除文件中唯一
		var count int64
		if err := tx.Model(&models.FileMetadata{}).
			Where("branch_id = ? AND file_path = ? AND deleted_at IS NULL", req.BranchID, filePath).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return errors.Wrap(errors.ErrConflict, "该路径下文件已存在")
		}
		return tx.Create(file).Error
	})
	if err != nil {
		return nil, err
	}

	// 初始内容提交到Git后端
	if req.InitialContent != "" {
		binding, err := s.bindings.Ensure(branch.ProjectID, actorName)
		if err != nil {
			return nil, err
		}
		hash, err := s.store.Commit(binding.RepoPath, branch.Name, filePath,
			[]byte(req.InitialContent), actorName, "创建 "+filePath)
		if err != nil {
			logger.GetLogger().Errorf("初始内容提交失败 file=%s: %v", filePath, err)
			return file, nil
		}
		if err := s.db.Model(&models.Branch{}).Where("id = ?", branch.ID).
			Update("head_commit_hash", hash).Error; err != nil {
			logger.GetLogger().Errorf("更新分支头指针失败: %v", err)
		}
		if err := s.bindings.UpdateLastCommit(branch.ProjectID, hash); err != nil {
			logger.GetLogger().Errorf("更新项目提交指针失败: %v", err)
		}
	}

	return file, nil
}

// Get 查询文件元数据
func (s *FileService) Get(id uint) (*models.FileMetadata, error) {
	var file models.FileMetadata
	if err := s.db.First(&file, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.Wrap(errors.ErrNotFound, "文件不存在")
		}
		return nil, err
	}
	if file.DeletedAt != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "文件已删除")
	}
	return &file, nil
}

// ListByBranch 分页查询分支下的文件（需要读权限）
func (s *FileService) ListByBranch(branchID, callerID uint, params *pagination.PageParams) ([]*models.FileMetadata, int64, error) {
	if err := s.permissions.RequireRead(branchID, callerID); err != nil {
		return nil, 0, err
	}
	params.Normalize()

	query := s.db.Model(&models.FileMetadata{}).
		Where("branch_id = ? AND deleted_at IS NULL", branchID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var files []*models.FileMetadata
	err := query.Order("file_path ASC").
		Offset(params.GetOffset()).
		Limit(params.GetLimit()).
		Find(&files).Error
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

// Update 更新文件元数据
func (s *FileService) Update(id uint, req *UpdateFileRequest, actorID uint) (*models.FileMetadata, error) {
	file, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.permissions.RequireWrite(file.BranchID, actorID); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"last_modified_by": actorID,
	}

	if req.FilePath != nil && *req.FilePath != file.FilePath {
		newPath := path.Clean(*req.FilePath)
		if newPath == "." || strings.HasPrefix(newPath, "..") {
			return nil, errors.Wrap(errors.ErrConflict, "非法的文件路径")
		}
		var count int64
		if err := s.db.Model(&models.FileMetadata{}).
			Where("branch_id = ? AND file_path = ? AND deleted_at IS NULL AND id != ?",
				file.BranchID, newPath, id).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.Wrap(errors.ErrConflict, "该路径下文件已存在")
		}
		updates["file_path"] = newPath
		updates["file_name"] = path.Base(newPath)
	}
	if req.FileType != nil {
		updates["file_type"] = *req.FileType
	}
	if req.Encoding != nil {
		updates["encoding"] = *req.Encoding
	}

	if err := s.db.Model(file).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Delete 软删除文件元数据（Git历史保留）
func (s *FileService) Delete(id uint, actorID uint) (bool, error) {
	file, err := s.Get(id)
	if err != nil {
		return false, err
	}
	if err := s.permissions.RequireWrite(file.BranchID, actorID); err != nil {
		return false, err
	}

	now := time.Now()
	err = s.db.Model(file).Updates(map[string]interface{}{
		"deleted_at":       now,
		"last_modified_by": actorID,
	}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetContent 读取文件的已提交内容（需要读权限）
// ref为空时读取所在分支的最新提交；文件尚无提交时返回空内容
func (s *FileService) GetContent(id, callerID uint, ref string) ([]byte, error) {
	file, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.permissions.RequireRead(file.BranchID, callerID); err != nil {
		return nil, err
	}

	var branch models.Branch
	if err := s.db.First(&branch, file.BranchID).Error; err != nil {
		return nil, err
	}
	binding, err := s.bindings.Get(branch.ProjectID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return []byte{}, nil
		}
		return nil, err
	}

	if ref == "" {
		ref = branch.Name
	}
	content, err := s.store.Read(binding.RepoPath, file.FilePath, ref)
	if err != nil {
		if gitstore.ErrFileNotInCommit(err) {
			return []byte{}, nil
		}
		return nil, err
	}
	return content, nil
}
