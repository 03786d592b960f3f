package database

import (
	"colatex/internal/models"
	"colatex/pkg/logger"

	"gorm.io/gorm"
)

// 部分唯一索引，AutoMigrate不支持WHERE条件，用原生SQL建；
// 封死写路径count-then-insert检查在并发创建下的竞争窗口
var partialUniqueIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_project_name_live
		ON branches (project_id, name) WHERE status != 'deleted'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_file_metadata_branch_path_live
		ON file_metadata (branch_id, file_path) WHERE deleted_at IS NULL`,
}

// Migrate 执行数据库迁移
func Migrate() error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	err := DB.AutoMigrate(
		&models.Branch{},
		&models.BranchPermission{},
		&models.FileMetadata{},
		&models.DocumentSession{},
		&models.AutosaveQueueEntry{},
		&models.GitRepositoryBinding{},
	)

	if err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	if err := ApplyPartialIndexes(DB); err != nil {
		appLogger.Errorf("Creating partial unique indexes failed: %v", err)
		return err
	}

	appLogger.Info("Database migration completed successfully")

	return nil
}

// ApplyPartialIndexes 创建部分唯一索引
func ApplyPartialIndexes(db *gorm.DB) error {
	for _, stmt := range partialUniqueIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
