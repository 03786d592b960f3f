package services

import (
	"colatex/internal/database"
	"colatex/internal/models"
	"colatex/pkg/gitstore"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq int64

// newTestDB 每个测试一个独立的内存库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&testDBSeq, 1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}

	// 内存sqlite串行访问，避免并发测试触发busy
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取底层连接失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Branch{},
		&models.BranchPermission{},
		&models.FileMetadata{},
		&models.DocumentSession{},
		&models.AutosaveQueueEntry{},
		&models.GitRepositoryBinding{},
	)
	if err != nil {
		t.Fatalf("迁移测试库失败: %v", err)
	}
	if err := database.ApplyPartialIndexes(db); err != nil {
		t.Fatalf("创建部分唯一索引失败: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// newTestStore 临时目录上的Git存储
func newTestStore(t *testing.T) *gitstore.Store {
	t.Helper()
	return gitstore.New(t.TempDir(), "test.local")
}

// mustCreateBranch 建分支（含创建者权限）的快捷方式
func mustCreateBranch(t *testing.T, svc *BranchService, projectID uint, name string, creator uint) *models.Branch {
	t.Helper()
	branch, err := svc.Create(projectID, &CreateBranchRequest{Name: name}, creator, fmt.Sprintf("user%d", creator))
	if err != nil {
		t.Fatalf("创建分支 %s 失败: %v", name, err)
	}
	return branch
}
