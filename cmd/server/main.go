package main

import (
	"colatex/internal/database"
	"colatex/internal/router"
	"colatex/internal/services"
	"colatex/pkg/config"
	"colatex/pkg/gitstore"
	"colatex/pkg/logger"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Initialize(cfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	appLogger := logger.GetLogger()
	appLogger.Info("Starting CoLaTeX collaboration service...")

	// 初始化数据库
	if err := database.Initialize(cfg); err != nil {
		appLogger.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		// 关闭数据库连接
		if err := database.Close(); err != nil {
			appLogger.Error("Failed to close database:", err)
		}
		// 关闭Redis连接
		if err := database.CloseRedisQueue(); err != nil {
			appLogger.Error("Failed to close Redis:", err)
		}
	}()

	// 执行数据库迁移
	if err := database.Migrate(); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	// Git存储后端
	store := gitstore.New(cfg.Git.BaseDir, cfg.Git.EmailDomain)

	// 组装服务
	db := database.GetDB()
	redisQueue := database.GetRedisQueue()

	branchService := services.NewBranchService(db, store)
	permissionService := services.NewPermissionService(db)
	fileService := services.NewFileService(db, store)
	autosaveService := services.NewAutosaveService(db, store, redisQueue, cfg.Autosave.MaxRetries)
	sessionService := services.NewSessionService(db, store, autosaveService,
		time.Duration(cfg.Session.TTLHours)*time.Hour)
	syncHub := services.NewSyncHub(sessionService)

	// 启动自动保存消费者
	autosaveWorker := services.NewAutosaveWorker(autosaveService, redisQueue,
		cfg.Autosave.BatchSize, time.Duration(cfg.Autosave.PollInterval)*time.Second)
	if err := autosaveWorker.Start(); err != nil {
		appLogger.Fatalf("Failed to start autosave worker: %v", err)
	}
	defer autosaveWorker.Stop()

	// 启动后台维护调度器
	maintenance := services.NewMaintenanceScheduler(sessionService, autosaveService)
	if err := maintenance.Start(); err != nil {
		appLogger.Errorf("Failed to start maintenance scheduler: %v", err)
		// 不影响主服务启动
	}
	defer maintenance.Stop()

	// 设置路由
	r := router.SetupRouter(&router.Services{
		Branch:   branchService,
		Perm:     permissionService,
		File:     fileService,
		Session:  sessionService,
		Autosave: autosaveService,
		Hub:      syncHub,
	})

	// 启动服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// 启动服务
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	appLogger.Infof("Server started on port %s", cfg.Server.Port)

	// 优雅关闭：先停消费者，把在途批次提交完
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	if err := server.Close(); err != nil {
		appLogger.Error("Server forced to shutdown:", err)
	}
	appLogger.Info("Server exited")
}
