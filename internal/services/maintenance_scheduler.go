package services

import (
	"colatex/pkg/logger"
	"fmt"

	"github.com/robfig/cron/v3"
)

// MaintenanceScheduler 后台维护调度器
// 周期性刷新脏会话、回收过期会话、重排可重试的失败条目
type MaintenanceScheduler struct {
	sessions *SessionService
	autosave *AutosaveService
	cron     *cron.Cron
	running  bool
}

// NewMaintenanceScheduler 创建维护调度器
func NewMaintenanceScheduler(sessions *SessionService, autosave *AutosaveService) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		sessions: sessions,
		autosave: autosave,
		cron:     cron.New(),
	}
}

// Start 启动调度器
func (s *MaintenanceScheduler) Start() error {
	if s.running {
		return fmt.Errorf("维护调度器已经在运行")
	}

	// 每分钟刷新一次标记了未保存修改的会话
	if _, err := s.cron.AddFunc("* * * * *", s.flushDirtySessions); err != nil {
		return fmt.Errorf("注册会话刷新任务失败: %v", err)
	}

	// 每5分钟回收一次过期会话
	if _, err := s.cron.AddFunc("*/5 * * * *", s.expireStaleSessions); err != nil {
		return fmt.Errorf("注册会话回收任务失败: %v", err)
	}

	// 每分钟把到期的可重试失败条目放回待处理状态
	if _, err := s.cron.AddFunc("* * * * *", s.requeueFailed); err != nil {
		return fmt.Errorf("注册失败重排任务失败: %v", err)
	}

	s.cron.Start()
	s.running = true
	logger.GetLogger().Info("后台维护调度器启动成功")
	return nil
}

// Stop 停止调度器
func (s *MaintenanceScheduler) Stop() {
	if !s.running {
		return
	}
	logger.GetLogger().Info("停止后台维护调度器")
	s.cron.Stop()
	s.running = false
}

func (s *MaintenanceScheduler) flushDirtySessions() {
	flushed, err := s.sessions.FlushDirty()
	if err != nil {
		logger.GetLogger().Errorf("刷新脏会话失败: %v", err)
		return
	}
	if flushed > 0 {
		logger.GetLogger().Infof("已将 %d 个会话的未保存修改送入自动保存队列", flushed)
	}
}

func (s *MaintenanceScheduler) expireStaleSessions() {
	if _, err := s.sessions.ExpireStale(); err != nil {
		logger.GetLogger().Errorf("回收过期会话失败: %v", err)
	}
}

func (s *MaintenanceScheduler) requeueFailed() {
	requeued, err := s.autosave.RequeueFailed()
	if err != nil {
		logger.GetLogger().Errorf("重排失败的自动保存条目失败: %v", err)
		return
	}
	if requeued > 0 {
		logger.GetLogger().Infof("已重排 %d 条失败的自动保存条目", requeued)
	}
}
