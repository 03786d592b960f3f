package services

import (
	"colatex/internal/models"
	"colatex/pkg/errors"
	"colatex/pkg/gitstore"
	"colatex/pkg/logger"
	"colatex/pkg/queue"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 重试退避基数
const autosaveBackoffBase = 10 * time.Second

// AutosaveService 自动保存队列服务
// 队列条目持久化在数据库中，Redis只做唤醒与事件广播；
// 同一文件的条目严格按入队顺序提交，不同文件可并行
type AutosaveService struct {
	db          *gorm.DB
	store       *gitstore.Store
	bindings    *BindingService
	redisQueue  *queue.RedisQueue
	maxRetries  int
	maxParallel int
}

// NewAutosaveService 创建自动保存服务
func NewAutosaveService(db *gorm.DB, store *gitstore.Store, redisQueue *queue.RedisQueue, maxRetries int) *AutosaveService {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &AutosaveService{
		db:          db,
		store:       store,
		bindings:    NewBindingService(db, store),
		redisQueue:  redisQueue,
		maxRetries:  maxRetries,
		maxParallel: 4,
	}
}

// Enqueue 插入pending条目并发送唤醒消息
func (s *AutosaveService) Enqueue(fileID, branchID, userID uint, snapshot []byte, summary string, priority int) (*models.AutosaveQueueEntry, error) {
	entry := &models.AutosaveQueueEntry{
		EntryID:         uuid.NewString(),
		FileID:          fileID,
		BranchID:        branchID,
		UserID:          userID,
		ContentSnapshot: snapshot,
		ChangeSummary:   summary,
		Priority:        priority,
		Status:          models.AutosaveStatusPending,
		ScheduledAt:     time.Now(),
	}
	if err := s.db.Create(entry).Error; err != nil {
		return nil, err
	}

	// 唤醒消息尽力而为，失败由轮询兜底
	if s.redisQueue != nil {
		var branch models.Branch
		projectID := uint(0)
		if err := s.db.First(&branch, branchID).Error; err == nil {
			projectID = branch.ProjectID
		}
		msg := &queue.AutosaveMessage{
			EntryID:   entry.EntryID,
			FileID:    fileID,
			BranchID:  branchID,
			ProjectID: projectID,
			UserID:    userID,
			Priority:  priority,
		}
		if err := s.redisQueue.Enqueue(msg); err != nil {
			logger.GetLogger().Warnf("发送自动保存唤醒消息失败: %v", err)
		}
	}

	return entry, nil
}

// Drain 处理一批pending条目
// 同一文件的条目分到同一组内按入队顺序串行提交，不同文件的组并行；
// 已有processing条目的文件整组跳过，保证同一文件绝不并发提交
func (s *AutosaveService) Drain(batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 20
	}

	// 同文件存在processing或可重试failed条目时整体跳过，
	// 避免新条目抢在更早的条目之前提交
	blockedFiles := s.db.Model(&models.AutosaveQueueEntry{}).
		Select("file_id").
		Where("status = ? OR (status = ? AND retry_count < ?)",
			models.AutosaveStatusProcessing, models.AutosaveStatusFailed, s.maxRetries)

	var entries []*models.AutosaveQueueEntry
	err := s.db.
		Where("status = ? AND scheduled_at <= ?", models.AutosaveStatusPending, time.Now()).
		Where("file_id NOT IN (?)", blockedFiles).
		Order("priority DESC, scheduled_at ASC, id ASC").
		Limit(batchSize).
		Find(&entries).Error
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// 按文件分组，组内保持查询顺序（优先级、入队时间）
	groups := make(map[uint][]*models.AutosaveQueueEntry)
	var order []uint
	for _, entry := range entries {
		if _, ok := groups[entry.FileID]; !ok {
			order = append(order, entry.FileID)
		}
		groups[entry.FileID] = append(groups[entry.FileID], entry)
	}

	sem := make(chan struct{}, s.maxParallel)
	var wg sync.WaitGroup
	var processedMu sync.Mutex
	processed := 0

	for _, fileID := range order {
		group := groups[fileID]
		wg.Add(1)
		sem <- struct{}{}
		go func(group []*models.AutosaveQueueEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, entry := range group {
				if !s.claim(entry) {
					// 条目已被其他进程认领，同文件后续条目必须等待
					return
				}
				ok := s.process(entry)
				processedMu.Lock()
				processed++
				processedMu.Unlock()
				if !ok {
					// 提交失败后不再处理同文件的后续条目，保持顺序
					return
				}
			}
		}(group)
	}
	wg.Wait()

	return processed, nil
}

// claim 乐观认领条目（pending -> processing）
func (s *AutosaveService) claim(entry *models.AutosaveQueueEntry) bool {
	result := s.db.Model(&models.AutosaveQueueEntry{}).
		Where("id = ? AND status = ?", entry.ID, models.AutosaveStatusPending).
		Update("status", models.AutosaveStatusProcessing)
	return result.Error == nil && result.RowsAffected == 1
}

// process 提交单个条目，返回是否成功
func (s *AutosaveService) process(entry *models.AutosaveQueueEntry) bool {
	log := logger.GetLogger()

	commitHash, err := s.commit(entry)
	now := time.Now()

	if err == nil {
		updates := map[string]interface{}{
			"status":       models.AutosaveStatusCompleted,
			"processed_at": now,
			"error_msg":    "",
		}
		if dbErr := s.db.Model(entry).Updates(updates).Error; dbErr != nil {
			log.Errorf("更新自动保存条目状态失败 entry=%s: %v", entry.EntryID, dbErr)
		}
		s.publishEvent(entry, commitHash, models.AutosaveStatusCompleted, "")
		return true
	}

	// 失败路径：退避重试，耗尽后保持failed并告警
	entry.RetryCount++
	updates := map[string]interface{}{
		"status":       models.AutosaveStatusFailed,
		"retry_count":  entry.RetryCount,
		"error_msg":    err.Error(),
		"processed_at": now,
	}
	if entry.RetryCount < s.maxRetries {
		backoff := autosaveBackoffBase * time.Duration(1<<uint(entry.RetryCount-1))
		updates["scheduled_at"] = now.Add(backoff)
		log.Warnf("自动保存提交失败，将在 %s 后重试（第 %d 次） entry=%s: %v",
			backoff, entry.RetryCount, entry.EntryID, err)
	} else {
		log.Errorf("自动保存重试耗尽 entry=%s file=%d: %v", entry.EntryID, entry.FileID, err)
		s.publishEvent(entry, "", models.AutosaveStatusFailed, err.Error())
	}
	if dbErr := s.db.Model(entry).Updates(updates).Error; dbErr != nil {
		log.Errorf("更新自动保存条目状态失败 entry=%s: %v", entry.EntryID, dbErr)
	}
	return false
}

// commit 将快照提交到Git后端并更新各级指针
func (s *AutosaveService) commit(entry *models.AutosaveQueueEntry) (string, error) {
	var file models.FileMetadata
	if err := s.db.First(&file, entry.FileID).Error; err != nil {
		return "", fmt.Errorf("加载文件元数据失败: %v", err)
	}
	var branch models.Branch
	if err := s.db.First(&branch, entry.BranchID).Error; err != nil {
		return "", fmt.Errorf("加载分支失败: %v", err)
	}
	binding, err := s.bindings.Ensure(branch.ProjectID, "autosave")
	if err != nil {
		return "", err
	}

	message := entry.ChangeSummary
	if message == "" {
		message = fmt.Sprintf("自动保存 %s", file.FilePath)
	}
	commitHash, err := s.store.Commit(binding.RepoPath, branch.Name, file.FilePath,
		entry.ContentSnapshot, "autosave", message)
	if err != nil {
		return "", errors.Wrap(errors.ErrAutosaveFailed, err.Error())
	}

	log := logger.GetLogger()
	if err := s.db.Model(&models.Branch{}).Where("id = ?", branch.ID).
		Update("head_commit_hash", commitHash).Error; err != nil {
		log.Errorf("更新分支头指针失败: %v", err)
	}
	if err := s.bindings.UpdateLastCommit(branch.ProjectID, commitHash); err != nil {
		log.Errorf("更新项目提交指针失败: %v", err)
	}
	if err := s.db.Model(&models.FileMetadata{}).Where("id = ?", file.ID).
		Updates(map[string]interface{}{
			"file_size":        int64(len(entry.ContentSnapshot)),
			"last_modified_by": entry.UserID,
		}).Error; err != nil {
		log.Errorf("更新文件元数据失败: %v", err)
	}

	return commitHash, nil
}

// publishEvent 发布提交事件（订阅端为状态推送WebSocket）
func (s *AutosaveService) publishEvent(entry *models.AutosaveQueueEntry, commitHash, status, message string) {
	if s.redisQueue == nil {
		return
	}
	event := &queue.CommitEvent{
		FileID:     entry.FileID,
		BranchID:   entry.BranchID,
		CommitHash: commitHash,
		Status:     status,
		Message:    message,
	}
	if err := s.redisQueue.PublishCommitEvent(event); err != nil {
		logger.GetLogger().Warnf("发布提交事件失败: %v", err)
	}
}

// RequeueFailed 将未耗尽重试且到达调度时间的failed条目重新置为pending
func (s *AutosaveService) RequeueFailed() (int64, error) {
	result := s.db.Model(&models.AutosaveQueueEntry{}).
		Where("status = ? AND retry_count < ? AND scheduled_at <= ?",
			models.AutosaveStatusFailed, s.maxRetries, time.Now()).
		Update("status", models.AutosaveStatusPending)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		logger.GetLogger().Infof("重新入队 %d 个失败的自动保存条目", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// GetEntry 按EntryID查询条目
func (s *AutosaveService) GetEntry(entryID string) (*models.AutosaveQueueEntry, error) {
	var entry models.AutosaveQueueEntry
	err := s.db.Where("entry_id = ?", entryID).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "自动保存条目不存在")
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Stats 队列状态统计
func (s *AutosaveService) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, status := range []string{
		models.AutosaveStatusPending,
		models.AutosaveStatusProcessing,
		models.AutosaveStatusCompleted,
		models.AutosaveStatusFailed,
	} {
		var count int64
		if err := s.db.Model(&models.AutosaveQueueEntry{}).
			Where("status = ?", status).Count(&count).Error; err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, nil
}
