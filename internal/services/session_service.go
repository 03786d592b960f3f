package services

import (
	"colatex/internal/models"
	"colatex/pkg/crdt"
	"colatex/pkg/errors"
	"colatex/pkg/gitstore"
	"colatex/pkg/logger"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionService 协作会话管理
// 每个文件最多一个活跃会话；CRDT状态合并在会话级互斥锁下进行，
// 不同文件的会话互不阻塞
type SessionService struct {
	db          *gorm.DB
	permissions *PermissionService
	bindings    *BindingService
	store       *gitstore.Store
	autosave    *AutosaveService
	ttl         time.Duration

	lockMu sync.Mutex
	locks  map[uint]*sync.Mutex // fileID -> 会话锁
}

// NewSessionService 创建会话服务
func NewSessionService(db *gorm.DB, store *gitstore.Store, autosave *AutosaveService, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionService{
		db:          db,
		permissions: NewPermissionService(db),
		bindings:    NewBindingService(db, store),
		store:       store,
		autosave:    autosave,
		ttl:         ttl,
		locks:       make(map[uint]*sync.Mutex),
	}
}

// GetOrCreate 获取或创建文件的活跃会话（并发安全、幂等）
// 无活跃会话时以最后一次提交内容为种子创建；
// 并发创建依赖 file_id 唯一约束，冲突方重查并复用先到者的会话
func (s *SessionService) GetOrCreate(fileID, userID uint) (*models.DocumentSession, error) {
	var file models.FileMetadata
	if err := s.db.First(&file, fileID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.Wrap(errors.ErrNotFound, "文件不存在")
		}
		return nil, err
	}
	if file.DeletedAt != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "文件已删除")
	}
	if err := s.permissions.RequireRead(file.BranchID, userID); err != nil {
		return nil, err
	}

	lock := s.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()

	var session models.DocumentSession
	err := s.db.Where("file_id = ?", fileID).First(&session).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if err == nil {
		if !session.Expired(now) {
			return s.join(&session, userID, now)
		}
		// 过期会话：先落盘未保存状态再回收
		if flushErr := s.flushLocked(&session, now); flushErr != nil {
			return nil, flushErr
		}
		if delErr := s.db.Delete(&session).Error; delErr != nil {
			return nil, delErr
		}
	}

	created, err := s.create(&file, userID, now)
	if err == nil {
		return created, nil
	}

	// 唯一约束冲突：另一进程抢先创建，复用其会话
	var existing models.DocumentSession
	if refetchErr := s.db.Where("file_id = ?", fileID).First(&existing).Error; refetchErr == nil {
		return s.join(&existing, userID, now)
	}
	return nil, err
}

// create 以最后一次提交内容为种子创建会话
func (s *SessionService) create(file *models.FileMetadata, userID uint, now time.Time) (*models.DocumentSession, error) {
	var branch models.Branch
	if err := s.db.First(&branch, file.BranchID).Error; err != nil {
		return nil, err
	}

	var seed []byte
	if binding, err := s.bindings.Get(branch.ProjectID); err == nil {
		content, readErr := s.store.Read(binding.RepoPath, file.FilePath, branch.Name)
		if readErr == nil {
			seed = content
		} else if !gitstore.ErrFileNotInCommit(readErr) {
			logger.GetLogger().Warnf("读取文件提交内容失败 file=%d: %v", file.ID, readErr)
		}
	}

	engine := crdt.Default()
	state, err := engine.New(seed)
	if err != nil {
		return nil, err
	}

	session := &models.DocumentSession{
		FileID:       file.ID,
		SessionToken: uuid.NewString(),
		CRDTState:    state,
		CRDTType:     engine.Type(),
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
	}
	session.SetActiveUserIDs([]uint{userID})

	if err := s.db.Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// join 将用户并入已有会话
func (s *SessionService) join(session *models.DocumentSession, userID uint, now time.Time) (*models.DocumentSession, error) {
	ids := session.ActiveUserIDs()
	found := false
	for _, id := range ids {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, userID)
		session.SetActiveUserIDs(ids)
	}
	session.LastActivity = now
	session.ExpiresAt = now.Add(s.ttl)

	if err := s.db.Model(session).Updates(map[string]interface{}{
		"active_users":  session.ActiveUsers,
		"last_activity": session.LastActivity,
		"expires_at":    session.ExpiresAt,
	}).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// ApplyDelta 合并一个CRDT增量
// 合并操作满足交换律与结合律，各对端到达顺序不影响最终收敛状态；
// 成功后标记 autosave_pending 并刷新活跃时间
func (s *SessionService) ApplyDelta(sessionID, userID uint, delta []byte) error {
	session, err := s.getByID(sessionID)
	if err != nil {
		return err
	}

	var file models.FileMetadata
	if err := s.db.First(&file, session.FileID).Error; err != nil {
		return err
	}
	if err := s.permissions.RequireWrite(file.BranchID, userID); err != nil {
		return err
	}

	lock := s.fileLock(session.FileID)
	lock.Lock()
	defer lock.Unlock()

	// 锁内重读，避免覆盖并发合并的结果
	session, err = s.getByID(sessionID)
	if err != nil {
		return err
	}

	engine, err := crdt.Get(session.CRDTType)
	if err != nil {
		return err
	}
	merged, err := engine.Merge(session.CRDTState, delta)
	if err != nil {
		return err
	}

	now := time.Now()
	return s.db.Model(session).Updates(map[string]interface{}{
		"crdt_state":       merged,
		"autosave_pending": true,
		"last_activity":    now,
		"expires_at":       now.Add(s.ttl),
	}).Error
}

// Snapshot 返回当前完整状态（新加入的对端做初始同步）
func (s *SessionService) Snapshot(sessionID uint) ([]byte, error) {
	session, err := s.getByID(sessionID)
	if err != nil {
		return nil, err
	}
	return session.CRDTState, nil
}

// Leave 将用户移出会话参与者集合
func (s *SessionService) Leave(sessionID, userID uint) error {
	var session models.DocumentSession
	if err := s.db.First(&session, sessionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}

	ids := session.ActiveUserIDs()
	remaining := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			remaining = append(remaining, id)
		}
	}
	session.SetActiveUserIDs(remaining)

	return s.db.Model(&session).Update("active_users", session.ActiveUsers).Error
}

// GetByToken 按会话令牌查询
func (s *SessionService) GetByToken(token string) (*models.DocumentSession, error) {
	var session models.DocumentSession
	err := s.db.Where("session_token = ?", token).First(&session).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "会话不存在")
	}
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now()) {
		return nil, errors.ErrSessionExpired
	}
	return &session, nil
}

// FlushDirty 将所有标记了 autosave_pending 的会话快照送入自动保存队列
func (s *SessionService) FlushDirty() (int, error) {
	var sessions []*models.DocumentSession
	if err := s.db.Where("autosave_pending = ?", true).Find(&sessions).Error; err != nil {
		return 0, err
	}

	flushed := 0
	now := time.Now()
	for _, session := range sessions {
		lock := s.fileLock(session.FileID)
		lock.Lock()
		err := s.flushLocked(session, now)
		lock.Unlock()
		if err != nil {
			logger.GetLogger().Errorf("刷新脏会话失败 session=%d: %v", session.ID, err)
			continue
		}
		flushed++
	}
	return flushed, nil
}

// ExpireStale 回收过期会话
// 未保存状态先送入自动保存队列，绝不静默丢弃
func (s *SessionService) ExpireStale() (int, error) {
	now := time.Now()
	var sessions []*models.DocumentSession
	if err := s.db.Where("expires_at < ?", now).Find(&sessions).Error; err != nil {
		return 0, err
	}

	removed := 0
	for _, session := range sessions {
		lock := s.fileLock(session.FileID)
		lock.Lock()
		err := s.flushLocked(session, now)
		if err == nil {
			err = s.db.Delete(session).Error
		}
		lock.Unlock()
		if err != nil {
			logger.GetLogger().Errorf("回收过期会话失败 session=%d: %v", session.ID, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logger.GetLogger().Infof("回收了 %d 个过期的协作会话", removed)
	}
	return removed, nil
}

// flushLocked 渲染当前状态并送入自动保存队列（调用方持有会话锁）
// 传入的结构可能来自加锁前的列表查询，锁内必须重读，
// 否则会用过期快照清掉并发合并刚置位的pending标记
func (s *SessionService) flushLocked(session *models.DocumentSession, now time.Time) error {
	var fresh models.DocumentSession
	if err := s.db.First(&fresh, session.ID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	if !fresh.AutosavePending {
		return nil
	}

	engine, err := crdt.Get(fresh.CRDTType)
	if err != nil {
		return err
	}
	content, err := engine.Content(fresh.CRDTState)
	if err != nil {
		return err
	}

	var file models.FileMetadata
	if err := s.db.First(&file, fresh.FileID).Error; err != nil {
		return err
	}

	flushUser := uint(0)
	if ids := fresh.ActiveUserIDs(); len(ids) > 0 {
		flushUser = ids[0]
	}
	if _, err := s.autosave.Enqueue(file.ID, file.BranchID, flushUser, content, "", 0); err != nil {
		return err
	}

	return s.db.Model(&fresh).Update("autosave_pending", false).Error
}

// Get 按会话ID查询（过期会话按已过期错误返回）
func (s *SessionService) Get(sessionID uint) (*models.DocumentSession, error) {
	return s.getByID(sessionID)
}

// File 会话关联文件的元数据
func (s *SessionService) File(fileID uint) (*models.FileMetadata, error) {
	var file models.FileMetadata
	err := s.db.First(&file, fileID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "文件不存在")
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// Permissions 暴露权限服务，处理层做前置校验用
func (s *SessionService) Permissions() *PermissionService {
	return s.permissions
}

func (s *SessionService) getByID(sessionID uint) (*models.DocumentSession, error) {
	var session models.DocumentSession
	err := s.db.First(&session, sessionID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.ErrNotFound, "会话不存在")
	}
	if err != nil {
		return nil, err
	}
	if session.Expired(time.Now()) {
		return nil, errors.ErrSessionExpired
	}
	return &session, nil
}

// fileLock 每个文件一把锁，避免全局锁串行化无关文档
func (s *SessionService) fileLock(fileID uint) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[fileID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[fileID] = lock
	return lock
}
