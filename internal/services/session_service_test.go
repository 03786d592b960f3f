package services

import (
	"colatex/internal/models"
	"colatex/pkg/crdt"
	"colatex/pkg/errors"
	stderrors "errors"
	"sync"
	"testing"
	"time"
)

type sessionFixture struct {
	branches *BranchService
	files    *FileService
	autosave *AutosaveService
	sessions *SessionService
	file     *models.FileMetadata
	branch   *models.Branch
}

func newSessionFixture(t *testing.T, ttl time.Duration) *sessionFixture {
	t.Helper()
	db := newTestDB(t)
	store := newTestStore(t)
	branches := NewBranchService(db, store)
	files := NewFileService(db, store)
	autosave := NewAutosaveService(db, store, nil, 3)
	sessions := NewSessionService(db, store, autosave, ttl)

	branch := mustCreateBranch(t, branches, 1, "main", 10)
	file, err := files.Create(&CreateFileRequest{
		BranchID:       branch.ID,
		FilePath:       "main.tex",
		InitialContent: "seed",
	}, 10, "user10")
	if err != nil {
		t.Fatalf("创建文件失败: %v", err)
	}

	return &sessionFixture{
		branches: branches,
		files:    files,
		autosave: autosave,
		sessions: sessions,
		file:     file,
		branch:   branch,
	}
}

func TestSessionGetOrCreateSeedsFromLastCommit(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	if session.SessionToken == "" {
		t.Fatal("会话应持有令牌")
	}

	engine, err := crdt.Get(session.CRDTType)
	if err != nil {
		t.Fatalf("获取CRDT引擎失败: %v", err)
	}
	content, err := engine.Content(session.CRDTState)
	if err != nil {
		t.Fatalf("渲染会话状态失败: %v", err)
	}
	if string(content) != "seed" {
		t.Fatalf("会话应以最后一次提交内容为种子，实际 %q", content)
	}
}

func TestSessionGetOrCreateIsIdempotent(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	first, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	// 第二个用户加入同一会话
	if _, err := f.branches.Permissions().Grant(f.branch.ID, 20, true, true, false, 10); err != nil {
		t.Fatalf("授权失败: %v", err)
	}
	second, err := f.sessions.GetOrCreate(f.file.ID, 20)
	if err != nil {
		t.Fatalf("加入会话失败: %v", err)
	}
	if second.ID != first.ID || second.SessionToken != first.SessionToken {
		t.Fatal("同一文件应复用同一会话")
	}

	ids := second.ActiveUserIDs()
	if len(ids) != 2 {
		t.Fatalf("会话应有2个参与者，实际 %v", ids)
	}
}

func TestSessionGetOrCreateConcurrent(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]uint, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := f.sessions.GetOrCreate(f.file.ID, 10)
			if err != nil {
				t.Errorf("并发加入失败: %v", err)
				return
			}
			results[i] = session.ID
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		if id != results[0] {
			t.Fatalf("并发加入应收敛到同一会话: %v", results)
		}
	}
}

func TestSessionGetOrCreateRequiresRead(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	_, err := f.sessions.GetOrCreate(f.file.ID, 99)
	if !stderrors.Is(err, errors.ErrAccessDenied) {
		t.Fatalf("无读权限应被拒绝，实际: %v", err)
	}
}

func TestSessionApplyDeltaMarksPendingAndMerges(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	site := crdt.NewSite(7, session.CRDTState)
	delta, _, err := site.InsertAfter("", "X")
	if err != nil {
		t.Fatalf("构造增量失败: %v", err)
	}

	if err := f.sessions.ApplyDelta(session.ID, 10, delta); err != nil {
		t.Fatalf("合并增量失败: %v", err)
	}

	reloaded, err := f.sessions.Get(session.ID)
	if err != nil {
		t.Fatalf("重新加载会话失败: %v", err)
	}
	if !reloaded.AutosavePending {
		t.Fatal("合并增量后应标记待保存")
	}

	engine, _ := crdt.Get(reloaded.CRDTType)
	content, err := engine.Content(reloaded.CRDTState)
	if err != nil {
		t.Fatalf("渲染失败: %v", err)
	}
	if string(content) != "Xseed" {
		t.Fatalf("合并结果错误: %q", content)
	}
}

func TestSessionApplyDeltaRequiresWrite(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	// 只读用户
	if _, err := f.branches.Permissions().Grant(f.branch.ID, 30, true, false, false, 10); err != nil {
		t.Fatalf("授权失败: %v", err)
	}
	err = f.sessions.ApplyDelta(session.ID, 30, []byte("{}"))
	if !stderrors.Is(err, errors.ErrAccessDenied) {
		t.Fatalf("只读用户提交增量应被拒绝，实际: %v", err)
	}
}

func TestSessionFlushDirtyEnqueuesAutosave(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	site := crdt.NewSite(7, session.CRDTState)
	delta, _, err := site.InsertAfter("", "X")
	if err != nil {
		t.Fatalf("构造增量失败: %v", err)
	}
	if err := f.sessions.ApplyDelta(session.ID, 10, delta); err != nil {
		t.Fatalf("合并增量失败: %v", err)
	}

	flushed, err := f.sessions.FlushDirty()
	if err != nil {
		t.Fatalf("刷新脏会话失败: %v", err)
	}
	if flushed != 1 {
		t.Fatalf("应刷新1个会话，实际 %d", flushed)
	}

	stats, err := f.autosave.Stats()
	if err != nil {
		t.Fatalf("查询队列统计失败: %v", err)
	}
	if stats[models.AutosaveStatusPending] != 1 {
		t.Fatalf("应有1个pending自动保存条目，实际 %v", stats)
	}

	// 标记被清除，重复刷新不再入队
	flushed, err = f.sessions.FlushDirty()
	if err != nil {
		t.Fatalf("重复刷新失败: %v", err)
	}
	if flushed != 0 {
		t.Fatalf("没有脏会话时不应刷新，实际 %d", flushed)
	}
}

func TestSessionExpireStaleFlushesBeforeRemoval(t *testing.T) {
	// TTL为负，创建即过期
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	site := crdt.NewSite(7, session.CRDTState)
	delta, _, err := site.InsertAfter("", "X")
	if err != nil {
		t.Fatalf("构造增量失败: %v", err)
	}
	if err := f.sessions.ApplyDelta(session.ID, 10, delta); err != nil {
		t.Fatalf("合并增量失败: %v", err)
	}

	// 手动把会话推到过期
	past := time.Now().Add(-time.Minute)
	if err := f.sessions.db.Model(&models.DocumentSession{}).
		Where("id = ?", session.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("设置过期时间失败: %v", err)
	}

	removed, err := f.sessions.ExpireStale()
	if err != nil {
		t.Fatalf("回收过期会话失败: %v", err)
	}
	if removed != 1 {
		t.Fatalf("应回收1个会话，实际 %d", removed)
	}

	// 未保存状态先入队，没有被静默丢弃
	stats, err := f.autosave.Stats()
	if err != nil {
		t.Fatalf("查询队列统计失败: %v", err)
	}
	if stats[models.AutosaveStatusPending] != 1 {
		t.Fatalf("过期回收应把未保存状态入队，实际 %v", stats)
	}

	// 会话记录已删除，下次加入新建会话
	fresh, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("重新加入失败: %v", err)
	}
	if fresh.ID == session.ID {
		t.Fatal("过期会话回收后应创建新会话")
	}
}

func TestSessionExpiredTokenRejected(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	if err := f.sessions.db.Model(&models.DocumentSession{}).
		Where("id = ?", session.ID).
		Update("expires_at", past).Error; err != nil {
		t.Fatalf("设置过期时间失败: %v", err)
	}

	_, err = f.sessions.GetByToken(session.SessionToken)
	if !stderrors.Is(err, errors.ErrSessionExpired) {
		t.Fatalf("过期令牌应返回已过期错误，实际: %v", err)
	}
}

func TestSessionLeaveRemovesParticipant(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	if err := f.sessions.Leave(session.ID, 10); err != nil {
		t.Fatalf("离开会话失败: %v", err)
	}

	reloaded, err := f.sessions.Get(session.ID)
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	if len(reloaded.ActiveUserIDs()) != 0 {
		t.Fatalf("离开后参与者应为空，实际 %v", reloaded.ActiveUserIDs())
	}
}

func TestSessionFlushUsesFreshStateUnderConcurrentMerge(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	session, err := f.sessions.GetOrCreate(f.file.ID, 10)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	site := crdt.NewSite(7, session.CRDTState)
	delta, _, err := site.InsertAfter("", "A")
	if err != nil {
		t.Fatalf("生成增量失败: %v", err)
	}
	if err := f.sessions.ApplyDelta(session.ID, 10, delta); err != nil {
		t.Fatalf("合并增量失败: %v", err)
	}

	// 后台刷新先查出脏会话列表，加锁前又有新增量完成合并
	stale, err := f.sessions.Get(session.ID)
	if err != nil {
		t.Fatalf("加载会话失败: %v", err)
	}
	delta, _, err = site.InsertAfter("", "B")
	if err != nil {
		t.Fatalf("生成增量失败: %v", err)
	}
	if err := f.sessions.ApplyDelta(session.ID, 10, delta); err != nil {
		t.Fatalf("合并增量失败: %v", err)
	}

	lock := f.sessions.fileLock(f.file.ID)
	lock.Lock()
	err = f.sessions.flushLocked(stale, time.Now())
	lock.Unlock()
	if err != nil {
		t.Fatalf("刷新会话失败: %v", err)
	}

	// 入队的必须是锁内重读的最新快照，而不是列表查询时的旧状态
	var entries []*models.AutosaveQueueEntry
	if err := f.sessions.db.Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("查询队列失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("应只入队1个条目，实际 %d", len(entries))
	}
	if string(entries[0].ContentSnapshot) != "BAseed" {
		t.Fatalf("入队快照丢失了并发合并的增量: %q", entries[0].ContentSnapshot)
	}
	reloaded, err := f.sessions.Get(session.ID)
	if err != nil {
		t.Fatalf("重新加载会话失败: %v", err)
	}
	if reloaded.AutosavePending {
		t.Fatal("刷新后pending标记应清除")
	}

	// 已经刷新过的会话即使拿着旧结构再刷一次也不会重复入队
	lock.Lock()
	err = f.sessions.flushLocked(stale, time.Now())
	lock.Unlock()
	if err != nil {
		t.Fatalf("重复刷新失败: %v", err)
	}
	if err := f.sessions.db.Find(&entries).Error; err != nil {
		t.Fatalf("查询队列失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("重复刷新不应新增条目，实际 %d", len(entries))
	}
}
