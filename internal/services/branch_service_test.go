package services

import (
	"colatex/internal/models"
	"colatex/pkg/errors"
	"colatex/pkg/pagination"
	stderrors "errors"
	"testing"
)

func TestBranchCreateFirstBranchBecomesDefault(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	branch := mustCreateBranch(t, svc, 1, "main", 10)
	if !branch.IsDefault {
		t.Fatal("项目的第一个分支应当成为默认分支")
	}

	second := mustCreateBranch(t, svc, 1, "draft", 10)
	if second.IsDefault {
		t.Fatal("后续分支不应自动成为默认分支")
	}
}

func TestBranchCreateGrantsCreatorFullPermissions(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	branch := mustCreateBranch(t, svc, 1, "main", 10)

	perm, err := svc.Permissions().Get(branch.ID, 10)
	if err != nil {
		t.Fatalf("查询权限失败: %v", err)
	}
	if perm == nil {
		t.Fatal("创建者应当自动获得权限记录")
	}
	if !perm.CanRead || !perm.CanWrite || !perm.CanAdmin {
		t.Fatalf("创建者应获得全部权限，实际 read=%v write=%v admin=%v",
			perm.CanRead, perm.CanWrite, perm.CanAdmin)
	}
}

func TestBranchCreateDuplicateNameConflicts(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	mustCreateBranch(t, svc, 1, "main", 10)

	_, err := svc.Create(1, &CreateBranchRequest{Name: "main"}, 10, "user10")
	if !stderrors.Is(err, errors.ErrConflict) {
		t.Fatalf("同名分支应返回冲突错误，实际: %v", err)
	}

	// 其他项目不受影响
	if _, err := svc.Create(2, &CreateBranchRequest{Name: "main"}, 10, "user10"); err != nil {
		t.Fatalf("不同项目允许同名分支: %v", err)
	}
}

func TestBranchDeletedNameCanBeReused(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	mustCreateBranch(t, svc, 1, "main", 10)
	branch := mustCreateBranch(t, svc, 1, "draft", 10)
	if _, err := svc.Delete(branch.ID); err != nil {
		t.Fatalf("删除分支失败: %v", err)
	}

	// 软删除后名称可复用
	if _, err := svc.Create(1, &CreateBranchRequest{Name: "draft"}, 10, "user10"); err != nil {
		t.Fatalf("已删除分支的名称应可复用: %v", err)
	}
}

func TestBranchCreateSourceValidation(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	main := mustCreateBranch(t, svc, 1, "main", 10)
	other := mustCreateBranch(t, svc, 2, "main", 10)

	// 跨项目来源
	_, err := svc.Create(1, &CreateBranchRequest{Name: "bad", SourceBranchID: &other.ID}, 10, "user10")
	if !stderrors.Is(err, errors.ErrConflict) {
		t.Fatalf("跨项目来源分支应被拒绝，实际: %v", err)
	}

	// 不存在的来源
	missing := uint(9999)
	_, err = svc.Create(1, &CreateBranchRequest{Name: "bad", SourceBranchID: &missing}, 10, "user10")
	if !stderrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("不存在的来源分支应返回未找到，实际: %v", err)
	}

	// 正常克隆继承头指针
	if err := svc.UpdateHeadCommit(main.ID, "abc123"); err != nil {
		t.Fatalf("更新头指针失败: %v", err)
	}
	clone, err := svc.Create(1, &CreateBranchRequest{Name: "feature", SourceBranchID: &main.ID}, 10, "user10")
	if err != nil {
		t.Fatalf("从来源分支创建失败: %v", err)
	}
	if clone.HeadCommitHash != "abc123" {
		t.Fatalf("克隆分支应继承来源头指针，实际 %q", clone.HeadCommitHash)
	}
	if clone.SourceBranchID == nil || *clone.SourceBranchID != main.ID {
		t.Fatal("克隆分支应记录来源分支")
	}
}

func TestBranchStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to models.BranchStatus
		allowed  bool
	}{
		{models.BranchStatusActive, models.BranchStatusMerged, true},
		{models.BranchStatusActive, models.BranchStatusArchived, true},
		{models.BranchStatusActive, models.BranchStatusDeleted, true},
		{models.BranchStatusArchived, models.BranchStatusDeleted, true},
		{models.BranchStatusArchived, models.BranchStatusActive, false},
		{models.BranchStatusMerged, models.BranchStatusActive, false},
		{models.BranchStatusDeleted, models.BranchStatusActive, false},
		{models.BranchStatusActive, models.BranchStatusActive, false},
	}
	for _, c := range cases {
		if got := models.CanTransition(c.from, c.to); got != c.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, 期望 %v", c.from, c.to, got, c.allowed)
		}
	}
}

func TestBranchUpdateRejectsMergedStatus(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	branch := mustCreateBranch(t, svc, 1, "main", 10)

	merged := models.BranchStatusMerged
	_, err := svc.Update(branch.ID, &UpdateBranchRequest{Status: &merged}, 10)
	if !stderrors.Is(err, errors.ErrConflict) {
		t.Fatalf("merged状态只能通过合并操作进入，实际: %v", err)
	}
}

func TestBranchProtectedDeleteRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	mustCreateBranch(t, svc, 1, "main", 10)
	branch, err := svc.Create(1, &CreateBranchRequest{Name: "release", IsProtected: true}, 10, "user10")
	if err != nil {
		t.Fatalf("创建受保护分支失败: %v", err)
	}

	_, err = svc.Delete(branch.ID)
	if !stderrors.Is(err, errors.ErrProtected) {
		t.Fatalf("受保护分支删除应被拒绝，实际: %v", err)
	}
}

func TestBranchProtectedStatusChangeNeedsAdmin(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	mustCreateBranch(t, svc, 1, "main", 10)
	branch, err := svc.Create(1, &CreateBranchRequest{Name: "release", IsProtected: true}, 10, "user10")
	if err != nil {
		t.Fatalf("创建受保护分支失败: %v", err)
	}

	// 普通写权限用户不能改受保护分支的状态
	if _, err := svc.Permissions().Grant(branch.ID, 20, true, true, false, 10); err != nil {
		t.Fatalf("授权失败: %v", err)
	}
	archived := models.BranchStatusArchived
	_, err = svc.Update(branch.ID, &UpdateBranchRequest{Status: &archived}, 20)
	if !stderrors.Is(err, errors.ErrProtected) {
		t.Fatalf("无管理权限的状态变更应被拒绝，实际: %v", err)
	}

	// 管理员可以
	if _, err := svc.Update(branch.ID, &UpdateBranchRequest{Status: &archived}, 10); err != nil {
		t.Fatalf("管理员归档受保护分支失败: %v", err)
	}
}

func TestBranchMerge(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	main := mustCreateBranch(t, svc, 1, "main", 10)
	feature := mustCreateBranch(t, svc, 1, "feature", 10)

	// 自合并
	if _, err := svc.Merge(feature.ID, feature.ID, 10); !stderrors.Is(err, errors.ErrConflict) {
		t.Fatalf("分支合并到自身应被拒绝，实际: %v", err)
	}

	merged, err := svc.Merge(feature.ID, main.ID, 10)
	if err != nil {
		t.Fatalf("合并失败: %v", err)
	}
	if merged.Status != models.BranchStatusMerged {
		t.Fatalf("合并后状态应为merged，实际 %s", merged.Status)
	}
	if merged.MergedAt == nil || merged.MergedBy == nil || *merged.MergedBy != 10 {
		t.Fatal("合并应记录时间与操作者")
	}

	// 已合并分支不能再次合并
	if _, err := svc.Merge(feature.ID, main.ID, 10); !stderrors.Is(err, errors.ErrConflict) {
		t.Fatalf("重复合并应被拒绝，实际: %v", err)
	}
}

func TestBranchListOnlyReadable(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	mustCreateBranch(t, svc, 1, "main", 10)
	mustCreateBranch(t, svc, 1, "secret", 20)

	branches, total, err := svc.List(1, 10, "", &pagination.PageParams{Page: 1, PageSize: 20})
	if err != nil {
		t.Fatalf("查询分支列表失败: %v", err)
	}
	if total != 1 || len(branches) != 1 {
		t.Fatalf("用户10只应看到自己可读的1个分支，实际 total=%d len=%d", total, len(branches))
	}
	if branches[0].Name != "main" {
		t.Fatalf("期望看到main，实际 %s", branches[0].Name)
	}
}

func TestBranchSetDefaultSwitchesPointer(t *testing.T) {
	db := newTestDB(t)
	svc := NewBranchService(db, newTestStore(t))

	main := mustCreateBranch(t, svc, 1, "main", 10)
	draft := mustCreateBranch(t, svc, 1, "draft", 10)

	if _, err := svc.SetDefault(draft.ID); err != nil {
		t.Fatalf("设置默认分支失败: %v", err)
	}

	reloaded, err := svc.Get(main.ID, false, false)
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	if reloaded.IsDefault {
		t.Fatal("旧默认分支的标记应被清除")
	}
	newDefault, err := svc.Get(draft.ID, false, false)
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	if !newDefault.IsDefault {
		t.Fatal("新默认分支的标记应被设置")
	}
}

func TestBranchLiveNameUniqueIndex(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t)
	svc := NewBranchService(db, store)

	branch := mustCreateBranch(t, svc, 1, "main", 10)

	// 绕过服务层的事务检查直接写入，数据库约束兜底并发创建
	dup := &models.Branch{
		ProjectID: 1,
		Name:      "main",
		Status:    models.BranchStatusActive,
		CreatedBy: 20,
	}
	if err := db.Create(dup).Error; err == nil {
		t.Fatal("同名活跃分支的直接写入应被唯一索引拒绝")
	}

	// 软删除的分支不占名额
	if err := db.Model(&models.Branch{}).Where("id = ?", branch.ID).
		Update("status", models.BranchStatusDeleted).Error; err != nil {
		t.Fatalf("软删除失败: %v", err)
	}
	if err := db.Create(dup).Error; err != nil {
		t.Fatalf("删除后的名称应可复用: %v", err)
	}
}
