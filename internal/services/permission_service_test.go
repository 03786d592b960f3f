package services

import (
	"colatex/pkg/errors"
	stderrors "errors"
	"testing"
)

func TestPermissionGrantIsIdempotentUpsert(t *testing.T) {
	db := newTestDB(t)
	svc := NewPermissionService(db)

	first, err := svc.Grant(1, 20, true, false, false, 10)
	if err != nil {
		t.Fatalf("首次授权失败: %v", err)
	}

	// 重复授权更新权限位而不是新建记录
	second, err := svc.Grant(1, 20, true, true, false, 10)
	if err != nil {
		t.Fatalf("重复授权失败: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("重复授权应更新同一条记录，实际 %d != %d", second.ID, first.ID)
	}
	if !second.CanWrite {
		t.Fatal("权限位应被更新")
	}

	perms, err := svc.ListByBranch(1)
	if err != nil {
		t.Fatalf("查询权限列表失败: %v", err)
	}
	if len(perms) != 1 {
		t.Fatalf("应只有1条权限记录，实际 %d", len(perms))
	}
}

func TestPermissionChecksDefaultDeny(t *testing.T) {
	db := newTestDB(t)
	svc := NewPermissionService(db)

	// 无记录即无权限
	for _, check := range []func(uint, uint) (bool, error){svc.CanRead, svc.CanWrite, svc.CanAdmin} {
		ok, err := check(1, 20)
		if err != nil {
			t.Fatalf("权限检查失败: %v", err)
		}
		if ok {
			t.Fatal("没有权限记录时应拒绝")
		}
	}

	if err := svc.RequireRead(1, 20); !stderrors.Is(err, errors.ErrAccessDenied) {
		t.Fatalf("RequireRead应返回权限错误，实际: %v", err)
	}
}

func TestPermissionRevoke(t *testing.T) {
	db := newTestDB(t)
	svc := NewPermissionService(db)

	if _, err := svc.Grant(1, 20, true, true, false, 10); err != nil {
		t.Fatalf("授权失败: %v", err)
	}

	removed, err := svc.Revoke(1, 20)
	if err != nil {
		t.Fatalf("撤销失败: %v", err)
	}
	if !removed {
		t.Fatal("已有记录的撤销应返回true")
	}

	ok, err := svc.CanRead(1, 20)
	if err != nil {
		t.Fatalf("权限检查失败: %v", err)
	}
	if ok {
		t.Fatal("撤销后不应再有读权限")
	}

	// 撤销不存在的记录
	removed, err = svc.Revoke(1, 20)
	if err != nil {
		t.Fatalf("重复撤销出错: %v", err)
	}
	if removed {
		t.Fatal("重复撤销应返回false")
	}
}

func TestPermissionBitsAreIndependent(t *testing.T) {
	db := newTestDB(t)
	svc := NewPermissionService(db)

	// 只写不读的奇怪组合也按记录原样判定
	if _, err := svc.Grant(1, 20, false, true, false, 10); err != nil {
		t.Fatalf("授权失败: %v", err)
	}

	canRead, _ := svc.CanRead(1, 20)
	canWrite, _ := svc.CanWrite(1, 20)
	if canRead {
		t.Fatal("未授予读权限")
	}
	if !canWrite {
		t.Fatal("写权限应生效")
	}
}
