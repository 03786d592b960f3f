package crdt

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestNewAndContentRoundTrip(t *testing.T) {
	engine := Default()

	state, err := engine.New([]byte("\\documentclass{article}"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content, err := engine.Content(state)
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if string(content) != "\\documentclass{article}" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestEmptyStateRendersEmpty(t *testing.T) {
	engine := Default()

	state, err := engine.New(nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	content, err := engine.Content(state)
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	if len(content) != 0 {
		t.Fatalf("expected empty content, got %q", content)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	engine := Default()

	base, err := engine.New([]byte("base"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	siteA := NewSite(1, base)
	deltaA, _, err := siteA.InsertAfter("1@0", " from A")
	if err != nil {
		t.Fatalf("InsertAfter() error = %v", err)
	}

	siteB := NewSite(2, base)
	deltaB, _, err := siteB.InsertAfter("1@0", " from B")
	if err != nil {
		t.Fatalf("InsertAfter() error = %v", err)
	}

	// 两个副本以相反顺序应用同一组增量
	ab, err := engine.Merge(base, deltaA)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	ab, err = engine.Merge(ab, deltaB)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	ba, err := engine.Merge(base, deltaB)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	ba, err = engine.Merge(ba, deltaA)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if !bytes.Equal(ab, ba) {
		t.Fatalf("merge order changed final state:\n ab=%s\n ba=%s", ab, ba)
	}

	contentAB, _ := engine.Content(ab)
	contentBA, _ := engine.Content(ba)
	if !bytes.Equal(contentAB, contentBA) {
		t.Fatalf("rendered content diverged: %q vs %q", contentAB, contentBA)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	engine := Default()

	base, _ := engine.New([]byte("x"))
	site := NewSite(1, base)
	delta, _, err := site.InsertAfter("1@0", "y")
	if err != nil {
		t.Fatalf("InsertAfter() error = %v", err)
	}

	once, err := engine.Merge(base, delta)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	twice, err := engine.Merge(once, delta)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if !bytes.Equal(once, twice) {
		t.Fatal("applying the same delta twice changed the state")
	}
}

func TestConvergenceUnderRandomOrder(t *testing.T) {
	engine := Default()

	base, _ := engine.New([]byte("doc"))

	// 三个站点并发产生增量，包括删除
	siteA := NewSite(1, base)
	deltaA1, idA, _ := siteA.InsertAfter("1@0", " alpha")
	deltaA2, _, _ := siteA.InsertAfter(idA, " beta")

	siteB := NewSite(2, base)
	deltaB1, _, _ := siteB.InsertAfter("1@0", " gamma")

	siteC := NewSite(3, base)
	deltaC1, err := siteC.Delete("1@0")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	deltas := [][]byte{deltaA1, deltaA2, deltaB1, deltaC1}

	rng := rand.New(rand.NewSource(42))
	var reference []byte
	for trial := 0; trial < 10; trial++ {
		order := rng.Perm(len(deltas))
		state := base
		for _, idx := range order {
			var err error
			state, err = engine.Merge(state, deltas[idx])
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
		}
		if reference == nil {
			reference = state
			continue
		}
		if !bytes.Equal(reference, state) {
			t.Fatalf("trial %d diverged from reference state", trial)
		}
	}

	// 删除生效：原始内容不再出现
	content, _ := engine.Content(reference)
	if bytes.Contains(content, []byte("doc")) {
		t.Fatalf("deleted element still rendered: %q", content)
	}
}

func TestSiteApplyAbsorbsRemoteSeq(t *testing.T) {
	engine := Default()

	base, _ := engine.New([]byte("a"))
	siteA := NewSite(1, base)
	deltaA, _, _ := siteA.InsertAfter("1@0", "b")

	siteB := NewSite(2, base)
	if err := siteB.Apply(deltaA); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	_, _, err := siteB.InsertAfter("1@0", "c")
	if err != nil {
		t.Fatalf("InsertAfter() error = %v", err)
	}

	content, err := engine.Content(siteB.State())
	if err != nil {
		t.Fatalf("Content() error = %v", err)
	}
	// B的插入seq更高，应排在A的插入之前
	if string(content) != "acb" {
		t.Fatalf("unexpected render order: %q", content)
	}
}

func TestGetUnknownEngine(t *testing.T) {
	if _, err := Get("nope"); err == nil {
		t.Fatal("expected error for unknown engine type")
	}
}
