package history

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/doctree"
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/oplog"
)

func newTestHistory(t *testing.T, client op.ClientID) (*History, *oplog.Log, *doctree.Tree) {
	t.Helper()
	clk := clock.New()
	if err := clk.Assign(client); err != nil {
		t.Fatalf("assign clock: %v", err)
	}
	tree := doctree.New()
	l := oplog.New(clk, tree, zerolog.Nop(), oplog.Options{})
	l.SetClient(client)
	h := New(l, NewMemoryStore(), tree.ExportState, zerolog.Nop())
	return h, l, tree
}

func submitInsert(t *testing.T, l *oplog.Log, client op.ClientID, target op.NodeID) {
	t.Helper()
	o := &op.Operation{
		Target:    target,
		Parent:    op.RootNode,
		Kind:      op.KindInsertChild,
		Payload:   map[string]any{},
		DependsOn: l.Dependencies(target, op.RootNode),
		IssuedBy:  client,
	}
	if err := l.SubmitLocal(o); err != nil {
		t.Fatalf("SubmitLocal(%s): %v", target, err)
	}
}

func TestCheckpointRestore(t *testing.T) {
	h, l, tree := newTestHistory(t, 1)
	submitInsert(t, l, 1, "n1")
	submitInsert(t, l, 1, "n2")

	id, err := h.Checkpoint(context.Background())
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	wantState, _ := tree.ExportState()

	// 快照之后继续编辑，Restore 返回的仍是当时的视图
	submitInsert(t, l, 1, "n3")

	view, err := h.Restore(context.Background(), id)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if view.Frontier.Get(1) != 2 {
		t.Fatalf("snapshot frontier = %d, want 2", view.Frontier.Get(1))
	}
	if string(view.State) != string(wantState) {
		t.Fatalf("snapshot state drifted:\n%s\n%s", view.State, wantState)
	}

	if _, err := h.Restore(context.Background(), "no-such-version"); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("want ErrVersionNotFound, got %v", err)
	}
}

func TestStableFrontier(t *testing.T) {
	h, l, _ := newTestHistory(t, 1)
	for i := 0; i < 3; i++ {
		submitInsert(t, l, 1, op.NodeID(rune('a'+i)))
	}

	// 没有任何已知副本：缺信息时一律不回收
	if f := h.StableFrontier(); len(f) != 0 {
		t.Fatalf("stable frontier without replicas = %v, want empty", f)
	}

	// 副本 0 是“未分配”，必须忽略
	h.ObserveFrontier(0, op.Frontier{1: 99})
	if f := h.StableFrontier(); len(f) != 0 {
		t.Fatalf("frontier from client 0 must be ignored, got %v", f)
	}

	h.ObserveFrontier(2, op.Frontier{1: 2})
	h.ObserveFrontier(3, op.Frontier{1: 3})
	if got := h.StableFrontier().Get(1); got != 2 {
		t.Fatalf("stable = %d, want 2 (slowest replica)", got)
	}

	// gossip 只前进不后退
	h.ObserveFrontier(2, op.Frontier{1: 1})
	if got := h.StableFrontier().Get(1); got != 2 {
		t.Fatalf("stale gossip moved stable backwards to %d", got)
	}

	// 稳定下界不能超过本地日志前沿
	h.ObserveFrontier(2, op.Frontier{1: 50})
	h.ObserveFrontier(3, op.Frontier{1: 50})
	if got := h.StableFrontier().Get(1); got != 3 {
		t.Fatalf("stable = %d, want 3 (own log frontier)", got)
	}
}

func TestCollectGarbageRespectsLaggard(t *testing.T) {
	h, l, _ := newTestHistory(t, 1)
	for i := 0; i < 4; i++ {
		submitInsert(t, l, 1, op.NodeID(rune('a'+i)))
	}

	// 副本 2 还停在 seq 1：只有 (1,1) 可以清
	h.ObserveFrontier(2, op.Frontier{1: 1})
	if purged := h.CollectGarbage(); purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	// 清掉的操作在去重判断里仍视为“已包含”
	if !l.Contains(op.OpID{Client: 1, Seq: 1}) {
		t.Fatal("purged op must still count as contained")
	}
	// 落后副本需要的其余历史原样保留
	if got := len(l.OpsAbove(op.Frontier{1: 1})); got != 3 {
		t.Fatalf("ops above laggard = %d, want 3", got)
	}

	// 落后副本追上来之后才继续回收
	h.ObserveFrontier(2, op.Frontier{1: 4})
	if purged := h.CollectGarbage(); purged != 3 {
		t.Fatalf("purged after catch-up = %d, want 3", purged)
	}
	if purged := h.CollectGarbage(); purged != 0 {
		t.Fatalf("repeat GC purged %d, want 0", purged)
	}
}
