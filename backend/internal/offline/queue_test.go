package offline

import (
	"context"
	"path/filepath"
	"testing"

	"collabEngine/backend/internal/op"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("打开队列失败: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func makeOp(seq uint64) *op.Operation {
	return &op.Operation{
		ID:          op.OpID{Client: 7, Seq: seq},
		Kind:        op.KindUpdateProperty,
		Target:      "n1",
		IssuedBy:    7,
		LogicalTime: seq,
		Payload:     map[string]any{"v": float64(seq)},
	}
}

func TestQueueEnqueuePendingOrder(t *testing.T) {
	q := openTestQueue(t)

	// 乱序入队，Pending 仍按序号升序返回
	for _, seq := range []uint64{3, 1, 2} {
		if err := q.Enqueue(makeOp(seq)); err != nil {
			t.Fatalf("入队 seq=%d 失败: %v", seq, err)
		}
	}
	got, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending 失败: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("期望 3 条待重放，得到 %d", len(got))
	}
	for i, want := range []uint64{1, 2, 3} {
		if got[i].ID.Seq != want {
			t.Fatalf("第 %d 条序号 = %d，期望 %d", i, got[i].ID.Seq, want)
		}
	}
}

func TestQueueAckRemoves(t *testing.T) {
	q := openTestQueue(t)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := q.Enqueue(makeOp(seq)); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}
	if err := q.Ack(op.OpID{Client: 7, Seq: 2}); err != nil {
		t.Fatalf("Ack 失败: %v", err)
	}
	n, err := q.Len()
	if err != nil {
		t.Fatalf("Len 失败: %v", err)
	}
	if n != 2 {
		t.Fatalf("Ack 后长度 = %d，期望 2", n)
	}
	// 重复 Ack 同一条不应报错
	if err := q.Ack(op.OpID{Client: 7, Seq: 2}); err != nil {
		t.Fatalf("重复 Ack 报错: %v", err)
	}
}

func TestQueueDrainKeepsEntries(t *testing.T) {
	q := openTestQueue(t)
	for seq := uint64(1); seq <= 4; seq++ {
		if err := q.Enqueue(makeOp(seq)); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}

	var seen []uint64
	sent, err := q.Drain(context.Background(), func(o *op.Operation) error {
		seen = append(seen, o.ID.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain 失败: %v", err)
	}
	if sent != 4 {
		t.Fatalf("sent = %d，期望 4", sent)
	}
	for i, want := range []uint64{1, 2, 3, 4} {
		if seen[i] != want {
			t.Fatalf("重放顺序第 %d 个 = %d，期望 %d", i, seen[i], want)
		}
	}

	// Drain 不删除条目，删除由 Ack 驱动
	n, _ := q.Len()
	if n != 4 {
		t.Fatalf("Drain 后长度 = %d，期望 4", n)
	}
}

func TestQueueDrainCancelled(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue(makeOp(1)); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := q.Drain(ctx, func(*op.Operation) error {
		t.Fatal("已取消的 Drain 不应投递")
		return nil
	})
	if err == nil || sent != 0 {
		t.Fatalf("期望取消错误且 sent=0，得到 sent=%d err=%v", sent, err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.db")

	q, err := Open(path)
	if err != nil {
		t.Fatalf("打开队列失败: %v", err)
	}
	for seq := uint64(1); seq <= 2; seq++ {
		if err := q.Enqueue(makeOp(seq)); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	// 进程重启后队列内容还在
	q2, err := Open(path)
	if err != nil {
		t.Fatalf("重新打开失败: %v", err)
	}
	defer q2.Close()
	got, err := q2.Pending()
	if err != nil {
		t.Fatalf("Pending 失败: %v", err)
	}
	if len(got) != 2 || got[0].ID.Seq != 1 || got[1].ID.Seq != 2 {
		t.Fatalf("重开后内容不符: %+v", got)
	}
	if got[0].Payload["v"] != float64(1) {
		t.Fatalf("负载没有完整落盘: %+v", got[0].Payload)
	}
}
