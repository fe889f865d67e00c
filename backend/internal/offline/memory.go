package offline

import (
	"sort"
	"sync"

	"collabEngine/backend/internal/op"
)

// Memory 是重放队列的内存实现：没有配置持久化路径时的兜底。
// 断线重连仍能补发未确认的操作，但进程重启后队列清空。
type Memory struct {
	mu  sync.Mutex
	ops map[uint64]*op.Operation
}

func NewMemory() *Memory {
	return &Memory{ops: make(map[uint64]*op.Operation)}
}

func (m *Memory) Enqueue(o *op.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[o.ID.Seq] = o
	return nil
}

func (m *Memory) Ack(id op.OpID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ops, id.Seq)
	return nil
}

func (m *Memory) Len() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops), nil
}

// Pending 按本地序号升序返回快照，与持久实现的游标顺序一致。
func (m *Memory) Pending() ([]*op.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*op.Operation, 0, len(m.ops))
	for _, o := range m.ops {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Seq < out[j].ID.Seq })
	return out, nil
}

func (m *Memory) Close() error { return nil }
