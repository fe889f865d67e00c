package presence

import (
	"context"
	"sync"
	"time"

	"collabEngine/backend/internal/op"
)

// 在线状态是易失的：不进操作日志、不持久化、允许陈旧。
// 每个客户端单写，last-value-wins。

// State 是一个参与者的光标/选区/在线状态。
type State struct {
	Client    op.ClientID `json:"client"`
	Node      op.NodeID   `json:"node,omitempty"`
	Offset    int         `json:"offset,omitempty"`
	Selection string      `json:"selection,omitempty"`
	Online    bool        `json:"online"`
	UpdatedAt int64       `json:"updatedAt"` // unix 毫秒，仅用于同客户端新旧判断
}

type Event struct {
	State State `json:"state"`
}

// Cache 是跨实例共享在线状态的可选后端（Redis 实现见 internal/cache）。
type Cache interface {
	Publish(ctx context.Context, docID string, s State, ttl time.Duration) error
	Alive(ctx context.Context, docID string) ([]State, error)
}

type Manager struct {
	mu     sync.RWMutex
	states map[op.ClientID]State
	subs   map[chan Event]struct{}
}

func NewManager() *Manager {
	return &Manager{
		states: make(map[op.ClientID]State),
		subs:   make(map[chan Event]struct{}),
	}
}

// Update 接受本地或远端的状态。同客户端只保留更新的那份；
// 订阅者队列满了就丢——陈旧可以接受，阻塞不行。
func (m *Manager) Update(s State) {
	if s.UpdatedAt == 0 {
		s.UpdatedAt = time.Now().UnixMilli()
	}
	m.mu.Lock()
	if prev, ok := m.states[s.Client]; ok && prev.UpdatedAt > s.UpdatedAt {
		m.mu.Unlock()
		return
	}
	m.states[s.Client] = s
	subs := make([]chan Event, 0, len(m.subs))
	for ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	evt := Event{State: s}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Offline 把某客户端标记下线并广播。
func (m *Manager) Offline(client op.ClientID) {
	m.mu.RLock()
	s, ok := m.states[client]
	m.mu.RUnlock()
	if !ok {
		s = State{Client: client}
	}
	s.Online = false
	s.UpdatedAt = time.Now().UnixMilli()
	m.Update(s)
}

// Subscribe 返回带缓冲的事件流。调用方用完必须 Unsubscribe。
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, 32)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	delete(m.subs, ch)
	m.mu.Unlock()
	close(ch)
}

func (m *Manager) Snapshot() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out
}
