package ws

import (
	"context"
	"sync"
	"time"

	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/wire"
)

// Hub 维护 docID -> 连接集合 的房间表，并把在线状态落到共享缓存
// （Redis 实现见 internal/cache），多实例部署时靠它互通。
type Hub struct {
	presence presence.Cache
	mu       sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p presence.Cache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间。
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 房间里存连接而不是 ClientID：同一个用户可以开多个会话，
		// 广播要逐连接发。
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除。
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Broadcast 把消息发给房间里除 except 以外的所有连接。
// except 通常是消息来源（它收到的是 ack，不是回声）。
func (h *Hub) Broadcast(docID string, except op.ClientID, msg wire.Message) {
	h.mu.RLock()
	conns := h.rooms[docID]
	h.mu.RUnlock()
	for c := range conns {
		if except != 0 && c.client == except {
			continue
		}
		c.Enqueue(msg)
	}
}

// PublishPresence 把在线状态写入共享缓存并广播给房间。
func (h *Hub) PublishPresence(ctx context.Context, docID string, s presence.State, ttl time.Duration) {
	if h.presence != nil {
		_ = h.presence.Publish(ctx, docID, s, ttl)
	}
	h.Broadcast(docID, s.Client, wire.PresenceUpdate(s.Client, s))
}

// Alive 读取房间当前存活的参与者（跨实例）。
func (h *Hub) Alive(ctx context.Context, docID string) ([]presence.State, error) {
	if h.presence == nil {
		return nil, nil
	}
	return h.presence.Alive(ctx, docID)
}
