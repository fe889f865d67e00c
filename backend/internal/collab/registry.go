package collab

import (
	"sync"

	"collabEngine/backend/internal/op"
)

// ServerClient 是服务端副本自己的 ClientID，握手分配从它之后开始。
const ServerClient op.ClientID = 1

// Registry 按文档惰性创建服务端 Engine，并负责给连接分配 ClientID。
type Registry struct {
	mu      sync.Mutex
	factory func(docID string) (*Engine, error)
	docs    map[string]*docEntry
}

type docEntry struct {
	engine *Engine
	// 已分配的最大 ClientID，重启后由持久层恢复可以更大
	lastClient op.ClientID
}

func NewRegistry(factory func(docID string) (*Engine, error)) *Registry {
	return &Registry{
		factory: factory,
		docs:    make(map[string]*docEntry),
	}
}

func (r *Registry) getOrCreateLocked(docID string) (*docEntry, error) {
	if ent, ok := r.docs[docID]; ok {
		return ent, nil
	}
	e, err := r.factory(docID)
	if err != nil {
		return nil, err
	}
	if err := e.AssignIdentity(ServerClient); err != nil {
		return nil, err
	}
	// 重启后分配计数从持久层恢复的副本前沿和日志前沿里取最大值，
	// 否则会把旧参与者的 ClientID 发给新连接
	last := ServerClient
	for _, c := range e.History().Replicas() {
		if c > last {
			last = c
		}
	}
	for c := range e.Frontier() {
		if c > last {
			last = c
		}
	}
	ent := &docEntry{engine: e, lastClient: last}
	r.docs[docID] = ent
	return ent, nil
}

// GetOrCreate 返回文档的服务端引擎，第一次访问时创建。
func (r *Registry) GetOrCreate(docID string) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, err := r.getOrCreateLocked(docID)
	if err != nil {
		return nil, err
	}
	return ent.engine, nil
}

// AllocateClient 在握手时为一条新连接分配本文档内唯一的 ClientID。
func (r *Registry) AllocateClient(docID string) (op.ClientID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, err := r.getOrCreateLocked(docID)
	if err != nil {
		return 0, err
	}
	ent.lastClient++
	return ent.lastClient, nil
}

// Docs 返回当前已加载的文档 ID（观测用）。
func (r *Registry) Docs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for id := range r.docs {
		out = append(out, id)
	}
	return out
}
