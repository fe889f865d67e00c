package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/oplog"
)

var ErrVersionNotFound = errors.New("VERSION_NOT_FOUND")

// VersionID 是一次快照的不可变命名。
type VersionID string

// SnapshotStore 是快照的持久化接口，实现在 store 包（MySQL）或测试的内存版。
type SnapshotStore interface {
	SaveVersion(ctx context.Context, id VersionID, frontier op.Frontier, state []byte) error
	LoadVersion(ctx context.Context, id VersionID) (op.Frontier, []byte, error)
}

// SnapshotView 是某个因果前沿处的只读视图。恢复为可编辑文档
// 是更上层的显式操作，不属于引擎核心。
type SnapshotView struct {
	Version  VersionID
	Frontier op.Frontier
	State    []byte
	TakenAt  time.Time
}

// History 负责命名快照与日志回收。
// 回收依据：所有已知副本的前沿（经 gossip 汇入）的按分量最小值
// 越过的操作即“因果稳定”，可以物理清除。
type History struct {
	mu     sync.Mutex
	log    *oplog.Log
	store  SnapshotStore
	export func() ([]byte, error)
	logger zerolog.Logger

	// 已知副本前沿，key 是副本的 ClientID
	replicas map[op.ClientID]op.Frontier
}

func New(log *oplog.Log, store SnapshotStore, export func() ([]byte, error), logger zerolog.Logger) *History {
	return &History{
		log:      log,
		store:    store,
		export:   export,
		logger:   logger,
		replicas: make(map[op.ClientID]op.Frontier),
	}
}

// Checkpoint 记录当前前沿和合并状态的引用快照。
// 显式（用户动作）和周期（Run 的 ticker）走同一条路。
func (h *History) Checkpoint(ctx context.Context) (VersionID, error) {
	state, err := h.export()
	if err != nil {
		return "", err
	}
	id := VersionID(uuid.NewString())
	frontier := h.log.Frontier()
	if err := h.store.SaveVersion(ctx, id, frontier, state); err != nil {
		return "", err
	}
	h.logger.Info().Str("version", string(id)).Msg("checkpoint recorded")
	return id, nil
}

// Restore 取回某版本的只读视图，不触碰活动状态。
func (h *History) Restore(ctx context.Context, id VersionID) (*SnapshotView, error) {
	frontier, state, err := h.store.LoadVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SnapshotView{
		Version:  id,
		Frontier: frontier,
		State:    state,
		TakenAt:  time.Now(),
	}, nil
}

// ObserveFrontier 汇入一条副本前沿 gossip。
func (h *History) ObserveFrontier(replica op.ClientID, f op.Frontier) {
	if replica == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.replicas[replica]
	if prev == nil {
		prev = op.NewFrontier()
		h.replicas[replica] = prev
	}
	prev.Merge(f)
}

// Replicas 返回已知副本的 ClientID（含重启后从持久层灌回的）。
func (h *History) Replicas() []op.ClientID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]op.ClientID, 0, len(h.replicas))
	for c := range h.replicas {
		out = append(out, c)
	}
	return out
}

// StableFrontier 返回当前的因果稳定下界。
// 没有任何已知副本时返回空前沿——缺信息时一律不回收。
func (h *History) StableFrontier() op.Frontier {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.replicas) == 0 {
		return op.NewFrontier()
	}
	fs := make([]op.Frontier, 0, len(h.replicas)+1)
	for _, f := range h.replicas {
		fs = append(fs, f)
	}
	fs = append(fs, h.log.Frontier())
	return op.MinFrontier(fs...)
}

// CollectGarbage 清除因果稳定的操作，返回清除数量。
// 只要还有副本落后，它依赖的历史就一条都不会动。
func (h *History) CollectGarbage() int {
	stable := h.StableFrontier()
	if len(stable) == 0 {
		return 0
	}
	purged := h.log.Purge(stable)
	if purged > 0 {
		h.logger.Info().Int("purged", purged).Msg("log garbage collected")
	}
	return purged
}

// Run 周期性做 checkpoint 和 GC，直到 ctx 取消。
func (h *History) Run(ctx context.Context, checkpointEvery, gcEvery time.Duration) {
	var cpC, gcC <-chan time.Time
	if checkpointEvery > 0 {
		t := time.NewTicker(checkpointEvery)
		defer t.Stop()
		cpC = t.C
	}
	if gcEvery > 0 {
		t := time.NewTicker(gcEvery)
		defer t.Stop()
		gcC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-cpC:
			if _, err := h.Checkpoint(ctx); err != nil {
				h.logger.Warn().Err(err).Msg("periodic checkpoint failed")
			}
		case <-gcC:
			h.CollectGarbage()
		}
	}
}

// MemoryStore 是 SnapshotStore 的内存实现（单机/测试）。
type MemoryStore struct {
	mu       sync.Mutex
	versions map[VersionID]memVersion
}

type memVersion struct {
	frontier op.Frontier
	state    []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[VersionID]memVersion)}
}

func (s *MemoryStore) SaveVersion(_ context.Context, id VersionID, frontier op.Frontier, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[id] = memVersion{frontier: frontier.Clone(), state: append([]byte(nil), state...)}
	return nil
}

func (s *MemoryStore) LoadVersion(_ context.Context, id VersionID) (op.Frontier, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, nil, ErrVersionNotFound
	}
	return v.frontier.Clone(), append([]byte(nil), v.state...), nil
}
