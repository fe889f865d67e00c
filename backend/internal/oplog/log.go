package oplog

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/op"
)

var (
	ErrWrongIssuer         = errors.New("WRONG_ISSUER")
	ErrInvalidSequence     = errors.New("INVALID_SEQUENCE")
	ErrDuplicateOpID       = errors.New("DUPLICATE_OP_ID")
	ErrNodeNotFound        = errors.New("NODE_NOT_FOUND")
	ErrParentNotFound      = errors.New("PARENT_NOT_FOUND")
	ErrTombstoned          = errors.New("TOMBSTONED")
	ErrUnknownKind         = errors.New("UNKNOWN_KIND")
	ErrCausalityViolation  = errors.New("CAUSALITY_VIOLATION")
	ErrStructureCorruption = errors.New("STRUCTURE_CORRUPTION")
)

// Outcome 是 IngestRemote 的预期结果，不走 error 通道：
// 重复投递是常态（离线重放、网络重试），不是异常。
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeBuffered
	OutcomeAlreadyApplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeAlreadyApplied:
		return "already_applied"
	}
	return "unknown"
}

// Applier 是外部文档树的应用钩子。引擎不理解节点语义，
// 只把被接纳的操作按确定顺序转发出去。
type Applier interface {
	ApplyOperation(target op.NodeID, kind op.Kind, payload map[string]any) error
	NodeExists(target op.NodeID) bool
}

type Options struct {
	// 每个对端允许滞留的“依赖未满足”操作上限。
	// 超限报 STRUCTURE_CORRUPTION 并要求全量重同步，宁可失败也不无限吃内存。
	WaitBufferLimit int
}

func (o *Options) withDefaults() {
	if o.WaitBufferLimit <= 0 {
		o.WaitBufferLimit = 512
	}
}

// Log 拥有全部 Operation 存储；其他组件只保留瞬时引用。
// 依赖以 OpID 值存储（map 索引），不持有指针，天然无引用环。
type Log struct {
	mu      sync.Mutex
	clk     *clock.Clock
	applier Applier
	logger  zerolog.Logger
	limit   int

	client op.ClientID

	frontier op.Frontier
	// 已回收操作的下界：stable 回收后依赖判定退化到这里
	gcFloor op.Frontier

	ops  map[op.OpID]*op.Operation
	past map[op.OpID]op.Frontier // 每个已应用操作的因果过去（含自身）

	// 节点簿记。tombstone 只打标记，依赖记录永不删除
	tombstoned map[op.NodeID]op.OpID
	creator    map[op.NodeID]op.OpID
	lastTouch  map[op.NodeID]op.OpID
	lastMove   map[op.NodeID]ownerRef
	parentOf   map[op.NodeID]op.NodeID
	children   map[op.NodeID][]childRef
	props      map[op.NodeID]map[string]ownerRef

	// 依赖未满足的滞留区：key = 第一个未满足的依赖
	waiting       map[op.OpID][]*op.Operation
	waitingIDs    map[op.OpID]*op.Operation
	waitingByPeer map[op.ClientID]int

	onConflict func(ConflictEvent)
}

func New(clk *clock.Clock, applier Applier, logger zerolog.Logger, opts Options) *Log {
	opts.withDefaults()
	return &Log{
		clk:           clk,
		applier:       applier,
		logger:        logger,
		limit:         opts.WaitBufferLimit,
		frontier:      op.NewFrontier(),
		gcFloor:       op.NewFrontier(),
		ops:           make(map[op.OpID]*op.Operation),
		past:          make(map[op.OpID]op.Frontier),
		tombstoned:    make(map[op.NodeID]op.OpID),
		creator:       make(map[op.NodeID]op.OpID),
		lastTouch:     make(map[op.NodeID]op.OpID),
		lastMove:      make(map[op.NodeID]ownerRef),
		parentOf:      make(map[op.NodeID]op.NodeID),
		children:      make(map[op.NodeID][]childRef),
		props:         make(map[op.NodeID]map[string]ownerRef),
		waiting:       make(map[op.OpID][]*op.Operation),
		waitingIDs:    make(map[op.OpID]*op.Operation),
		waitingByPeer: make(map[op.ClientID]int),
	}
}

// SetClient 在握手拿到 ClientID 之后调用。
func (l *Log) SetClient(c op.ClientID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.client = c
}

// SetConflictHook 注册 UnresolvableConflict 审计回调（可选）。
func (l *Log) SetConflictHook(fn func(ConflictEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConflict = fn
}

// SubmitLocal 校验并立即应用本地操作。候选 OpID 从前沿推导，
// 时钟要等 applier 接受之后才落账——校验失败、applier 拒绝都不烧
// 序号，否则同客户端的连续交付会永远卡在缺口上。
// 本地操作的依赖都来自已应用历史，天然 causally ready。
func (l *Log) SubmitLocal(o *op.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !o.Kind.Valid() {
		return ErrUnknownKind
	}
	if l.client == 0 || o.IssuedBy != l.client {
		return ErrWrongIssuer
	}
	if !o.ID.IsZero() {
		return ErrInvalidSequence
	}
	if err := l.validateTargetLocked(o); err != nil {
		return err
	}
	for _, dep := range o.DependsOn {
		if !l.frontier.Covers(dep) && !l.gcFloor.Covers(dep) {
			return ErrCausalityViolation
		}
	}

	next := l.frontier.Get(l.client) + 1
	if next == 0 {
		return clock.ErrOverflow
	}
	if l.clk.LastSeq() >= next {
		// 时钟比前沿超前：重启后还没追平已签发的序号，
		// 先等重放/重同步恢复前沿，不然会复用旧 id
		return ErrInvalidSequence
	}
	o.ID = op.OpID{Client: l.client, Seq: next}
	o.LogicalTime = l.clk.Tick()
	if err := l.applyLocked(o, true); err != nil {
		o.ID = op.OpID{}
		o.LogicalTime = 0
		return err
	}
	l.clk.ResumeSeq(next)
	return nil
}

// IngestRemote 接收一条对端操作。依赖未满足时滞留并返回 Buffered；
// 满足后（可能连锁解锁更早滞留的操作）按依赖顺序应用。
// 同一 id 的重复投递返回 AlreadyApplied——投递因此是幂等的。
func (l *Log) IngestRemote(o *op.Operation) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !o.Kind.Valid() {
		return 0, ErrUnknownKind
	}
	if o.ID.IsZero() || o.ID.Seq == 0 || o.IssuedBy != o.ID.Client {
		return 0, ErrCausalityViolation
	}
	for _, dep := range o.DependsOn {
		// 依赖自己的未来：不可能的历史，说明对端损坏
		if dep.Seq == 0 || (dep.Client == o.ID.Client && dep.Seq >= o.ID.Seq) {
			return 0, ErrCausalityViolation
		}
	}

	if l.frontier.Covers(o.ID) || l.gcFloor.Covers(o.ID) {
		stored, ok := l.ops[o.ID]
		if !ok || stored.Equal(o) {
			// 已应用（或已被回收的稳定历史）：幂等成功
			return OutcomeAlreadyApplied, nil
		}
		// 另一个不同内容的操作占用了同一 id：对端失序或伪造
		return 0, ErrDuplicateOpID
	}
	if buffered, ok := l.waitingIDs[o.ID]; ok {
		if buffered.Equal(o) {
			return OutcomeBuffered, nil
		}
		return 0, ErrDuplicateOpID
	}

	if missing, ok := l.unmetLocked(o); ok {
		if l.waitingByPeer[o.IssuedBy]+1 > l.limit {
			dropped := l.dropWaitingLocked(o.IssuedBy)
			l.logger.Error().
				Uint64("peer", uint64(o.IssuedBy)).
				Int("dropped", dropped).
				Msg("wait buffer overflow, full resync required")
			return 0, ErrStructureCorruption
		}
		l.waiting[missing] = append(l.waiting[missing], o)
		l.waitingIDs[o.ID] = o
		l.waitingByPeer[o.IssuedBy]++
		return OutcomeBuffered, nil
	}

	if err := l.applyLocked(o, false); err != nil {
		return 0, err
	}
	l.drainLocked(o.ID)
	return OutcomeApplied, nil
}

// unmetLocked 返回第一个未满足的因果前驱。
// 同客户端按 Seq 连续交付：(c,s) 必须等 (c,s-1)。
func (l *Log) unmetLocked(o *op.Operation) (op.OpID, bool) {
	c := o.ID.Client
	floor := l.frontier.Get(c)
	if g := l.gcFloor.Get(c); g > floor {
		floor = g
	}
	if o.ID.Seq > floor+1 {
		return op.OpID{Client: c, Seq: floor + 1}, true
	}
	for _, dep := range o.DependsOn {
		if !l.frontier.Covers(dep) && !l.gcFloor.Covers(dep) {
			return dep, true
		}
	}
	return op.OpID{}, false
}

// drainLocked 在 applied 之后连锁释放滞留区。
func (l *Log) drainLocked(applied op.OpID) {
	queue := []op.OpID{applied}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		blocked := l.waiting[id]
		if len(blocked) == 0 {
			continue
		}
		delete(l.waiting, id)
		for _, w := range blocked {
			delete(l.waitingIDs, w.ID)
			l.waitingByPeer[w.IssuedBy]--
			if missing, ok := l.unmetLocked(w); ok {
				// 还有别的依赖没到，换个 key 继续等
				l.waiting[missing] = append(l.waiting[missing], w)
				l.waitingIDs[w.ID] = w
				l.waitingByPeer[w.IssuedBy]++
				continue
			}
			if err := l.applyLocked(w, false); err != nil {
				l.logger.Warn().Err(err).Str("op", w.ID.String()).Msg("apply unblocked op failed")
				continue
			}
			queue = append(queue, w.ID)
		}
	}
}

func (l *Log) dropWaitingLocked(peer op.ClientID) int {
	dropped := 0
	for key, list := range l.waiting {
		kept := list[:0]
		for _, w := range list {
			if w.IssuedBy == peer {
				delete(l.waitingIDs, w.ID)
				dropped++
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(l.waiting, key)
		} else {
			l.waiting[key] = kept
		}
	}
	l.waitingByPeer[peer] = 0
	return dropped
}

// validateTargetLocked 做本地提交的结构校验（远端操作不在这里拦：
// 它们已经被源副本接纳过，完整性交给因果依赖判定）。
func (l *Log) validateTargetLocked(o *op.Operation) error {
	nodeKnown := func(n op.NodeID) bool {
		if n == op.RootNode {
			return true
		}
		if _, ok := l.creator[n]; ok {
			return true
		}
		return l.applier.NodeExists(n)
	}

	switch o.Kind {
	case op.KindInsertChild:
		if _, ok := l.creator[o.Target]; ok {
			// 节点由创建它的操作定址，重复创建等价于 id 重复
			return ErrDuplicateOpID
		}
		if _, ok := l.tombstoned[o.Parent]; ok {
			return ErrTombstoned
		}
		if !nodeKnown(o.Parent) {
			return ErrParentNotFound
		}
	case op.KindMoveNode:
		if _, ok := l.tombstoned[o.Target]; ok {
			return ErrTombstoned
		}
		if !nodeKnown(o.Target) {
			return ErrNodeNotFound
		}
		if _, ok := l.tombstoned[o.Parent]; ok {
			return ErrTombstoned
		}
		if !nodeKnown(o.Parent) {
			return ErrParentNotFound
		}
	case op.KindDeleteNode, op.KindUpdateProperty:
		if _, ok := l.tombstoned[o.Target]; ok {
			return ErrTombstoned
		}
		if !nodeKnown(o.Target) {
			return ErrNodeNotFound
		}
	}
	return nil
}

// Frontier 返回因果前沿的副本。
func (l *Log) Frontier() op.Frontier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frontier.Clone()
}

func (l *Log) Get(id op.OpID) (*op.Operation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.ops[id]
	return o, ok
}

func (l *Log) Contains(id op.OpID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frontier.Covers(id) || l.gcFloor.Covers(id)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

func (l *Log) Tombstoned(n op.NodeID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tombstoned[n]
	return ok
}

// Dependencies 为一次本地编辑组装 depends_on：
// 最后触碰 target 的操作 + 创建 target 的操作 + 父节点的同类前驱。
func (l *Log) Dependencies(target, parent op.NodeID) []op.OpID {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[op.OpID]struct{})
	var deps []op.OpID
	add := func(id op.OpID, ok bool) {
		if !ok || id.IsZero() {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		deps = append(deps, id)
	}
	id, ok := l.lastTouch[target]
	add(id, ok)
	id, ok = l.creator[target]
	add(id, ok)
	if parent != "" {
		id, ok = l.lastTouch[parent]
		add(id, ok)
		id, ok = l.creator[parent]
		add(id, ok)
	}
	return deps
}

// OpsAbove 返回前沿 f 之上的全部已应用操作（重同步应答）。
// 低序号在前；接收端自己会做因果滞留，这里不必严格拓扑序。
func (l *Log) OpsAbove(f op.Frontier) []*op.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*op.Operation
	for id, o := range l.ops {
		if !f.Covers(id) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Seq != out[j].ID.Seq {
			return out[i].ID.Seq < out[j].ID.Seq
		}
		return out[i].ID.Client < out[j].ID.Client
	})
	return out
}

// Purge 物理移除 stable 覆盖的操作（因果稳定后才允许），
// 并抬高 GC 下界，保证后续依赖判定仍然成立。
func (l *Log) Purge(stable op.Frontier) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	stable = stable.Clone()
	// 只回收自己也已应用的部分
	for c, seq := range stable {
		if seq > l.frontier.Get(c) {
			stable[c] = l.frontier.Get(c)
		}
	}
	purged := 0
	for id := range l.ops {
		if stable.Covers(id) {
			delete(l.ops, id)
			delete(l.past, id)
			purged++
		}
	}
	l.gcFloor.Merge(stable)
	return purged
}
