package oplog

import (
	"sort"

	"collabEngine/backend/internal/op"
)

// 冲突消解只看操作内容，不看到达顺序：收到相同操作集合的副本
// 必然得到相同结果。平局 key = (logical_time, client_id) 升序。

// ConflictEvent 是按确定性兜底规则化解的语义冲突（如并发 delete-vs-move），
// 上报审计/观测，但从不阻塞复制。
type ConflictEvent struct {
	Winner op.OpID
	Loser  op.OpID
	Target op.NodeID
	Rule   string
}

// childRef 保存兄弟排序所需的最小信息。操作本体被 GC 之后
// 排序依据仍然在，后来者的插入顺序不会漂移。
type childRef struct {
	ID     op.OpID
	Node   op.NodeID
	LT     uint64
	Client op.ClientID
}

func refLess(a, b childRef) bool {
	if a.LT != b.LT {
		return a.LT < b.LT
	}
	return a.Client < b.Client
}

// ownerRef 记录某个属性最后一次写入者（属性级 LWW，不是整节点级）。
type ownerRef struct {
	ID     op.OpID
	LT     uint64
	Client op.ClientID
}

func ownerLoses(owner ownerRef, o *op.Operation) bool {
	if owner.LT != o.LogicalTime {
		return owner.LT < o.LogicalTime
	}
	return owner.Client < o.IssuedBy
}

// applyLocked 是唯一的应用入口：推进前沿、见证 Lamport 钟、
// 处理并发冲突、转发给外部文档树。local=true 时 applier 报错会
// 阻止任何状态变更；远端操作则必须推进（复制不允许因本地故障停摆）。
func (l *Log) applyLocked(o *op.Operation, local bool) error {
	pastF := l.pastOfLocked(o)

	// 与已应用操作并发 <=> 不在本操作的因果过去里
	concurrent := func(id op.OpID) bool { return !id.IsZero() && !pastF.Covers(id) }

	var (
		eff         map[string]any
		skipApplier bool
		ownerWrites []struct {
			key   string
			owner ownerRef
		}
		insertAt   = -1
		insertRef  childRef
		moveFrom   op.NodeID
		conflict   *ConflictEvent
		setParent  bool
		tombstone  bool
		recordMove bool
	)

	switch o.Kind {
	case op.KindInsertChild:
		insertRef = childRef{ID: o.ID, Node: o.Target, LT: o.LogicalTime, Client: o.IssuedBy}
		siblings := l.children[o.Parent]
		insertAt = sort.Search(len(siblings), func(i int) bool {
			return refLess(insertRef, siblings[i])
		})
		eff = clonePayload(o.Payload)
		// 并发插入两边都存活，按平局 key 得到稳定的相对顺序；
		// 落点以 "parent"/"after" 传给外部树
		eff["parent"] = string(o.Parent)
		if insertAt > 0 {
			eff["after"] = string(siblings[insertAt-1].Node)
		} else {
			eff["after"] = ""
		}
		setParent = true

	case op.KindUpdateProperty:
		if _, dead := l.tombstoned[o.Target]; dead {
			// 节点已删除：幂等无效化，视为成功
			skipApplier = true
			break
		}
		eff = make(map[string]any, len(o.Payload))
		owners := l.props[o.Target]
		for k, v := range o.Payload {
			owner, ok := owners[k]
			// 因果在后的写直接覆盖；并发写按平局 key 仲裁
			if ok && concurrent(owner.ID) && !ownerLoses(owner, o) {
				continue
			}
			eff[k] = v
			ownerWrites = append(ownerWrites, struct {
				key   string
				owner ownerRef
			}{k, ownerRef{ID: o.ID, LT: o.LogicalTime, Client: o.IssuedBy}})
		}
		if len(eff) == 0 {
			skipApplier = true
		}

	case op.KindDeleteNode:
		if _, dead := l.tombstoned[o.Target]; dead {
			skipApplier = true
			break
		}
		tombstone = true
		eff = clonePayload(o.Payload)
		if lm, ok := l.lastMove[o.Target]; ok && concurrent(lm.ID) {
			conflict = &ConflictEvent{Winner: o.ID, Loser: lm.ID, Target: o.Target, Rule: "delete_wins_over_move"}
		}

	case op.KindMoveNode:
		if del, dead := l.tombstoned[o.Target]; dead {
			skipApplier = true
			if concurrent(del) {
				// 并发 delete-vs-move 属于语义不相容：兜底规则 delete 胜
				conflict = &ConflictEvent{Winner: del, Loser: o.ID, Target: o.Target, Rule: "delete_wins_over_move"}
			}
			break
		}
		// 并发 move-vs-move：父位置按平局 key 做 LWW，输家跳过
		if lm, moved := l.lastMove[o.Target]; moved && concurrent(lm.ID) && !ownerLoses(lm, o) {
			skipApplier = true
			break
		}
		insertRef = childRef{ID: o.ID, Node: o.Target, LT: o.LogicalTime, Client: o.IssuedBy}
		siblings := l.children[o.Parent]
		insertAt = sort.Search(len(siblings), func(i int) bool {
			return refLess(insertRef, siblings[i])
		})
		eff = clonePayload(o.Payload)
		eff["parent"] = string(o.Parent)
		if insertAt > 0 {
			eff["after"] = string(siblings[insertAt-1].Node)
		} else {
			eff["after"] = ""
		}
		moveFrom = l.parentOf[o.Target]
		setParent = true
		recordMove = true
	}

	if local && !skipApplier {
		if err := l.applier.ApplyOperation(o.Target, o.Kind, eff); err != nil {
			return err
		}
	}

	// 从这里开始不再失败：先完成全部簿记再（远端路径）调用钩子
	l.frontier.Advance(o.ID)
	l.ops[o.ID] = o
	l.past[o.ID] = pastF
	l.lastTouch[o.Target] = o.ID
	if o.IssuedBy != l.client {
		l.clk.Witness(o.LogicalTime)
	}

	if setParent && !skipApplier {
		if moveFrom != "" && moveFrom != o.Parent {
			l.removeChildLocked(moveFrom, o.Target)
		} else if o.Kind == op.KindMoveNode {
			// 同父移动：先摘掉旧位置再按新 key 放回
			l.removeChildLocked(o.Parent, o.Target)
			siblings := l.children[o.Parent]
			insertAt = sort.Search(len(siblings), func(i int) bool {
				return refLess(insertRef, siblings[i])
			})
		}
		siblings := l.children[o.Parent]
		siblings = append(siblings, childRef{})
		copy(siblings[insertAt+1:], siblings[insertAt:])
		siblings[insertAt] = insertRef
		l.children[o.Parent] = siblings
		l.parentOf[o.Target] = o.Parent
	}
	if o.Kind == op.KindInsertChild {
		l.creator[o.Target] = o.ID
	}
	if recordMove && !skipApplier {
		l.lastMove[o.Target] = ownerRef{ID: o.ID, LT: o.LogicalTime, Client: o.IssuedBy}
	}
	if tombstone {
		l.tombstoned[o.Target] = o.ID
	}
	for _, w := range ownerWrites {
		owners := l.props[o.Target]
		if owners == nil {
			owners = make(map[string]ownerRef)
			l.props[o.Target] = owners
		}
		owners[w.key] = w.owner
	}

	if conflict != nil {
		l.logger.Warn().
			Str("winner", conflict.Winner.String()).
			Str("loser", conflict.Loser.String()).
			Str("target", string(conflict.Target)).
			Str("rule", conflict.Rule).
			Msg("unresolvable conflict, deterministic fallback applied")
		if l.onConflict != nil {
			l.onConflict(*conflict)
		}
	}

	if !local && !skipApplier {
		if err := l.applier.ApplyOperation(o.Target, o.Kind, eff); err != nil {
			// 远端操作：本地故障绝不能反向污染复制状态
			l.logger.Warn().Err(err).Str("op", o.ID.String()).Msg("document apply hook failed")
		}
	}
	return nil
}

// pastOfLocked 计算操作的因果过去（含自身）。
// 依赖已被 GC 时其过去必然落在 gcFloor 之下，直接以 gcFloor 为底。
func (l *Log) pastOfLocked(o *op.Operation) op.Frontier {
	f := l.gcFloor.Clone()
	if o.ID.Seq > 1 {
		pred := op.OpID{Client: o.ID.Client, Seq: o.ID.Seq - 1}
		if pf, ok := l.past[pred]; ok {
			f.Merge(pf)
		} else {
			f.Advance(pred)
		}
	}
	for _, dep := range o.DependsOn {
		if pf, ok := l.past[dep]; ok {
			f.Merge(pf)
		} else {
			f.Advance(dep)
		}
	}
	f.Advance(o.ID)
	return f
}

func (l *Log) removeChildLocked(parent, node op.NodeID) {
	siblings := l.children[parent]
	for i, ref := range siblings {
		if ref.Node == node {
			l.children[parent] = append(siblings[:i], siblings[i+1:]...)
			return
		}
	}
}

// ChildOrder 返回某父节点下当前的确定性兄弟顺序（含 tombstoned）。
func (l *Log) ChildOrder(parent op.NodeID) []op.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]op.NodeID, len(l.children[parent]))
	for i, ref := range l.children[parent] {
		out[i] = ref.Node
	}
	return out
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
