package op

import (
	"fmt"
	"reflect"
)

// ClientID 是一次编辑会话的稳定标识，由服务端在握手时分配。
// 0 表示“尚未分配”。
type ClientID uint64

// NodeID 是外部文档树中节点的不透明引用。引擎不关心节点语义，
// 只负责决定操作是否/何时/以什么顺序被接纳。
type NodeID string

// RootNode 是所有文档树隐式存在的根节点。
const RootNode NodeID = "root"

// OpID = (ClientID, Seq)。Seq 从 1 开始、按客户端单调递增，
// 因此全局唯一；同一客户端内全序，跨客户端只有偏序。
type OpID struct {
	Client ClientID `json:"client"`
	Seq    uint64   `json:"seq"`
}

func (id OpID) IsZero() bool { return id.Client == 0 && id.Seq == 0 }

func (id OpID) String() string { return fmt.Sprintf("%d/%d", id.Client, id.Seq) }

// Kind 是封闭的操作变体集合。新增变体时必须检查所有 switch 消费者。
type Kind string

const (
	KindInsertChild    Kind = "insert_child"
	KindDeleteNode     Kind = "delete_node"
	KindUpdateProperty Kind = "update_property"
	KindMoveNode       Kind = "move_node"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInsertChild, KindDeleteNode, KindUpdateProperty, KindMoveNode:
		return true
	}
	return false
}

// Operation 是变更的原子单元。一旦创建不可变；删除只是打 tombstone，
// 历史依赖记录永不改写。
type Operation struct {
	ID     OpID   `json:"id"`
	Target NodeID `json:"target"`
	// insert_child / move_node 的目标父节点
	Parent  NodeID         `json:"parent,omitempty"`
	Kind    Kind           `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
	// 因果前驱：至少包含“最后一次触碰 target 的操作”，
	// 以及创建 target（或其父节点）的操作
	DependsOn   []OpID   `json:"dependsOn,omitempty"`
	IssuedBy    ClientID `json:"issuedBy"`
	LogicalTime uint64   `json:"logicalTime"`
}

// Equal 按内容比较两个操作。同一 OpID 重复到达时用它区分
// “幂等重投”与“伪造/错乱的对端”。
func (o *Operation) Equal(other *Operation) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.ID != other.ID || o.Target != other.Target || o.Parent != other.Parent ||
		o.Kind != other.Kind || o.IssuedBy != other.IssuedBy || o.LogicalTime != other.LogicalTime {
		return false
	}
	if len(o.DependsOn) != len(other.DependsOn) {
		return false
	}
	for i := range o.DependsOn {
		if o.DependsOn[i] != other.DependsOn[i] {
			return false
		}
	}
	return reflect.DeepEqual(o.Payload, other.Payload)
}

// TieLess 是并发冲突的全局决定性排序：(LogicalTime, ClientID) 升序。
// key 更大的操作视为“更晚”，属性级冲突由它胜出。
func TieLess(a, b *Operation) bool {
	if a.LogicalTime != b.LogicalTime {
		return a.LogicalTime < b.LogicalTime
	}
	return a.IssuedBy < b.IssuedBy
}
