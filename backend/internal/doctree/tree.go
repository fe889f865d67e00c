package doctree

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"collabEngine/backend/internal/op"
)

var ErrUnknownNode = errors.New("DOC_UNKNOWN_NODE")

// Tree 是一个最小的内存文档树，充当引擎的外部 apply 钩子。
// 节点语义（段落/表格/run）不在引擎范围内，这里只维护
// 父子结构、属性和 tombstone，足够服务端默认使用和收敛测试比对。
type Tree struct {
	mu    sync.RWMutex
	nodes map[op.NodeID]*node
}

type node struct {
	parent op.NodeID
	// 兄弟顺序由引擎注入的 "after" 决定；tombstone 节点保留占位，
	// 这样后到的插入仍能以它为锚点
	children []op.NodeID
	props    map[string]any
	dead     bool
}

func New() *Tree {
	return &Tree{nodes: map[op.NodeID]*node{
		op.RootNode: {props: make(map[string]any)},
	}}
}

func (t *Tree) NodeExists(id op.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return ok && !n.dead
}

// ApplyOperation 实现引擎的文档树钩子。payload 里的 "after" 是
// 引擎算好的确定性落点（前一个兄弟的 NodeID，空串表示插到最前）。
func (t *Tree) ApplyOperation(target op.NodeID, kind op.Kind, payload map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch kind {
	case op.KindInsertChild:
		parentID, _ := payload["parent"].(string)
		if parentID == "" {
			parentID = string(op.RootNode)
		}
		parent, ok := t.nodes[op.NodeID(parentID)]
		if !ok {
			return ErrUnknownNode
		}
		n := &node{parent: op.NodeID(parentID), props: make(map[string]any)}
		for k, v := range payload {
			if k == "after" || k == "parent" {
				continue
			}
			n.props[k] = v
		}
		t.nodes[target] = n
		after, _ := payload["after"].(string)
		parent.children = insertAfter(parent.children, target, op.NodeID(after))

	case op.KindDeleteNode:
		n, ok := t.nodes[target]
		if !ok {
			return ErrUnknownNode
		}
		n.dead = true

	case op.KindUpdateProperty:
		n, ok := t.nodes[target]
		if !ok {
			return ErrUnknownNode
		}
		for k, v := range payload {
			if k == "after" || k == "parent" {
				continue
			}
			n.props[k] = v
		}

	case op.KindMoveNode:
		n, ok := t.nodes[target]
		if !ok {
			return ErrUnknownNode
		}
		newParentID, _ := payload["parent"].(string)
		if newParentID == "" {
			newParentID = string(op.RootNode)
		}
		newParent, ok := t.nodes[op.NodeID(newParentID)]
		if !ok {
			return ErrUnknownNode
		}
		if old, ok := t.nodes[n.parent]; ok {
			old.children = remove(old.children, target)
		}
		n.parent = op.NodeID(newParentID)
		after, _ := payload["after"].(string)
		newParent.children = insertAfter(newParent.children, target, op.NodeID(after))
	}
	return nil
}

func insertAfter(children []op.NodeID, id, after op.NodeID) []op.NodeID {
	children = remove(children, id)
	if after == "" {
		return append([]op.NodeID{id}, children...)
	}
	for i, c := range children {
		if c == after {
			out := make([]op.NodeID, 0, len(children)+1)
			out = append(out, children[:i+1]...)
			out = append(out, id)
			return append(out, children[i+1:]...)
		}
	}
	// 锚点不在（不该发生）：退化为追加
	return append(children, id)
}

func remove(children []op.NodeID, id op.NodeID) []op.NodeID {
	for i, c := range children {
		if c == id {
			return append(children[:i:i], children[i+1:]...)
		}
	}
	return children
}

// Children 返回某节点的存活子节点（按确定性顺序）。
func (t *Tree) Children(parent op.NodeID) []op.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[parent]
	if !ok {
		return nil
	}
	out := make([]op.NodeID, 0, len(n.children))
	for _, c := range n.children {
		if child, ok := t.nodes[c]; ok && !child.dead {
			out = append(out, c)
		}
	}
	return out
}

func (t *Tree) Property(id op.NodeID, key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	v, ok := n.props[key]
	return v, ok
}

// ExportState 输出确定性的状态序列化，用于快照和副本间比对。
func (t *Tree) ExportState() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type exportNode struct {
		ID       op.NodeID      `json:"id"`
		Parent   op.NodeID      `json:"parent,omitempty"`
		Children []op.NodeID    `json:"children,omitempty"`
		Props    map[string]any `json:"props,omitempty"`
		Dead     bool           `json:"dead,omitempty"`
	}
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	out := make([]exportNode, 0, len(ids))
	for _, id := range ids {
		n := t.nodes[op.NodeID(id)]
		live := make([]op.NodeID, 0, len(n.children))
		for _, c := range n.children {
			if child, ok := t.nodes[c]; ok && !child.dead {
				live = append(live, c)
			}
		}
		out = append(out, exportNode{
			ID:       op.NodeID(id),
			Parent:   n.parent,
			Children: live,
			Props:    n.props,
			Dead:     n.dead,
		})
	}
	return json.Marshal(out)
}
