package perm

import (
	"fmt"
	"sync"

	"collabEngine/backend/internal/op"
)

// Level 是能力等级，序关系 None < Comment < Edit < Admin。
type Level int

const (
	LevelNone Level = iota
	LevelComment
	LevelEdit
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelComment:
		return "comment"
	case LevelEdit:
		return "edit"
	case LevelAdmin:
		return "admin"
	}
	return "unknown"
}

func ParseLevel(s string) (Level, bool) {
	switch s {
	case "none":
		return LevelNone, true
	case "comment":
		return LevelComment, true
	case "edit":
		return LevelEdit, true
	case "admin":
		return LevelAdmin, true
	}
	return LevelNone, false
}

// Target 标识授权作用域：整个文档、一个区域、或一个角色。
type Target string

const TargetDocument Target = "document"

func RegionTarget(n op.NodeID) Target { return Target("region:" + string(n)) }
func RoleTarget(name string) Target   { return Target("role:" + name) }

// Required 给出操作类型要求的最低等级。目前所有变更类操作都要求 Edit。
func Required(kind op.Kind) Level {
	switch kind {
	case op.KindInsertChild, op.KindDeleteNode, op.KindUpdateProperty, op.KindMoveNode:
		return LevelEdit
	}
	return LevelAdmin
}

// DeniedError 携带被拒绝的客户端与原因，回传给 UI。
type DeniedError struct {
	Client op.ClientID
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("PERMISSION_DENIED: client %d: %s", e.Client, e.Reason)
}

// Manager 维护 (ClientID, Target) -> Level 授权表。
// 授权本身是普通事实，可随时变化；变更只影响之后的准入，
// 已接纳的操作不会被追溯无效化（所有副本看到同一接纳集合，收敛才成立）。
type Manager struct {
	mu     sync.RWMutex
	grants map[op.ClientID]map[Target]Level
}

func NewManager() *Manager {
	return &Manager{grants: make(map[op.ClientID]map[Target]Level)}
}

func (m *Manager) Grant(client op.ClientID, target Target, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTarget := m.grants[client]
	if byTarget == nil {
		byTarget = make(map[Target]Level)
		m.grants[client] = byTarget
	}
	byTarget[target] = level
}

func (m *Manager) Revoke(client op.ClientID, target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byTarget := m.grants[client]; byTarget != nil {
		delete(byTarget, target)
	}
}

// Level 返回客户端对作用域的有效等级：精确授权与文档级授权取最大。
func (m *Manager) Level(client op.ClientID, target Target) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byTarget := m.grants[client]
	if byTarget == nil {
		return LevelNone
	}
	level := byTarget[target]
	if doc := byTarget[TargetDocument]; doc > level {
		level = doc
	}
	return level
}

// Check 在本地提交前和远端合并前各查一次（防过期/被攻破的对端）。
func (m *Manager) Check(client op.ClientID, target Target, required Level) error {
	if got := m.Level(client, target); got < required {
		return &DeniedError{
			Client: client,
			Reason: fmt.Sprintf("requires %s on %s, has %s", required, target, got),
		}
	}
	return nil
}
