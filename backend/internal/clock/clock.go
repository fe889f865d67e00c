package clock

import (
	"errors"
	"math"
	"sync"

	"collabEngine/backend/internal/op"
)

var (
	// 握手前没有 ClientID，不允许签发 OpID
	ErrUnassigned = errors.New("CLOCK_UNASSIGNED")
	// 会话存活期间 ClientID 不允许更换
	ErrReassigned = errors.New("CLOCK_REASSIGNED")
	ErrOverflow   = errors.New("CLOCK_OVERFLOW")
)

// Clock 负责本地操作标识的签发和 Lamport 逻辑时钟。
// 所有计数器都是实例字段，不存在进程级单例。
type Clock struct {
	mu      sync.Mutex
	client  op.ClientID
	seq     uint64
	lamport uint64
}

func New() *Clock {
	return &Clock{}
}

// Assign 绑定握手分配到的 ClientID。重连拿到同一个 id 是合法的；
// 会话存活期间换 id 视为协议错误。
func (c *Clock) Assign(client op.ClientID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client == 0 {
		return ErrUnassigned
	}
	if c.client != 0 && c.client != client {
		return ErrReassigned
	}
	c.client = client
	return nil
}

func (c *Clock) ClientID() (op.ClientID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, c.client != 0
}

// NextID 签发下一个本地 OpID：(client, seq+1)。
func (c *Clock) NextID() (op.OpID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == 0 {
		return op.OpID{}, ErrUnassigned
	}
	if c.seq == math.MaxUint64 {
		return op.OpID{}, ErrOverflow
	}
	c.seq++
	return op.OpID{Client: c.client, Seq: c.seq}, nil
}

// ResumeSeq 把本地序号抬到 seq（重启后按重放队列和服务端前沿恢复，
// 避免重新签发已经用过的序号）。
func (c *Clock) ResumeSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seq {
		c.seq = seq
	}
}

// LastSeq 返回最近一次签发的本地序号。
func (c *Clock) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Tick 为本地新建的操作取 logical_time。
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lamport++
	return c.lamport
}

// Witness 在应用远端操作时推进到 max(local, remote)+1，
// 保证平局判定与墙钟漂移无关。
func (c *Clock) Witness(remote uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.lamport {
		c.lamport = remote
	}
	c.lamport++
}

// Now 返回当前 Lamport 读数（仅测试/观测用）。
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamport
}
