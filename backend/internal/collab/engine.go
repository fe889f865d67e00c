package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/doctree"
	"collabEngine/backend/internal/history"
	"collabEngine/backend/internal/offline"
	"collabEngine/backend/internal/op"
	"collabEngine/backend/internal/oplog"
	"collabEngine/backend/internal/perm"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/wire"
)

var ErrHandshake = errors.New("HANDSHAKE_FAILED")

type Options struct {
	DocID string
	// bbolt 重放队列文件。留空退化为内存队列：断线重连仍能补发，
	// 但未确认的本地操作撑不过进程重启
	ReplayPath      string
	WaitBufferLimit int
	OutboundSize    int
	GossipInterval  time.Duration
	CheckpointEvery time.Duration
	GCEvery         time.Duration
	// 默认内存实现；服务端注入 store.SnapshotStore
	Snapshots history.SnapshotStore
	Logger    zerolog.Logger
}

func (o *Options) withDefaults() {
	if o.OutboundSize <= 0 {
		o.OutboundSize = 256
	}
	if o.GossipInterval <= 0 {
		o.GossipInterval = 2 * time.Second
	}
	if o.Snapshots == nil {
		o.Snapshots = history.NewMemoryStore()
	}
}

// replayQueue 缓冲未确认的本地操作。配置了 ReplayPath 时由 bbolt
// 持久化，否则用内存实现。
type replayQueue interface {
	Enqueue(*op.Operation) error
	Ack(op.OpID) error
	Pending() ([]*op.Operation, error)
	Len() (int, error)
	Close() error
}

// Engine 是一个文档副本的同步引擎：时钟、操作日志、权限、
// 在线状态、离线重放、版本历史在这里拼装成一个整体。
// 客户端和服务端房间用的是同一个 Engine，差别只在有没有 Dialer。
type Engine struct {
	opts   Options
	logger zerolog.Logger

	clk   *clock.Clock
	tree  *doctree.Tree
	log   *oplog.Log
	perms *perm.Manager
	pres  *presence.Manager
	hist  *history.History
	queue replayQueue

	outbound chan wire.Message

	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc

	admitMu    sync.RWMutex
	onAdmitted func(OpAdmittedEvent)
	onGossip   func(op.ClientID, op.Frontier)

	confMu    sync.Mutex
	conflicts []oplog.ConflictEvent
}

func New(opts Options) (*Engine, error) {
	opts.withDefaults()
	clk := clock.New()
	tree := doctree.New()
	log := oplog.New(clk, tree, opts.Logger, oplog.Options{WaitBufferLimit: opts.WaitBufferLimit})
	e := &Engine{
		opts:     opts,
		logger:   opts.Logger,
		clk:      clk,
		tree:     tree,
		log:      log,
		perms:    perm.NewManager(),
		pres:     presence.NewManager(),
		outbound: make(chan wire.Message, opts.OutboundSize),
		status:   StatusDisconnected,
	}
	e.hist = history.New(log, opts.Snapshots, tree.ExportState, opts.Logger)
	log.SetConflictHook(e.recordConflict)
	if opts.ReplayPath != "" {
		q, err := offline.Open(opts.ReplayPath)
		if err != nil {
			return nil, err
		}
		e.queue = q
	} else {
		e.queue = offline.NewMemory()
	}
	return e, nil
}

func (e *Engine) Close() error {
	e.Disconnect()
	return e.queue.Close()
}

// AssignIdentity 绑定握手分配（或测试直接指定）的 ClientID。
func (e *Engine) AssignIdentity(c op.ClientID) error {
	if err := e.clk.Assign(c); err != nil {
		return err
	}
	e.log.SetClient(c)
	return nil
}

func (e *Engine) ClientID() op.ClientID {
	id, _ := e.clk.ClientID()
	return id
}

func (e *Engine) Permissions() *perm.Manager  { return e.perms }
func (e *Engine) Presence() *presence.Manager { return e.pres }
func (e *Engine) History() *history.History   { return e.hist }
func (e *Engine) Log() *oplog.Log             { return e.log }
func (e *Engine) Tree() *doctree.Tree         { return e.tree }
func (e *Engine) Frontier() op.Frontier       { return e.log.Frontier() }

// OnAdmitted 注册“操作被接纳”回调（服务端用来广播/发 Kafka）。
func (e *Engine) OnAdmitted(fn func(OpAdmittedEvent)) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	e.onAdmitted = fn
}

// OnGossip 注册副本前沿回调（服务端用来把前沿持久化，
// 重启后 GC 不用从零收集）。
func (e *Engine) OnGossip(fn func(op.ClientID, op.Frontier)) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	e.onGossip = fn
}

func (e *Engine) observeFrontier(replica op.ClientID, f op.Frontier) {
	e.hist.ObserveFrontier(replica, f)
	e.admitMu.RLock()
	fn := e.onGossip
	e.admitMu.RUnlock()
	if fn != nil {
		fn(replica, f)
	}
}

func (e *Engine) emitAdmitted(o *op.Operation) {
	e.admitMu.RLock()
	fn := e.onAdmitted
	e.admitMu.RUnlock()
	if fn != nil {
		fn(OpAdmittedEvent{
			EventType:  "OP_ADMITTED",
			DocID:      e.opts.DocID,
			Op:         o,
			Frontier:   e.log.Frontier(),
			AdmittedAt: time.Now(),
		})
	}
}

func (e *Engine) recordConflict(ev oplog.ConflictEvent) {
	e.confMu.Lock()
	e.conflicts = append(e.conflicts, ev)
	e.confMu.Unlock()
}

// Conflicts 返回到目前为止的 UnresolvableConflict 审计记录。
func (e *Engine) Conflicts() []oplog.ConflictEvent {
	e.confMu.Lock()
	defer e.confMu.Unlock()
	out := make([]oplog.ConflictEvent, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

// Submit 产生并接纳一个本地操作：权限 -> 依赖收集 -> 日志接纳 ->
// 重放队列 -> 异步发往对端。接纳成功后本地立即可见。
func (e *Engine) Submit(target, parent op.NodeID, kind op.Kind, payload map[string]any) (*op.Operation, error) {
	self, ok := e.clk.ClientID()
	if !ok {
		return nil, clock.ErrUnassigned
	}
	if err := e.perms.Check(self, perm.RegionTarget(target), perm.Required(kind)); err != nil {
		return nil, err
	}
	o := &op.Operation{
		Target:    target,
		Parent:    parent,
		Kind:      kind,
		Payload:   payload,
		DependsOn: e.log.Dependencies(target, parent),
		IssuedBy:  self,
	}
	if err := e.log.SubmitLocal(o); err != nil {
		return nil, err
	}
	// 已接纳成功，排队失败只影响掉线后的重放
	if err := e.queue.Enqueue(o); err != nil {
		e.logger.Warn().Err(err).Str("op", o.ID.String()).Msg("replay enqueue failed")
	}
	e.enqueueOutbound(wire.Op(self, o))
	e.emitAdmitted(o)
	return o, nil
}

// UpdatePresence 更新自己的光标/选区并异步通告对端。
func (e *Engine) UpdatePresence(node op.NodeID, offset int, selection string) {
	self, ok := e.clk.ClientID()
	if !ok {
		return
	}
	s := presence.State{
		Client:    self,
		Node:      node,
		Offset:    offset,
		Selection: selection,
		Online:    true,
		UpdatedAt: time.Now().UnixMilli(),
	}
	e.pres.Update(s)
	e.enqueueOutbound(wire.PresenceUpdate(self, s))
}

func (e *Engine) Checkpoint(ctx context.Context) (history.VersionID, error) {
	return e.hist.Checkpoint(ctx)
}

func (e *Engine) RestoreVersion(ctx context.Context, id history.VersionID) (*history.SnapshotView, error) {
	return e.hist.Restore(ctx, id)
}

// StartMaintenance 启动周期 checkpoint / GC 循环。
func (e *Engine) StartMaintenance(ctx context.Context) {
	go e.hist.Run(ctx, e.opts.CheckpointEvery, e.opts.GCEvery)
}

// enqueueOutbound 尽力而为：队列满了就丢。本地操作都在重放队列里，
// 掉队的消息会在下次重连时补发。
func (e *Engine) enqueueOutbound(msg wire.Message) {
	select {
	case e.outbound <- msg:
	default:
		e.logger.Warn().Str("type", string(msg.Type)).Msg("outbound queue full, message dropped")
	}
}

// Handle 处理一条入站消息。reply 把应答发回消息来源的那条通道，
// 服务端连接和客户端会话共用这一个入口。
func (e *Engine) Handle(ctx context.Context, msg wire.Message, reply func(wire.Message) error) error {
	self, _ := e.clk.ClientID()
	switch msg.Type {
	case wire.TypeWelcome:
		return e.AssignIdentity(msg.ClientID)

	case wire.TypeOp:
		if msg.Op == nil {
			return nil
		}
		if err := e.perms.Check(msg.Op.IssuedBy, perm.RegionTarget(msg.Op.Target), perm.Required(msg.Op.Kind)); err != nil {
			e.logger.Warn().
				Uint64("client", uint64(msg.Op.IssuedBy)).
				Str("op", msg.Op.ID.String()).
				Msg("op rejected: permission denied")
			return err
		}
		_, err := e.ingest(msg.Op, reply)
		return err

	case wire.TypeAck:
		if msg.Ack != nil {
			return e.queue.Ack(*msg.Ack)
		}
		return nil

	case wire.TypeFrontierGossip:
		e.observeFrontier(msg.ClientID, msg.Frontier)
		return nil

	case wire.TypePresence:
		if msg.Presence != nil {
			e.pres.Update(*msg.Presence)
		}
		return nil

	case wire.TypeResyncRequest:
		e.observeFrontier(msg.ClientID, msg.Frontier)
		return reply(wire.ResyncResponse(self, e.log.OpsAbove(msg.Frontier), e.log.Frontier()))

	case wire.TypeResyncResponse:
		for _, o := range msg.Ops {
			if _, err := e.ingest(o, nil); err != nil {
				return err
			}
		}
		e.observeFrontier(msg.ClientID, msg.Frontier)
		// 补发可能带回自己掉线前的操作，本地序号跟着前沿恢复
		e.clk.ResumeSeq(e.log.Frontier().Get(self))
		return nil
	}
	// 未知类型忽略，老版本对端不至于把会话弄死
	return nil
}

// ingest 把一条远端操作交给日志，并按结果应答。
// 缓冲溢出说明差距太大，降级为全量补发。
func (e *Engine) ingest(o *op.Operation, reply func(wire.Message) error) (oplog.Outcome, error) {
	self, _ := e.clk.ClientID()
	outcome, err := e.log.IngestRemote(o)
	if errors.Is(err, oplog.ErrStructureCorruption) {
		e.setStatus(StatusSyncing)
		if reply != nil {
			_ = reply(wire.ResyncRequest(self, e.log.Frontier()))
		}
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	switch outcome {
	case oplog.OutcomeApplied:
		if reply != nil {
			_ = reply(wire.Ack(self, o.ID))
		}
		e.emitAdmitted(o)
	case oplog.OutcomeAlreadyApplied:
		// 幂等重投也要确认，否则对端会一直重发
		if reply != nil {
			_ = reply(wire.Ack(self, o.ID))
		}
	}
	return outcome, nil
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	if e.status != s {
		e.logger.Debug().Str("from", e.status.String()).Str("to", s.String()).Msg("status change")
		e.status = s
	}
	e.mu.Unlock()
}

// Connect 在后台建立并维持到服务端的会话，断线按指数退避重连。
func (e *Engine) Connect(ctx context.Context, dial Dialer) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = cancel
	e.mu.Unlock()
	go e.run(ctx, dial)
}

func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, dial Dialer) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // 永不放弃，由 ctx 决定生死

	for {
		if ctx.Err() != nil {
			e.setStatus(StatusDisconnected)
			return
		}
		e.setStatus(StatusConnecting)
		ch, err := dial(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dial failed")
			if !e.sleep(ctx, bo.NextBackOff()) {
				e.setStatus(StatusDisconnected)
				return
			}
			continue
		}
		bo.Reset()

		err = e.session(ctx, ch)
		_ = ch.Close()
		if ctx.Err() != nil {
			e.setStatus(StatusDisconnected)
			return
		}
		e.setStatus(StatusDisconnected)
		e.logger.Warn().Err(err).Msg("session ended, reconnecting")
		if !e.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// session 跑一条连接的完整生命周期：握手、差量补发、离线重放、
// 读写循环和周期 gossip。任何一环出错整个会话结束，交给 run 重连。
func (e *Engine) session(ctx context.Context, ch Channel) error {
	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	msg, err := ch.Recv(hsCtx)
	cancel()
	if err != nil {
		return err
	}
	if msg.Type != wire.TypeWelcome || msg.ClientID == 0 {
		return ErrHandshake
	}
	if err := e.AssignIdentity(msg.ClientID); err != nil {
		return err
	}
	self := msg.ClientID

	e.setStatus(StatusSyncing)
	if err := ch.Send(ctx, wire.ResyncRequest(self, e.log.Frontier())); err != nil {
		return err
	}

	// 重放队列里的都是未确认的本地操作，逐条补发；
	// 对端靠幂等投递去重，这里不用管发没发过。
	pending, err := e.queue.Pending()
	if err != nil {
		return err
	}
	var maxSeq uint64
	for _, o := range pending {
		if o.ID.Seq > maxSeq {
			maxSeq = o.ID.Seq
		}
	}
	e.clk.ResumeSeq(maxSeq)
	for _, o := range pending {
		if err := ch.Send(ctx, wire.Op(self, o)); err != nil {
			return err
		}
	}
	e.setStatus(StatusConnected)

	g, gctx := errgroup.WithContext(ctx)
	reply := func(m wire.Message) error { return ch.Send(gctx, m) }

	g.Go(func() error {
		for {
			msg, err := ch.Recv(gctx)
			if err != nil {
				return err
			}
			// 单条消息处理失败不挂断会话
			if err := e.Handle(gctx, msg, reply); err != nil {
				e.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("inbound message rejected")
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case m := <-e.outbound:
				if err := ch.Send(gctx, m); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(e.opts.GossipInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				if err := ch.Send(gctx, wire.FrontierGossip(self, e.log.Frontier())); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}
