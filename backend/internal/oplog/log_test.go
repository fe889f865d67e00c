package oplog

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"

	"collabEngine/backend/internal/clock"
	"collabEngine/backend/internal/doctree"
	"collabEngine/backend/internal/op"
)

func newTestLog(t *testing.T, client op.ClientID, opts Options) (*Log, *doctree.Tree) {
	t.Helper()
	clk := clock.New()
	if err := clk.Assign(client); err != nil {
		t.Fatalf("assign clock: %v", err)
	}
	tree := doctree.New()
	l := New(clk, tree, zerolog.Nop(), opts)
	l.SetClient(client)
	return l, tree
}

func submitInsert(t *testing.T, l *Log, client op.ClientID, target, parent op.NodeID) *op.Operation {
	t.Helper()
	o := &op.Operation{
		Target:    target,
		Parent:    parent,
		Kind:      op.KindInsertChild,
		Payload:   map[string]any{},
		DependsOn: l.Dependencies(target, parent),
		IssuedBy:  client,
	}
	if err := l.SubmitLocal(o); err != nil {
		t.Fatalf("SubmitLocal(%s): %v", target, err)
	}
	return o
}

func TestSubmitLocalSequentialIDs(t *testing.T) {
	l, tree := newTestLog(t, 1, Options{})
	a := submitInsert(t, l, 1, "n1", op.RootNode)
	b := submitInsert(t, l, 1, "n2", op.RootNode)
	if a.ID != (op.OpID{Client: 1, Seq: 1}) || b.ID != (op.OpID{Client: 1, Seq: 2}) {
		t.Fatalf("ids not sequential: %v %v", a.ID, b.ID)
	}
	if !l.Frontier().Covers(b.ID) {
		t.Fatalf("frontier should cover submitted ops")
	}
	if !tree.NodeExists("n1") || !tree.NodeExists("n2") {
		t.Fatalf("local submit must apply immediately")
	}
}

func TestSubmitLocalValidation(t *testing.T) {
	l, _ := newTestLog(t, 1, Options{})
	submitInsert(t, l, 1, "n1", op.RootNode)

	cases := []struct {
		name string
		o    *op.Operation
		want error
	}{
		{"wrong issuer", &op.Operation{Target: "x", Parent: op.RootNode, Kind: op.KindInsertChild, IssuedBy: 9}, ErrWrongIssuer},
		{"unknown kind", &op.Operation{Target: "x", Kind: "explode", IssuedBy: 1}, ErrUnknownKind},
		{"preassigned id", &op.Operation{ID: op.OpID{Client: 1, Seq: 9}, Target: "x", Parent: op.RootNode, Kind: op.KindInsertChild, IssuedBy: 1}, ErrInvalidSequence},
		{"duplicate create", &op.Operation{Target: "n1", Parent: op.RootNode, Kind: op.KindInsertChild, IssuedBy: 1}, ErrDuplicateOpID},
		{"unknown target", &op.Operation{Target: "ghost", Kind: op.KindUpdateProperty, Payload: map[string]any{"k": "v"}, IssuedBy: 1}, ErrNodeNotFound},
		{"unknown parent", &op.Operation{Target: "x", Parent: "ghost", Kind: op.KindInsertChild, IssuedBy: 1}, ErrParentNotFound},
		{"uncovered dep", &op.Operation{Target: "n1", Kind: op.KindUpdateProperty, Payload: map[string]any{"k": "v"}, DependsOn: []op.OpID{{Client: 5, Seq: 5}}, IssuedBy: 1}, ErrCausalityViolation},
	}
	for _, tc := range cases {
		if err := l.SubmitLocal(tc.o); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	// 失败不烧序号：下一次合法提交还是 (1,2)
	o := submitInsert(t, l, 1, "n2", op.RootNode)
	if o.ID.Seq != 2 {
		t.Fatalf("failed submits must not burn sequence numbers, got seq %d", o.ID.Seq)
	}
}

// faultyApplier 按开关拒绝应用，模拟外部文档树的瞬时故障。
type faultyApplier struct {
	*doctree.Tree
	fail bool
}

func (f *faultyApplier) ApplyOperation(target op.NodeID, kind op.Kind, payload map[string]any) error {
	if f.fail {
		return errors.New("DOCUMENT_ERROR")
	}
	return f.Tree.ApplyOperation(target, kind, payload)
}

func TestSubmitLocalApplierErrorKeepsSequence(t *testing.T) {
	clk := clock.New()
	if err := clk.Assign(1); err != nil {
		t.Fatalf("assign clock: %v", err)
	}
	app := &faultyApplier{Tree: doctree.New()}
	l := New(clk, app, zerolog.Nop(), Options{})
	l.SetClient(1)

	submitInsert(t, l, 1, "n1", op.RootNode)

	app.fail = true
	o := &op.Operation{
		Target:    "n2",
		Parent:    op.RootNode,
		Kind:      op.KindInsertChild,
		Payload:   map[string]any{},
		DependsOn: l.Dependencies("n2", op.RootNode),
		IssuedBy:  1,
	}
	if err := l.SubmitLocal(o); err == nil {
		t.Fatalf("applier error should surface to the caller")
	}
	if !o.ID.IsZero() || o.LogicalTime != 0 {
		t.Fatalf("rejected op must stay unissued: id=%v lt=%d", o.ID, o.LogicalTime)
	}
	// 时钟和前沿都不许动，否则一次瞬时故障会永远堵死本地提交
	if clk.LastSeq() != 1 {
		t.Fatalf("applier error burned a sequence number: LastSeq=%d", clk.LastSeq())
	}
	if l.Frontier().Get(1) != 1 {
		t.Fatalf("frontier moved on a failed submit: %v", l.Frontier())
	}

	app.fail = false
	retry := submitInsert(t, l, 1, "n2", op.RootNode)
	if retry.ID != (op.OpID{Client: 1, Seq: 2}) {
		t.Fatalf("retry after applier error got %v, want (1,2)", retry.ID)
	}
	if !app.NodeExists("n2") {
		t.Fatalf("retry should apply normally")
	}
}

func TestSubmitLocalTombstoned(t *testing.T) {
	l, _ := newTestLog(t, 1, Options{})
	submitInsert(t, l, 1, "n1", op.RootNode)
	del := &op.Operation{
		Target:    "n1",
		Kind:      op.KindDeleteNode,
		DependsOn: l.Dependencies("n1", ""),
		IssuedBy:  1,
	}
	if err := l.SubmitLocal(del); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !l.Tombstoned("n1") {
		t.Fatalf("n1 should be tombstoned")
	}
	// 删除之后的本地编辑快速失败
	upd := &op.Operation{Target: "n1", Kind: op.KindUpdateProperty, Payload: map[string]any{"k": "v"}, IssuedBy: 1}
	if err := l.SubmitLocal(upd); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("edit after delete should fail with ErrTombstoned, got %v", err)
	}
}

func remoteInsert(id op.OpID, target, parent op.NodeID, lt uint64, deps ...op.OpID) *op.Operation {
	return &op.Operation{
		ID: id, Target: target, Parent: parent, Kind: op.KindInsertChild,
		Payload: map[string]any{}, DependsOn: deps, IssuedBy: id.Client, LogicalTime: lt,
	}
}

func remoteUpdate(id op.OpID, target op.NodeID, key string, val any, lt uint64, deps ...op.OpID) *op.Operation {
	return &op.Operation{
		ID: id, Target: target, Kind: op.KindUpdateProperty,
		Payload: map[string]any{key: val}, DependsOn: deps, IssuedBy: id.Client, LogicalTime: lt,
	}
}

func TestIngestInOrder(t *testing.T) {
	l, tree := newTestLog(t, 1, Options{})
	ins := remoteInsert(op.OpID{Client: 2, Seq: 1}, "n1", op.RootNode, 1)
	upd := remoteUpdate(op.OpID{Client: 2, Seq: 2}, "n1", "text", "hello", 2, ins.ID)

	for _, o := range []*op.Operation{ins, upd} {
		outcome, err := l.IngestRemote(o)
		if err != nil || outcome != OutcomeApplied {
			t.Fatalf("ingest %v: outcome=%v err=%v", o.ID, outcome, err)
		}
	}
	if v, _ := tree.Property("n1", "text"); v != "hello" {
		t.Fatalf("property not applied, got %v", v)
	}
	if l.Frontier().Get(2) != 2 {
		t.Fatalf("frontier not advanced: %v", l.Frontier())
	}
}

func TestIngestBuffersUntilDeps(t *testing.T) {
	l, tree := newTestLog(t, 1, Options{})
	ins := remoteInsert(op.OpID{Client: 2, Seq: 1}, "n1", op.RootNode, 1)
	upd := remoteUpdate(op.OpID{Client: 2, Seq: 2}, "n1", "text", "hi", 2, ins.ID)

	outcome, err := l.IngestRemote(upd)
	if err != nil || outcome != OutcomeBuffered {
		t.Fatalf("out-of-order op should buffer: outcome=%v err=%v", outcome, err)
	}
	if tree.NodeExists("n1") {
		t.Fatalf("buffered op must not touch the document")
	}

	outcome, err = l.IngestRemote(ins)
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("dependency should apply: outcome=%v err=%v", outcome, err)
	}
	// 连锁释放
	if v, _ := tree.Property("n1", "text"); v != "hi" {
		t.Fatalf("buffered op should drain after dependency, got %v", v)
	}
	if l.Frontier().Get(2) != 2 {
		t.Fatalf("frontier should cover drained ops: %v", l.Frontier())
	}
}

func TestIngestIdempotent(t *testing.T) {
	l, _ := newTestLog(t, 1, Options{})
	ins := remoteInsert(op.OpID{Client: 2, Seq: 1}, "n1", op.RootNode, 1)
	if _, err := l.IngestRemote(ins); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	outcome, err := l.IngestRemote(ins)
	if err != nil || outcome != OutcomeAlreadyApplied {
		t.Fatalf("redelivery should be AlreadyApplied: outcome=%v err=%v", outcome, err)
	}
	if l.Len() != 1 {
		t.Fatalf("redelivery must not duplicate state")
	}

	// 同一 id、不同内容：不是重投，是对端损坏
	evil := remoteInsert(op.OpID{Client: 2, Seq: 1}, "other", op.RootNode, 9)
	if _, err := l.IngestRemote(evil); !errors.Is(err, ErrDuplicateOpID) {
		t.Fatalf("conflicting content same id should fail, got %v", err)
	}

	// 滞留中的重投保持 Buffered
	blocked := remoteUpdate(op.OpID{Client: 3, Seq: 2}, "n1", "k", "v", 3)
	if outcome, _ := l.IngestRemote(blocked); outcome != OutcomeBuffered {
		t.Fatalf("expected buffered")
	}
	if outcome, _ := l.IngestRemote(blocked); outcome != OutcomeBuffered {
		t.Fatalf("buffered redelivery should stay buffered")
	}
}

func TestIngestCausalityViolation(t *testing.T) {
	l, _ := newTestLog(t, 1, Options{})
	bad := []*op.Operation{
		// id 为零
		{Kind: op.KindInsertChild, Target: "x", Parent: op.RootNode, IssuedBy: 2},
		// issuer 与 id 不一致
		remoteInsert(op.OpID{Client: 2, Seq: 1}, "x", op.RootNode, 1),
		// 依赖自己的未来
		remoteUpdate(op.OpID{Client: 2, Seq: 1}, "x", "k", "v", 1, op.OpID{Client: 2, Seq: 5}),
	}
	bad[1].IssuedBy = 9
	for i, o := range bad {
		if _, err := l.IngestRemote(o); !errors.Is(err, ErrCausalityViolation) {
			t.Fatalf("case %d: want ErrCausalityViolation, got %v", i, err)
		}
	}
}

// 50 个操作的因果链，倒序和乱序投递都必须得到与顺序投递相同的终态。
func TestChainDeliveryOrders(t *testing.T) {
	chain := make([]*op.Operation, 50)
	chain[0] = remoteInsert(op.OpID{Client: 2, Seq: 1}, "n1", op.RootNode, 1)
	for i := 1; i < 50; i++ {
		chain[i] = remoteUpdate(op.OpID{Client: 2, Seq: uint64(i + 1)}, "n1", "v", i, uint64(i+1), chain[i-1].ID)
	}

	run := func(t *testing.T, order []int) []byte {
		l, tree := newTestLog(t, 1, Options{})
		for _, idx := range order {
			if _, err := l.IngestRemote(chain[idx]); err != nil {
				t.Fatalf("ingest #%d: %v", idx, err)
			}
		}
		if got := l.Frontier().Get(2); got != 50 {
			t.Fatalf("frontier = %d, want 50", got)
		}
		if v, _ := tree.Property("n1", "v"); v != 49 {
			t.Fatalf("final value = %v, want 49", v)
		}
		state, err := tree.ExportState()
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		return state
	}

	inOrder := make([]int, 50)
	reversed := make([]int, 50)
	shuffled := make([]int, 50)
	for i := range inOrder {
		inOrder[i] = i
		reversed[i] = 49 - i
		shuffled[i] = i
	}
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	want := run(t, inOrder)
	if got := run(t, reversed); string(got) != string(want) {
		t.Fatalf("reversed delivery diverged")
	}
	if got := run(t, shuffled); string(got) != string(want) {
		t.Fatalf("shuffled delivery diverged")
	}
}

func TestWaitBufferOverflow(t *testing.T) {
	l, _ := newTestLog(t, 1, Options{WaitBufferLimit: 3})
	// (2,1) 缺席，后续全部滞留
	for seq := uint64(2); seq <= 4; seq++ {
		o := remoteUpdate(op.OpID{Client: 2, Seq: seq}, "n1", "k", seq, seq)
		if outcome, err := l.IngestRemote(o); err != nil || outcome != OutcomeBuffered {
			t.Fatalf("seq %d: outcome=%v err=%v", seq, outcome, err)
		}
	}
	over := remoteUpdate(op.OpID{Client: 2, Seq: 5}, "n1", "k", 5, 5)
	if _, err := l.IngestRemote(over); !errors.Is(err, ErrStructureCorruption) {
		t.Fatalf("overflow should report structure corruption, got %v", err)
	}
	// 溢出把该对端的滞留区清空，等全量重同步
	ins := remoteInsert(op.OpID{Client: 2, Seq: 1}, "n1", op.RootNode, 1)
	if outcome, err := l.IngestRemote(ins); err != nil || outcome != OutcomeApplied {
		t.Fatalf("ingest after drop: outcome=%v err=%v", outcome, err)
	}
	if got := l.Frontier().Get(2); got != 1 {
		t.Fatalf("dropped ops must not resurrect, frontier=%d", got)
	}
}

func TestPurgeKeepsDependencyChecksSound(t *testing.T) {
	l, _ := newTestLog(t, 1, Options{})
	a := submitInsert(t, l, 1, "n1", op.RootNode)
	submitInsert(t, l, 1, "n2", op.RootNode)
	submitInsert(t, l, 1, "n3", op.RootNode)

	purged := l.Purge(op.Frontier{1: 2})
	if purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}
	if l.Len() != 1 {
		t.Fatalf("log should keep unstable ops, len=%d", l.Len())
	}
	// 已回收的操作仍算“已包含”，否则依赖判定崩
	if !l.Contains(a.ID) {
		t.Fatalf("purged op must still count as applied")
	}
	dep := remoteUpdate(op.OpID{Client: 2, Seq: 1}, "n1", "k", "v", 9, a.ID)
	if outcome, err := l.IngestRemote(dep); err != nil || outcome != OutcomeApplied {
		t.Fatalf("dep on purged op should satisfy: outcome=%v err=%v", outcome, err)
	}

	// stable 超过自身前沿时收紧到自身（不回收没见过的）
	if n := l.Purge(op.Frontier{9: 100}); n != 0 {
		t.Fatalf("must not purge ops it never applied, purged=%d", n)
	}
}
