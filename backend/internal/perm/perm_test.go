package perm

import (
	"errors"
	"testing"
	"time"

	"collabEngine/backend/internal/op"
)

func TestLevelOrderingAndParse(t *testing.T) {
	if !(LevelNone < LevelComment && LevelComment < LevelEdit && LevelEdit < LevelAdmin) {
		t.Fatalf("level ordering broken")
	}
	for _, s := range []string{"none", "comment", "edit", "admin"} {
		lv, ok := ParseLevel(s)
		if !ok || lv.String() != s {
			t.Fatalf("ParseLevel(%q) roundtrip failed: %v %v", s, lv, ok)
		}
	}
	if _, ok := ParseLevel("owner"); ok {
		t.Fatalf("unknown level must not parse")
	}
}

func TestRequiredLevels(t *testing.T) {
	for _, k := range []op.Kind{op.KindInsertChild, op.KindDeleteNode, op.KindUpdateProperty, op.KindMoveNode} {
		if Required(k) != LevelEdit {
			t.Fatalf("%s should require edit", k)
		}
	}
	// 未知类型按最高权限兜底
	if Required("explode") != LevelAdmin {
		t.Fatalf("unknown kind should require admin")
	}
}

func TestGrantRevokeCheck(t *testing.T) {
	m := NewManager()
	var c op.ClientID = 7

	err := m.Check(c, RegionTarget("n1"), LevelEdit)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("no grant should be denied, got %v", err)
	}

	// 文档级授权对所有区域生效
	m.Grant(c, TargetDocument, LevelEdit)
	if err := m.Check(c, RegionTarget("n1"), LevelEdit); err != nil {
		t.Fatalf("document-level grant should cover regions: %v", err)
	}

	// 区域级授权取两者较高的
	m.Grant(c, RegionTarget("n2"), LevelAdmin)
	if m.Level(c, RegionTarget("n2")) != LevelAdmin {
		t.Fatalf("region grant should raise the effective level")
	}
	m.Grant(c, RegionTarget("n3"), LevelComment)
	if m.Level(c, RegionTarget("n3")) != LevelEdit {
		t.Fatalf("effective level is the max of region and document grants")
	}

	m.Revoke(c, TargetDocument)
	if err := m.Check(c, RegionTarget("n1"), LevelEdit); err == nil {
		t.Fatalf("revoke should take effect for new checks")
	}
	// 区域授权不受文档级撤销影响
	if m.Level(c, RegionTarget("n2")) != LevelAdmin {
		t.Fatalf("region grant should survive document revoke")
	}
}

func TestGrantTokenRoundtrip(t *testing.T) {
	token, _, err := SignGrantToken(42, TargetDocument, LevelEdit, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseGrantToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Client != 42 || claims.Target != string(TargetDocument) || claims.Level != "edit" {
		t.Fatalf("claims wrong: %+v", claims)
	}

	// 过期令牌拒绝
	expired, _, err := SignGrantToken(42, TargetDocument, LevelEdit, -time.Minute)
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}
	if _, err := ParseGrantToken(expired); err == nil {
		t.Fatalf("expired token must not parse")
	}
	if _, err := ParseGrantToken("not.a.token"); err == nil {
		t.Fatalf("garbage must not parse")
	}
}
