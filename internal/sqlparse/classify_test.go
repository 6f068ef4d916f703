package sqlparse

import (
	"testing"

	"github.com/sdrik/rwsplit/internal/classifier"
	"github.com/sdrik/rwsplit/internal/wire"
)

func query(sql string) *wire.Packet {
	payload := append([]byte{ComQuery}, []byte(sql)...)
	return wire.New(0, payload)
}

func TestSelectIsReadonly(t *testing.T) {
	c := New()
	r := c.Parse(query("SELECT * FROM accounts WHERE id = 1"), 0, "", 0)
	if r.Op != classifier.Select {
		t.Fatalf("expected Select, got %v", r.Op)
	}
	if !r.TypeMask.Has(classifier.Read) || !r.TypeMask.Has(classifier.Readonly) {
		t.Fatalf("expected Read|Readonly, got %v", r.TypeMask)
	}
	if r.TypeMask.Has(classifier.Write) {
		t.Fatalf("plain SELECT must not be classified as Write")
	}
}

func TestSelectForUpdateIsWrite(t *testing.T) {
	c := New()
	r := c.Parse(query("SELECT * FROM accounts WHERE id = 1 FOR UPDATE"), 0, "", 0)
	if !r.TypeMask.Has(classifier.Write) || !r.TypeMask.Has(classifier.Readwrite) {
		t.Fatalf("SELECT ... FOR UPDATE must be classified as Write, got %v", r.TypeMask)
	}
}

func TestInsertIsWrite(t *testing.T) {
	c := New()
	r := c.Parse(query("INSERT INTO orders (id) VALUES (1)"), classifier.CollectTables, "", 0)
	if r.Op != classifier.Insert || !r.TypeMask.Has(classifier.Write) {
		t.Fatalf("expected Insert|Write, got op=%v mask=%v", r.Op, r.TypeMask)
	}
	if len(r.Tables) != 1 || r.Tables[0] != "orders" {
		t.Fatalf("expected table [orders], got %v", r.Tables)
	}
}

func TestBeginSetsBeginTrx(t *testing.T) {
	c := New()
	r := c.Parse(query("BEGIN"), 0, "", 0)
	if !r.TypeMask.Has(classifier.BeginTrx) || !r.TypeMask.Has(classifier.SessionWrite) {
		t.Fatalf("expected BeginTrx|SessionWrite, got %v", r.TypeMask)
	}
}

func TestSetAutocommitOffIsAutocommitToggle(t *testing.T) {
	c := New()
	r := c.Parse(query("SET autocommit=0"), 0, "", 0)
	if !r.IsAutocommitToggle() {
		t.Fatalf("expected SET autocommit=0 to be an autocommit toggle")
	}
	if !r.TypeMask.Has(classifier.DisableAutocommit) {
		t.Fatalf("expected DisableAutocommit, got %v", r.TypeMask)
	}
}

func TestSetAutocommitOnIsEnable(t *testing.T) {
	c := New()
	r := c.Parse(query("SET autocommit=1"), 0, "", 0)
	if !r.TypeMask.Has(classifier.EnableAutocommit) {
		t.Fatalf("expected EnableAutocommit, got %v", r.TypeMask)
	}
}

func TestKillExtractsTarget(t *testing.T) {
	c := New()
	r := c.Parse(query("KILL 42"), 0, "", 0)
	if r.Op != classifier.Kill || r.KillTarget != "42" {
		t.Fatalf("expected Kill target 42, got op=%v target=%q", r.Op, r.KillTarget)
	}
}

func TestComQuitIsReadOnlyNoOp(t *testing.T) {
	c := New()
	p := wire.New(0, []byte{ComQuit})
	r := c.Parse(p, 0, "", 0)
	if r.Op != classifier.Undefined {
		t.Fatalf("COM_QUIT should not carry a SQL Op, got %v", r.Op)
	}
}

func TestCanonicalNormalizesLiteralsAndCase(t *testing.T) {
	c := New()
	a := c.Canonical(query("select * from t where x = 1"))
	b := c.Canonical(query("SELECT   *  FROM t WHERE x = 999"))
	if a != b {
		t.Fatalf("expected canonical forms to match, got %q vs %q", a, b)
	}
}

func TestGetPreparableStmtRecognizesComStmtPrepare(t *testing.T) {
	c := New()
	p := wire.New(0, append([]byte{ComStmtPrepare}, []byte("SELECT ?")...))
	got, ok := c.GetPreparableStmt(p)
	if !ok || got != p {
		t.Fatalf("expected COM_STMT_PREPARE packet to be preparable")
	}
}

func TestGetPreparableStmtRejectsPlainSelect(t *testing.T) {
	c := New()
	_, ok := c.GetPreparableStmt(query("SELECT 1"))
	if ok {
		t.Fatalf("plain SELECT must not be reported as preparable")
	}
}
