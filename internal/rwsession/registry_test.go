package rwsession

import (
	"testing"
	"time"

	"github.com/sdrik/rwsplit/internal/backend"
	"github.com/sdrik/rwsplit/internal/connpool"
	"github.com/sdrik/rwsplit/internal/topology"
)

type stubKillable struct {
	killed bool
}

func (s *stubKillable) RequestKill() { s.killed = true }

func TestRegistryKillDispatchesToRegisteredSession(t *testing.T) {
	r := NewRegistry()
	k := &stubKillable{}
	r.Register(42, k)
	if !r.Kill(42) {
		t.Fatalf("expected Kill to find a registered session")
	}
	if !k.killed {
		t.Fatalf("expected RequestKill to have been called")
	}
}

func TestRegistryKillReportsUnknownSession(t *testing.T) {
	r := NewRegistry()
	if r.Kill(999) {
		t.Fatalf("expected Kill to report false for an unregistered session")
	}
}

func TestRegistryUnregisterRemovesEntry(t *testing.T) {
	r := NewRegistry()
	k := &stubKillable{}
	r.Register(1, k)
	r.Unregister(1)
	if r.Kill(1) {
		t.Fatalf("expected Kill to fail after Unregister")
	}
}

func TestSessionRequestKillIsObservableThroughKillChan(t *testing.T) {
	s := newTestSession(Config{})
	select {
	case <-s.KillChan():
		t.Fatalf("expected KillChan to not be ready before RequestKill")
	default:
	}
	s.RequestKill()
	select {
	case <-s.KillChan():
	default:
		t.Fatalf("expected KillChan to be ready after RequestKill")
	}
	if !s.KillRequested() {
		t.Fatalf("expected KillRequested to be true after RequestKill")
	}
}

func TestNewRegistersSessionWithRegistry(t *testing.T) {
	reg := NewRegistry()
	cl := newTestClassifier()
	view := viewWithMasterAndSlave()
	factory := func(server topology.ServerID) *backend.Endpoint {
		pool := connpool.New(connpool.Config{MaxConnections: 4, PersistPoolMax: 4, PersistMaxTime: time.Minute})
		return backend.New(server, pool, nil)
	}
	s := New(7, cl, view, Config{}, factory, reg)
	if !reg.Kill(7) {
		t.Fatalf("expected registry to find the session New registered")
	}
	if !s.KillRequested() {
		t.Fatalf("expected registry.Kill to have triggered the session's kill flag")
	}
}
