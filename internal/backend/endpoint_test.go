package backend

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sdrik/rwsplit/internal/connpool"
	"github.com/sdrik/rwsplit/internal/topology"
	"github.com/sdrik/rwsplit/internal/wire"
)

func pipeConn() net.Conn {
	c1, _ := net.Pipe()
	return c1
}

func TestConnectDialsFreshUnderCap(t *testing.T) {
	pool := connpool.New(connpool.Config{MaxConnections: 2, PersistPoolMax: 2, PersistMaxTime: time.Minute})
	dial := func(server topology.ServerID) (*connpool.Conn, error) {
		return pool.Adopt(server, pipeConn(), time.Now()), nil
	}
	e := New("s1", pool, dial)
	if err := e.Connect("h1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.State() != Connected {
		t.Fatalf("expected Connected, got %v", e.State())
	}
}

func TestConnectQueuesAtCap(t *testing.T) {
	pool := connpool.New(connpool.Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	dial := func(server topology.ServerID) (*connpool.Conn, error) {
		return pool.Adopt(server, pipeConn(), time.Now()), nil
	}
	e1 := New("s1", pool, dial)
	e1.Connect("h1")

	e2 := New("s1", pool, dial)
	if err := e2.Connect("h2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e2.State() != WaitingForConn {
		t.Fatalf("expected WaitingForConn, got %v", e2.State())
	}
}

func TestWriteBuffersWhileWaiting(t *testing.T) {
	pool := connpool.New(connpool.Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	dial := func(server topology.ServerID) (*connpool.Conn, error) {
		return pool.Adopt(server, pipeConn(), time.Now()), nil
	}
	e1 := New("s1", pool, dial)
	e1.Connect("h1")

	e2 := New("s1", pool, dial)
	e2.Connect("h2")

	p := wire.New(0, []byte("SELECT 1"))
	if err := e2.Write(p); err != nil {
		t.Fatalf("unexpected error buffering write: %v", err)
	}
	if e2.PendingWrites() != 1 {
		t.Fatalf("expected 1 buffered write, got %d", e2.PendingWrites())
	}
}

func TestContinueConnectingDrainsBufferedWrites(t *testing.T) {
	pool := connpool.New(connpool.Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})

	dial := func(s topology.ServerID) (*connpool.Conn, error) {
		server, client := net.Pipe()
		go func() {
			buf := make([]byte, 64)
			client.Read(buf)
		}()
		return pool.Adopt(s, server, time.Now()), nil
	}

	e1 := New("s1", pool, dial)
	e1.Connect("h1")
	e2 := New("s1", pool, dial)
	e2.Connect("h2")
	e2.Write(wire.New(0, []byte("SELECT 1")))

	if err := e2.ContinueConnecting(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e2.State() != Connected {
		t.Fatalf("expected Connected after continue_connecting, got %v", e2.State())
	}
	if e2.PendingWrites() != 0 {
		t.Fatalf("expected buffered writes drained, got %d pending", e2.PendingWrites())
	}
}

func TestConnectHardFailureReturnsToNoConn(t *testing.T) {
	pool := connpool.New(connpool.Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	dial := func(server topology.ServerID) (*connpool.Conn, error) {
		return nil, errors.New("connection refused")
	}
	e := New("s1", pool, dial)
	if err := e.Connect("h1"); err == nil {
		t.Fatalf("expected an error from a hard dial failure")
	}
	if e.State() != NoConn {
		t.Fatalf("expected NoConn after hard failure, got %v", e.State())
	}
	idle, inUse, _ := pool.Stats("s1")
	if inUse != 0 || idle != 0 {
		t.Fatalf("expected the reservation to be released, got inUse=%d idle=%d", inUse, idle)
	}
}

func TestTryToPoolTransitionsToIdlePooled(t *testing.T) {
	pool := connpool.New(connpool.Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	dial := func(server topology.ServerID) (*connpool.Conn, error) {
		return pool.Adopt(server, pipeConn(), time.Now()), nil
	}
	e := New("s1", pool, dial)
	e.Connect("h1")

	out := e.TryToPool(time.Now())
	if !out.Pooled || e.State() != IdlePooled {
		t.Fatalf("expected pooled and IdlePooled, got pooled=%v state=%v", out.Pooled, e.State())
	}
}
