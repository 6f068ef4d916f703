package connpool

import (
	"net"
	"testing"
	"time"
)

func dialLoopback(t *testing.T) net.Conn {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	return c1
}

func TestAcquireDialsNewUnderCap(t *testing.T) {
	p := New(Config{MaxConnections: 2, PersistPoolMax: 2, PersistMaxTime: time.Minute})
	_, grant := p.Acquire("s1", "h1")
	if grant != GrantDialNew {
		t.Fatalf("expected GrantDialNew for first acquire, got %v", grant)
	}
	idle, inUse, waiters := p.Stats("s1")
	if idle != 0 || inUse != 1 || waiters != 0 {
		t.Fatalf("unexpected stats: idle=%d inUse=%d waiters=%d", idle, inUse, waiters)
	}
}

func TestAcquireQueuesAtCap(t *testing.T) {
	p := New(Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	p.Acquire("s1", "h1")
	_, grant := p.Acquire("s1", "h2")
	if grant != GrantQueued {
		t.Fatalf("expected GrantQueued once at cap, got %v", grant)
	}
	_, _, waiters := p.Stats("s1")
	if waiters != 1 {
		t.Fatalf("expected 1 waiter, got %d", waiters)
	}
}

func TestReleaseHandsOffToWaiterDirectly(t *testing.T) {
	p := New(Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	p.Acquire("s1", "h1")
	p.Acquire("s1", "h2") // queued

	conn := p.Adopt("s1", dialLoopback(t), time.Now())
	out := p.Release("s1", conn, true, time.Now())
	if out.Waiter == nil || out.Waiter.Handle != "h2" {
		t.Fatalf("expected waiter h2 to be handed off, got %v", out.Waiter)
	}
	idle, inUse, waiters := p.Stats("s1")
	if idle != 0 || inUse != 1 || waiters != 0 {
		t.Fatalf("unexpected stats after handoff: idle=%d inUse=%d waiters=%d", idle, inUse, waiters)
	}
}

func TestReleaseGoesIdleWithoutWaiters(t *testing.T) {
	p := New(Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	p.Acquire("s1", "h1")
	conn := p.Adopt("s1", dialLoopback(t), time.Now())
	out := p.Release("s1", conn, true, time.Now())
	if out.Waiter != nil || !out.Pooled {
		t.Fatalf("expected no waiter to hand off to, and connection to be pooled")
	}
	idle, inUse, _ := p.Stats("s1")
	if idle != 1 || inUse != 0 {
		t.Fatalf("expected connection pooled idle, got idle=%d inUse=%d", idle, inUse)
	}
}

func TestAcquireReturnsIdleConnDirectly(t *testing.T) {
	p := New(Config{MaxConnections: 2, PersistPoolMax: 2, PersistMaxTime: time.Minute})
	p.Acquire("s1", "h1")
	conn := p.Adopt("s1", dialLoopback(t), time.Now())
	p.Release("s1", conn, true, time.Now())

	got, grant := p.Acquire("s1", "h2")
	if grant != GrantIdle || got != conn {
		t.Fatalf("expected the pooled connection to be handed back directly")
	}
}

func TestAcquireIdleConnCountsAgainstMaxConnections(t *testing.T) {
	p := New(Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})

	_, grant := p.Acquire("s1", "h1")
	if grant != GrantDialNew {
		t.Fatalf("expected GrantDialNew for first acquire, got %v", grant)
	}
	conn := p.Adopt("s1", dialLoopback(t), time.Now())
	p.Release("s1", conn, true, time.Now())

	got, grant := p.Acquire("s1", "h2")
	if grant != GrantIdle || got != conn {
		t.Fatalf("expected the pooled connection to be handed back directly")
	}
	if idle, inUse, _ := p.Stats("s1"); idle != 0 || inUse != 1 {
		t.Fatalf("expected the reused conn to count against in_use, got idle=%d inUse=%d", idle, inUse)
	}

	if _, grant := p.Acquire("s1", "h3"); grant != GrantQueued {
		t.Fatalf("expected a third acquirer under max_connections=1 to queue, got %v", grant)
	}
}

func TestSweepExpiresOldIdleConns(t *testing.T) {
	p := New(Config{MaxConnections: 2, PersistPoolMax: 2, PersistMaxTime: time.Minute})
	p.Acquire("s1", "h1")
	conn := p.Adopt("s1", dialLoopback(t), time.Now())
	p.Release("s1", conn, true, time.Now())

	closed := p.Sweep(time.Now().Add(2 * time.Minute))
	if closed != 1 {
		t.Fatalf("expected 1 idle connection swept, got %d", closed)
	}
	idle, _, _ := p.Stats("s1")
	if idle != 0 {
		t.Fatalf("expected idle pool empty after sweep, got %d", idle)
	}
}

func TestReleaseWithoutAcceptClosesAndWakesWaiter(t *testing.T) {
	p := New(Config{MaxConnections: 1, PersistPoolMax: 1, PersistMaxTime: time.Minute})
	p.Acquire("s1", "h1")
	p.Acquire("s1", "h2") // queued

	conn := p.Adopt("s1", dialLoopback(t), time.Now())
	out := p.Release("s1", conn, false, time.Now())
	if out.Waiter == nil || out.Waiter.Handle != "h2" {
		t.Fatalf("expected waiter h2 to be woken even though the connection was not pooled")
	}
	_, inUse, waiters := p.Stats("s1")
	if inUse != 1 || waiters != 0 {
		t.Fatalf("unexpected stats: inUse=%d waiters=%d", inUse, waiters)
	}
}
