// Package connpool is the per-worker connection pool from spec §3/§4.3:
// an idle-connection map keyed by backend server, a FIFO waiter queue
// per server, and hand-off between the two. A Pool is owned by exactly
// one worker and is never touched from another goroutine — matching the
// single-threaded-per-worker execution model (spec §5) — so unlike its
// teacher ancestor it needs no mutex or condition variable at all.
package connpool

import (
	"net"
	"time"

	"github.com/sdrik/rwsplit/internal/topology"
)

// Conn wraps a raw backend connection with pooling metadata. Grounded on
// internal/pool/conn.go's PooledConn, stripped of its mutex (single
// owner) and tenant/dbType fields (this proxy has one backend protocol,
// not a per-tenant multiplexed one).
type Conn struct {
	Raw       net.Conn
	Server    topology.ServerID
	CreatedAt time.Time
	IdleSince time.Time
}

// IsExpired reports whether Conn has been idle longer than persist_max_time.
func (c *Conn) IsExpired(now time.Time, persistMaxTime time.Duration) bool {
	if persistMaxTime <= 0 {
		return false
	}
	return now.Sub(c.IdleSince) > persistMaxTime
}

// Waiter is a queued request for a connection to a server, FIFO per
// server. Handle is opaque to the pool (an *backend.Endpoint in
// practice); the pool only needs to know who to wake.
type Waiter struct {
	Handle any
}

type serverState struct {
	idle    []*Conn
	waiters []Waiter
	inUse   int
}

// Config holds the per-server limits the pool enforces.
type Config struct {
	MaxConnections int // spec §6 pool.max_connections
	PersistPoolMax int // spec §6 pool.persist_pool_max
	PersistMaxTime time.Duration
}

// Pool is the per-worker ConnectionPool from spec §3.
type Pool struct {
	cfg     Config
	servers map[topology.ServerID]*serverState
}

// New builds an empty Pool.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg, servers: make(map[topology.ServerID]*serverState)}
}

func (p *Pool) state(server topology.ServerID) *serverState {
	s, ok := p.servers[server]
	if !ok {
		s = &serverState{}
		p.servers[server] = s
	}
	return s
}

// Grant is the outcome of Acquire: whether a Conn is immediately usable,
// whether the caller must dial a fresh connection, or whether the caller
// has been queued and must wait for a slot to be handed to it.
type Grant int

const (
	// GrantIdle means an idle Conn was handed back directly.
	GrantIdle Grant = iota
	// GrantDialNew means the caller is under the connection cap and
	// should establish a brand new physical connection.
	GrantDialNew
	// GrantQueued means the server is at max_connections; the caller
	// was appended to the waiter queue and must wait until a Release
	// hands its slot over (ReleaseOutcome.Waiter).
	GrantQueued
)

// Acquire attempts to obtain a connection slot to server. On GrantIdle
// the returned *Conn is ready to use immediately (and already accounted
// for in in_use). On GrantDialNew the slot is reserved (in_use bumped)
// and the caller must dial and then call Adopt or Release. On
// GrantQueued the caller has been enqueued as waiter and must not touch
// in_use itself; its slot is delivered when a later Release returns it
// as ReleaseOutcome.Waiter.
func (p *Pool) Acquire(server topology.ServerID, handle any) (*Conn, Grant) {
	s := p.state(server)
	if n := len(s.idle); n > 0 {
		conn := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.inUse++
		return conn, GrantIdle
	}
	if s.inUse < p.cfg.MaxConnections {
		s.inUse++
		return nil, GrantDialNew
	}
	s.waiters = append(s.waiters, Waiter{Handle: handle})
	return nil, GrantQueued
}

// Adopt registers a freshly dialed physical connection for server after
// a GrantDialNew. It does not touch in_use, since Acquire already
// reserved the slot.
func (p *Pool) Adopt(server topology.ServerID, raw net.Conn, now time.Time) *Conn {
	return &Conn{Raw: raw, Server: server, CreatedAt: now, IdleSince: now}
}

// CancelReservation releases a slot reserved by a GrantDialNew that
// failed to actually connect (spec §4.3: "NoConn --connect()--> NoConn
// (hard failure)").
func (p *Pool) CancelReservation(server topology.ServerID) {
	s := p.state(server)
	if s.inUse > 0 {
		s.inUse--
	}
	p.wakeNext(server)
}

// ReleaseOutcome reports what became of a connection passed to Release:
// handed directly to a waiter, stored idle in the pool, or closed
// outright (either because accept was false or the idle pool was full).
type ReleaseOutcome struct {
	Waiter *Waiter
	Pooled bool
}

// Release returns conn to the pool if accept is true (spec §4.3's
// move_to_conn_pool policy — the caller has already checked "session
// opted in to normal quit" and "connection is protocol-idle"); otherwise
// the physical connection is closed. Either way the in_use slot is
// freed, and if a waiter is queued it is handed the slot directly rather
// than the connection sitting idle (spec §4.3: "if any waiter exists,
// hand the connection off directly instead of enqueuing").
func (p *Pool) Release(server topology.ServerID, conn *Conn, accept bool, now time.Time) ReleaseOutcome {
	s := p.state(server)
	if s.inUse > 0 {
		s.inUse--
	}
	if accept && len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.inUse++ // slot reserved at hand-off time (Open Question decision #2)
		conn.IdleSince = now
		return ReleaseOutcome{Waiter: &w}
	}
	if !accept {
		conn.Raw.Close()
		return ReleaseOutcome{Waiter: p.wakeNext(server)}
	}
	if len(s.idle) < p.cfg.PersistPoolMax {
		conn.IdleSince = now
		s.idle = append(s.idle, conn)
		return ReleaseOutcome{Pooled: true}
	}
	conn.Raw.Close()
	return ReleaseOutcome{}
}

// wakeNext hands a freed slot to the next waiter, if any, without a
// connection attached — used when a reservation is cancelled outright
// rather than released from an active connection.
func (p *Pool) wakeNext(server topology.ServerID) *Waiter {
	s := p.state(server)
	if len(s.waiters) == 0 {
		return nil
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.inUse++
	return &w
}

// Sweep closes idle connections older than persist_max_time across all
// servers, run as a worker delayed call at persist_max_time/10
// granularity (spec §4.3).
func (p *Pool) Sweep(now time.Time) (closed int) {
	for _, s := range p.servers {
		kept := s.idle[:0]
		for _, c := range s.idle {
			if c.IsExpired(now, p.cfg.PersistMaxTime) {
				c.Raw.Close()
				closed++
			} else {
				kept = append(kept, c)
			}
		}
		s.idle = kept
	}
	return closed
}

// Stats reports idle/in-use/waiter counts for server, for metrics and tests.
func (p *Pool) Stats(server topology.ServerID) (idle, inUse, waiters int) {
	s := p.state(server)
	return len(s.idle), s.inUse, len(s.waiters)
}
