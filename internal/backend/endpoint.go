// Package backend implements the per-session BackendEndpoint state
// machine from spec §4.3: a session's handle to one backend server,
// which either owns a physical connection outright or participates in
// the shared connpool.Pool while WaitingForConn or IdlePooled.
package backend

import (
	"net"
	"time"

	"github.com/sdrik/rwsplit/internal/connpool"
	"github.com/sdrik/rwsplit/internal/rwerror"
	"github.com/sdrik/rwsplit/internal/topology"
	"github.com/sdrik/rwsplit/internal/wire"
)

// State is one of the five states spec §4.3 names.
type State int

const (
	NoConn State = iota
	Connected
	WaitingForConn
	IdlePooled
	ConnectedFailed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case WaitingForConn:
		return "waiting_for_conn"
	case IdlePooled:
		return "idle_pooled"
	case ConnectedFailed:
		return "connected_failed"
	default:
		return "no_conn"
	}
}

// DelayedWriteQueue buffers packets written while an Endpoint has no
// live physical connection (WaitingForConn, or IdlePooled before
// hand-off), so they can be replayed in order once a connection lands
// (spec §4.3).
type DelayedWriteQueue struct {
	pending []*wire.Packet
}

func (q *DelayedWriteQueue) Push(p *wire.Packet) { q.pending = append(q.pending, p) }
func (q *DelayedWriteQueue) Drain() []*wire.Packet {
	out := q.pending
	q.pending = nil
	return out
}
func (q *DelayedWriteQueue) Len() int { return len(q.pending) }

// Dialer opens a new physical connection to server; it is the only
// network-facing collaborator this package needs, so tests can supply a
// stub.
type Dialer func(server topology.ServerID) (*connpool.Conn, error)

// Endpoint is one session's handle to one backend server.
type Endpoint struct {
	server topology.ServerID
	pool   *connpool.Pool
	dial   Dialer

	state       State
	conn        *connpool.Conn
	writeQueue  DelayedWriteQueue
	writeInFlight bool
}

// New builds an Endpoint bound to server, drawing physical connections
// from pool via dial.
func New(server topology.ServerID, pool *connpool.Pool, dial Dialer) *Endpoint {
	return &Endpoint{server: server, pool: pool, dial: dial, state: NoConn}
}

// State returns the endpoint's current state.
func (e *Endpoint) State() State { return e.state }

// Server returns the backend server this endpoint is bound to.
func (e *Endpoint) Server() topology.ServerID { return e.server }

// RawConn returns the endpoint's live physical connection, or nil when
// the endpoint holds none right now (NoConn/WaitingForConn/IdlePooled).
// Response correlation depends on protocol framing the core treats as
// opaque (spec §1: the byte-level wire codec is an injected collaborator),
// so reading backend replies off this connection is the caller's job,
// not this package's.
func (e *Endpoint) RawConn() net.Conn {
	if e.state != Connected || e.conn == nil {
		return nil
	}
	return e.conn.Raw
}

// Connect drives NoConn -> {Connected, WaitingForConn, NoConn} per spec
// §4.3's transition table, using handle as this endpoint's identity in
// the pool's waiter queue.
func (e *Endpoint) Connect(handle any) error {
	if e.state != NoConn {
		return nil
	}
	conn, grant := e.pool.Acquire(e.server, handle)
	switch grant {
	case connpool.GrantIdle:
		e.conn = conn
		e.state = Connected
		return nil
	case connpool.GrantDialNew:
		c, err := e.dial(e.server)
		if err != nil {
			e.pool.CancelReservation(e.server)
			e.state = NoConn
			return rwerror.Wrap(rwerror.TransientBackend, 2003, "HY000", "could not connect to backend", err)
		}
		e.conn = c
		e.state = Connected
		return nil
	default: // GrantQueued
		e.state = WaitingForConn
		return nil
	}
}

// ContinueConnecting drives WaitingForConn forward once the pool signals
// this endpoint's handle has been woken (spec §4.3:
// WaitingForConn --continue_connecting()--> {Connected, WaitingForConn, NoConn}).
// grantedConn is non-nil if the pool handed off a live idle connection;
// otherwise the endpoint must dial fresh.
func (e *Endpoint) ContinueConnecting(grantedConn *connpool.Conn) error {
	if e.state != WaitingForConn {
		return nil
	}
	if grantedConn != nil {
		e.conn = grantedConn
		e.state = Connected
		return e.drainQueue()
	}
	c, err := e.dial(e.server)
	if err != nil {
		e.pool.CancelReservation(e.server)
		e.state = NoConn
		return rwerror.Wrap(rwerror.TransientBackend, 2003, "HY000", "could not connect to backend", err)
	}
	e.conn = c
	e.state = Connected
	return e.drainQueue()
}

// drainQueue replays buffered writes in order once a connection lands;
// if any replay fails the endpoint becomes ConnectedFailed so the pool
// never adopts it on close (spec §4.3).
func (e *Endpoint) drainQueue() error {
	for _, p := range e.writeQueue.Drain() {
		if err := e.writeNow(p); err != nil {
			e.state = ConnectedFailed
			return err
		}
	}
	return nil
}

// Write sends p to the backend if Connected, or buffers it if
// WaitingForConn/IdlePooled-pending-handoff (spec §4.3: "Writes in
// WaitingForConn and IdlePooled (before hand-off) MUST be buffered
// verbatim").
func (e *Endpoint) Write(p *wire.Packet) error {
	switch e.state {
	case Connected:
		if err := e.writeNow(p); err != nil {
			e.state = ConnectedFailed
			return err
		}
		return nil
	case WaitingForConn, IdlePooled:
		e.writeQueue.Push(p)
		return nil
	default:
		return rwerror.New(rwerror.InternalInvariant, 0, "HY000", "write attempted on endpoint in state "+e.state.String())
	}
}

func (e *Endpoint) writeNow(p *wire.Packet) error {
	if e.writeInFlight {
		return rwerror.New(rwerror.InternalInvariant, 0, "HY000", "endpoint already has a write in flight")
	}
	e.writeInFlight = true
	codec := wire.NewMySQLCodec()
	_, err := e.conn.Raw.Write(codec.Encode(p))
	e.writeInFlight = false
	if err != nil {
		return rwerror.Wrap(rwerror.TransientBackend, 2013, "HY000", "backend write failed", err)
	}
	return nil
}

// TryToPool drives Connected -> {IdlePooled, NoConn}: the caller has
// already established that the session issued a normal quit and the
// connection is protocol-idle. Pool acceptance criteria (idle-size <
// persist_pool_max) are enforced inside connpool.Pool.Release; if the
// pool rejects the connection (full, or handed straight to a waiter)
// the endpoint has nothing left to hold onto and returns to NoConn.
func (e *Endpoint) TryToPool(now time.Time) connpool.ReleaseOutcome {
	if e.state != Connected {
		return connpool.ReleaseOutcome{}
	}
	out := e.pool.Release(e.server, e.conn, true, now)
	e.conn = nil
	if out.Pooled {
		e.state = IdlePooled
	} else {
		e.state = NoConn
	}
	return out
}

// Close drives Connected -> {IdlePooled, NoConn} per spec §4.3: normal
// quit and pool acceptance pools the connection; anything else closes
// it outright. A ConnectedFailed endpoint is always closed, never pooled.
func (e *Endpoint) Close(now time.Time, normalQuit bool) connpool.ReleaseOutcome {
	if e.state == ConnectedFailed {
		out := e.pool.Release(e.server, e.conn, false, now)
		e.conn = nil
		e.state = NoConn
		return out
	}
	if e.state != Connected {
		e.state = NoConn
		return connpool.ReleaseOutcome{}
	}
	out := e.pool.Release(e.server, e.conn, normalQuit, now)
	e.conn = nil
	if out.Pooled {
		e.state = IdlePooled
	} else {
		e.state = NoConn
	}
	return out
}

// PendingWrites reports how many writes are buffered for later replay.
func (e *Endpoint) PendingWrites() int { return e.writeQueue.Len() }
