package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/sdrik/rwsplit/internal/backend"
	"github.com/sdrik/rwsplit/internal/routeplan"
	"github.com/sdrik/rwsplit/internal/rmetrics"
	"github.com/sdrik/rwsplit/internal/rwerror"
	"github.com/sdrik/rwsplit/internal/rwsession"
	"github.com/sdrik/rwsplit/internal/sesshist"
	"github.com/sdrik/rwsplit/internal/topology"
	"github.com/sdrik/rwsplit/internal/wire"
	"github.com/sdrik/rwsplit/internal/worker"
)

const comQuit byte = 0x01

// clientHandler owns one accepted client connection for its lifetime.
// The session it drives is pinned to exactly one worker (spec §3); every
// call that touches session state goes through worker.Call so it always
// runs serialized on that worker's own goroutine, even though the
// client and backend socket reads happen on their own goroutines.
type clientHandler struct {
	unit     *workerUnit
	client   net.Conn
	sess     *rwsession.Session
	registry *rwsession.Registry
	dial     backend.Dialer
	codec    *wire.MySQLCodec
	metrics  *rmetrics.Collector
	ctx      context.Context
}

func newClientHandler(id uint64, client net.Conn, unit *workerUnit, view *topology.View, registry *rwsession.Registry, dial backend.Dialer, metrics *rmetrics.Collector) *clientHandler {
	h := &clientHandler{
		unit:     unit,
		client:   client,
		registry: registry,
		dial:     dial,
		codec:    wire.NewMySQLCodec(),
		metrics:  metrics,
		// Deliberately not worker.WithWorker-tagged: this handler's
		// goroutine is never the worker's own, so IsCurrent must report
		// false here and every session call must actually cross the
		// queue (Auto resolving to Queued), preserving spec §3's "one
		// worker owns all of a session's state" pinning.
		ctx: context.Background(),
	}
	factory := func(server topology.ServerID) *backend.Endpoint {
		return backend.New(server, unit.pool, dial)
	}
	h.sess = rwsession.New(id, unit.cl, view, unit.cfg, factory, registry)
	return h
}

// serve reads client packets until disconnect or COM_QUIT and closes the
// session's backend endpoints on the way out.
func (h *clientHandler) serve() {
	normalQuit := false
	defer func() {
		h.client.Close()
		h.sess.Close(time.Now(), normalQuit, h.registry)
	}()

	if err := h.client.SetDeadline(time.Time{}); err != nil {
		return
	}

	buf := make([]byte, 0, 16*1024)
	chunk := make([]byte, 16*1024)
	for {
		n, err := h.client.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		packets, consumed, _, decodeErr := h.codec.Decode(buf)
		if decodeErr != nil {
			malformed := rwerror.ProtocolMalformed(decodeErr)
			h.writeClient(h.codec.MakeError(malformed.Code, malformed.State, malformed.Message))
			return
		}
		buf = buf[consumed:]

		for _, pkt := range packets {
			if pkt.Command() == comQuit {
				normalQuit = true
				return
			}
			if !h.handlePacket(pkt) {
				return
			}
		}
	}
}

// handlePacket routes one client statement, writes it to the chosen
// backend, relays the reply, and reports whether the connection should
// stay open.
func (h *clientHandler) handlePacket(pkt *wire.Packet) bool {
	start := time.Now()
	var plan routeplan.Plan
	var rewritten *wire.Packet
	var routeErr error

	if err := h.unit.w.Call(h.ctx, func(now time.Time) {
		plan, rewritten, routeErr = h.sess.RouteQuery(pkt, now)
	}, worker.Auto); err != nil {
		slog.Warn("session dispatch failed", "session", h.sess.ID(), "err", err)
		return false
	}
	if !plan.NoTarget {
		h.metrics.RouteDecision(routeCauseLabel(plan.Cause), routeModeLabel(plan.Mode))
	}
	defer func() { h.metrics.ObserveQueryDuration(routeModeLabel(plan.Mode), time.Since(start).Seconds()) }()

	if routeErr != nil {
		var rerr *rwerror.Error
		if errors.As(routeErr, &rerr) {
			h.writeClient(h.codec.MakeError(rerr.Code, rerr.State, rerr.Message))
			return rerr.Kind != rwerror.ProtocolViolation
		}
		h.writeClient(h.codec.MakeError(1105, "HY000", routeErr.Error()))
		return true
	}
	if rewritten == nil {
		// NoTarget with FailOnWrite: RouteQuery reported no target and no
		// error. This handler neither defers nor retries the statement;
		// it answers the client with an immediate error and keeps the
		// connection open.
		h.writeClient(h.codec.MakeError(1040, "08004", "no backend currently accepts this statement"))
		return true
	}
	if plan.NoTarget {
		// KILL and other statements the session resolves entirely on its
		// own (SPEC_FULL §4.6): rewritten is already the final reply, and
		// no backend is involved at all.
		h.writeClient(rewritten)
		return true
	}

	ep := h.sess.Endpoint(plan.Target)
	if ep.State() == backend.NoConn {
		if err := ep.Connect(ep); err != nil {
			return h.handleBackendError(err, plan, pkt)
		}
		if err := h.replaySessionHistory(ep); err != nil {
			return h.handleBackendError(err, plan, pkt)
		}
	}
	if err := ep.Write(rewritten); err != nil {
		return h.handleBackendError(err, plan, pkt)
	}
	if plan.Mode == routeplan.All {
		h.broadcastSessionCommand(plan.Target, rewritten)
	}

	if ep.State() != backend.Connected {
		// Waiting for a pooled slot; the reply will arrive once
		// ContinueConnecting lands a connection. Not implemented for
		// this entry point: WAITING_FOR_CONN hand-off is exercised by
		// internal/backend's own tests, not by this wiring demo.
		return true
	}

	reply, meta, err := h.readBackendReply(ep)
	if err != nil {
		return h.handleBackendError(err, plan, pkt)
	}

	if h.sess.CausalProbePending() && wire.IsErrPacket(reply.Payload()) {
		reply, meta, err = h.resolveCausalProbeTimeout(pkt, &plan)
		if err != nil {
			h.surfaceBackendError(err)
			return true
		}
	}

	var toClient *wire.Packet
	if err := h.unit.w.Call(h.ctx, func(now time.Time) {
		toClient = h.sess.ClientReply(reply, meta, plan.Target)
	}, worker.Auto); err != nil {
		return false
	}
	h.writeClient(toClient)
	return true
}

// readBackendReply reads packets off ep's raw connection until the final
// terminal OK/ERR/EOF packet of the whole reply, per spec §4.3's
// response-correlation contract. A single COM_QUERY can produce more than
// one result set in sequence (a multi-statement query, or the causal-read
// probe embedded ahead of a real read per internal/rwsession's causal
// state) — each intermediate result set ends in a terminal packet with
// SERVER_MORE_RESULTS_EXISTS set, which must not be mistaken for the end
// of the reply. Only the true final terminal packet's status flags are
// needed by ClientReply, so intermediate result-set packets are decoded
// but not otherwise inspected here.
func (h *clientHandler) readBackendReply(ep *backend.Endpoint) (*wire.Packet, rwsession.ReplyMeta, error) {
	raw := ep.RawConn()
	if raw == nil {
		return nil, rwsession.ReplyMeta{}, rwerror.Wrap(rwerror.TransientBackend, 2013, "HY000", "backend connection lost before reply", net.ErrClosed)
	}

	buf := make([]byte, 0, 16*1024)
	chunk := make([]byte, 16*1024)
	var last *wire.Packet
	for {
		n, err := raw.Read(chunk)
		if err != nil {
			return nil, rwsession.ReplyMeta{}, rwerror.Wrap(rwerror.TransientBackend, 2013, "HY000", "backend read failed", err)
		}
		buf = append(buf, chunk[:n]...)

		packets, consumed, _, decodeErr := h.codec.Decode(buf)
		if decodeErr != nil {
			return nil, rwsession.ReplyMeta{}, rwerror.Wrap(rwerror.ProtocolViolation, 0, "HY000", "malformed backend reply", decodeErr)
		}
		buf = buf[consumed:]

		for _, p := range packets {
			last = p
			if wire.IsTerminal(p.Payload()) && wire.StatusFlags(p.Payload())&wire.StatusMoreResultsExist == 0 {
				return last, rwsession.ReplyMeta{StatusFlags: wire.StatusFlags(last.Payload())}, nil
			}
		}
	}
}

// resolveCausalProbeTimeout handles an errored reply to a read that
// carried an embedded MASTER_GTID_WAIT probe (spec §4.4, scenario 5):
// inside a read-only transaction the timeout is surfaced to the client
// as-is; otherwise the original, unrewritten statement (orig) is retried
// once directly on master, and plan is updated to reflect that.
func (h *clientHandler) resolveCausalProbeTimeout(orig *wire.Packet, plan *routeplan.Plan) (*wire.Packet, rwsession.ReplyMeta, error) {
	var retry bool
	var causalErr error
	if err := h.unit.w.Call(h.ctx, func(now time.Time) {
		retry, causalErr = h.sess.ResolveCausalProbeTimeout()
	}, worker.Auto); err != nil {
		return nil, rwsession.ReplyMeta{}, err
	}
	if causalErr != nil {
		return nil, rwsession.ReplyMeta{}, causalErr
	}
	if !retry {
		// ResolveCausalProbeTimeout never actually returns this
		// combination today (retry is only false alongside a non-nil
		// causalErr), but guard against it rather than forward a nil
		// packet if that contract ever changes.
		return nil, rwsession.ReplyMeta{}, rwerror.New(rwerror.InternalInvariant, 0, "HY000", "causal probe timeout resolved with no retry and no error")
	}

	master, ok := h.sess.CurrentMaster()
	if !ok {
		return nil, rwsession.ReplyMeta{}, rwerror.NoAcceptableTarget("no master available to retry causal read")
	}
	plan.Target = master
	plan.Mode = routeplan.Master

	mep := h.sess.Endpoint(master)
	if mep.State() == backend.NoConn {
		if err := mep.Connect(mep); err != nil {
			return nil, rwsession.ReplyMeta{}, err
		}
	}
	if err := mep.Write(orig); err != nil {
		return nil, rwsession.ReplyMeta{}, err
	}
	return h.readBackendReply(mep)
}

// broadcastSessionCommand mirrors a session-affecting statement onto
// every other live backend, per RoutingPlan.All's contract: "broadcasts
// to every live backend and returns only one reply to the client" (spec,
// scenario 2: "Both backends receive it"). A backend this session has
// not talked to yet is connected here, not merely skipped, since it
// still needs to end up with the same session state as the primary.
// Only the primary target's reply, read separately by the caller, ever
// reaches the client; each secondary's reply is folded into the same
// history entry so it is never replayed onto that backend again. A
// secondary that fails to connect, write, or read is dropped rather than
// surfaced: it will pick the command back up through ordinary replay the
// next time it (re)connects.
func (h *clientHandler) broadcastSessionCommand(primary topology.ServerID, p *wire.Packet) {
	for _, server := range h.sess.LiveServers() {
		if server == primary {
			continue
		}
		ep := h.sess.Endpoint(server)
		if ep.State() == backend.NoConn {
			if err := ep.Connect(ep); err != nil {
				continue
			}
			if err := h.replaySessionHistory(ep); err != nil {
				continue
			}
		}
		if ep.State() != backend.Connected {
			continue
		}
		if err := ep.Write(p); err != nil {
			ep.Close(time.Now(), false)
			continue
		}
		reply, _, err := h.readBackendReply(ep)
		if err != nil {
			ep.Close(time.Now(), false)
			continue
		}
		if err := h.unit.w.Call(h.ctx, func(now time.Time) {
			h.sess.AckHistoryReplica(reply.Payload())
		}, worker.Auto); err != nil {
			return
		}
	}
}

// replaySessionHistory replays any session-affecting statements this
// session has issued that ep has not yet seen, so a freshly (re)connected
// endpoint starts with the same session state (autocommit, session
// variables, prepared statements) as the rest of this session's backends
// (spec §4.4 "Session-command replay"). It evicts ep and reports an error
// if the replay does not reproduce the checksum the session expects.
func (h *clientHandler) replaySessionHistory(ep *backend.Endpoint) error {
	var pending []*wire.Packet
	if err := h.unit.w.Call(h.ctx, func(now time.Time) {
		pending = h.sess.HistoryPending()
	}, worker.Auto); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	got := sesshist.NewChecksum()
	for _, cmd := range pending {
		if err := ep.Write(cmd); err != nil {
			return err
		}
		reply, _, err := h.readBackendReply(ep)
		if err != nil {
			return err
		}
		replySum := sesshist.NewChecksum()
		replySum.Add(reply.Payload())
		sum := replySum.Sum()
		got.Add(sum[:])
	}

	var want [32]byte
	if err := h.unit.w.Call(h.ctx, func(now time.Time) {
		want = h.sess.HistoryChecksum()
	}, worker.Auto); err != nil {
		return err
	}
	if got.Sum() != want {
		ep.Close(time.Now(), false)
		return rwerror.LostConnectionReusingPooled(nil)
	}
	return nil
}

// handleBackendError routes a backend I/O failure through the session's
// own error-handling decision (spec §7: errors are delivered to the
// endpoint, then to the session, which decides whether to retry, replay,
// or surface) rather than always surfacing it verbatim.
func (h *clientHandler) handleBackendError(err error, plan routeplan.Plan, pkt *wire.Packet) bool {
	var rerr *rwerror.Error
	if !errors.As(err, &rerr) {
		rerr = rwerror.Wrap(rwerror.TransientBackend, 2013, "HY000", err.Error(), err)
	}

	var action rwsession.Action
	if callErr := h.unit.w.Call(h.ctx, func(now time.Time) {
		action = h.sess.HandleError(rerr.Kind, nil, plan.Target)
	}, worker.Auto); callErr != nil {
		return false
	}

	switch action {
	case rwsession.ActionReplay:
		return h.replayTransaction(pkt)
	case rwsession.ActionTerminate:
		h.surfaceBackendError(rerr)
		return false
	default: // ActionSurface, ActionRetry (delayed_retry not wired at this entry point)
		h.surfaceBackendError(rerr)
		return true
	}
}

// replayTransaction re-executes the current transaction's already-replied
// statements on a fresh master connection after a mid-transaction backend
// failure (spec §4.4, scenarios 3 & 4), verifying the replay reproduces
// the original run's checksum before resuming with the statement that
// triggered the failure. It surfaces rwerror.ReplayAttemptsExceeded once
// trx_max_attempts or trx_timeout is exhausted.
func (h *clientHandler) replayTransaction(pkt *wire.Packet) bool {
	var retryOnMismatch bool
	if err := h.unit.w.Call(h.ctx, func(now time.Time) {
		retryOnMismatch = h.sess.TrxRetryOnMismatch()
	}, worker.Auto); err != nil {
		return false
	}

	for {
		var attempt int
		var ok bool
		var stmts []*wire.Packet
		var want [32]byte
		if err := h.unit.w.Call(h.ctx, func(now time.Time) {
			attempt, ok = h.sess.BeginTransactionReplay(now)
			if ok {
				stmts = h.sess.TransactionStatements()
				want = h.sess.TransactionReplayChecksum()
			}
		}, worker.Auto); err != nil {
			return false
		}
		if !ok {
			h.surfaceBackendError(rwerror.ReplayAttemptsExceeded(attempt))
			return true
		}

		master, mok := h.sess.CurrentMaster()
		if !mok {
			h.surfaceBackendError(rwerror.NoAcceptableTarget("no master available to replay transaction"))
			return true
		}
		mep := h.sess.Endpoint(master)
		if mep.State() == backend.NoConn {
			if err := mep.Connect(mep); err != nil {
				continue
			}
		}

		got := sesshist.NewChecksum()
		failed := false
		for _, stmt := range stmts {
			if err := mep.Write(stmt); err != nil {
				failed = true
				break
			}
			reply, _, err := h.readBackendReply(mep)
			if err != nil {
				failed = true
				break
			}
			got.Add(reply.Payload())
		}
		if failed {
			mep.Close(time.Now(), false)
			continue
		}
		if got.Sum() != want {
			mep.Close(time.Now(), false)
			if !retryOnMismatch {
				h.surfaceBackendError(rwerror.ReplayAttemptsExceeded(attempt))
				return true
			}
			continue
		}

		if err := h.unit.w.Call(h.ctx, func(now time.Time) {
			h.sess.FinishTransactionReplay()
		}, worker.Auto); err != nil {
			return false
		}

		if err := mep.Write(pkt); err != nil {
			h.surfaceBackendError(err)
			return true
		}
		reply, meta, err := h.readBackendReply(mep)
		if err != nil {
			h.surfaceBackendError(err)
			return true
		}
		var toClient *wire.Packet
		if err := h.unit.w.Call(h.ctx, func(now time.Time) {
			toClient = h.sess.ClientReply(reply, meta, master)
		}, worker.Auto); err != nil {
			return false
		}
		h.writeClient(toClient)
		return true
	}
}

func (h *clientHandler) surfaceBackendError(err error) {
	var rerr *rwerror.Error
	if errors.As(err, &rerr) {
		h.writeClient(h.codec.MakeError(rerr.Code, rerr.State, rerr.Message))
		return
	}
	h.writeClient(h.codec.MakeError(2013, "HY000", err.Error()))
}

func (h *clientHandler) writeClient(p *wire.Packet) {
	if _, err := h.client.Write(h.codec.Encode(p)); err != nil {
		slog.Debug("client write failed", "session", h.sess.ID(), "err", err)
	}
}

func routeModeLabel(m routeplan.RouteMode) string {
	switch m {
	case routeplan.Master:
		return "master"
	case routeplan.Slave:
		return "slave"
	case routeplan.All:
		return "all"
	default:
		return "unknown"
	}
}

func routeCauseLabel(c routeplan.Cause) string {
	switch c {
	case routeplan.CauseSessionAffecting:
		return "session_affecting"
	case routeplan.CauseWrite:
		return "write"
	case routeplan.CauseExplicitBegin:
		return "explicit_begin"
	case routeplan.CauseSelectForUpdate:
		return "select_for_update"
	case routeplan.CauseStoredProcedure:
		return "stored_procedure"
	case routeplan.CauseMultiStatement:
		return "multi_statement"
	case routeplan.CauseEligibleRead:
		return "eligible_read"
	case routeplan.CauseNoAcceptableTarget:
		return "no_acceptable_target"
	case routeplan.CauseInTransaction:
		return "in_transaction"
	default:
		return "unknown"
	}
}
