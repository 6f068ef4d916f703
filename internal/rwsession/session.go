// Package rwsession implements the RW-split session state machine from
// spec §4.4: query intake and classification, routing-plan resolution,
// causal-read rewriting, transaction and session-command replay, and
// error-driven retry/surface decisions. A Session is owned by exactly
// one worker for its lifetime (spec §3).
package rwsession

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sdrik/rwsplit/internal/backend"
	"github.com/sdrik/rwsplit/internal/classifier"
	"github.com/sdrik/rwsplit/internal/routeplan"
	"github.com/sdrik/rwsplit/internal/rwerror"
	"github.com/sdrik/rwsplit/internal/sesshist"
	"github.com/sdrik/rwsplit/internal/topology"
	"github.com/sdrik/rwsplit/internal/txnscan"
	"github.com/sdrik/rwsplit/internal/wire"
)

// mysqlCodec builds the synthetic OK/error packets a session hands back
// for statements it answers itself without ever reaching a backend
// (KILL, and someday other locally-resolved commands).
var mysqlCodec = wire.NewMySQLCodec()

// Phase records what part of the state machine currently owns error
// handling and replay decisions (spec §7's propagation rule: "the
// session decides replay/retry/surface based on its current phase").
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInTransaction
	PhaseReplaying
	PhasePooling
)

// EndpointFactory builds a new backend.Endpoint bound to server, drawing
// on the session's own pool and dialer.
type EndpointFactory func(server topology.ServerID) *backend.Endpoint

// Config bundles every option from spec §6 that rwsession consults.
type Config struct {
	Routing            routeplan.Config
	CausalReads        CausalMode
	CausalReadsTimeout time.Duration
	MasterReconnection bool
	DelayedRetry       bool
	DelayedRetryTimeout time.Duration
	TransactionReplay  bool
	TrxMaxSize         int
	TrxMaxAttempts     int
	TrxTimeout         time.Duration
	TrxRetryOnDeadlock bool
	TrxRetryOnMismatch bool
	OptimisticTrx      bool
	ReusePS            bool
	SQLMode            string
}

// Session is the per-client state machine from spec §3/§4.4.
type Session struct {
	id uint64

	classifier *classifier.Classifier
	view       *topology.View
	cfg        Config
	newEndpoint EndpointFactory

	endpoints     map[topology.ServerID]*backend.Endpoint
	currentMaster topology.ServerID

	inTransaction bool
	trxReadOnly   bool
	phase         Phase

	history           *sesshist.History
	historyPendingIdx int
	trx               *sesshist.TrxRecorder

	causal              *causalState
	prep                *PreparedRegistry
	kill                *killFlag
	reg                 *Registry
	pendingCausalWrite  bool
	writeSeq            uint64

	multiStatement bool
}

// New builds a Session and registers it with reg under id so a KILL
// statement handled by any worker can find it (spec §4.6). The caller
// must call Close when the session's connection ends, to unregister it.
func New(id uint64, cl *classifier.Classifier, view *topology.View, cfg Config, newEndpoint EndpointFactory, reg *Registry) *Session {
	s := &Session{
		id:          id,
		classifier:  cl,
		view:        view,
		cfg:         cfg,
		newEndpoint: newEndpoint,
		endpoints:         make(map[topology.ServerID]*backend.Endpoint),
		history:           sesshist.NewHistory(),
		historyPendingIdx: -1,
		causal:            newCausalState(),
		prep:        NewPreparedRegistry(),
		kill:        newKillFlag(),
		reg:         reg,
	}
	if reg != nil {
		reg.Register(id, s)
	}
	return s
}

// ID returns the session's stable identity.
func (s *Session) ID() uint64 { return s.id }

// RequestKill implements Registry.Killable. It is safe to call from any
// goroutine. It only sets the kill flag that KillRequested and KillChan
// report; nothing in this repository reads that flag, so the session is
// not torn down by it.
func (s *Session) RequestKill() { s.kill.request() }

// KillRequested reports whether RequestKill has been called for this
// session.
func (s *Session) KillRequested() bool {
	select {
	case <-s.kill.Chan():
		return true
	default:
		return false
	}
}

// KillChan returns a channel readable once this session has been
// targeted by a KILL statement, for use in the worker's event select.
func (s *Session) KillChan() <-chan struct{} { return s.kill.Chan() }

// endpointFor returns (creating if necessary) this session's Endpoint
// for server.
func (s *Session) endpointFor(server topology.ServerID) *backend.Endpoint {
	if e, ok := s.endpoints[server]; ok {
		return e
	}
	e := s.newEndpoint(server)
	s.endpoints[server] = e
	return e
}

// Endpoint returns (creating if necessary) this session's backend handle
// for server, so the caller can write the packet a Plan names to it
// (RouteQuery's contract: "the caller ... is responsible for actually
// writing the ... packet to the endpoint(s) the returned Plan names").
func (s *Session) Endpoint(server topology.ServerID) *backend.Endpoint {
	return s.endpointFor(server)
}

// LiveServers returns every backend the current topology view considers
// reachable, so a caller implementing RoutingPlan.All's fan-out (spec's
// "broadcasts to every live backend") knows the full set to reach, not
// just the servers this session has already opened a connection to.
func (s *Session) LiveServers() []topology.ServerID {
	infos := s.view.Servers()
	out := make([]topology.ServerID, 0, len(infos))
	for _, info := range infos {
		if info.Reachable {
			out = append(out, info.ID)
		}
	}
	return out
}

// Close tears down every backend endpoint this session opened and
// unregisters it from reg, releasing any pooled connections back to the
// worker's pool. normalQuit distinguishes a client-initiated COM_QUIT
// (endpoints may be pooled) from an abrupt disconnect (endpoints are
// always closed outright, per spec §4.3's transition table).
func (s *Session) Close(now time.Time, normalQuit bool, reg *Registry) {
	for _, e := range s.endpoints {
		e.Close(now, normalQuit)
	}
	if reg != nil {
		reg.Unregister(s.id)
	}
}

// RouteQuery is spec §4.4's route_query: classify, update transaction
// state, resolve a plan, and apply causal-read rewriting if applicable.
// The caller (the worker) is responsible for actually writing the
// (possibly rewritten) packet to the endpoint(s) the returned Plan names.
func (s *Session) RouteQuery(p *wire.Packet, now time.Time) (routeplan.Plan, *wire.Packet, error) {
	scope := s.classifier.Open(p, classifier.CollectTables, s.cfg.SQLMode, 0)
	defer scope.Close()
	stmt := scope.Result()

	if stmt.Op == classifier.Kill {
		return s.killReply(stmt)
	}

	boundary := txnscan.Scan(sqlText(p))
	s.applyBoundary(boundary, stmt)

	if s.cfg.TransactionReplay && s.inTransaction && s.trx != nil && !s.trx.Disabled() {
		s.trx.Record(p)
	}
	if isSessionCommand(stmt) {
		s.historyPendingIdx = s.history.Record(p)
	}

	plan := routeplan.Resolve(stmt, s.multiStatement, s.inTransaction, s.cfg.OptimisticTrx, s.currentMaster, s.view, s.cfg.Routing)

	if plan.NoTarget {
		return plan, nil, s.noAcceptableTargetError()
	}

	rewritten := p
	if plan.Mode == routeplan.Slave && s.cfg.CausalReads != CausalNone && stmt.TypeMask.Has(classifier.Read) {
		rewritten = s.causal.rewriteForRead(p, s.cfg.CausalReads, s.cfg.CausalReadsTimeout)
	}

	if plan.Mode == routeplan.Master || plan.Mode == routeplan.All {
		s.currentMaster = plan.Target
		if stmt.TypeMask.Has(classifier.Write) {
			s.pendingCausalWrite = true
		}
	}

	return plan, rewritten, nil
}

// CurrentMaster exposes the topology's current master, so the caller can
// retry a causal-read probe timeout there per spec §4.4's Local-mode
// retry rule.
func (s *Session) CurrentMaster() (topology.ServerID, bool) {
	return s.view.Master()
}

// CausalProbePending reports whether the read most recently returned by
// RouteQuery carries an unresolved MASTER_GTID_WAIT probe ahead of it, so
// the caller knows to route an error reply through ResolveCausalProbeTimeout
// instead of straight to ClientReply.
func (s *Session) CausalProbePending() bool {
	return s.causal.pendingRewrite
}

// ResolveCausalProbeTimeout decides what happens when a pending
// causal-read probe's reply is an error (spec §4.4, scenario 5): inside a
// read-only transaction the client sees 1792/25006 with no retry;
// otherwise the caller should resend the original (unrewritten) query to
// master once instead of waiting on a replica that has not caught up.
func (s *Session) ResolveCausalProbeTimeout() (retryOnMaster bool, clientErr error) {
	s.causal.pendingRewrite = false
	if s.trxReadOnly {
		return false, rwerror.ReadOnlyTrxCausalReadTimeout()
	}
	return true, nil
}

// HistoryPending returns the session-command packets a freshly
// (re)connected backend endpoint must replay before this session may
// route queries to it (spec §4.4 "Session-command replay"), in original
// order. It excludes the statement currently in flight to its own
// primary target, if any: that statement has not been acknowledged by
// any backend yet, is not covered by HistoryChecksum, and will reach
// the new endpoint through the normal write path once replay finishes,
// not through this list.
func (s *Session) HistoryPending() []*wire.Packet {
	pending := s.history.Pending(s.historyPendingIdx)
	if len(pending) == 0 {
		return nil
	}
	out := make([]*wire.Packet, len(pending))
	for i, cmd := range pending {
		out[i] = cmd.Packet
	}
	return out
}

// HistoryChecksum returns the checksum this session expects a freshly
// replayed history to reproduce, so the caller can evict a backend whose
// replay disagrees rather than let it silently drift out of sync.
func (s *Session) HistoryChecksum() [32]byte {
	return s.history.AckChecksum()
}

// AckHistoryReplica records that a secondary backend targeted by a
// RoutingPlan.All fan-out (spec's "broadcasts to every live backend")
// has itself executed the current in-flight session command and
// reproduced payload, folding it into the same history entry the
// primary target's own reply will also ack. An error reply does not
// count: that backend did not actually apply the command and must pick
// it up again through ordinary replay.
func (s *Session) AckHistoryReplica(payload []byte) {
	if s.historyPendingIdx < 0 || wire.IsErrPacket(payload) {
		return
	}
	s.history.Ack(s.historyPendingIdx, payload)
}

// BeginTransactionReplay starts (or continues) a transaction-replay
// attempt after a mid-transaction backend failure (spec §4.4, scenarios
// 3 & 4). ok reports whether another attempt is still allowed under
// trx_max_attempts/trx_timeout; attempt is the number of attempts made
// so far either way, for use in the exhausted-replay error message.
func (s *Session) BeginTransactionReplay(now time.Time) (attempt int, ok bool) {
	if s.trx == nil || s.trx.Disabled() || !s.cfg.TransactionReplay {
		return 0, false
	}
	if !s.trx.CanAttempt(now) {
		return s.trx.Attempts(), false
	}
	s.phase = PhaseReplaying
	return s.trx.BeginAttempt(), true
}

// TransactionStatements returns the statements recorded in the current
// transaction, excluding the most recent one: that is the statement
// whose reply was never observed because the backend failed before it
// arrived, so it is not covered by TransactionReplayChecksum and must be
// resent separately once the rest of the transaction has been verified.
func (s *Session) TransactionStatements() []*wire.Packet {
	if s.trx == nil {
		return nil
	}
	all := s.trx.Statements()
	if len(all) == 0 {
		return nil
	}
	return all[:len(all)-1]
}

// TransactionReplayChecksum returns the checksum accumulated from the
// original (pre-failure) run's replies, to compare against a replay
// attempt's own checksum of TransactionStatements' replies.
func (s *Session) TransactionReplayChecksum() [32]byte {
	if s.trx == nil {
		return [32]byte{}
	}
	return s.trx.OriginalChecksum()
}

// TrxRetryOnMismatch reports whether a replay whose checksum disagrees
// with the original run should be retried again rather than surfaced to
// the client as exhausted.
func (s *Session) TrxRetryOnMismatch() bool { return s.cfg.TrxRetryOnMismatch }

// FinishTransactionReplay marks a replay attempt complete and returns
// the session to ordinary in-transaction handling.
func (s *Session) FinishTransactionReplay() {
	s.phase = PhaseInTransaction
}

// killReply resolves a KILL statement entirely within this session's own
// worker, without ever routing it to a backend (SPEC_FULL §4.6): it asks
// the process-wide registry to request termination of the target session,
// which may be owned by a different worker, and hands back the packet the
// client should see directly. The caller must write it to the client and
// skip backend I/O entirely for this statement.
func (s *Session) killReply(stmt *classifier.ClassifiedStmt) (routeplan.Plan, *wire.Packet, error) {
	plan := routeplan.Plan{NoTarget: true, Cause: routeplan.CauseSessionAffecting}
	id, err := strconv.ParseUint(stmt.KillTarget, 10, 64)
	if err != nil {
		return plan, mysqlCodec.MakeError(1064, "42000", "You have an error in your SQL syntax near 'KILL'"), nil
	}
	if s.reg == nil || !s.reg.Kill(id) {
		return plan, mysqlCodec.MakeError(1094, "HY000", fmt.Sprintf("Unknown thread id: %d", id)), nil
	}
	return plan, mysqlCodec.MakeOK(), nil
}

func (s *Session) applyBoundary(b txnscan.Boundary, stmt *classifier.ClassifiedStmt) {
	switch b {
	case txnscan.BeginTrx, txnscan.BeginTrxReadOnly, txnscan.BeginTrxReadWrite:
		if !stmt.TypeMask.Has(classifier.BeginTrx) {
			// txnscan (mode b) recognized an explicit boundary the
			// keyword classifier (mode a) missed; force agreement so
			// routeplan.Resolve, which only ever consults TypeMask,
			// still treats this statement as opening the transaction.
			stmt.TypeMask |= classifier.BeginTrx
		}
		s.inTransaction = true
		s.trxReadOnly = b == txnscan.BeginTrxReadOnly
		s.phase = PhaseInTransaction
		if s.cfg.TransactionReplay {
			s.trx = sesshist.NewTrxRecorder(s.cfg.TrxMaxSize, s.cfg.TrxMaxAttempts, s.cfg.TrxTimeout, time.Now())
		}
	case txnscan.Commit, txnscan.Rollback:
		s.inTransaction = false
		s.trxReadOnly = false
		s.trx = nil
		s.phase = PhaseIdle
	}
}

func (s *Session) noAcceptableTargetError() error {
	switch s.cfg.Routing.MasterFailureMode {
	case routeplan.ErrorOnWrite:
		return rwerror.NoAcceptableTarget("no backend accepted the statement")
	case routeplan.FailOnWrite:
		return nil // caller must defer and retry later; not a client-visible error
	default: // Fail
		return rwerror.NoAcceptableTarget("no backend accepted the statement; session terminated")
	}
}

func isSessionCommand(stmt *classifier.ClassifiedStmt) bool {
	return stmt.TypeMask.Has(classifier.SessionWrite) ||
		stmt.TypeMask.Has(classifier.UserVarWrite) ||
		stmt.TypeMask.Has(classifier.PrepareNamedStmt) ||
		stmt.TypeMask.Has(classifier.DeallocPrepare)
}

// ReplyMeta carries the server status flags extracted from a reply's
// OK/EOF packet, so ClientReply can update transaction/autocommit state
// without re-parsing the payload itself.
type ReplyMeta struct {
	StatusFlags uint16
}

// ClientReply is spec §4.4's client_reply: apply causal-read unwrapping,
// update in-transaction state from server status flags, ack session
// history, and observe the reply for transaction-replay checksumming.
// It returns the packet the client should actually see.
func (s *Session) ClientReply(p *wire.Packet, meta ReplyMeta, source topology.ServerID) *wire.Packet {
	if s.pendingCausalWrite {
		s.pendingCausalWrite = false
		if !wire.IsErrPacket(p.Payload()) {
			s.writeSeq++
			s.causal.ObserveMasterWrite(fmt.Sprintf("%d:%d", s.id, s.writeSeq))
		}
	}

	out := s.causal.unwrapReply(p)

	s.inTransaction = meta.StatusFlags&wire.StatusInTrans != 0

	if s.historyPendingIdx >= 0 {
		idx := s.historyPendingIdx
		s.historyPendingIdx = -1
		if !wire.IsErrPacket(out.Payload()) {
			s.history.Ack(idx, out.Payload())
		}
	}
	if s.cfg.TransactionReplay && s.trx != nil && !s.trx.Disabled() {
		s.trx.ObserveReply(out.Payload())
	}
	return out
}

// HandleError is spec §4.4/§7's handle_error: decide whether to retry,
// replay, or surface a backend failure to the client, based on the
// session's current phase.
func (s *Session) HandleError(kind rwerror.Kind, errPkt *wire.Packet, source topology.ServerID) Action {
	switch kind {
	case rwerror.TransientBackend:
		if s.inTransaction && s.cfg.TransactionReplay && s.trx != nil && !s.trx.Disabled() {
			if s.trx.CanAttempt(time.Now()) {
				return ActionReplay
			}
			return ActionSurface
		}
		if s.cfg.DelayedRetry {
			return ActionRetry
		}
		return ActionSurface
	case rwerror.PermanentBackend:
		return ActionSurface
	case rwerror.ProtocolViolation:
		return ActionTerminate
	default:
		return ActionSurface
	}
}

// Action is what the worker should do next after HandleError.
type Action int

const (
	ActionSurface Action = iota
	ActionRetry
	ActionReplay
	ActionTerminate
)

// sqlText strips the leading COM_QUERY command byte, mirroring
// internal/sqlparse's own payload-to-text convention so txnscan sees
// exactly the same text the full classifier would.
func sqlText(p *wire.Packet) string {
	payload := p.Payload()
	if len(payload) == 0 {
		return ""
	}
	if payload[0] == 0x03 { // COM_QUERY
		return string(payload[1:])
	}
	return string(payload)
}
