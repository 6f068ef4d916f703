// Package routeplan resolves a RoutingPlan for one classified statement
// (spec §4.4 step 3): which backend a statement should go to, given the
// current classification, transaction state, and topology snapshot.
package routeplan

import (
	"time"

	"github.com/sdrik/rwsplit/internal/classifier"
	"github.com/sdrik/rwsplit/internal/topology"
)

// RouteMode is the RoutingPlan.route_mode from spec §3.
type RouteMode int

const (
	Master RouteMode = iota
	Slave
	All
	Last
)

// Cause records why a plan resolved the way it did, for metrics and
// diagnostics (spec §2's "routing-plan cause counts").
type Cause int

const (
	CauseSessionAffecting Cause = iota
	CauseWrite
	CauseExplicitBegin
	CauseSelectForUpdate
	CauseStoredProcedure
	CauseMultiStatement
	CauseEligibleRead
	CauseNoAcceptableTarget
	CauseInTransaction
)

// SlaveSelection is the router's slave_selection config option (spec §6).
type SlaveSelection int

const (
	AdaptiveRouting SlaveSelection = iota
	LeastCurrentConnections
	LeastRouterConnections
	LeastGlobalConnections
	LeastBehindMaster
)

// MasterFailureMode is the router's master_failure_mode config option.
type MasterFailureMode int

const (
	Fail MasterFailureMode = iota
	ErrorOnWrite
	FailOnWrite
)

// Plan is the RoutingPlan from spec §3.
type Plan struct {
	Target topology.ServerID
	Mode   RouteMode
	Cause  Cause
	// NoTarget is true when no acceptable backend exists; Target is
	// meaningless in that case and the caller must apply
	// MasterFailureMode. rwsession also sets it on the plan for a KILL
	// statement it answers itself, without any backend.
	NoTarget bool
}

// Config bundles the router-level options that affect resolution (spec §6).
type Config struct {
	SlaveSelection         SlaveSelection
	MasterFailureMode      MasterFailureMode
	MasterAcceptReads      bool
	StrictMultiStmt        bool
	StrictSPCalls          bool
	MaxSlaveReplicationLag time.Duration
	SlaveConnCounts        map[topology.ServerID]int // current in-use connections, for LeastCurrentConnections etc.
}

// Resolve chooses a target for one classified statement. inTransaction
// and optimisticTrx implement step 2 of spec §4.4 ("if a transaction is
// in progress, pin target to current_master unless optimistic-trx
// routing is active"); currentMaster is the pinned target to use in
// that case.
func Resolve(stmt *classifier.ClassifiedStmt, isMultiStatement bool, inTransaction, optimisticTrx bool, currentMaster topology.ServerID, view *topology.View, cfg Config) Plan {
	if inTransaction && !optimisticTrx {
		return Plan{Target: currentMaster, Mode: Master, Cause: CauseInTransaction}
	}

	if isSessionAffecting(stmt) {
		master, ok := view.Master()
		if !ok {
			return Plan{NoTarget: true, Cause: CauseNoAcceptableTarget}
		}
		return Plan{Target: master, Mode: All, Cause: CauseSessionAffecting}
	}

	if mustRouteToMaster(stmt, isMultiStatement, cfg) {
		master, ok := view.Master()
		if !ok {
			return Plan{NoTarget: true, Cause: CauseNoAcceptableTarget}
		}
		return Plan{Target: master, Mode: Master, Cause: masterCause(stmt, isMultiStatement, cfg)}
	}

	if stmt.TypeMask.Has(classifier.Read) {
		if slave, ok := selectSlave(view, cfg); ok {
			return Plan{Target: slave, Mode: Slave, Cause: CauseEligibleRead}
		}
		if cfg.MasterAcceptReads {
			if master, ok := view.Master(); ok {
				return Plan{Target: master, Mode: Master, Cause: CauseEligibleRead}
			}
		}
		return Plan{NoTarget: true, Cause: CauseNoAcceptableTarget}
	}

	master, ok := view.Master()
	if !ok {
		return Plan{NoTarget: true, Cause: CauseNoAcceptableTarget}
	}
	return Plan{Target: master, Mode: Master, Cause: CauseWrite}
}

func isSessionAffecting(stmt *classifier.ClassifiedStmt) bool {
	return stmt.TypeMask.Has(classifier.SessionWrite) ||
		stmt.TypeMask.Has(classifier.UserVarWrite) ||
		stmt.TypeMask.Has(classifier.PrepareStmt) ||
		stmt.TypeMask.Has(classifier.PrepareNamedStmt) ||
		stmt.TypeMask.Has(classifier.DeallocPrepare)
}

func mustRouteToMaster(stmt *classifier.ClassifiedStmt, isMultiStatement bool, cfg Config) bool {
	if stmt.TypeMask.Has(classifier.Write) {
		return true
	}
	if stmt.TypeMask.Has(classifier.BeginTrx) {
		return true
	}
	if stmt.TypeMask.Has(classifier.Readwrite) {
		return true // SELECT ... FOR UPDATE
	}
	if cfg.StrictSPCalls && stmt.Op == classifier.Call {
		return true
	}
	if cfg.StrictMultiStmt && isMultiStatement {
		return true
	}
	return false
}

func masterCause(stmt *classifier.ClassifiedStmt, isMultiStatement bool, cfg Config) Cause {
	switch {
	case stmt.TypeMask.Has(classifier.BeginTrx):
		return CauseExplicitBegin
	case stmt.TypeMask.Has(classifier.Readwrite):
		return CauseSelectForUpdate
	case cfg.StrictSPCalls && stmt.Op == classifier.Call:
		return CauseStoredProcedure
	case cfg.StrictMultiStmt && isMultiStatement:
		return CauseMultiStatement
	default:
		return CauseWrite
	}
}

// selectSlave applies max_slave_replication_lag filtering, then rank,
// then the configured selection criterion (spec §4.4 step 3). Weight is
// consulted only under AdaptiveRouting.
func selectSlave(view *topology.View, cfg Config) (topology.ServerID, bool) {
	candidates := make([]topology.ServerInfo, 0, 4)
	for _, s := range view.Servers() {
		if s.Role != topology.Slave || !s.Reachable {
			continue
		}
		if cfg.MaxSlaveReplicationLag > 0 && s.ReplicationLag > cfg.MaxSlaveReplicationLag {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return "", false
	}

	bestRank := candidates[0].Rank
	for _, c := range candidates {
		if c.Rank < bestRank {
			bestRank = c.Rank
		}
	}
	ranked := candidates[:0]
	for _, c := range candidates {
		if c.Rank == bestRank {
			ranked = append(ranked, c)
		}
	}

	switch cfg.SlaveSelection {
	case LeastCurrentConnections, LeastRouterConnections, LeastGlobalConnections:
		return leastConnections(ranked, cfg.SlaveConnCounts)
	case LeastBehindMaster:
		return leastLag(ranked)
	default: // AdaptiveRouting: highest weight wins, ties go to the first candidate
		return byWeight(ranked)
	}
}

func leastConnections(candidates []topology.ServerInfo, counts map[topology.ServerID]int) (topology.ServerID, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestCount := counts[best.ID]
	for _, c := range candidates[1:] {
		if n := counts[c.ID]; n < bestCount {
			best, bestCount = c, n
		}
	}
	return best.ID, true
}

func leastLag(candidates []topology.ServerInfo) (topology.ServerID, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ReplicationLag < best.ReplicationLag {
			best = c
		}
	}
	return best.ID, true
}

func byWeight(candidates []topology.ServerInfo) (topology.ServerID, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Weight > best.Weight {
			best = c
		}
	}
	return best.ID, true
}
