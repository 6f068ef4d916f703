package rwsession

import (
	"fmt"
	"time"

	"github.com/sdrik/rwsplit/internal/wire"
)

// CausalMode is the router's causal_reads config option (spec §4.4).
type CausalMode int

const (
	CausalNone CausalMode = iota
	CausalLocal
	CausalGlobal
	CausalUniversal
	CausalFast
)

// causalState tracks the per-session (Local/Global) or one-time
// (Universal) GTID bookkeeping causal reads need, plus whether the last
// dispatched read carries an injected MASTER_GTID_WAIT probe that must
// be unwrapped from the reply stream.
type causalState struct {
	lastGTID   string
	probed     bool // Universal mode's one-time probe has already run
	pendingRewrite bool
}

func newCausalState() *causalState { return &causalState{} }

// ObserveMasterWrite records the GTID a master write produced, to be
// used by the next slave read under Local/Global causal-read modes.
func (c *causalState) ObserveMasterWrite(gtid string) {
	if gtid != "" {
		c.lastGTID = gtid
	}
}

// rewriteForRead prepends the MASTER_GTID_WAIT probe statement ahead of
// p when the causal-read mode requires it (spec §4.4). Fast mode never
// rewrites, since it only routes to replicas already known caught up.
// Universal mode is expected to have already issued its one-time probe
// via NeedsProbe/ObserveMasterWrite before this is called.
func (c *causalState) rewriteForRead(p *wire.Packet, mode CausalMode, timeout time.Duration) *wire.Packet {
	if mode == CausalFast || mode == CausalNone {
		return p
	}
	if c.lastGTID == "" {
		return p
	}
	seconds := timeout.Seconds()
	probe := fmt.Sprintf(
		"SET @rwsplit_hidden=(SELECT CASE WHEN MASTER_GTID_WAIT('%s', %.3f)=0 THEN 1 ELSE (SELECT 1 FROM INFORMATION_SCHEMA.ENGINES) END);",
		c.lastGTID, seconds,
	)
	combined := append([]byte{p.Payload()[0]}, append([]byte(probe), p.Payload()[1:]...)...)
	c.pendingRewrite = true
	return p.WithPayload(combined)
}

// NeedsProbe reports whether Universal mode's one-time
// SELECT @@gtid_current_pos probe still needs to run on master before
// the session may causal-read from a replica.
func (c *causalState) NeedsProbe(mode CausalMode) bool {
	return mode == CausalUniversal && !c.probed
}

// MarkProbed records that the Universal-mode probe has completed.
func (c *causalState) MarkProbed() { c.probed = true }

// unwrapReply hides the extra result set the injected probe produces
// from the client (spec §4.4: "renumber response packets to hide the
// extra result from the client"). Since the probe result is consumed
// internally rather than forwarded, unwrapReply here simply clears the
// pending-rewrite flag and renumbers p to sequence 1 (the first packet
// of the real reply the client expects) when a rewrite was in flight.
func (c *causalState) unwrapReply(p *wire.Packet) *wire.Packet {
	if !c.pendingRewrite {
		return p
	}
	c.pendingRewrite = false
	clone := p.Clone()
	clone.RewriteSequence(1)
	return clone
}
