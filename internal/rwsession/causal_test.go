package rwsession

import (
	"strings"
	"testing"
	"time"

	"github.com/sdrik/rwsplit/internal/wire"
)

func TestRewriteForReadInjectsProbeWhenGTIDKnown(t *testing.T) {
	c := newCausalState()
	c.ObserveMasterWrite("0-1-42")
	p := queryPacket("SELECT 1")
	rewritten := c.rewriteForRead(p, CausalLocal, 5*time.Second)
	if rewritten == p {
		t.Fatalf("expected a distinct rewritten packet")
	}
	text := string(rewritten.Payload())
	if !strings.Contains(text, "MASTER_GTID_WAIT") || !strings.Contains(text, "0-1-42") {
		t.Fatalf("expected the probe to embed the observed GTID, got %q", text)
	}
	if !c.pendingRewrite {
		t.Fatalf("expected pendingRewrite to be set after injecting a probe")
	}
}

func TestRewriteForReadNoOpWithoutObservedGTID(t *testing.T) {
	c := newCausalState()
	p := queryPacket("SELECT 1")
	rewritten := c.rewriteForRead(p, CausalLocal, 5*time.Second)
	if rewritten != p {
		t.Fatalf("expected no rewrite when no GTID has been observed yet")
	}
}

func TestRewriteForReadNoOpUnderFastMode(t *testing.T) {
	c := newCausalState()
	c.ObserveMasterWrite("0-1-42")
	p := queryPacket("SELECT 1")
	rewritten := c.rewriteForRead(p, CausalFast, 5*time.Second)
	if rewritten != p {
		t.Fatalf("expected fast mode to never inject a probe")
	}
}

func TestUnwrapReplyRenumbersAfterPendingRewrite(t *testing.T) {
	c := newCausalState()
	c.ObserveMasterWrite("0-1-42")
	c.rewriteForRead(queryPacket("SELECT 1"), CausalLocal, time.Second)

	reply := wire.New(3, []byte{0x00})
	out := c.unwrapReply(reply)
	if out.Seq() != 1 {
		t.Fatalf("got seq %d, want 1 after unwrapping a probed reply", out.Seq())
	}
	if c.pendingRewrite {
		t.Fatalf("expected pendingRewrite cleared after unwrapReply")
	}
}

func TestUnwrapReplyNoOpWithoutPendingRewrite(t *testing.T) {
	c := newCausalState()
	reply := wire.New(3, []byte{0x00})
	out := c.unwrapReply(reply)
	if out != reply {
		t.Fatalf("expected unwrapReply to be a no-op when no probe is pending")
	}
}

func TestNeedsProbeOnlyUnderUniversalModeBeforeFirstProbe(t *testing.T) {
	c := newCausalState()
	if c.NeedsProbe(CausalLocal) {
		t.Fatalf("Local mode never needs the universal one-time probe")
	}
	if !c.NeedsProbe(CausalUniversal) {
		t.Fatalf("Universal mode needs a probe before the first one runs")
	}
	c.MarkProbed()
	if c.NeedsProbe(CausalUniversal) {
		t.Fatalf("expected NeedsProbe to be false once MarkProbed has been called")
	}
}
