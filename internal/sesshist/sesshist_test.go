package sesshist

import (
	"testing"
	"time"

	"github.com/sdrik/rwsplit/internal/wire"
)

func TestChecksumOrderSensitive(t *testing.T) {
	a := NewChecksum()
	a.Add([]byte("one"))
	a.Add([]byte("two"))

	b := NewChecksum()
	b.Add([]byte("two"))
	b.Add([]byte("one"))

	if a.Equal(b) {
		t.Fatalf("checksums over reordered input must differ")
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := NewChecksum()
	a.Add([]byte("x"))
	b := NewChecksum()
	b.Add([]byte("x"))
	if !a.Equal(b) {
		t.Fatalf("identical input sequences must produce equal checksums")
	}
}

func TestHistoryRecordAndAckDoesNotDropTheOnlyEntry(t *testing.T) {
	h := NewHistory()
	h.Record(wire.New(0, []byte("SET NAMES utf8")))
	if h.Len() != 1 {
		t.Fatalf("expected 1 recorded command, got %d", h.Len())
	}
	h.Ack(0, []byte("OK"))
	if h.Len() != 1 {
		t.Fatalf("an acked session command describes standing session state and must stay in history for later backends to replay, got len=%d", h.Len())
	}
	if !h.commands[0].Acked {
		t.Fatalf("expected command to be marked acked")
	}
}

func TestHistoryAckIsIdempotentAcrossFanOutSecondaries(t *testing.T) {
	h := NewHistory()
	h.Record(wire.New(0, []byte("SET NAMES utf8")))

	h.Ack(0, []byte("OK from replica"))
	first := h.AckChecksum()

	h.Ack(0, []byte("OK from master"))
	if h.AckChecksum() != first {
		t.Fatalf("a second ack of an already-acked command must not change the checksum")
	}
}

func TestHistoryPendingExcludesInFlightCommand(t *testing.T) {
	h := NewHistory()
	h.Record(wire.New(0, []byte("SET NAMES utf8")))
	idx := h.Record(wire.New(0, []byte("SET autocommit=0")))

	pending := h.Pending(idx)
	if len(pending) != 1 {
		t.Fatalf("expected the in-flight command excluded from replay, got %d entries", len(pending))
	}
	if string(pending[0].Packet.Payload()) != "SET NAMES utf8" {
		t.Fatalf("expected the older, still-unacked command to remain pending")
	}
}

func TestHistoryAckChecksumMatchesReplayOrder(t *testing.T) {
	h1 := NewHistory()
	h1.Record(wire.New(0, []byte("SET NAMES utf8")))
	h1.Ack(0, []byte("OK"))

	h2 := NewHistory()
	h2.Record(wire.New(0, []byte("SET NAMES utf8")))
	h2.Ack(0, []byte("OK"))

	if h1.AckChecksum() != h2.AckChecksum() {
		t.Fatalf("two histories replaying identical statements/replies must match")
	}
}

func TestTrxRecorderDisablesOnOversizeStatement(t *testing.T) {
	tr := NewTrxRecorder(10, 3, time.Minute, time.Unix(0, 0))
	tr.Record(wire.New(0, []byte("this statement is far too long to fit")))
	if !tr.Disabled() {
		t.Fatalf("expected replay to be disabled once trx_max_size is exceeded")
	}
	if len(tr.Statements()) != 0 {
		t.Fatalf("disabled recorder must not retain statements")
	}
}

func TestTrxRecorderRespectsAttemptCap(t *testing.T) {
	tr := NewTrxRecorder(1<<20, 2, time.Minute, time.Unix(0, 0))
	now := time.Unix(0, 0)
	if !tr.CanAttempt(now) {
		t.Fatalf("expected first attempt to be allowed")
	}
	tr.BeginAttempt()
	if !tr.CanAttempt(now) {
		t.Fatalf("expected second attempt to be allowed")
	}
	tr.BeginAttempt()
	if tr.CanAttempt(now) {
		t.Fatalf("expected a third attempt to be rejected once max_attempts is exhausted")
	}
	if got := tr.Attempts(); got != 2 {
		t.Fatalf("got Attempts()=%d, want 2", got)
	}
}

func TestTrxRecorderRespectsTimeout(t *testing.T) {
	start := time.Unix(0, 0)
	tr := NewTrxRecorder(1<<20, 100, time.Second, start)
	if !tr.CanAttempt(start.Add(500 * time.Millisecond)) {
		t.Fatalf("expected attempt within timeout to be allowed")
	}
	if tr.CanAttempt(start.Add(2 * time.Second)) {
		t.Fatalf("expected attempt past trx_timeout to be rejected")
	}
}
