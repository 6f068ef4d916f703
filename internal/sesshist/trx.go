package sesshist

import (
	"time"

	"github.com/sdrik/rwsplit/internal/wire"
)

// TrxRecorder accumulates the statements executed inside one transaction
// so they can be replayed on a new master connection after a
// mid-transaction backend failure (spec §4.4 "Transaction replay").
// Recording is bounded by maxSize (bytes, the trx_max_size option);
// exceeding it disables replay for the rest of the transaction rather
// than failing the transaction outright.
type TrxRecorder struct {
	maxSize   int
	size      int
	started   time.Time
	attempts  int
	maxAttempts int
	timeout   time.Duration
	stmts     []*wire.Packet
	checksum  *Checksum
	disabled  bool
}

// NewTrxRecorder starts recording a new transaction. maxSize is the byte
// cap (trx_max_size); maxAttempts and timeout are the replay bounds
// (trx_max_attempts, trx_timeout) — replay stops at whichever exhausts
// first, per spec §4.4.
func NewTrxRecorder(maxSize int, maxAttempts int, timeout time.Duration, startedAt time.Time) *TrxRecorder {
	return &TrxRecorder{
		maxSize:     maxSize,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		started:     startedAt,
		checksum:    NewChecksum(),
	}
}

// Record appends a statement to the replay log, disabling replay if
// doing so would exceed maxSize.
func (t *TrxRecorder) Record(p *wire.Packet) {
	if t.disabled {
		return
	}
	if t.size+p.Len() > t.maxSize {
		t.disabled = true
		t.stmts = nil
		return
	}
	t.size += p.Len()
	t.stmts = append(t.stmts, p)
}

// ObserveReply folds a reply payload into the transaction's running
// checksum, used later to detect a replay divergence.
func (t *TrxRecorder) ObserveReply(payload []byte) {
	if t.disabled {
		return
	}
	t.checksum.Add(payload)
}

// Disabled reports whether replay has been switched off for this
// transaction (either explicitly, or because it grew past maxSize).
func (t *TrxRecorder) Disabled() bool { return t.disabled }

// Statements returns the recorded statements in original order.
func (t *TrxRecorder) Statements() []*wire.Packet { return t.stmts }

// OriginalChecksum returns the checksum accumulated from the original
// (pre-failure) run's replies.
func (t *TrxRecorder) OriginalChecksum() [32]byte { return t.checksum.Sum() }

// CanAttempt reports whether another replay attempt is still allowed
// under both the attempt count and wall-clock timeout bounds.
func (t *TrxRecorder) CanAttempt(now time.Time) bool {
	if t.disabled {
		return false
	}
	if t.attempts >= t.maxAttempts {
		return false
	}
	if now.Sub(t.started) >= t.timeout {
		return false
	}
	return true
}

// BeginAttempt records that a new replay attempt is starting and returns
// its 1-based attempt number.
func (t *TrxRecorder) BeginAttempt() int {
	t.attempts++
	return t.attempts
}

// Attempts returns how many replay attempts have been made so far.
func (t *TrxRecorder) Attempts() int { return t.attempts }
