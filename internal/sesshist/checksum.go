// Package sesshist tracks the ordered history of statements a session
// must be able to replay: session-affecting commands replayed onto a
// freshly connected backend (spec §4.4 "Session-command replay"), and
// in-transaction statements replayed after a mid-transaction backend
// failure (spec §4.4 "Transaction replay"). Both use the same rolling
// checksum primitive to detect whether a replay produced the same
// result as the original run.
package sesshist

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Checksum is an incremental digest over a sequence of reply payloads.
// It is grounded on the teacher's SCRAM handshake use of a keyed hash
// (internal/pool/scram.go), repurposed here from authentication to
// replay-comparison: each Add folds the previous digest and the new
// payload's length and bytes into the running state, so two Checksums
// fed the same ordered sequence of payloads always agree, and any
// divergence in content, length, or order changes the final digest.
type Checksum struct {
	state [blake2b.Size256]byte
	empty bool
}

// NewChecksum returns a Checksum in its initial (empty-sequence) state.
func NewChecksum() *Checksum {
	return &Checksum{empty: true}
}

// Add folds payload into the running digest.
func (c *Checksum) Add(payload []byte) {
	h, _ := blake2b.New256(nil)
	h.Write(c.state[:])
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	h.Write(lenBuf[:])
	h.Write(payload)
	copy(c.state[:], h.Sum(nil))
	c.empty = false
}

// Sum returns the current digest bytes.
func (c *Checksum) Sum() [blake2b.Size256]byte { return c.state }

// Equal reports whether two checksums have folded in identical sequences
// (order-sensitive, since Add mixes in the running state).
func (c *Checksum) Equal(other *Checksum) bool {
	if c.empty != other.empty {
		return false
	}
	return c.state == other.state
}
