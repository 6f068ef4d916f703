package wire

// Packet is an immutable, cheaply-clonable owned byte buffer representing
// one MySQL/MariaDB protocol packet's payload (the 4-byte length+sequence
// header is not part of Payload; Seq carries the sequence number
// separately so it can be rewritten in place by RewriteSequence without
// touching the payload).
//
// Clone shares the same backing array and no call ever copies it:
// RewriteSequence changes only the Packet's own seq field, and
// WithPayload wraps a caller-supplied payload in a new Packet. Passing a
// Packet down the routing pipeline — classify, plan, write to backend,
// cache — therefore never copies the SQL text.
type Packet struct {
	seq     byte
	payload []byte
	shared  *bool // true if payload's backing array may be aliased elsewhere

	// attachment caches a classification result (an opaque *classifier.
	// ClassifiedStmt, in practice) so the cache-scope guard described in
	// spec §4.2 can stash and later clear it without wire depending on
	// the classifier package.
	attachment any
}

// New wraps payload (not copied) as a Packet with the given sequence
// number. Callers must not mutate payload after this call; Clone shares
// it rather than copying it.
func New(seq byte, payload []byte) *Packet {
	shared := true
	return &Packet{seq: seq, payload: payload, shared: &shared}
}

// Seq returns the packet's current sequence number.
func (p *Packet) Seq() byte { return p.seq }

// Len returns the payload length.
func (p *Packet) Len() int { return len(p.payload) }

// Command returns the payload's first byte (the COM_* command byte for
// client-to-server packets), or 0 for an empty payload.
func (p *Packet) Command() byte {
	if len(p.payload) == 0 {
		return 0
	}
	return p.payload[0]
}

// Payload returns the packet's payload. The returned slice must be
// treated as read-only; mutate via WithPayload instead.
func (p *Packet) Payload() []byte { return p.payload }

// Clone returns a Packet sharing this one's backing array (copy-on-write:
// no bytes are copied until one of the clones is mutated).
func (p *Packet) Clone() *Packet {
	return &Packet{seq: p.seq, payload: p.payload, shared: p.shared}
}

// RewriteSequence sets this Packet's sequence number in place, matching
// ProtocolCodec.rewrite_sequence from spec §6. The payload is untouched
// and other clones keep their own sequence numbers.
func (p *Packet) RewriteSequence(seq byte) {
	p.seq = seq
}

// WithPayload returns a new Packet with p's sequence number wrapping
// payload (not copied); p itself is unchanged.
func (p *Packet) WithPayload(payload []byte) *Packet {
	shared := true
	return &Packet{seq: p.seq, payload: payload, shared: &shared}
}

// Attachment returns the cached value stashed by SetAttachment, or nil.
func (p *Packet) Attachment() any { return p.attachment }

// SetAttachment stashes an opaque value (a classification result) onto
// the packet so repeated cache lookups for the same Packet are avoided.
func (p *Packet) SetAttachment(v any) { p.attachment = v }

// ClearAttachment drops any cached attachment, used by the cache-scope
// guard once it has decided the packet's key should remain live for
// insertion on drop (spec §4.2: "on hit ... clear the canonical key so
// the destructor is a no-op").
func (p *Packet) ClearAttachment() { p.attachment = nil }
