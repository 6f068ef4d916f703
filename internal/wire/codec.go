package wire

import (
	"encoding/binary"
	"fmt"
)

// MySQL packet status flags (Protocol::OK_Packet / EOF_Packet), needed to
// detect transaction boundaries and multi-result-set continuations.
const (
	StatusInTrans          uint16 = 0x0001
	StatusAutocommit       uint16 = 0x0002
	StatusMoreResultsExist uint16 = 0x0008
)

// Packet type bytes.
const (
	OKPacketHeader  byte = 0x00
	EOFPacketHeader byte = 0xfe
	ErrPacketHeader byte = 0xff
)

const maxPacketPayload = 1<<24 - 1 // 16 MiB - 1, per the wire format's 3-byte length field

// Need reports how many more bytes Decode requires before it can produce
// another packet, mirroring the `Yields<Packet, Need(n)>` contract of
// spec §6's ProtocolCodec.decode.
type Need int

// Codec is the ProtocolCodec trait from spec §6: it turns a byte stream
// into Packets and back, and builds the two synthetic reply packets a
// session needs to hand-roll (OK and error) without executing any SQL
// itself.
type Codec interface {
	// Decode consumes as much of buf as forms complete packets and
	// returns them in order, plus the number of bytes consumed. If the
	// tail of buf is an incomplete packet, it reports how many
	// additional bytes are needed via need (0 if buf ends exactly on a
	// packet boundary).
	Decode(buf []byte) (packets []*Packet, consumed int, need Need, err error)
	// Encode serializes a Packet back into its 4-byte-header wire form.
	Encode(p *Packet) []byte
	// RewriteSequence mutates p's sequence number in place.
	RewriteSequence(p *Packet, seq byte)
	// MakeError builds a synthetic ERR_Packet.
	MakeError(code uint16, sqlState, msg string) *Packet
	// MakeOK builds a synthetic, empty OK_Packet.
	MakeOK() *Packet
}

// MySQLCodec is the default Codec implementation: MySQL/MariaDB text and
// binary protocol framing (3-byte length + 1-byte sequence header),
// grounded in the byte-level parsing the teacher's MySQL relay path uses
// (length/sequence header decode, OK/ERR/EOF recognition, status-flag and
// length-encoded-integer extraction).
type MySQLCodec struct{}

// NewMySQLCodec returns the default codec.
func NewMySQLCodec() *MySQLCodec { return &MySQLCodec{} }

func (MySQLCodec) Decode(buf []byte) (packets []*Packet, consumed int, need Need, err error) {
	for {
		remaining := buf[consumed:]
		if len(remaining) < 4 {
			if len(remaining) == 0 {
				return packets, consumed, 0, nil
			}
			return packets, consumed, Need(4 - len(remaining)), nil
		}
		payloadLen := int(remaining[0]) | int(remaining[1])<<8 | int(remaining[2])<<16
		if payloadLen > maxPacketPayload {
			return packets, consumed, 0, fmt.Errorf("wire: packet payload too large: %d", payloadLen)
		}
		seq := remaining[3]
		total := 4 + payloadLen
		if len(remaining) < total {
			return packets, consumed, Need(total - len(remaining)), nil
		}
		payload := make([]byte, payloadLen)
		copy(payload, remaining[4:total])
		packets = append(packets, New(seq, payload))
		consumed += total
	}
}

func (MySQLCodec) Encode(p *Packet) []byte {
	payload := p.Payload()
	out := make([]byte, 4+len(payload))
	out[0] = byte(len(payload))
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload) >> 16)
	out[3] = p.Seq()
	copy(out[4:], payload)
	return out
}

func (MySQLCodec) RewriteSequence(p *Packet, seq byte) {
	p.RewriteSequence(seq)
}

func (MySQLCodec) MakeError(code uint16, sqlState, msg string) *Packet {
	state := sqlState
	if len(state) > 5 {
		state = state[:5]
	}
	for len(state) < 5 {
		state += "0"
	}
	buf := make([]byte, 0, 1+2+1+5+len(msg))
	buf = append(buf, ErrPacketHeader)
	buf = append(buf, byte(code), byte(code>>8))
	buf = append(buf, '#')
	buf = append(buf, state...)
	buf = append(buf, msg...)
	return New(0, buf)
}

func (MySQLCodec) MakeOK() *Packet {
	// affected_rows=0, last_insert_id=0, status=SERVER_STATUS_AUTOCOMMIT, warnings=0
	buf := []byte{OKPacketHeader, 0x00, 0x00, byte(StatusAutocommit), byte(StatusAutocommit >> 8), 0x00, 0x00}
	return New(0, buf)
}

// StatusFlags extracts the server status flags from an OK_Packet or
// EOF_Packet payload, returning 0 if the packet is neither or is too
// short to contain them.
func StatusFlags(payload []byte) uint16 {
	if len(payload) == 0 {
		return 0
	}
	switch payload[0] {
	case OKPacketHeader:
		pos := 1
		pos = skipLenEnc(payload, pos)
		pos = skipLenEnc(payload, pos)
		if pos+2 <= len(payload) {
			return binary.LittleEndian.Uint16(payload[pos : pos+2])
		}
	case EOFPacketHeader:
		if len(payload) < 9 && len(payload) >= 5 {
			return binary.LittleEndian.Uint16(payload[3:5])
		}
	}
	return 0
}

// IsTerminal reports whether payload is an OK, ERR, or short EOF packet —
// the three packet kinds that end a single statement's reply stream.
func IsTerminal(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] {
	case OKPacketHeader, ErrPacketHeader:
		return true
	case EOFPacketHeader:
		return len(payload) < 9
	}
	return false
}

// IsErrPacket reports whether payload is an ERR_Packet, the shape a
// session needs to recognize a backend failure it must translate into a
// causal-read timeout or a transaction-replay decision, as opposed to a
// normal OK/EOF/result-set reply.
func IsErrPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == ErrPacketHeader
}

// skipLenEnc advances pos past one length-encoded integer in buf.
func skipLenEnc(buf []byte, pos int) int {
	if pos >= len(buf) {
		return pos
	}
	switch b := buf[pos]; {
	case b < 0xfb:
		return pos + 1
	case b == 0xfc:
		return pos + 3
	case b == 0xfd:
		return pos + 4
	case b == 0xfe:
		return pos + 9
	default:
		return pos + 1
	}
}
