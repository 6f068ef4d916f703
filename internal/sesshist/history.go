package sesshist

import "github.com/sdrik/rwsplit/internal/wire"

// Command is one recorded session-affecting statement together with the
// checksum of the reply it originally produced.
type Command struct {
	Packet   *wire.Packet
	Acked    bool
	replySum [32]byte
}

// History is the ordered record of session-affecting statements a
// session has issued, used to replay session state onto a freshly
// connected backend (spec §4.4). Unlike a queue of one-shot actions, a
// session command (SET, USE, PREPARE) describes standing session state:
// once acked it is never removed, because any backend that connects
// later — however long afterward, and whether or not it took part in
// the original RoutingPlan.All fan-out — still needs to replay it to
// end up in the same session state as every other backend (spec's
// concrete scenario: after a session-affecting statement both backends
// already hold has been fully acked, "History now has 1 entry", not
// zero). Grounded on internal/pool/pool.go's idle-slice append pattern,
// generalized from "slice of idle connections" to "append-only log."
type History struct {
	commands []Command
}

// NewHistory returns an empty History.
func NewHistory() *History { return &History{} }

// Record appends a session-affecting statement to the history, in
// original order, and returns its index for a later, precise Ack.
// Callers should only Record statements the router has classified as
// SessionWrite (spec §4.2's TypeMask).
func (h *History) Record(p *wire.Packet) int {
	h.commands = append(h.commands, Command{Packet: p})
	return len(h.commands) - 1
}

// Ack marks the command at index as executed successfully and folds its
// reply into the running checksum, the first time any backend
// reproduces it; later acks of the same index (e.g. a RoutingPlan.All
// fan-out's secondary backends acking the same statement the primary
// already acked) are no-ops. index must name a command Record returned.
func (h *History) Ack(index int, replyPayload []byte) {
	if index < 0 || index >= len(h.commands) || h.commands[index].Acked {
		return
	}
	c := NewChecksum()
	c.Add(replyPayload)
	h.commands[index].Acked = true
	h.commands[index].replySum = c.Sum()
}

// Pending returns the statements a backend connection must replay
// before the session may route queries to it, in original order,
// excluding the command at except (typically the statement currently in
// flight to its own primary target, which no backend has acked yet and
// which will reach the new endpoint through the normal write path
// rather than replay). Pass a negative except to exclude nothing.
func (h *History) Pending(except int) []Command {
	if except < 0 {
		return h.commands
	}
	out := make([]Command, 0, len(h.commands))
	for i, cmd := range h.commands {
		if i == except {
			continue
		}
		out = append(out, cmd)
	}
	return out
}

// AckChecksum folds together the reply checksums of every acked command,
// in order, used to compare a replaying backend's outcome against the
// checksum the session already expects (spec §4.4: "a backend whose
// replay ack-checksum disagrees ... is evicted").
func (h *History) AckChecksum() [32]byte {
	c := NewChecksum()
	for _, cmd := range h.commands {
		if cmd.Acked {
			c.Add(cmd.replySum[:])
		}
	}
	return c.Sum()
}

// Len reports the number of commands recorded so far.
func (h *History) Len() int { return len(h.commands) }
