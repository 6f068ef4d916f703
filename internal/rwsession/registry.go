package rwsession

import "sync"

// Killable is the minimal surface KILL propagation needs from a Session
// (spec §4.6 supplement to §4.4's state machine: "KILL <id>" must reach
// a session that may be owned by a different worker than the one
// executing the KILL statement).
type Killable interface {
	// RequestKill marks the session for termination. It must be safe to
	// call from any goroutine, and it touches no other session state
	// (spec §5). Session's implementation only sets a flag; no caller in
	// this repository acts on it.
	RequestKill()
}

// Registry is the process-wide (not per-worker) map from session ID to
// a killable handle, replacing what would otherwise be a raw pointer
// looked up by scanning every worker (spec §9's "no raw-pointer back
// references" redesign note, applied here to the same "find a session
// by ID across owners" problem KILL propagation has).
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]Killable
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]Killable)}
}

// Register makes id findable for KILL propagation. Called once when a
// Session is created.
func (r *Registry) Register(id uint64, k Killable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = k
}

// Unregister removes id, called when a Session's connection closes.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Kill requests termination of the session with the given id. It
// returns false if no such session is currently registered (matching
// MySQL's "Unknown thread id" outcome, left for the caller to turn into
// an error packet).
func (r *Registry) Kill(id uint64) bool {
	r.mu.RLock()
	k, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	k.RequestKill()
	return true
}

// killFlag is a channel closed at most once (guarded by sync.Once, so
// repeated requests from any goroutine are safe); a waiting event loop
// can select on it instead of polling.
type killFlag struct {
	ch        chan struct{}
	requested bool
	once      sync.Once
}

func newKillFlag() *killFlag {
	return &killFlag{ch: make(chan struct{})}
}

func (f *killFlag) request() {
	f.once.Do(func() { close(f.ch) })
}

// Chan returns a channel that becomes readable once a kill has been
// requested, suitable for a select alongside the worker's other event
// sources.
func (f *killFlag) Chan() <-chan struct{} { return f.ch }
