package rwsession

// PreparedStmt is one client-visible prepared statement: the SQL text it
// was prepared from, and the backend-assigned statement ID currently
// valid for it (which changes across reconnection).
type PreparedStmt struct {
	SQL       string
	BackendID uint32
}

// PreparedRegistry implements Open Question decision #3 (spec §9):
// prepared-statement IDs are never reused verbatim across a
// reconnection. It maps the client's view of a prepared statement (its
// COM_STMT_PREPARE-assigned client ID) to the SQL text and whatever
// backend ID is currently valid, so a reconnection can re-PREPARE every
// still-referenced statement and rewrite subsequent COM_STMT_EXECUTE
// payloads to the new backend ID.
type PreparedRegistry struct {
	byClientID map[uint32]*PreparedStmt
}

// NewPreparedRegistry returns an empty registry.
func NewPreparedRegistry() *PreparedRegistry {
	return &PreparedRegistry{byClientID: make(map[uint32]*PreparedStmt)}
}

// Register records a newly prepared statement under clientID (the ID
// this proxy hands back to the client, distinct from any backend ID).
func (r *PreparedRegistry) Register(clientID uint32, sql string, backendID uint32) {
	r.byClientID[clientID] = &PreparedStmt{SQL: sql, BackendID: backendID}
}

// Deallocate forgets a prepared statement (COM_STMT_CLOSE).
func (r *PreparedRegistry) Deallocate(clientID uint32) {
	delete(r.byClientID, clientID)
}

// Lookup returns the statement registered under clientID.
func (r *PreparedRegistry) Lookup(clientID uint32) (*PreparedStmt, bool) {
	s, ok := r.byClientID[clientID]
	return s, ok
}

// RemapForReconnect returns the SQL text of every still-live prepared
// statement, in a stable order, for the caller to re-PREPARE against a
// new backend connection. The caller must call ApplyNewBackendID with
// each result before routing any COM_STMT_EXECUTE against the new
// connection.
func (r *PreparedRegistry) RemapForReconnect() []uint32 {
	ids := make([]uint32, 0, len(r.byClientID))
	for id := range r.byClientID {
		ids = append(ids, id)
	}
	return ids
}

// ApplyNewBackendID updates clientID's backend-assigned ID after a
// reconnection re-PREPARE succeeds.
func (r *PreparedRegistry) ApplyNewBackendID(clientID uint32, newBackendID uint32) {
	if s, ok := r.byClientID[clientID]; ok {
		s.BackendID = newBackendID
	}
}

// RewriteExecuteID returns the backend ID a COM_STMT_EXECUTE for
// clientID should carry on the wire right now.
func (r *PreparedRegistry) RewriteExecuteID(clientID uint32) (uint32, bool) {
	s, ok := r.byClientID[clientID]
	if !ok {
		return 0, false
	}
	return s.BackendID, true
}
