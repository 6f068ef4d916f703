// Package classifier converts a wire.Packet into a ClassifiedStmt and
// memoises the result in a bounded, per-worker cache (spec §4.2).
package classifier

import "github.com/sdrik/rwsplit/internal/wire"

// ParseStatus records how far classification got.
type ParseStatus int

const (
	Invalid ParseStatus = iota
	Tokenised
	PartiallyParsed
	Parsed
)

// Op is the statement's operation kind.
type Op int

const (
	Undefined Op = iota
	Select
	Insert
	Update
	Delete
	Create
	Drop
	Alter
	Grant
	Revoke
	Set
	SetTransaction
	Show
	Kill
	Call
	Explain
	ChangeDb
	Load
	LoadLocal
	Truncate
)

// TypeMask is a bitset over the statement-property flags spec §3 names.
type TypeMask uint32

const (
	Read TypeMask = 1 << iota
	Write
	LocalRead
	SessionWrite
	UserVarRead
	UserVarWrite
	SysVarRead
	GSysVarRead
	GSysVarWrite
	BeginTrx
	Commit
	Rollback
	EnableAutocommit
	DisableAutocommit
	PrepareStmt
	PrepareNamedStmt
	ExecStmt
	DeallocPrepare
	CreateTmpTable
	ReadTmpTable
	Readonly
	Readwrite
	NextTrx
	ShowDatabases
	ShowTables
)

func (m TypeMask) Has(bit TypeMask) bool { return m&bit != 0 }

// CollectFlags requests optional pieces of the classification result that
// an implementation may otherwise skip computing.
type CollectFlags uint8

const (
	CollectFields CollectFlags = 1 << iota
	CollectFunctions
	CollectTables
	CollectDatabases
)

// ClassifiedStmt is the pure, deterministic-given-(sql_mode,options)
// result of classifying one Packet (spec §3).
type ClassifiedStmt struct {
	ParseStatus ParseStatus
	Op          Op
	TypeMask    TypeMask
	Fields      []string
	Functions   []string
	Tables      []string
	Databases   []string
	PrepareName string
	KillTarget  string
	// SQLMode and Options are stored on the entry so the cache can treat
	// entries computed under a different (sql_mode, options) context as
	// misses (spec §3 CacheEntry invariant).
	SQLMode string
	Options uint64
}

// IsAutocommitToggle reports whether this result touches autocommit
// state, meaning it must never be cached (spec §3 CacheEntry invariant).
func (c *ClassifiedStmt) IsAutocommitToggle() bool {
	return c.TypeMask.Has(EnableAutocommit) || c.TypeMask.Has(DisableAutocommit)
}

// SqlParser is the external collaborator from spec §6: classification and
// canonicalisation are delegated to an implementation of this interface
// (internal/sqlparse.Classifier is the default).
type SqlParser interface {
	Parse(p *wire.Packet, collect CollectFlags, sqlMode string, options uint64) *ClassifiedStmt
	Canonical(p *wire.Packet) string
	GetPreparableStmt(p *wire.Packet) (*wire.Packet, bool)
	SetSQLMode(mode string)
	SetOptions(options uint64)
	SetServerVersion(version string)
}
