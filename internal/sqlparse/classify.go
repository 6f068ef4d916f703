// Package sqlparse is the default, non-grammar SQL classifier: it
// recognizes leading keywords and enough surrounding tokens to fill in
// ClassifiedStmt without building a parse tree, since the SQL grammar
// itself is explicitly out of this system's scope (spec §1). It
// implements classifier.SqlParser.
package sqlparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sdrik/rwsplit/internal/classifier"
	"github.com/sdrik/rwsplit/internal/wire"
)

// MySQL client command bytes (spec §3's Packet.Command()), grounded on
// the teacher's mariadb command constants.
const (
	ComQuery       byte = 0x03
	ComQuit        byte = 0x01
	ComInitDB      byte = 0x02
	ComFieldList   byte = 0x04
	ComPing        byte = 0x0e
	ComStmtPrepare byte = 0x16
	ComStmtExecute byte = 0x17
	ComStmtClose   byte = 0x19
	ComProcessKill byte = 0x0c
)

var (
	commentRegex     = regexp.MustCompile(`(?s)/\*.*?\*/|--[^\n]*|#[^\n]*`)
	stringLitRegex   = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)
	numberLitRegex   = regexp.MustCompile(`\b\d+\.?\d*\b`)
	whitespaceRegex  = regexp.MustCompile(`\s+`)
	leadingWordRegex = regexp.MustCompile(`(?i)^\s*([A-Za-z]+)`)
	fromClauseRegex  = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO|UPDATE)\s+` + "`?([A-Za-z0-9_$]+)`?")
	killTargetRegex  = regexp.MustCompile(`(?i)^\s*KILL\s+(?:CONNECTION\s+|QUERY\s+)?(\d+)`)
	forUpdateRegex   = regexp.MustCompile(`(?i)\bFOR\s+UPDATE\b`)
	userVarRegex     = regexp.MustCompile(`@[A-Za-z_][A-Za-z0-9_]*\s*:?=`)
	autocommitRegex  = regexp.MustCompile(`(?i)^\s*SET\s+(?:SESSION\s+|@@SESSION\.)?AUTOCOMMIT\s*=\s*['"]?(\w+)['"]?`)
)

// Classifier is the default classifier.SqlParser implementation.
type Classifier struct {
	sqlMode string
	options uint64
	version string
}

// New returns a Classifier with default (empty) sql_mode and options.
func New() *Classifier { return &Classifier{} }

func (c *Classifier) SetSQLMode(mode string)      { c.sqlMode = mode }
func (c *Classifier) SetOptions(options uint64)   { c.options = options }
func (c *Classifier) SetServerVersion(v string)   { c.version = v }

// Canonical returns the packet's SQL text with comments, string/number
// literals, and redundant whitespace normalized away, stable across the
// process lifetime for a given packet (spec §3 Packet invariant).
func (c *Classifier) Canonical(p *wire.Packet) string {
	return canonicalize(sqlText(p))
}

func sqlText(p *wire.Packet) string {
	payload := p.Payload()
	if len(payload) == 0 {
		return ""
	}
	if payload[0] == ComQuery || payload[0] == ComStmtPrepare {
		return string(payload[1:])
	}
	return string(payload)
}

func canonicalize(sql string) string {
	s := commentRegex.ReplaceAllString(sql, "")
	s = stringLitRegex.ReplaceAllString(s, "?")
	s = numberLitRegex.ReplaceAllString(s, "?")
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.ToUpper(strings.TrimSpace(s))
}

// GetPreparableStmt returns the packet unchanged for COM_STMT_PREPARE and
// PREPARE-text statements, since those are exactly the statements whose
// text a caller may want to hand to a fresh backend connection verbatim.
func (c *Classifier) GetPreparableStmt(p *wire.Packet) (*wire.Packet, bool) {
	if p.Command() == ComStmtPrepare {
		return p, true
	}
	canon := canonicalize(sqlText(p))
	if strings.HasPrefix(canon, "PREPARE ") {
		return p, true
	}
	return nil, false
}

// Parse classifies the packet. collect is honored on a best-effort basis:
// table names are only scanned for when CollectTables is requested.
func (c *Classifier) Parse(p *wire.Packet, collect classifier.CollectFlags, sqlMode string, options uint64) *classifier.ClassifiedStmt {
	result := &classifier.ClassifiedStmt{
		ParseStatus: classifier.Tokenised,
		Op:          classifier.Undefined,
		SQLMode:     sqlMode,
		Options:     options,
	}

	switch p.Command() {
	case ComQuit, ComPing, ComFieldList:
		result.TypeMask |= classifier.Read
		return result
	case ComInitDB:
		result.Op = classifier.ChangeDb
		result.TypeMask |= classifier.SessionWrite
		return result
	case ComStmtExecute:
		result.Op = classifier.Call
		result.TypeMask |= classifier.ExecStmt
		return result
	case ComStmtClose:
		result.TypeMask |= classifier.DeallocPrepare | classifier.SessionWrite
		return result
	case ComProcessKill:
		result.Op = classifier.Kill
		if payload := p.Payload(); len(payload) >= 5 {
			id := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
			result.KillTarget = strconv.FormatUint(uint64(id), 10)
		}
		return result
	}

	sql := sqlText(p)
	canon := canonicalize(sql)
	leading := strings.ToUpper(firstWord(sql))

	if p.Command() == ComStmtPrepare {
		result.TypeMask |= classifier.PrepareStmt
	}

	classifyByKeyword(result, leading, canon, sql)

	// Field/function collection is left to a full grammar-aware parser;
	// this lexical classifier deliberately does not attempt it (spec §1
	// excludes SQL grammar from scope). Only table names are recoverable
	// cheaply enough to be worth the regex scan.
	if collect&classifier.CollectTables != 0 {
		result.Tables = extractTables(sql)
	}
	if result.Op == classifier.Kill {
		if m := killTargetRegex.FindStringSubmatch(sql); m != nil {
			result.KillTarget = m[1]
		}
	}
	if userVarRegex.MatchString(sql) {
		if isAssignment(sql) {
			result.TypeMask |= classifier.UserVarWrite
		} else {
			result.TypeMask |= classifier.UserVarRead
		}
	}

	return result
}

func firstWord(s string) string {
	m := leadingWordRegex.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func isAssignment(sql string) bool {
	return strings.Contains(sql, ":=") || regexp.MustCompile(`@\w+\s*=[^=]`).MatchString(sql)
}

func extractTables(sql string) []string {
	matches := fromClauseRegex.FindAllStringSubmatch(sql, -1)
	if matches == nil {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			tables = append(tables, m[1])
		}
	}
	return tables
}

func classifyByKeyword(r *classifier.ClassifiedStmt, leading, canon, rawSQL string) {
	switch leading {
	case "SELECT":
		r.Op = classifier.Select
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Read
		if forUpdateRegex.MatchString(rawSQL) {
			r.TypeMask |= classifier.Write | classifier.Readwrite
		} else {
			r.TypeMask |= classifier.Readonly
		}
		if strings.Contains(canon, "INFORMATION_SCHEMA") {
			r.TypeMask |= classifier.LocalRead
		}
	case "INSERT", "REPLACE":
		r.Op = classifier.Insert
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write | classifier.Readwrite
	case "UPDATE":
		r.Op = classifier.Update
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write | classifier.Readwrite
	case "DELETE":
		r.Op = classifier.Delete
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write | classifier.Readwrite
	case "CREATE":
		r.Op = classifier.Create
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write
		if strings.Contains(canon, "TEMPORARY TABLE") {
			r.TypeMask |= classifier.CreateTmpTable
		}
	case "DROP":
		r.Op = classifier.Drop
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write
	case "ALTER":
		r.Op = classifier.Alter
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write
	case "TRUNCATE":
		r.Op = classifier.Truncate
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write
	case "GRANT":
		r.Op = classifier.Grant
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write
	case "REVOKE":
		r.Op = classifier.Revoke
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write
	case "SET":
		classifySet(r, canon, rawSQL)
	case "SHOW":
		r.Op = classifier.Show
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Read
		if strings.Contains(canon, "SHOW DATABASES") {
			r.TypeMask |= classifier.ShowDatabases
		}
		if strings.Contains(canon, "SHOW TABLES") {
			r.TypeMask |= classifier.ShowTables
		}
	case "KILL":
		r.Op = classifier.Kill
		r.ParseStatus = classifier.Parsed
	case "CALL":
		r.Op = classifier.Call
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write | classifier.Read
	case "EXPLAIN", "DESCRIBE", "DESC":
		r.Op = classifier.Explain
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Read
	case "USE":
		r.Op = classifier.ChangeDb
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.SessionWrite
	case "PREPARE":
		r.TypeMask |= classifier.PrepareNamedStmt | classifier.SessionWrite
		r.ParseStatus = classifier.Parsed
	case "EXECUTE":
		r.TypeMask |= classifier.ExecStmt
		r.ParseStatus = classifier.Parsed
	case "DEALLOCATE":
		r.TypeMask |= classifier.DeallocPrepare | classifier.SessionWrite
		r.ParseStatus = classifier.Parsed
	case "BEGIN", "START":
		r.TypeMask |= classifier.BeginTrx | classifier.SessionWrite
		r.ParseStatus = classifier.Parsed
	case "COMMIT":
		r.TypeMask |= classifier.Commit | classifier.SessionWrite
		r.ParseStatus = classifier.Parsed
	case "ROLLBACK":
		r.TypeMask |= classifier.Rollback | classifier.SessionWrite
		r.ParseStatus = classifier.Parsed
	case "LOAD":
		r.ParseStatus = classifier.Parsed
		r.TypeMask |= classifier.Write
		if strings.Contains(canon, "LOCAL") {
			r.Op = classifier.LoadLocal
		} else {
			r.Op = classifier.Load
		}
	default:
		r.ParseStatus = classifier.PartiallyParsed
	}
}

func classifySet(r *classifier.ClassifiedStmt, canon, rawSQL string) {
	r.Op = classifier.Set
	r.ParseStatus = classifier.Parsed
	r.TypeMask |= classifier.SessionWrite
	switch {
	case strings.Contains(canon, "SET TRANSACTION"):
		r.Op = classifier.SetTransaction
		r.TypeMask |= classifier.NextTrx
	case strings.Contains(canon, "AUTOCOMMIT=?") || strings.Contains(canon, "AUTOCOMMIT = ?"):
		// canon has already folded the numeric literal to ?, so the
		// on/off value must be read off the raw text instead, the same
		// way txnscan.Scan does.
		if m := autocommitRegex.FindStringSubmatch(rawSQL); m != nil {
			switch strings.ToUpper(m[1]) {
			case "1", "ON", "TRUE":
				r.TypeMask |= classifier.EnableAutocommit
			default:
				r.TypeMask |= classifier.DisableAutocommit
			}
		} else {
			r.TypeMask |= classifier.DisableAutocommit
		}
	}
	if strings.HasPrefix(canon, "SET GLOBAL") {
		r.TypeMask |= classifier.GSysVarWrite
	} else if strings.Contains(canon, "@@GLOBAL") {
		r.TypeMask |= classifier.GSysVarWrite
	} else if strings.HasPrefix(canon, "SET @@") || strings.HasPrefix(canon, "SET SESSION") {
		r.TypeMask |= classifier.SysVarRead
	}
}
