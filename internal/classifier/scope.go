package classifier

import "github.com/sdrik/rwsplit/internal/wire"

// Classifier ties a SqlParser implementation to a per-worker Cache,
// implementing the cache-scope-guard construct/destruct sequence spec
// §4.2 describes.
type Classifier struct {
	parser  SqlParser
	cache   *Cache
	enabled bool
}

// New builds a Classifier. Pass a nil cache to run uncached (every
// lookup is a parser call); cmd/rwsplitd always passes a non-nil cache.
func New(parser SqlParser, cache *Cache) *Classifier {
	return &Classifier{parser: parser, cache: cache, enabled: cache != nil}
}

// canonicalKey builds the cache key for p: the canonical SQL text, with
// a ":P" discriminator appended for PREPARE statements so a prepared
// text and its later direct execution never collide (spec §4.2).
func (c *Classifier) canonicalKey(p *wire.Packet, isPrepare bool) string {
	key := c.parser.Canonical(p)
	if isPrepare {
		key += ":P"
	}
	return key
}

// Scope is the cache-scope guard from spec §4.2: Open it on every
// incoming packet, call Result() to get the ClassifiedStmt, and always
// Close() it (typically via defer) so a miss gets inserted into the
// cache exactly once.
type Scope struct {
	c        *Classifier
	packet   *wire.Packet
	key      string
	stmt     *ClassifiedStmt
	fromHit  bool
}

// Open begins a cache-scope guard for p. If p already carries an
// attached classification (from a previous Open on the same packet),
// that attachment is reused with no parser or cache work at all.
func (c *Classifier) Open(p *wire.Packet, collect CollectFlags, sqlMode string, options uint64) *Scope {
	s := &Scope{c: c, packet: p}

	if cached, ok := p.Attachment().(*ClassifiedStmt); ok && cached != nil {
		s.stmt = cached
		s.fromHit = true
		return s
	}

	if !c.enabled {
		s.stmt = c.parser.Parse(p, collect, sqlMode, options)
		return s
	}

	_, isPrepare := c.parser.GetPreparableStmt(p)
	key := c.canonicalKey(p, isPrepare)

	if hit, ok := c.cache.Get(key, sqlMode, options); ok {
		clone := *hit
		p.SetAttachment(&clone)
		s.stmt = &clone
		s.fromHit = true
		// key intentionally left empty: on a hit the destructor is a
		// no-op (spec §4.2: "clear the canonical key so the destructor
		// is a no-op").
		return s
	}

	s.stmt = c.parser.Parse(p, collect, sqlMode, options)
	s.key = key
	return s
}

// Result returns the classification for this scope's packet.
func (s *Scope) Result() *ClassifiedStmt { return s.stmt }

// Close inserts a fresh (miss) classification into the cache, unless the
// scope was satisfied by a hit or the result must never be cached
// because it toggles autocommit (spec §4.2 CacheEntry invariant).
func (s *Scope) Close() {
	if s.fromHit || s.key == "" || s.c.cache == nil {
		return
	}
	if s.stmt.IsAutocommitToggle() {
		return
	}
	c := *s.stmt
	s.c.cache.Insert(s.key, &c)
}
