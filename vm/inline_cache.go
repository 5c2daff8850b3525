package vm

import (
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var clog = commonlog.GetLogger("avm2.cache")

// Inline caching for translated code
//
// Each cached site of a translation owns one InlineCache in its method's
// CacheTable. A cache holds an immutable snapshot; updates publish a new
// snapshot with compare-and-swap, so workers running the same method never
// see a torn entry. Every entry carries the guard it was recorded under and
// a hit is only trusted after the guard matches:
//
//   property sites  guard on the receiver's class and cache its trait
//   getlex sites    guard on the classes of the local scope entries and on
//                   the captured closure scope, and cache a frozen definition

// CacheState represents the current state of an inline cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No cached lookup yet
	CacheMonomorphic                   // Single guard cached
	CachePolymorphic                   // 2-4 entries
	CacheMegamorphic                   // Too many guards, use full lookup
)

var cacheStateNames = [...]string{"empty", "monomorphic", "polymorphic", "megamorphic"}

func (s CacheState) String() string {
	if int(s) < len(cacheStateNames) {
		return cacheStateNames[s]
	}
	return "unknown"
}

// MaxPICEntries is the maximum number of entries in a polymorphic inline cache.
const MaxPICEntries = 4

// scopeShape is the guard of a getlex entry.
type scopeShape struct {
	closure *ScopeChain
	classes []*ClassObject
}

// cacheEntry is one guarded lookup result. Entries never hold atoms.
type cacheEntry struct {
	class *ClassObject
	shape *scopeShape
	trait *Trait
	def   *Definition
}

type cacheSnapshot struct {
	state   CacheState
	entries []cacheEntry
}

var emptySnapshot = &cacheSnapshot{state: CacheEmpty}

// InlineCache is the cache of one translated site.
type InlineCache struct {
	snap   atomic.Pointer[cacheSnapshot]
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newInlineCache() *InlineCache {
	ic := &InlineCache{}
	ic.snap.Store(emptySnapshot)
	return ic
}

// State returns the current cache state.
func (ic *InlineCache) State() CacheState {
	return ic.snap.Load().state
}

// Hits returns how often a guard matched.
func (ic *InlineCache) Hits() uint64 { return ic.hits.Load() }

// Misses returns how often the generic path ran.
func (ic *InlineCache) Misses() uint64 { return ic.misses.Load() }

// lookupTrait returns the trait cached for receivers of class c.
func (ic *InlineCache) lookupTrait(c *ClassObject) *Trait {
	s := ic.snap.Load()
	for i := range s.entries {
		if s.entries[i].class == c {
			ic.hits.Add(1)
			return s.entries[i].trait
		}
	}
	ic.misses.Add(1)
	return nil
}

// lookupLex returns the definition cached for the scope of cx.
func (ic *InlineCache) lookupLex(w *Worker, cx *CallContext) *Definition {
	s := ic.snap.Load()
	for i := range s.entries {
		if s.entries[i].shape.matches(w, cx) {
			ic.hits.Add(1)
			return s.entries[i].def
		}
	}
	ic.misses.Add(1)
	return nil
}

// record adds e, moving the cache through its states. Concurrent updates
// retry against the latest snapshot.
func (ic *InlineCache) record(e cacheEntry, same func(a, b *cacheEntry) bool) {
	for {
		old := ic.snap.Load()
		if old.state == CacheMegamorphic {
			return
		}
		for i := range old.entries {
			if same(&old.entries[i], &e) {
				return
			}
		}
		next := &cacheSnapshot{}
		if len(old.entries) < MaxPICEntries {
			next.entries = append(append(make([]cacheEntry, 0, len(old.entries)+1), old.entries...), e)
			next.state = CacheMonomorphic
			if len(next.entries) > 1 {
				next.state = CachePolymorphic
			}
		} else {
			next.state = CacheMegamorphic
		}
		if ic.snap.CompareAndSwap(old, next) {
			if next.state != old.state && clog.AllowLevel(commonlog.Debug) {
				clog.Debugf("inline cache %s -> %s", old.state, next.state)
			}
			return
		}
	}
}

func (ic *InlineCache) recordTrait(c *ClassObject, t *Trait) {
	ic.record(cacheEntry{class: c, trait: t}, func(a, b *cacheEntry) bool { return a.class == b.class })
}

func (ic *InlineCache) recordLex(shape *scopeShape, def *Definition) {
	ic.record(cacheEntry{shape: shape, def: def}, func(a, b *cacheEntry) bool { return a.shape.equal(b.shape) })
}

// Reset clears the cache back to empty state.
func (ic *InlineCache) Reset() {
	ic.snap.Store(emptySnapshot)
	ic.hits.Store(0)
	ic.misses.Store(0)
}

// shapeOf captures the guard for a getlex lookup in cx. It fails when
// any visible scope entry is a with scope.
func (w *Worker) shapeOf(cx *CallContext) (*scopeShape, bool) {
	if c := cx.closure; c != nil {
		for _, e := range c.entries {
			if e.With {
				return nil, false
			}
		}
	}
	s := &scopeShape{closure: cx.closure, classes: make([]*ClassObject, len(cx.scope))}
	for i, e := range cx.scope {
		if e.With {
			return nil, false
		}
		s.classes[i] = w.vm.Objects.ClassOf(e.Value)
	}
	return s, true
}

func (s *scopeShape) matches(w *Worker, cx *CallContext) bool {
	if s.closure != cx.closure || len(s.classes) != len(cx.scope) {
		return false
	}
	for i, e := range cx.scope {
		if e.With || s.classes[i] != w.vm.Objects.ClassOf(e.Value) {
			return false
		}
	}
	return true
}

func (s *scopeShape) equal(o *scopeShape) bool {
	if s.closure != o.closure || len(s.classes) != len(o.classes) {
		return false
	}
	for i := range s.classes {
		if s.classes[i] != o.classes[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// CacheTable: the caches of one method
// ---------------------------------------------------------------------------

// CacheTable holds the inline caches of a translated method, indexed by
// the Site of each cached instruction.
type CacheTable struct {
	caches []*InlineCache
}

// NewCacheTable creates a table with n empty caches.
func NewCacheTable(n int) *CacheTable {
	t := &CacheTable{caches: make([]*InlineCache, n)}
	for i := range t.caches {
		t.caches[i] = newInlineCache()
	}
	return t
}

// Get returns the cache of site i.
func (t *CacheTable) Get(i int) *InlineCache {
	return t.caches[i]
}

// Len returns the number of sites.
func (t *CacheTable) Len() int {
	return len(t.caches)
}

// Stats returns aggregate statistics for all caches in the table.
func (t *CacheTable) Stats() ICStats {
	var stats ICStats
	for _, ic := range t.caches {
		stats.add(ic)
	}
	stats.finish()
	return stats
}

// Reset clears all caches in the table.
func (t *CacheTable) Reset() {
	for _, ic := range t.caches {
		ic.Reset()
	}
}

// cacheTable returns the caches of m, creating them for n sites on first use.
func (m *MethodInfo) cacheTable(n int) *CacheTable {
	if t := m.caches.Load(); t != nil {
		return t
	}
	m.caches.CompareAndSwap(nil, NewCacheTable(n))
	return m.caches.Load()
}

// Caches returns the cache table of m, or nil before its first translated run.
func (m *MethodInfo) Caches() *CacheTable {
	return m.caches.Load()
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	TotalSites      int     // Total number of cache sites
	Monomorphic     int     // Sites in monomorphic state
	Polymorphic     int     // Sites in polymorphic state
	Megamorphic     int     // Sites in megamorphic state
	Empty           int     // Sites never filled
	TotalHits       uint64  // Total cache hits
	TotalMisses     uint64  // Total cache misses
	HitRate         float64 // Overall hit rate percentage
	MonomorphicRate float64 // Percentage of filled sites that are monomorphic
}

func (s *ICStats) add(ic *InlineCache) {
	s.TotalSites++
	switch ic.State() {
	case CacheMonomorphic:
		s.Monomorphic++
	case CachePolymorphic:
		s.Polymorphic++
	case CacheMegamorphic:
		s.Megamorphic++
	default:
		s.Empty++
	}
	s.TotalHits += ic.Hits()
	s.TotalMisses += ic.Misses()
}

func (s *ICStats) finish() {
	if total := s.TotalHits + s.TotalMisses; total > 0 {
		s.HitRate = float64(s.TotalHits) * 100 / float64(total)
	}
	if filled := s.TotalSites - s.Empty; filled > 0 {
		s.MonomorphicRate = float64(s.Monomorphic) * 100 / float64(filled)
	}
}

// CollectICStats gathers inline cache statistics from every method of the
// loaded programs.
func (vm *VM) CollectICStats() ICStats {
	vm.mu.Lock()
	programs := append([]*Program(nil), vm.programs...)
	vm.mu.Unlock()

	var stats ICStats
	for _, p := range programs {
		for _, m := range p.Methods {
			if t := m.Caches(); t != nil {
				for _, ic := range t.caches {
					stats.add(ic)
				}
			}
		}
	}
	stats.finish()
	return stats
}
