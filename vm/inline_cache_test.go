package vm

import (
	"fmt"
	"sync"
	"testing"
)

func TestInlineCacheStates(t *testing.T) {
	ic := newInlineCache()
	if ic.State() != CacheEmpty {
		t.Fatalf("new cache should be empty, got %s", ic.State())
	}

	classes := make([]*ClassObject, MaxPICEntries+1)
	traits := make([]*Trait, len(classes))
	for i := range classes {
		classes[i] = newClassObject(fmt.Sprintf("C%d", i), nil, false)
		traits[i] = &Trait{Name: "x", Kind: TraitSlot, Slot: i}
	}

	if ic.lookupTrait(classes[0]) != nil {
		t.Error("empty cache should miss")
	}
	ic.recordTrait(classes[0], traits[0])
	if ic.State() != CacheMonomorphic {
		t.Errorf("Expected monomorphic, got %s", ic.State())
	}
	if got := ic.lookupTrait(classes[0]); got != traits[0] {
		t.Errorf("Expected cached trait, got %v", got)
	}

	// Recording the same class again changes nothing.
	ic.recordTrait(classes[0], traits[1])
	if got := ic.lookupTrait(classes[0]); got != traits[0] {
		t.Error("duplicate record replaced the entry")
	}

	for i := 1; i < MaxPICEntries; i++ {
		ic.recordTrait(classes[i], traits[i])
	}
	if ic.State() != CachePolymorphic {
		t.Errorf("Expected polymorphic, got %s", ic.State())
	}
	for i := 0; i < MaxPICEntries; i++ {
		if got := ic.lookupTrait(classes[i]); got != traits[i] {
			t.Errorf("class %d: wrong trait", i)
		}
	}

	ic.recordTrait(classes[MaxPICEntries], traits[MaxPICEntries])
	if ic.State() != CacheMegamorphic {
		t.Errorf("Expected megamorphic, got %s", ic.State())
	}
	if ic.lookupTrait(classes[0]) != nil {
		t.Error("megamorphic cache should always miss")
	}

	if ic.Hits() != uint64(MaxPICEntries+2) {
		t.Errorf("Expected %d hits, got %d", MaxPICEntries+2, ic.Hits())
	}
	if ic.Misses() != 2 {
		t.Errorf("Expected 2 misses, got %d", ic.Misses())
	}

	ic.Reset()
	if ic.State() != CacheEmpty || ic.Hits() != 0 || ic.Misses() != 0 {
		t.Errorf("Reset left state %s, %d hits, %d misses", ic.State(), ic.Hits(), ic.Misses())
	}
}

func TestInlineCacheConcurrentRecord(t *testing.T) {
	ic := newInlineCache()
	a := newClassObject("A", nil, false)
	b := newClassObject("B", nil, false)
	ta, tb := &Trait{Name: "x"}, &Trait{Name: "x"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				if i%2 == 0 {
					ic.recordTrait(a, ta)
					if got := ic.lookupTrait(a); got != ta {
						t.Errorf("A resolved to %p", got)
						return
					}
				} else {
					ic.recordTrait(b, tb)
					if got := ic.lookupTrait(b); got != tb {
						t.Errorf("B resolved to %p", got)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if ic.State() != CachePolymorphic {
		t.Errorf("Expected polymorphic, got %s", ic.State())
	}
	if n := len(ic.snap.Load().entries); n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}
}

func TestScopeShape(t *testing.T) {
	vm, w := newTestWorker(t)
	obj := vm.NewObject()
	defer vm.Heap.Release(obj)

	cx := &CallContext{worker: w}
	cx.scope = []ScopeEntry{{Value: vm.Domain.Global()}}
	shape, ok := w.shapeOf(cx)
	if !ok {
		t.Fatal("shapeOf failed")
	}
	if !shape.matches(w, cx) {
		t.Error("shape should match the context it was taken from")
	}

	other := &CallContext{worker: w, scope: []ScopeEntry{{Value: obj}}}
	if shape.matches(w, other) {
		t.Error("shape should not match a scope of a different class")
	}
	deeper := &CallContext{worker: w, scope: []ScopeEntry{{Value: vm.Domain.Global()}, {Value: obj}}}
	if shape.matches(w, deeper) {
		t.Error("shape should not match a deeper scope")
	}

	with := &CallContext{worker: w, scope: []ScopeEntry{{Value: obj, With: true}}}
	if _, ok := w.shapeOf(with); ok {
		t.Error("with scopes cannot be cached")
	}
}

func TestCacheTableStats(t *testing.T) {
	table := NewCacheTable(3)
	if table.Len() != 3 {
		t.Fatalf("Expected 3 sites, got %d", table.Len())
	}
	c := newClassObject("C", nil, false)
	tr := &Trait{Name: "x"}

	table.Get(0).recordTrait(c, tr)
	table.Get(0).lookupTrait(c)
	table.Get(0).lookupTrait(c)
	table.Get(0).lookupTrait(newClassObject("D", nil, false))

	stats := table.Stats()
	if stats.TotalSites != 3 || stats.Monomorphic != 1 || stats.Empty != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.TotalHits != 2 || stats.TotalMisses != 1 {
		t.Errorf("Expected 2 hits and 1 miss, got %+v", stats)
	}
	if stats.MonomorphicRate != 100 {
		t.Errorf("Expected 100%% monomorphic, got %v", stats.MonomorphicRate)
	}

	table.Reset()
	if s := table.Stats(); s.Empty != 3 || s.TotalHits != 0 {
		t.Errorf("Reset left %+v", s)
	}
}
