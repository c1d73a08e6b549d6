// Package cache provides an Adaptive Replacement Cache (ARC) used to
// memoize resolver listings, adapted from entitydb's
// cache/adaptive_replacement_cache.go.
//
// ARC balances a recency list (T1) against a frequency list (T2), using
// two "ghost" lists (B1, B2) of evicted keys to adapt the split between
// them to the actual workload. For Tagsistant, keys are normalized
// query paths (models.QueryTree.String()) and values are resolved
// directory-entry slices; invalidation is coarse (the whole cache is
// cleared on any tagging mutation) since the keyspace is effectively
// unbounded and targeted invalidation would require tracking which
// cached listings a given tag could affect.
package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	key   string
	value interface{}
}

// arcList is one of ARC's four internal lists.
type arcList struct {
	ll      *list.List
	index   map[string]*list.Element
	maxSize int
}

func newARCList(maxSize int) *arcList {
	return &arcList{ll: list.New(), index: make(map[string]*list.Element), maxSize: maxSize}
}

func (l *arcList) len() int { return l.ll.Len() }

func (l *arcList) remove(key string) {
	if e, ok := l.index[key]; ok {
		l.ll.Remove(e)
		delete(l.index, key)
	}
}

func (l *arcList) pushFront(key string, value interface{}) {
	e := l.ll.PushFront(entry{key: key, value: value})
	l.index[key] = e
}

func (l *arcList) evictOldest() (string, bool) {
	e := l.ll.Back()
	if e == nil {
		return "", false
	}
	l.ll.Remove(e)
	key := e.Value.(entry).key
	delete(l.index, key)
	return key, true
}

// ARC is a fixed-capacity adaptive replacement cache, safe for
// concurrent use.
type ARC struct {
	mu             sync.Mutex
	t1, t2, b1, b2 *arcList
	c              int // target combined size of T1+T2
	p              int // adaptation point: preferred size of T1

	hits, misses int64
}

// New returns an ARC sized to hold approximately capacity entries.
func New(capacity int) *ARC {
	if capacity < 1 {
		capacity = 1
	}
	return &ARC{
		t1: newARCList(capacity),
		t2: newARCList(capacity),
		b1: newARCList(capacity),
		b2: newARCList(capacity),
		c:  capacity,
		p:  0,
	}
}

// Get returns the cached value for key, if present, moving it toward
// the frequency list as ARC's algorithm specifies.
func (a *ARC) Get(key string) (interface{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.t1.index[key]; ok {
		v := e.Value.(entry).value
		a.t1.remove(key)
		a.t2.pushFront(key, v)
		a.hits++
		return v, true
	}
	if e, ok := a.t2.index[key]; ok {
		v := e.Value.(entry).value
		a.t2.ll.MoveToFront(e)
		a.hits++
		return v, true
	}
	a.misses++
	return nil, false
}

// Set inserts or updates key's value, running ARC's replacement policy
// if the cache is at capacity.
func (a *ARC) Set(key string, value interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.t1.index[key]; ok {
		a.t1.remove(key)
		a.t2.pushFront(key, value)
		return
	}
	if _, ok := a.t2.index[key]; ok {
		a.t2.remove(key)
		a.t2.pushFront(key, value)
		return
	}

	inB1 := a.b1.index[key] != nil
	inB2 := a.b2.index[key] != nil

	switch {
	case inB1:
		if a.b1.len() >= a.b2.len() {
			a.p = min(a.p+1, a.c)
		} else {
			a.p = min(a.p+max(1, a.b2.len()/max(1, a.b1.len())), a.c)
		}
		a.replace(key)
		a.b1.remove(key)
		a.t2.pushFront(key, value)
	case inB2:
		if a.b2.len() >= a.b1.len() {
			a.p = max(a.p-1, 0)
		} else {
			a.p = max(a.p-max(1, a.b1.len()/max(1, a.b2.len())), 0)
		}
		a.replace(key)
		a.b2.remove(key)
		a.t2.pushFront(key, value)
	default:
		if a.t1.len()+a.b1.len() == a.c {
			if a.t1.len() < a.c {
				a.b1.evictOldest()
				a.replace(key)
			} else {
				a.t1.evictOldest()
			}
		} else if a.t1.len()+a.b1.len() < a.c && a.t1.len()+a.t2.len()+a.b1.len()+a.b2.len() >= a.c {
			if a.t1.len()+a.t2.len()+a.b1.len()+a.b2.len() >= 2*a.c {
				a.b2.evictOldest()
			}
			a.replace(key)
		}
		a.t1.pushFront(key, value)
	}
}

// replace evicts one entry from T1 or T2 into its ghost list, per ARC's
// core replacement rule.
func (a *ARC) replace(key string) {
	if a.t1.len() > 0 && (a.t1.len() > a.p || (a.b2.index[key] != nil && a.t1.len() == a.p)) {
		if k, ok := a.t1.evictOldest(); ok {
			a.b1.pushFront(k, nil)
		}
		return
	}
	if k, ok := a.t2.evictOldest(); ok {
		a.b2.pushFront(k, nil)
	}
}

// Clear empties the cache. Called whenever any tagging mutation could
// have invalidated a cached listing.
func (a *ARC) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.t1 = newARCList(a.c)
	a.t2 = newARCList(a.c)
	a.b1 = newARCList(a.c)
	a.b2 = newARCList(a.c)
	a.p = 0
}

// Stats returns lifetime hit/miss counts.
func (a *ARC) Stats() (hits, misses int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits, a.misses
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
