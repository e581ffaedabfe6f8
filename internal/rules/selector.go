package rules

import (
	"sync"
	"sync/atomic"
)

// Selector holds the published rule Set and derives the active matcher list
// from it. Publish may be called from any goroutine; everything else belongs
// to the polling goroutine.
type Selector struct {
	published atomic.Pointer[Set]

	publishMu sync.Mutex
	version   uint64

	set      *Set
	current  bool
	selected bool
	active   []*Matcher
}

func NewSelector() *Selector {
	s := &Selector{}
	s.published.Store(&Set{})
	return s
}

// Publish atomically swaps in a new Set and returns its version. The
// published Set always carries the highest version handed out. The active
// list is rebuilt on the next call to Active.
func (s *Selector) Publish(set *Set) uint64 {
	if set == nil {
		set = &Set{}
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.version++
	set.Version = s.version
	s.published.Store(set)
	return s.version
}

// Current returns the latest published Set.
func (s *Selector) Current() *Set {
	return s.published.Load()
}

// Select picks Always plus CurrentPhase (current=true) or OtherPhases.
// It is a no-op when the flag is unchanged unless force is set, and reports
// whether the flag actually changed.
func (s *Selector) Select(current, force bool) bool {
	if s.selected && !force && current == s.current {
		return false
	}
	changed := s.selected && current != s.current
	s.current = current
	s.selected = true
	s.rebuild(s.published.Load())
	return changed
}

// IsCurrent reports the stored current-phase flag.
func (s *Selector) IsCurrent() bool {
	return s.current
}

// Active returns the live matchers, re-selecting if a new Set was published.
func (s *Selector) Active() []*Matcher {
	if p := s.published.Load(); p != s.set {
		s.rebuild(p)
	}
	return s.active
}

func (s *Selector) rebuild(set *Set) {
	s.set = set
	active := make([]*Matcher, 0, set.Len())
	active = append(active, set.Always...)
	if s.current {
		active = append(active, set.CurrentPhase...)
	} else {
		active = append(active, set.OtherPhases...)
	}
	s.active = active
}
