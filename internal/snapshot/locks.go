package snapshot

import (
	"sort"
	"sync"
)

// pathLocks hands out one mutex per path. Entries are dropped when the
// last holder releases.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*refMutex)}
}

// lock acquires every path in sorted order and returns the release func.
// Sorting rules out lock-order deadlocks between overlapping creates.
func (p *pathLocks) lock(paths []string) func() {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	sorted = dedupeSorted(sorted)

	held := make([]*refMutex, 0, len(sorted))
	for _, path := range sorted {
		p.mu.Lock()
		m, ok := p.locks[path]
		if !ok {
			m = &refMutex{}
			p.locks[path] = m
		}
		m.refs++
		p.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			p.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(p.locks, sorted[i])
			}
			p.mu.Unlock()
		}
	}
}

func dedupeSorted(s []string) []string {
	out := s[:0]
	for _, v := range s {
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
