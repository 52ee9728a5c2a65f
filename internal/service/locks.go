package service

import (
	"sort"
	"strings"
	"sync"

	"github.com/catalyst-network/catalyst/common/entity"
)

// pointerLocks serializes the deployments touching the same pointer.
type pointerLocks struct {
	mu    sync.Mutex
	locks map[string]*pointerLock
}

type pointerLock struct {
	sync.Mutex
	refs int
}

func newPointerLocks() *pointerLocks {
	return &pointerLocks{locks: make(map[string]*pointerLock)}
}

// lock acquires every pointer of t in a global order, so callers holding
// overlapping sets never deadlock. The returned func releases them.
func (p *pointerLocks) lock(t entity.Type, pointers []string) func() {
	keys := make([]string, 0, len(pointers))
	seen := make(map[string]struct{}, len(pointers))
	for _, ptr := range pointers {
		k := string(t) + "/" + strings.ToLower(ptr)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	held := make([]*pointerLock, len(keys))
	for i, k := range keys {
		p.mu.Lock()
		l, ok := p.locks[k]
		if !ok {
			l = &pointerLock{}
			p.locks[k] = l
		}
		l.refs++
		p.mu.Unlock()

		l.Lock()
		held[i] = l
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			p.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(p.locks, keys[i])
			}
			p.mu.Unlock()
		}
	}
}

func (p *pointerLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
