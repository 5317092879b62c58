package scheduler

import (
	"sort"
	"sync"
)

// ArtifactLocks serialises tasks that write the same artifact. Each path gets
// its own mutex, so writers of different files never block one another.
// Entries are reference counted and dropped once no task holds or waits on them.
type ArtifactLocks struct {
	mu    sync.Mutex
	locks map[string]*artifactLock
}

type artifactLock struct {
	mu   sync.Mutex
	refs int
}

// NewArtifactLocks creates an empty lock table.
func NewArtifactLocks() *ArtifactLocks {
	return &ArtifactLocks{locks: make(map[string]*artifactLock)}
}

// Lock acquires the mutex for path.
func (a *ArtifactLocks) Lock(path string) {
	a.mu.Lock()
	l, ok := a.locks[path]
	if !ok {
		l = &artifactLock{}
		a.locks[path] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the mutex for path.
func (a *ArtifactLocks) Unlock(path string) {
	a.mu.Lock()
	l, ok := a.locks[path]
	if !ok {
		a.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(a.locks, path)
	}
	a.mu.Unlock()

	l.mu.Unlock()
}

// LockAll acquires every path in lexicographic order and returns a function
// that releases them. Sorting keeps two tasks with overlapping sets from
// deadlocking.
func (a *ArtifactLocks) LockAll(paths []string) (unlock func()) {
	sorted := dedupeSorted(paths)
	for _, p := range sorted {
		a.Lock(p)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			a.Unlock(sorted[i])
		}
	}
}

// Held returns the number of paths currently locked or waited on.
func (a *ArtifactLocks) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}

func dedupeSorted(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
