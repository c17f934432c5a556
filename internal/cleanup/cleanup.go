// Package cleanup backs the three places partial output must be removed:
// a normal error once the scheduler scope has joined, a panic recovered
// at the top of a worker, and an OS interrupt. All three paths converge
// on the same Registry.
package cleanup

import (
	"os"
	"sync"
)

// Registry tracks every output file created so far plus whether the
// output directory itself was freshly created, so a failure can undo
// exactly what this run produced and nothing else.
type Registry struct {
	mu          sync.Mutex
	files       []string
	dir         string
	dirIsNew    bool
	cleared     bool
}

// New starts a registry for outputDir, recording whether the driver had
// to create it (as opposed to it already existing).
func New(outputDir string, dirIsNew bool) *Registry {
	return &Registry{dir: outputDir, dirIsNew: dirIsNew}
}

// Track records path as created, so a later failure will remove it.
func (r *Registry) Track(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, path)
}

// Clear discards the tracked state on overall success, making any later
// call to Run a no-op.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = nil
	r.cleared = true
}

// Run deletes every tracked file that still exists and, if the directory
// was freshly created, removes it (and anything left inside it)
// recursively. It uses TryLock so it is safe to call from a panic
// recovery or signal handler that might otherwise deadlock against a
// goroutine already holding the mutex.
func (r *Registry) Run() {
	if !r.mu.TryLock() {
		return
	}
	defer r.mu.Unlock()

	if r.cleared {
		return
	}
	for _, f := range r.files {
		os.Remove(f)
	}
	if r.dirIsNew && r.dir != "" {
		os.RemoveAll(r.dir)
	}
}
