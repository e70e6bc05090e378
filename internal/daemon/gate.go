package daemon

import (
	"sort"
	"sync"
)

// InFlightSet is the set of file paths with a running pipeline job. It is
// the sole mechanism preventing two concurrent jobs for the same file: the
// event source may report several completed writes for one logical write,
// and the filter does not deduplicate.
//
// A path enters the set via Admit immediately before its job is dispatched
// and leaves only via Release after the job's completion is observed, never
// on a timer.
type InFlightSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func NewInFlightSet() *InFlightSet {
	return &InFlightSet{paths: make(map[string]struct{})}
}

// Admit atomically checks and inserts path. It returns true when the caller
// may dispatch a job, false when a job for the path is already in flight.
func (s *InFlightSet) Admit(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paths[path]; ok {
		return false
	}
	s.paths[path] = struct{}{}
	return true
}

// Release removes path, making it eligible for a fresh admission.
func (s *InFlightSet) Release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
}

// Len returns the number of in-flight paths.
func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Snapshot returns the in-flight paths in sorted order.
func (s *InFlightSet) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
