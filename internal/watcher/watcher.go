// Package watcher provides the filesystem event source for the dispatch loop.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrWatchUnavailable indicates the watch directory does not exist or cannot
// be watched. It is fatal: the caller owns restart policy, not this package.
var ErrWatchUnavailable = errors.New("watch unavailable")

// Kind classifies a raw filesystem notification.
type Kind int

const (
	// KindWriteCompleted indicates a finished write to a file. This is the
	// only kind the filter admits.
	KindWriteCompleted Kind = iota
	// KindOther covers creation, rename, removal, chmod and anything else
	// that does not signal a completed write.
	KindOther
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindWriteCompleted:
		return "write_completed"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// RawEvent is one low-level notification for the watched directory. It is
// consumed immediately by the filter and never persisted.
type RawEvent struct {
	// Dir is the watched directory exactly as configured, trailing
	// separator included if the operator wrote one.
	Dir string
	// Name is the bare filename the OS reported, without any directory.
	Name string
	Kind Kind
}

// Source is an unbounded sequence of raw events for one directory. A source
// is not restartable: after Close or a watch failure a new one must be
// established via Subscribe.
type Source interface {
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}

// FSSource is the fsnotify-backed Source implementation.
type FSSource struct {
	dir     string
	watcher *fsnotify.Watcher
	events  chan RawEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// Subscribe begins watching dir and returns a live source. It fails with
// ErrWatchUnavailable if dir does not exist, is not a directory, or cannot
// be registered with the OS notification facility.
func Subscribe(dir string) (*FSSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrWatchUnavailable, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrWatchUnavailable, dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: create fsnotify watcher: %v", ErrWatchUnavailable, err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: watch %s: %v", ErrWatchUnavailable, dir, err)
	}

	s := &FSSource{
		dir:     dir,
		watcher: w,
		events:  make(chan RawEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.forward()

	return s, nil
}

// Events returns the channel of raw events. Closed when the source stops.
func (s *FSSource) Events() <-chan RawEvent {
	return s.events
}

// Errors returns the channel of watch errors. Closed when the source stops.
func (s *FSSource) Errors() <-chan error {
	return s.errors
}

// Close stops the source and blocks until the forwarding goroutine exits.
func (s *FSSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	close(s.events)
	close(s.errors)
	if err != nil {
		return fmt.Errorf("close fsnotify watcher: %w", err)
	}
	return nil
}

// forward converts fsnotify events into RawEvents in OS delivery order.
// No coalescing or debouncing happens here: duplicate suppression is the
// dispatch gate's job.
func (s *FSSource) forward() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			raw := RawEvent{
				Dir:  s.dir,
				Name: filepath.Base(event.Name),
				Kind: convertOp(event.Op),
			}
			select {
			case s.events <- raw:
			case <-s.done:
				return
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			case <-s.done:
				return
			}
		}
	}
}

// convertOp maps an fsnotify operation onto the two kinds the filter knows.
// Write is the closest cross-platform signal for "a write finished"; Create
// fires while the file is still being filled and must not dispatch.
func convertOp(op fsnotify.Op) Kind {
	if op.Has(fsnotify.Write) {
		return KindWriteCompleted
	}
	return KindOther
}
