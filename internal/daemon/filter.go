package daemon

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mgriffin/sphered/internal/model"
	"github.com/mgriffin/sphered/internal/watcher"
)

// SkipReason explains why the filter rejected a raw event.
type SkipReason string

const (
	// SkipKind: the event does not signal a completed write.
	SkipKind SkipReason = "not_write_completed"
	// SkipIgnoredSuffix: the filename matches a transient-artifact pattern
	// (alternate data streams and similar metadata-only files).
	SkipIgnoredSuffix SkipReason = "ignored_suffix"
	// SkipNoMatch: the filename lacks a configured match suffix.
	SkipNoMatch SkipReason = "suffix_not_matched"
	// SkipDirectory: the resolved path is a directory, not a regular file.
	SkipDirectory SkipReason = "is_directory"
	// SkipStatFailed: the resolved path could not be inspected (typically
	// the file vanished between notification and dispatch).
	SkipStatFailed SkipReason = "stat_failed"
)

// Filter turns raw filesystem notifications into candidate file paths. Every
// rule is a declarative predicate over the filename or the resolved path;
// the filter performs no deduplication, which belongs to the dispatch gate.
type Filter struct {
	matchSuffixes  []string
	ignoreSuffixes []string
}

func NewFilter(cfg model.WatchConfig) *Filter {
	return &Filter{
		matchSuffixes:  cfg.MatchSuffixes,
		ignoreSuffixes: cfg.IgnoreSuffixes,
	}
}

// Apply inspects one raw event. It returns the resolved absolute candidate
// path and ok=true, or ok=false with the reason the event was rejected.
func (f *Filter) Apply(ev watcher.RawEvent) (string, SkipReason, bool) {
	if ev.Kind != watcher.KindWriteCompleted {
		return "", SkipKind, false
	}

	for _, suffix := range f.ignoreSuffixes {
		if strings.HasSuffix(ev.Name, suffix) {
			return "", SkipIgnoredSuffix, false
		}
	}

	if len(f.matchSuffixes) > 0 {
		matched := false
		for _, suffix := range f.matchSuffixes {
			if strings.HasSuffix(ev.Name, suffix) {
				matched = true
				break
			}
		}
		if !matched {
			return "", SkipNoMatch, false
		}
	}

	path := ResolvePath(ev.Dir, ev.Name)

	info, err := os.Stat(path)
	if err != nil {
		return "", SkipStatFailed, false
	}
	if info.IsDir() {
		return "", SkipDirectory, false
	}

	return path, "", true
}

// ResolvePath joins the watched directory and a reported filename. The
// result is identical whether or not the configured directory carries a
// trailing separator.
func ResolvePath(dir, name string) string {
	return filepath.Join(dir, name)
}
