package daemon

import (
	"fmt"
	"log"
	"time"

	"github.com/mgriffin/sphered/internal/model"
)

// Reporter is the observability sink for the dispatch loop. It only writes
// log lines: it never returns an error and nothing downstream consumes its
// output, so a reporting problem can never stall dispatch.
//
// Line ordering contract: detection is logged before dispatch is attempted,
// start after admission, finish after the runner returns (always with the
// exit status).
type Reporter struct {
	logger   *log.Logger
	logLevel LogLevel
}

func NewReporter(logger *log.Logger, level LogLevel) *Reporter {
	return &Reporter{logger: logger, logLevel: level}
}

// EventDetected records a candidate that passed the filter.
func (r *Reporter) EventDetected(path string) {
	r.log(LogLevelInfo, "event_detected path=%s", path)
}

// FileSkipped records a filtered-out event. Expected, not an error.
func (r *Reporter) FileSkipped(name string, reason SkipReason) {
	r.log(LogLevelInfo, "file_skipped name=%s reason=%s", name, reason)
}

// DuplicateDropped records an event refused by the gate because a job for
// the same path is still in flight. Expected, not an error.
func (r *Reporter) DuplicateDropped(path string) {
	r.log(LogLevelInfo, "duplicate_dropped path=%s reason=job_in_flight", path)
}

// JobStarted records an admitted job whose pipeline process is launching.
func (r *Reporter) JobStarted(path string) {
	r.log(LogLevelInfo, "job_started path=%s", path)
}

// JobFinished records a completed job with its exit status, success or not.
func (r *Reporter) JobFinished(res model.JobResult) {
	switch res.Status {
	case model.StatusSucceeded:
		r.log(LogLevelInfo, "job_finished path=%s status=%s exit_code=%d duration=%s",
			res.Path, res.Status, res.ExitCode, res.Duration.Round(time.Millisecond))
	case model.StatusStartFailure:
		r.log(LogLevelError, "job_finished path=%s status=%s error=%v",
			res.Path, res.Status, res.Err)
	default:
		r.log(LogLevelWarn, "job_finished path=%s status=%s exit_code=%d duration=%s",
			res.Path, res.Status, res.ExitCode, res.Duration.Round(time.Millisecond))
	}
}

// ProductsCollected records post-success product collection.
func (r *Reporter) ProductsCollected(path string, count int) {
	r.log(LogLevelInfo, "products_collected path=%s count=%d", path, count)
}

func (r *Reporter) log(level LogLevel, format string, args ...any) {
	if level < r.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s reporter: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
