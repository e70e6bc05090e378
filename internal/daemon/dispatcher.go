package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mgriffin/sphered/internal/collect"
	"github.com/mgriffin/sphered/internal/events"
	"github.com/mgriffin/sphered/internal/model"
	"github.com/mgriffin/sphered/internal/notify"
	"github.com/mgriffin/sphered/internal/pipeline"
)

// Dispatcher owns the gate and the per-job goroutines. Each admitted file
// runs independently so a slow reduction for one file never blocks dispatch
// for another; events for the same file are serialized by the gate.
type Dispatcher struct {
	runner   pipeline.Runner
	gate     *InFlightSet
	reporter *Reporter
	bus      *events.Bus

	// collector is nil when product collection is disabled.
	collector       *collect.Collector
	notifyOnFailure bool

	// sem caps concurrently running pipeline processes; nil means unlimited.
	sem *semaphore.Weighted

	ctx      context.Context
	wg       sync.WaitGroup
	logger   *log.Logger
	logLevel LogLevel
}

func NewDispatcher(ctx context.Context, cfg model.Config, runner pipeline.Runner, reporter *Reporter, bus *events.Bus, logger *log.Logger, level LogLevel) *Dispatcher {
	d := &Dispatcher{
		runner:          runner,
		gate:            NewInFlightSet(),
		reporter:        reporter,
		bus:             bus,
		notifyOnFailure: cfg.Notify.OnFailure,
		ctx:             ctx,
		logger:          logger,
		logLevel:        level,
	}
	if cfg.Collect.Enabled {
		d.collector = collect.New(cfg.Collect)
	}
	if cfg.Pipeline.MaxParallel > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.Pipeline.MaxParallel))
	}
	return d
}

// Gate exposes the in-flight set for status reporting.
func (d *Dispatcher) Gate() *InFlightSet {
	return d.gate
}

// Dispatch asks the gate to admit path and, on admission, launches the job
// in its own goroutine. Returns whether the path was admitted.
func (d *Dispatcher) Dispatch(path string) bool {
	if !d.gate.Admit(path) {
		d.reporter.DuplicateDropped(path)
		return false
	}

	d.wg.Add(1)
	go d.runJob(path)
	return true
}

// Wait blocks until every in-flight job has completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runJob(path string) {
	defer d.wg.Done()
	defer d.gate.Release(path)

	if d.sem != nil {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			// Shutdown arrived while the job was queued; it never started.
			d.log(LogLevelWarn, "job_abandoned path=%s reason=shutdown_before_start", path)
			return
		}
		defer d.sem.Release(1)
	}

	d.reporter.JobStarted(path)
	d.bus.Publish(events.EventJobStarted, map[string]interface{}{"path": path})

	// The job itself is never cancelled: once a pipeline starts it runs to
	// completion even if the daemon is shutting down.
	result := d.runner.Run(context.Background(), path)

	d.reporter.JobFinished(result)
	d.bus.Publish(events.EventJobFinished, map[string]interface{}{
		"path":      result.Path,
		"status":    string(result.Status),
		"exit_code": result.ExitCode,
	})

	switch {
	case result.Status == model.StatusSucceeded:
		d.collectProducts(path)
	case d.notifyOnFailure:
		if err := notify.JobFailed(result); err != nil {
			d.log(LogLevelDebug, "notify_failed path=%s error=%v", path, err)
		}
	}
}

func (d *Dispatcher) collectProducts(path string) {
	if d.collector == nil {
		return
	}
	moved, err := d.collector.Collect(path)
	if err != nil {
		d.log(LogLevelError, "collect_failed path=%s error=%v", path, err)
		return
	}
	d.reporter.ProductsCollected(path, len(moved))
}

func (d *Dispatcher) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
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
	d.logger.Printf("%s %s dispatcher: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
