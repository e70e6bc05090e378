// Package daemon implements the sphered dispatch loop: filtering filesystem
// events, gating duplicates, and handing completed files to the pipeline.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mgriffin/sphered/internal/events"
	"github.com/mgriffin/sphered/internal/lock"
	"github.com/mgriffin/sphered/internal/model"
	"github.com/mgriffin/sphered/internal/pipeline"
	"github.com/mgriffin/sphered/internal/uds"
	"github.com/mgriffin/sphered/internal/watcher"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// RunnerFactory creates pipeline runners. Allows testing without spawning
// real subprocesses.
type RunnerFactory func(cfg model.PipelineConfig, logDir string) pipeline.Runner

// Daemon is the long-running sphered watcher process.
type Daemon struct {
	spheredDir string
	config     model.Config
	logLevel   LogLevel
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	source   watcher.Source

	filter     *Filter
	dispatcher *Dispatcher
	reporter   *Reporter
	bus        *events.Bus
	stats      *Stats
	stopStats  func()

	runnerFactory RunnerFactory

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to .sphered/logs/sphered.log.
func New(spheredDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(spheredDir, "logs", "sphered.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(spheredDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(spheredDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	if cfg.Watch.Dir == "" {
		return nil, fmt.Errorf("watch.dir is required")
	}
	if cfg.Pipeline.Command == "" {
		return nil, fmt.Errorf("pipeline.command is required")
	}
	cfg.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	socketPath := filepath.Join(spheredDir, uds.DefaultSocketName)

	d := &Daemon{
		spheredDir: spheredDir,
		config:     cfg,
		logLevel:   parseLogLevel(cfg.Logging.Level),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(spheredDir, "locks", "daemon.lock")),
		server:     uds.NewServer(socketPath),
		runnerFactory: func(pcfg model.PipelineConfig, logDir string) pipeline.Runner {
			return pipeline.NewExecRunner(pcfg, logDir)
		},
		ctx:    ctx,
		cancel: cancel,
	}

	return d, nil
}

// SetRunnerFactory overrides the pipeline runner factory. Must be called
// before Run().
func (d *Daemon) SetRunnerFactory(f RunnerFactory) {
	d.runnerFactory = f
}

// Run starts the daemon and blocks until shutdown completes. The only
// errors it returns are startup failures; once the loop is live, everything
// except a lost watch is recovered locally.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.spheredDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d watch_dir=%s", os.Getpid(), d.config.Watch.Dir)

	// Step 2: Subscribe to the watch directory. A missing or unwatchable
	// directory is the one fatal condition.
	source, err := watcher.Subscribe(d.config.Watch.Dir)
	if err != nil {
		d.fileLock.Unlock()
		return err
	}
	d.source = source

	// Step 3: Wire filter, gate, runner, reporter and the event bus
	d.wire()

	// Step 4: Control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.spheredDir, uds.DefaultSocketName))

	// Step 5: Start the dispatch loop
	d.startedAt = time.Now()
	d.wg.Add(1)
	go d.eventLoop()

	// Step 6: Pick up files that were written while no watcher was running
	if d.config.Watch.ScanOnStart {
		d.Scan()
	}
	d.log(LogLevelInfo, "daemon ready")

	// Step 7: Wait for signals
	d.waitSignals()

	return nil
}

// wire builds the filter/gate/runner/reporter chain and the event bus.
func (d *Daemon) wire() {
	d.bus = events.NewBus(100)
	d.stats, d.stopStats = NewStats(d.bus)
	d.filter = NewFilter(d.config.Watch)
	d.reporter = NewReporter(d.logger, d.logLevel)
	runner := d.runnerFactory(d.config.Pipeline, filepath.Join(d.spheredDir, "logs"))
	d.dispatcher = NewDispatcher(d.ctx, d.config, runner, d.reporter, d.bus, d.logger, d.logLevel)
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("status", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.statusData())
	})

	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		dispatched := d.Scan()
		return uds.SuccessResponse(map[string]int{"dispatched": dispatched})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// StatusData is the payload of the UDS status command.
type StatusData struct {
	Pid       int           `json:"pid"`
	UptimeSec int64         `json:"uptime_sec"`
	WatchDir  string        `json:"watch_dir"`
	InFlight  []string      `json:"in_flight"`
	Counters  StatsSnapshot `json:"counters"`
}

func (d *Daemon) statusData() StatusData {
	return StatusData{
		Pid:       os.Getpid(),
		UptimeSec: int64(time.Since(d.startedAt).Seconds()),
		WatchDir:  d.config.Watch.Dir,
		InFlight:  d.dispatcher.Gate().Snapshot(),
		Counters:  d.stats.Snapshot(),
	}
}

// eventLoop is the single consumer of the event source. Receiving is its
// only suspension point; job execution happens on dispatcher goroutines.
func (d *Daemon) eventLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-d.source.Events():
			if !ok {
				return
			}
			d.handleRawEvent(ev)
		case err, ok := <-d.source.Errors():
			if !ok {
				return
			}
			d.log(LogLevelError, "watch error=%v", err)
		}
	}
}

// handleRawEvent runs one raw notification through filter, gate and
// dispatch. Every outcome is recovered locally; nothing here can stop the
// loop.
func (d *Daemon) handleRawEvent(ev watcher.RawEvent) bool {
	path, reason, ok := d.filter.Apply(ev)
	if !ok {
		if reason == SkipKind {
			// Creation/partial-write noise; too chatty for info.
			d.log(LogLevelDebug, "event_ignored name=%s reason=%s", ev.Name, reason)
		} else {
			d.reporter.FileSkipped(ev.Name, reason)
			d.bus.Publish(events.EventFileSkipped, map[string]interface{}{
				"name":   ev.Name,
				"reason": string(reason),
			})
		}
		return false
	}

	d.reporter.EventDetected(path)
	return d.dispatcher.Dispatch(path)
}

// Scan enumerates the watch directory and dispatches every qualifying file
// through the same filter/gate path as live events. Returns the number of
// jobs dispatched.
func (d *Daemon) Scan() int {
	entries, err := os.ReadDir(d.config.Watch.Dir)
	if err != nil {
		d.log(LogLevelError, "scan read_dir error=%v", err)
		return 0
	}

	dispatched := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ev := watcher.RawEvent{
			Dir:  d.config.Watch.Dir,
			Name: entry.Name(),
			Kind: watcher.KindWriteCompleted,
		}
		if d.handleRawEvent(ev) {
			dispatched++
		}
	}
	d.log(LogLevelInfo, "scan_complete entries=%d dispatched=%d", len(entries), dispatched)
	return dispatched
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). In-flight
// pipeline processes are not killed; the drain simply stops waiting for
// them after the configured timeout.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Stop accepting new work
		d.cancel()

		// 2. Stop producers
		if d.source != nil {
			d.source.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Drain the loop and in-flight jobs with timeout
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			if d.dispatcher != nil {
				d.dispatcher.Wait()
			}
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all jobs drained")
		case <-time.After(timeout):
			d.log(LogLevelWarn, "shutdown timeout after %s, abandoning wait for in-flight jobs", timeout)
		}

		// 4. Cleanup
		if d.stopStats != nil {
			d.stopStats()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.spheredDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
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
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
