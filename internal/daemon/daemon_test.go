package daemon

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mgriffin/sphered/internal/model"
	"github.com/mgriffin/sphered/internal/pipeline"
	"github.com/mgriffin/sphered/internal/watcher"
)

// syncBuffer is a goroutine-safe log capture for assertions.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestDaemon builds a wired daemon without starting the watch source,
// lock, or control socket, so tests can drive handleRawEvent directly with
// synthetic events.
func newTestDaemon(t *testing.T, cfg model.Config, runner *fakeRunner) (*Daemon, *syncBuffer) {
	t.Helper()

	buf := &syncBuffer{}
	d, err := newDaemon(t.TempDir(), cfg, buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	d.SetRunnerFactory(func(model.PipelineConfig, string) pipeline.Runner {
		return runner
	})
	d.wire()
	t.Cleanup(d.Shutdown)
	return d, buf
}

func testConfig(watchDir string) model.Config {
	var cfg model.Config
	cfg.Watch.Dir = watchDir
	cfg.Watch.MatchSuffixes = []string{".fits"}
	cfg.Pipeline.Command = "/opt/pipeline/reduce"
	return cfg
}

// TestDaemon_EndToEndSuccess: a completed write passes the filter, is
// admitted, runs to exit 0, and the log shows detection, start and finish
// in that order.
func TestDaemon_EndToEndSuccess(t *testing.T) {
	watchDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(watchDir, "cube001.fits"), []byte("x"), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	runner := &fakeRunner{}
	d, buf := newTestDaemon(t, testConfig(watchDir), runner)

	ok := d.handleRawEvent(watcher.RawEvent{Dir: watchDir, Name: "cube001.fits", Kind: watcher.KindWriteCompleted})
	if !ok {
		t.Fatal("event should dispatch")
	}
	d.dispatcher.Wait()

	want := filepath.Join(watchDir, "cube001.fits")
	if runner.callCount(want) != 1 {
		t.Fatalf("runner should be invoked once with %s", want)
	}

	logs := buf.String()
	detected := strings.Index(logs, "event_detected path="+want)
	started := strings.Index(logs, "job_started path="+want)
	finished := strings.Index(logs, "job_finished path="+want)
	if detected < 0 || started < 0 || finished < 0 {
		t.Fatalf("missing lifecycle log lines:\n%s", logs)
	}
	if !(detected < started && started < finished) {
		t.Errorf("log lines out of order (detected=%d started=%d finished=%d)", detected, started, finished)
	}
	if !strings.Contains(logs, "exit_code=0") {
		t.Errorf("finish line must include exit status:\n%s", logs)
	}
}

// TestDaemon_SkipsZoneIdentifier: an alternate-stream artifact produces a
// skipped log line and no job.
func TestDaemon_SkipsZoneIdentifier(t *testing.T) {
	watchDir := t.TempDir()
	name := "cube001.fits:Zone.Identifier"
	if err := os.WriteFile(filepath.Join(watchDir, name), []byte("meta"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	runner := &fakeRunner{}
	cfg := testConfig(watchDir)
	cfg.Watch.MatchSuffixes = nil // the ignore rule alone must reject it
	cfg.Watch.IgnoreSuffixes = model.DefaultIgnoreSuffixes
	d, buf := newTestDaemon(t, cfg, runner)

	ok := d.handleRawEvent(watcher.RawEvent{Dir: watchDir, Name: name, Kind: watcher.KindWriteCompleted})
	if ok {
		t.Fatal("artifact must not dispatch")
	}
	d.dispatcher.Wait()

	if runner.totalCalls() != 0 {
		t.Errorf("no pipeline invocation expected, got %d", runner.totalCalls())
	}
	logs := buf.String()
	if !strings.Contains(logs, "file_skipped name="+name) {
		t.Errorf("expected skipped log line:\n%s", logs)
	}
	if strings.Contains(logs, "job_started") {
		t.Errorf("no job may start for an artifact:\n%s", logs)
	}
}

// TestDaemon_NonWriteEventsIgnored: creation notifications never dispatch.
func TestDaemon_NonWriteEventsIgnored(t *testing.T) {
	watchDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(watchDir, "cube001.fits"), []byte("x"), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	runner := &fakeRunner{}
	d, _ := newTestDaemon(t, testConfig(watchDir), runner)

	if d.handleRawEvent(watcher.RawEvent{Dir: watchDir, Name: "cube001.fits", Kind: watcher.KindOther}) {
		t.Fatal("non-write event must not dispatch")
	}
	d.dispatcher.Wait()
	if runner.totalCalls() != 0 {
		t.Errorf("no invocation expected, got %d", runner.totalCalls())
	}
}

func TestDaemon_ScanDispatchesExistingFiles(t *testing.T) {
	watchDir := t.TempDir()
	for _, name := range []string{"a.fits", "b.fits", "notes.txt", "c.fits:Zone.Identifier"} {
		if err := os.WriteFile(filepath.Join(watchDir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	runner := &fakeRunner{}
	d, _ := newTestDaemon(t, testConfig(watchDir), runner)

	if got := d.Scan(); got != 2 {
		t.Fatalf("Scan dispatched %d, want 2", got)
	}
	d.dispatcher.Wait()
	if runner.totalCalls() != 2 {
		t.Errorf("runner calls: got %d, want 2", runner.totalCalls())
	}
}

func TestDaemon_StatusCounters(t *testing.T) {
	watchDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(watchDir, "cube001.fits"), []byte("x"), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	runner := &fakeRunner{}
	d, _ := newTestDaemon(t, testConfig(watchDir), runner)

	d.handleRawEvent(watcher.RawEvent{Dir: watchDir, Name: "cube001.fits", Kind: watcher.KindWriteCompleted})
	d.dispatcher.Wait()

	// Bus delivery is asynchronous; poll until the counters settle.
	waitFor(t, func() bool {
		snap := d.stats.Snapshot()
		return snap.Started == 1 && snap.Succeeded == 1
	})

	status := d.statusData()
	if status.WatchDir != watchDir {
		t.Errorf("status watch dir: got %q", status.WatchDir)
	}
	if len(status.InFlight) != 0 {
		t.Errorf("no jobs should remain in flight, got %v", status.InFlight)
	}
}

func TestNewDaemon_RequiresWatchDirAndCommand(t *testing.T) {
	var cfg model.Config
	cfg.Pipeline.Command = "/opt/pipeline/reduce"
	if _, err := newDaemon(t.TempDir(), cfg, os.Stderr, nil); err == nil {
		t.Error("missing watch.dir should fail")
	}

	cfg = model.Config{}
	cfg.Watch.Dir = "/data/raw"
	if _, err := newDaemon(t.TempDir(), cfg, os.Stderr, nil); err == nil {
		t.Error("missing pipeline.command should fail")
	}
}

// TestDaemon_ShutdownDrainsInFlight verifies Shutdown waits for a running
// job up to the configured timeout.
func TestDaemon_ShutdownDrainsInFlight(t *testing.T) {
	watchDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(watchDir, "cube001.fits"), []byte("x"), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	runner := &fakeRunner{block: make(chan struct{})}
	cfg := testConfig(watchDir)
	cfg.Daemon.ShutdownTimeoutSec = 5
	d, buf := newTestDaemon(t, cfg, runner)

	d.handleRawEvent(watcher.RawEvent{Dir: watchDir, Name: "cube001.fits", Kind: watcher.KindWriteCompleted})
	waitFor(t, func() bool { return runner.totalCalls() == 1 })

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(runner.block)
	}()
	d.Shutdown()

	if !strings.Contains(buf.String(), "all jobs drained") {
		t.Errorf("shutdown should report a clean drain:\n%s", buf.String())
	}
}
