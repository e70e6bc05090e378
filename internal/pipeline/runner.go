// Package pipeline invokes the external reduction pipeline as a subprocess.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mgriffin/sphered/internal/model"
)

// Runner executes the pipeline for one file and reports the outcome. The
// exit code is captured, never interpreted: retry and escalation policy
// belong to the operator.
type Runner interface {
	Run(ctx context.Context, path string) model.JobResult
}

// ExecRunner runs the configured pipeline command with the file path as its
// final argument and blocks until the process terminates.
type ExecRunner struct {
	command string
	args    []string
	logDir  string
}

// NewExecRunner creates a runner for the given pipeline entry point.
// logDir receives one combined stdout/stderr capture per job
// (pipeline_<stem>.log); empty logDir discards subprocess output.
func NewExecRunner(cfg model.PipelineConfig, logDir string) *ExecRunner {
	return &ExecRunner{
		command: cfg.Command,
		args:    cfg.Args,
		logDir:  logDir,
	}
}

// Run launches the pipeline for path. A process that cannot be started at
// all yields StatusStartFailure; a process that runs and exits non-zero
// yields StatusFailed with the reported exit code.
func (r *ExecRunner) Run(ctx context.Context, path string) model.JobResult {
	args := append(append([]string(nil), r.args...), path)
	cmd := exec.CommandContext(ctx, r.command, args...)

	var out io.Writer = io.Discard
	var logFile *os.File
	if r.logDir != "" {
		name := fmt.Sprintf("pipeline_%s.log", stem(path))
		f, err := os.OpenFile(filepath.Join(r.logDir, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err == nil {
			logFile = f
			out = f
		}
		// A log capture failure must not block the job itself.
	}
	if logFile != nil {
		defer logFile.Close()
	}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return model.JobResult{
			Path:     path,
			Status:   model.StatusStartFailure,
			ExitCode: -1,
			Duration: time.Since(start),
			Err:      fmt.Errorf("start pipeline %s: %w", r.command, err),
		}
	}

	err := cmd.Wait()
	result := model.JobResult{
		Path:     path,
		Duration: time.Since(start),
		ExitCode: cmd.ProcessState.ExitCode(),
	}
	if err != nil {
		result.Status = model.StatusFailed
		result.Err = fmt.Errorf("pipeline %s: %w", r.command, err)
		return result
	}
	result.Status = model.StatusSucceeded
	return result
}

// stem returns the filename without directory or extension, matching the
// naming of the per-job pipeline log.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
