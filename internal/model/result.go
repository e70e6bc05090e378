package model

import "time"

// JobStatus classifies the outcome of one pipeline invocation.
type JobStatus string

const (
	// StatusSucceeded means the pipeline ran and exited 0.
	StatusSucceeded JobStatus = "succeeded"
	// StatusFailed means the pipeline ran and exited non-zero.
	StatusFailed JobStatus = "failed"
	// StatusStartFailure means the pipeline process could not be launched
	// at all (missing binary or interpreter). Distinct from a reported
	// non-zero exit.
	StatusStartFailure JobStatus = "start_failure"
)

// JobResult is the outcome of one pipeline run for one file. It is consumed
// by the reporter and then discarded; nothing is persisted across restarts.
type JobResult struct {
	Path     string
	Status   JobStatus
	ExitCode int
	Duration time.Duration
	Err      error
}
