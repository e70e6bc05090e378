// Package model defines the data structures for sphered's configuration and job results.
package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Watch    WatchConfig    `yaml:"watch"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Collect  CollectConfig  `yaml:"collect"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WatchConfig struct {
	// Dir is the absolute path of the directory to watch for completed writes.
	Dir string `yaml:"dir"`
	// MatchSuffixes restricts dispatch to filenames with one of these
	// suffixes. Empty means every regular file qualifies.
	MatchSuffixes []string `yaml:"match_suffixes"`
	// IgnoreSuffixes lists filename suffixes treated as transient artifacts
	// (e.g. ":Zone.Identifier" streams left by Windows file copies).
	IgnoreSuffixes []string `yaml:"ignore_suffixes"`
	// ScanOnStart dispatches files already present in the watch directory
	// when the daemon starts.
	ScanOnStart bool `yaml:"scan_on_start"`
}

type PipelineConfig struct {
	// Command is the pipeline entry point, invoked once per file.
	Command string `yaml:"command"`
	// Args are fixed arguments placed before the file path.
	Args []string `yaml:"args,omitempty"`
	// MaxParallel caps concurrently running pipeline processes. 0 means
	// unlimited.
	MaxParallel int `yaml:"max_parallel"`
}

type CollectConfig struct {
	Enabled bool `yaml:"enabled"`
	// ProductsDir is where the pipeline deposits its output files.
	ProductsDir string `yaml:"products_dir"`
	// ReducedDir is the final destination for collected products.
	ReducedDir string `yaml:"reduced_dir"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type NotifyConfig struct {
	// OnFailure sends a desktop notification when a job fails or cannot start.
	OnFailure bool `yaml:"on_failure"`
}

// DefaultIgnoreSuffixes are the transient-artifact patterns applied when the
// config leaves ignore_suffixes unset.
var DefaultIgnoreSuffixes = []string{":Zone.Identifier"}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if len(c.Watch.IgnoreSuffixes) == 0 {
		c.Watch.IgnoreSuffixes = append([]string(nil), DefaultIgnoreSuffixes...)
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
