package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mgriffin/sphered/internal/collect"
	"github.com/mgriffin/sphered/internal/daemon"
	"github.com/mgriffin/sphered/internal/model"
	"github.com/mgriffin/sphered/internal/notify"
	"github.com/mgriffin/sphered/internal/pipeline"
	"github.com/mgriffin/sphered/internal/setup"
	"github.com/mgriffin/sphered/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "ping":
		runPing(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("sphered %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// mustProject locates the project root and loads its config, exiting on
// failure. Every command except setup and version needs both.
func mustProject() (string, model.Config) {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	projectDir, err := setup.FindProjectDir(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := setup.LoadConfig(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(projectDir, ".sphered"), cfg
}

func runDaemon(_ []string) {
	spheredDir, cfg := mustProject()

	d, err := daemon.New(spheredDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sphered setup <project_dir> [name]")
		os.Exit(1)
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	if err := setup.Run(args[0], name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(args[0])
	fmt.Printf("Initialized .sphered/ in %s\n", absDir)
}

// runOnce invokes the pipeline for a single file without a daemon. The exit
// code mirrors the pipeline process.
func runOnce(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sphered run <file>")
		os.Exit(1)
	}
	spheredDir, cfg := mustProject()

	path, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve path: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	runner := pipeline.NewExecRunner(cfg.Pipeline, filepath.Join(spheredDir, "logs"))
	res := runner.Run(context.Background(), path)

	switch res.Status {
	case model.StatusSucceeded:
		fmt.Printf("pipeline succeeded for %s (%s)\n", path, res.Duration)
		if cfg.Collect.Enabled {
			c := collect.New(cfg.Collect)
			moved, err := c.Collect(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "collect products: %v\n", err)
			} else {
				fmt.Printf("collected %d product file(s)\n", len(moved))
			}
		}
	case model.StatusStartFailure:
		fmt.Fprintf(os.Stderr, "pipeline failed to start: %v\n", res.Err)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "pipeline failed for %s: exit code %d\n", path, res.ExitCode)
		os.Exit(res.ExitCode)
	}
}

func runScan(_ []string) {
	spheredDir, _ := mustProject()

	client := uds.NewClient(filepath.Join(spheredDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("scan", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		printResponseError("scan", resp)
		os.Exit(1)
	}

	var data struct {
		Dispatched int `json:"dispatched"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "scan: decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("scan dispatched %d file(s)\n", data.Dispatched)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: sphered status [--json]\n", a)
			os.Exit(1)
		}
	}

	spheredDir, _ := mustProject()

	client := uds.NewClient(filepath.Join(spheredDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		printResponseError("status", resp)
		os.Exit(1)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
		fmt.Println(string(out))
		return
	}

	var st daemon.StatusData
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		fmt.Fprintf(os.Stderr, "status: decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("daemon:     running (pid %d, up %ds)\n", st.Pid, st.UptimeSec)
	fmt.Printf("watching:   %s\n", st.WatchDir)
	fmt.Printf("in flight:  %d\n", len(st.InFlight))
	for _, p := range st.InFlight {
		fmt.Printf("  %s\n", p)
	}
	c := st.Counters
	fmt.Printf("jobs:       started=%d succeeded=%d failed=%d start_failures=%d skipped=%d\n",
		c.Started, c.Succeeded, c.Failed, c.StartFailures, c.Skipped)
}

func runPing(_ []string) {
	spheredDir, _ := mustProject()

	client := uds.NewClient(filepath.Join(spheredDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		printResponseError("ping", resp)
		os.Exit(1)
	}
	fmt.Println("pong")
}

func runShutdown(_ []string) {
	spheredDir, _ := mustProject()

	client := uds.NewClient(filepath.Join(spheredDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("shutdown", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		printResponseError("shutdown", resp)
		os.Exit(1)
	}
	fmt.Println("shutdown requested")
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: sphered notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

func printResponseError(cmd string, resp *uds.Response) {
	code := ""
	msg := "unknown error"
	if resp.Error != nil {
		code = resp.Error.Code
		msg = resp.Error.Message
	}
	fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", cmd, code, msg)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sphered %s - pipeline dispatch for SPHERE IFS reductions

Usage: sphered <command> [options]

Project:
  setup <dir> [name]  Initialize .sphered/ and the data directories
  daemon              Watch raw_data/ and dispatch completed files
  run <file>          Run the pipeline once for a single file

Daemon control:
  scan                Dispatch files already present in the watch directory
  status [--json]     Show daemon status and job counters
  ping                Check that the daemon is alive
  shutdown            Request graceful shutdown

Utilities:
  notify <title> <msg>  Desktop notification
  version             Show version
  help                Show this help

`, version)
}
