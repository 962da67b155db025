// Command hzsched runs guest threads on the emulated multicore scheduler and
// reports scheduling statistics when they are done.
//
// Usage:
//
//	hzsched [flags] [session.yaml]
//
// Without a session file a built-in demo session is run.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hzcore/hzsched/config"
	"github.com/hzcore/hzsched/diagnostics"
	"github.com/hzcore/hzsched/internal/logging"
)

// Three threads on two cores: one urgent, two competing workers.
const demoSession = `
run_for: 5s
process:
  name: demo
  core_mask: 0x3
threads:
  - name: urgent
    priority: 10
    core: 0
    program: |
      spin 20000
      svc sleep 2000000
      spin 20000
      svc exitthread
  - name: worker
    priority: 20
    core: 0
    affinity: [0, 1]
    count: 2
    program: |
      spin 50000
      svc sleep 1000000
      spin 50000
      svc sleep 1000000
      spin 50000
`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [session.yaml]\n\nflags:\n", os.Args[0])
	flag.PrintDefaults()
}

// printError prints an error to w, formatting session file problems with
// their positions.
func printError(w io.Writer, err error) {
	wd, _ := os.Getwd()
	diagnostics.CreateDiagnostics(err).WriteTo(w, wd)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse("<demo>", []byte(demoSession))
	}
	return config.Load(path)
}

func main() {
	singleCore := flag.Bool("single-core", false, "time-slice every core on one host thread")
	runFor := flag.Duration("run-for", 0, "stop after this much wall time (overrides the session file)")
	logLevel := flag.String("log-level", "", "log level (overrides the session file)")
	color := flag.String("color", "", "colored logs: auto, always or never (overrides the session file)")
	report := flag.Bool("metrics", true, "print scheduler metrics at exit")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(flag.Arg(0))
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "single-core":
			cfg.MultiCore = !*singleCore
		case "run-for":
			cfg.RunFor = config.Duration(*runFor)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "color":
			cfg.Color = *color
		}
	})
	if err := cfg.Validate("command line"); err != nil {
		printError(os.Stderr, err)
		os.Exit(2)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	mode, _ := logging.ParseColorMode(cfg.Color)
	log := logging.NewTerminal(os.Stderr, level, mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(cfg, log)
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
	started := time.Now()
	if err := s.start(); err != nil {
		s.stop()
		printError(os.Stderr, err)
		os.Exit(1)
	}
	finished := s.wait(ctx)
	s.stop()
	log.Info("session ended", "finished", finished, "wall", time.Since(started).Round(time.Millisecond))

	if *report {
		writeReport(os.Stdout, s.source())
	}
	if !finished && ctx.Err() != nil {
		os.Exit(130)
	}
}
