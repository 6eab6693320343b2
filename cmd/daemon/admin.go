// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/engine"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

const adminUsage = `Usage: tonearm admin [--config FILE] COMMAND [ARGS]

Commands:
  status                  show queue counts
  enqueue [-force] [-recursive] PATH...
                          queue files for tagging
  pause                   stop job intake
  resume                  re-enable job intake
  flush [STATUS...]       delete terminal jobs (default: done error)
  reset [-errors]         re-queue stuck jobs, optionally errored ones
  cleanup [-age DUR]      delete old terminal jobs (default age 720h)
  remove ID|all           delete one job, or every non-running job
  set-password            set the admin password (prompted)
`

// runAdmin executes operator commands directly against the shared
// SQLite store; the daemon picks up the changes through its normal
// polling. Exit codes: 0 ok, 1 operational failure, 2 usage error.
func runAdmin(args []string) int {
	fs := flag.NewFlagSet("tonearm admin", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("TONEARM_CONFIG"), "path to YAML config file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, adminUsage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tonearm admin: %v\n", err)
		return 1
	}
	log.Configure(log.Config{Level: "warn", Output: os.Stderr})

	st, err := store.Open(store.Config{
		Path:         cfg.Store.DBPath,
		BusyTimeout:  cfg.Store.BusyTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tonearm admin: open store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	eng := engine.New(engine.Options{Config: cfg, Store: st})
	ctx := context.Background()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	code, err := adminCommand(ctx, eng, st, cmd, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tonearm admin: %v\n", err)
	}
	return code
}

func adminCommand(ctx context.Context, eng *engine.Engine, st *store.Store, cmd string, args []string) (int, error) {
	switch cmd {
	case "status":
		return adminStatus(ctx, eng)
	case "enqueue":
		return adminEnqueue(ctx, eng, args)
	case "pause":
		if err := eng.Pause(ctx); err != nil {
			return 1, err
		}
		fmt.Println("queue paused")
		return 0, nil
	case "resume":
		if err := eng.Resume(ctx); err != nil {
			return 1, err
		}
		fmt.Println("queue resumed")
		return 0, nil
	case "flush":
		statuses := args
		if len(statuses) == 0 {
			statuses = []string{string(types.JobDone), string(types.JobError)}
		}
		n, err := eng.FlushJobs(ctx, statuses)
		if err != nil {
			return 1, err
		}
		fmt.Printf("%d jobs flushed\n", n)
		return 0, nil
	case "reset":
		return adminReset(ctx, eng, args)
	case "cleanup":
		return adminCleanup(ctx, eng, args)
	case "remove":
		return adminRemove(ctx, eng, st, args)
	case "set-password":
		return adminSetPassword(ctx, eng)
	default:
		fmt.Fprint(os.Stderr, adminUsage)
		return 2, fmt.Errorf("unknown command %q", cmd)
	}
}

func adminStatus(ctx context.Context, eng *engine.Engine) (int, error) {
	stats, err := eng.GetStatus(ctx)
	if err != nil {
		return 1, err
	}
	paused, err := eng.Paused(ctx)
	if err != nil {
		return 1, err
	}
	fmt.Printf("pending:   %d\n", stats.Pending)
	fmt.Printf("running:   %d\n", stats.Running)
	fmt.Printf("completed: %d\n", stats.Completed)
	fmt.Printf("errors:    %d\n", stats.Errors)
	if stats.AvgTime > 0 {
		fmt.Printf("avg time:  %.1fs\n", stats.AvgTime)
		fmt.Printf("eta:       %.0fs\n", stats.ETASec)
	}
	if paused {
		fmt.Println("state:     paused")
	}
	return 0, nil
}

func adminEnqueue(ctx context.Context, eng *engine.Engine, args []string) (int, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	force := fs.Bool("force", false, "re-tag even when already tagged")
	recursive := fs.Bool("recursive", false, "expand directories")
	if err := fs.Parse(args); err != nil {
		return 2, nil
	}
	if fs.NArg() == 0 {
		return 2, fmt.Errorf("enqueue: at least one path required")
	}

	res, err := eng.Enqueue(ctx, fs.Args(), *force, *recursive)
	if err != nil {
		return 1, err
	}
	fmt.Printf("%d files queued, queue depth %d\n", res.FilesQueued, res.QueueDepth)
	return 0, nil
}

func adminReset(ctx context.Context, eng *engine.Engine, args []string) (int, error) {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	errs := fs.Bool("errors", false, "also re-queue errored jobs")
	if err := fs.Parse(args); err != nil {
		return 2, nil
	}
	n, err := eng.ResetJobs(ctx, engine.ResetOptions{Stuck: true, Errors: *errs})
	if err != nil {
		return 1, err
	}
	fmt.Printf("%d jobs re-queued\n", n)
	return 0, nil
}

func adminCleanup(ctx context.Context, eng *engine.Engine, args []string) (int, error) {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	age := fs.Duration("age", 720*time.Hour, "delete terminal jobs older than this")
	if err := fs.Parse(args); err != nil {
		return 2, nil
	}
	n, err := eng.CleanupOld(ctx, *age)
	if err != nil {
		return 1, err
	}
	fmt.Printf("%d jobs removed\n", n)
	return 0, nil
}

func adminRemove(ctx context.Context, eng *engine.Engine, st *store.Store, args []string) (int, error) {
	if len(args) != 1 {
		return 2, fmt.Errorf("remove: expected job id or \"all\"")
	}
	var f store.RemoveJobsFilter
	if args[0] == "all" {
		f.All = true
	} else {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return 2, fmt.Errorf("remove: invalid job id %q", args[0])
		}
		f.ID = &id
	}
	n, err := eng.RemoveJobs(ctx, f)
	if err != nil {
		return 1, err
	}
	fmt.Printf("%d jobs removed\n", n)
	return 0, nil
}

func adminSetPassword(ctx context.Context, eng *engine.Engine) (int, error) {
	fmt.Fprint(os.Stderr, "New admin password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return 1, fmt.Errorf("read password: %w", err)
	}
	if err := eng.SetAdminPassword(ctx, string(pw)); err != nil {
		return 1, err
	}
	fmt.Println("admin password updated")
	return 0, nil
}
