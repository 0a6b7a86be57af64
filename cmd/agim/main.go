// Agim CLI - runs a built-in workload on the scheduler and prints statistics
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/config"
	"github.com/chazu/agim/journal"
	"github.com/chazu/agim/sched"
	"github.com/chazu/agim/supervisor"
	"github.com/chazu/agim/workload"
)

var log = commonlog.GetLogger("agim")

func main() {
	configPath := flag.String("config", "", "Path to agim.toml (default: search upwards from the working directory)")
	workers := flag.Int("workers", -1, "Worker goroutines; 0 runs single-threaded (default: from config)")
	verbose := flag.Bool("v", false, "Verbose output")
	journalPath := flag.String("journal", "", "Record exits in this SQLite journal")
	name := flag.String("workload", "skynet", "Workload to run: "+strings.Join(workload.Names, ", "))
	depth := flag.Int("depth", 4, "Skynet depth, ring size or factorial argument")
	fanout := flag.Int("fanout", 10, "Skynet fanout or ring rounds")
	supervise := flag.Bool("supervise", false, "Run the workload under a supervisor")
	timeout := flag.Duration("timeout", 0, "Stop after this long (0 = no limit)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: agim [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a built-in workload on the agim scheduler.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  agim -workload skynet -depth 5         # 111111 blocks\n")
		fmt.Fprintf(os.Stderr, "  agim -workload ring -depth 1000 -fanout 100\n")
		fmt.Fprintf(os.Stderr, "  agim -workers 0 -journal exits.db      # single-threaded, journaled\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	verbosity := cfg.Log.Verbosity
	if *verbose && verbosity < 2 {
		verbosity = 2
	}
	commonlog.Configure(verbosity, cfg.LogPath())

	if *workers >= 0 {
		cfg.Scheduler.Workers = *workers
	}
	if *journalPath != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = *journalPath
	}

	if err := run(cfg, *name, *depth, *fanout, *supervise, *timeout, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func run(cfg *config.Config, name string, depth, fanout int, supervise bool, timeout time.Duration, verbose bool) error {
	code, err := workload.Build(name, depth, fanout)
	if err != nil {
		return err
	}
	sc, err := cfg.SchedConfig()
	if err != nil {
		return err
	}
	s := sched.New(sc)
	if verbose {
		s.AddTracer(sched.NewLogTracer())
	}

	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Errorf("closing journal: %v", err)
			}
		}()
		s.AddTracer(j)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var root *block.Block
	var sv *supervisor.Supervisor
	if supervise {
		sv, err = supervisor.New(s, supervisor.DefaultConfig())
		if err != nil {
			return err
		}
		pid, err := sv.AddChild(supervisor.ChildSpec{Name: name, Code: code, Restart: supervisor.Transient})
		if err != nil {
			return err
		}
		root, _ = s.Get(pid)
	} else {
		pid, err := s.SpawnEx(code, sched.SpawnOptions{Name: name})
		if err != nil {
			return err
		}
		root, _ = s.Get(pid)
	}

	start := time.Now()
	err = s.Run(ctx)
	elapsed := time.Since(start)
	if sv != nil && sv.Alive() {
		if serr := sv.Shutdown(); serr == nil {
			s.Run(context.Background())
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", name, describe(root))
	printStats(s.Stats(), elapsed, verbose)
	if j != nil {
		if err := j.Flush(); err != nil {
			return err
		}
		crashes, err := j.Exits("", block.ExitCrash)
		if err != nil {
			return err
		}
		fmt.Printf("journal: session %s, %d crashes\n", j.Session(), len(crashes))
	}
	return nil
}

func describe(b *block.Block) string {
	if b == nil {
		return "not started"
	}
	if b.IsAlive() {
		return fmt.Sprintf("%s still %s", b, b.State())
	}
	kind, code, reason := b.ExitInfo()
	switch kind {
	case block.ExitNormal:
		return fmt.Sprintf("result %s (exit %d)", b.VM.Result(), code)
	default:
		return fmt.Sprintf("%s: %s", kind, reason)
	}
}

func printStats(st sched.Stats, elapsed time.Duration, verbose bool) {
	rate := float64(st.TotalReductions) / elapsed.Seconds()
	fmt.Printf("blocks: %d spawned, %d terminated, %d alive\n", st.TotalSpawned, st.TotalTerminated, st.BlocksAlive)
	fmt.Printf("reductions: %d in %s (%.0f/s), %d context switches, %d timers fired\n",
		st.TotalReductions, elapsed.Round(time.Microsecond), rate, st.ContextSwitches, st.TimersFired)
	if !verbose || len(st.Workers) == 0 {
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "worker\tslices\tsteals\tattempts\tsleeps\tqueued")
	for _, w := range st.Workers {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", w.ID, w.Slices, w.StealsSuccessful, w.StealsAttempted, w.Sleeps, w.Queued)
	}
	tw.Flush()
}
