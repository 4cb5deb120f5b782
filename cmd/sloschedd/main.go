package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"

	"slosched/internal/config"
	"slosched/internal/sched"
	"slosched/internal/server"
	"slosched/internal/sim"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sloschedd",
		Short:         "Latency-budget-aware EDF scheduler daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(runCmd(), createConfigCmd())
	return root
}

func runCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
		logFile    string
		cpus       int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler with a simulated workload host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listen, logLevel, logFile, cpus)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "group budget file")
	cmd.Flags().StringVar(&listen, "listen", ":8080", "health/metrics listen address (empty to disable)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: verbose, debug, info, warn, error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "also log to this file")
	cmd.Flags().IntVar(&cpus, "cpus", 4, "number of simulated CPUs")
	return cmd
}

func createConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "create-config",
		Short: "Write an example group budget file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", config.DefaultPath, "where to write the example file")
	return cmd
}

func newLogger(level, file string) core.Logger {
	opts := []mtlog.Option{
		mtlog.WithConsole(),
		mtlog.WithMinimumLevel(parseLevel(level)),
	}
	if file != "" {
		opts = append(opts, mtlog.WithFile(file))
	}
	return mtlog.New(opts...)
}

func parseLevel(s string) core.LogEventLevel {
	switch strings.ToLower(s) {
	case "verbose":
		return core.VerboseLevel
	case "debug":
		return core.DebugLevel
	case "warn", "warning":
		return core.WarningLevel
	case "error":
		return core.ErrorLevel
	default:
		return core.InformationLevel
	}
}

func run(configPath, listen, logLevel, logFile string, cpus int) error {
	log := newLogger(logLevel, logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := sched.NewConfigStore(0)
	loader := config.NewLoader(nil, log)
	if _, err := loader.Load(configPath, store); err != nil {
		return err
	}

	engine := sched.NewEngine(store, sched.WithLogger(log))
	stats := sched.NewStats(engine, log)
	runner := sim.NewRunner(engine, cpus, sim.DefaultSlice, log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		stats.Run(ctx)
	}()

	var srv *server.Server
	if listen != "" {
		srv = server.New(listen, stats, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Error("http server failed: {Error}", err.Error())
			}
		}()
		srv.SetAttached(true)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		generate(ctx, runner)
	}()

	log.Information("scheduler started with {Cpus} simulated CPUs, press Ctrl-C to exit", cpus)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			snap := stats.Snapshot()
			log.Information("fast={Fast} queued={Queued} misses={Misses} avg_miss={AvgMs}ms dropped={Dropped}",
				snap.FastDispatches, snap.QueuedDispatches, snap.Misses,
				float64(snap.AvgMissNS)/1e6, snap.DroppedEvents)
		}
	}

	log.Information("shutting down with {Grace} grace period", shutdownGrace)
	if srv != nil {
		srv.SetAttached(false)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warning("shutdown grace period expired, exiting anyway")
	}

	final := stats.Snapshot()
	if final.Misses > 0 {
		log.Information("final stats: {Misses} deadline misses, avg miss {AvgMs}ms",
			final.Misses, float64(final.AvgMissNS)/1e6)
	} else {
		log.Information("final stats: no deadline misses detected")
	}
	log.Information("shutdown complete")
	return nil
}

// generate submits synthetic sleep tasks across three demo groups so the
// daemon exercises the whole pipeline without a real scheduling host.
func generate(ctx context.Context, runner *sim.Runner) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	id := sched.TaskID(1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			work := sim.SleepWork(time.Duration(1+rand.Intn(20)) * time.Millisecond)
			runner.Submit(sim.Task{ID: id, Group: 1 + uint64(id)%3, Work: work})
			id++
		}
	}
}
