// Command kvloopd is the server's single binary entrypoint: flag and
// config-file handling, pidfile management, logger construction, and
// startup/shutdown of the dispatcher, worker pool, and background loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/pbnjay/memory"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/kvloop/kvloop/background"
	"github.com/kvloop/kvloop/dispatcher"
	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/logging"
	"github.com/kvloop/kvloop/internal/metrics"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/store"
	"github.com/kvloop/kvloop/worker"
)

// version is overwritten via -ldflags "-X main.version=..." at release
// build time; left as a placeholder for development builds.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds the root command and executes it, returning the process
// exit code: 0 normal, 1 startup or configuration error.
func run(args []string) int {
	var (
		confFile  string
		pidFile   string
		logFile   string
		verbosity int
		showVer   bool
	)

	root := &cobra.Command{
		Use:           "kvloopd",
		Short:         "kvloop key-value server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVer {
				fmt.Fprintln(cmd.OutOrStdout(), "kvloopd", version)
				return nil
			}
			return serve(confFile, pidFile, logFile, verbosity)
		},
	}
	root.Flags().StringVarP(&confFile, "conf-file", "c", "", "load configuration from file")
	root.Flags().StringVarP(&pidFile, "pidfile", "p", "", "write pid to file at startup, remove at shutdown")
	root.Flags().StringVarP(&logFile, "logfile", "o", "", "redirect log output to file")
	root.Flags().IntVarP(&verbosity, "verbosity", "v", 4, "log verbosity 0..11")
	root.Flags().BoolVarP(&showVer, "version", "V", false, "print version and exit")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "kvloopd", version)
			return nil
		},
	})

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kvloopd:", err)
		return 1
	}
	return 0
}

// verbosityToLevel maps the 0..11 -v scale onto the four logging.Config
// levels.
func verbosityToLevel(v int) string {
	switch {
	case v <= 2:
		return "error"
	case v <= 5:
		return "warn"
	case v <= 8:
		return "info"
	default:
		return "debug"
	}
}

func serve(confFile, pidFile, logFile string, verbosity int) error {
	cfg := config.Default()
	if confFile != "" {
		loaded, err := config.LoadFile(confFile)
		if err != nil {
			return fmt.Errorf("kvloopd: %w", err)
		}
		cfg = loaded
	}
	if cfg.Dir != "" {
		abs, err := filepath.Abs(cfg.Dir)
		if err != nil {
			return fmt.Errorf("kvloopd: resolve dir %q: %w", cfg.Dir, err)
		}
		cfg.Dir = abs
	}

	logCfg := logging.Config{Level: verbosityToLevel(verbosity), Format: "console"}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("kvloopd: open logfile: %w", err)
		}
		defer f.Close()
		logCfg.Output = f
		logCfg.Format = "json"
	}
	log := logging.New(logCfg)

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("kvloopd: write pidfile: %w", err)
		}
		defer os.Remove(pidFile)
	}

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		log.Debug().Str("source", "automaxprocs").Log(fmt.Sprintf(format, a...))
	}))
	if err != nil {
		log.Warning().Str("err", err.Error()).Log("automaxprocs: failed to set GOMAXPROCS")
	}
	defer undoMaxProcs()

	if cfg.MaxMemory == 0 && cfg.MaxMemoryPolicy != store.PolicyNoEviction {
		total := memory.TotalMemory()
		log.Warning().Int("total_system_memory_mb", int(total/1024/1024)).
			Log("maxmemory is unlimited but maxmemory-policy is not noeviction; eviction will never trigger")
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = min(6, runtime.NumCPU())
	}

	reg := store.NewRegistry(cfg.Databases)
	st := &stats.Counters{}
	slow := stats.NewSlowLog(cfg.SlowLogMaxLen)
	dir := worker.NewDirectory()

	workers := make([]*worker.Worker, threads)
	for i := 0; i < threads; i++ {
		w, err := worker.New(i, reg, cfg, st, slow, dir, log)
		if err != nil {
			return fmt.Errorf("kvloopd: start worker %d: %w", i, err)
		}
		workers[i] = w
	}

	disp, err := dispatcher.New(cfg, st, dir, workers, log)
	if err != nil {
		return fmt.Errorf("kvloopd: start dispatcher: %w", err)
	}
	if err := disp.Listen(); err != nil {
		return fmt.Errorf("kvloopd: %w", err)
	}

	bg, err := background.New(reg, cfg, st, log)
	if err != nil {
		return fmt.Errorf("kvloopd: start background loop: %w", err)
	}

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, metrics.NewCollector(st, reg, dir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	running := len(workers) + 2
	errs := make(chan error, running)
	for _, w := range workers {
		w := w
		go func() { errs <- w.Run(ctx) }()
	}
	go func() { errs <- disp.Run(ctx) }()
	go func() { errs <- bg.Run(ctx) }()
	if metricsSrv != nil {
		running++
		go func() { errs <- metricsSrv.Serve() }()
	}

	log.Info().Int("threads", threads).Int("port", cfg.Port).Log("kvloopd ready")

	<-ctx.Done()
	log.Info().Log("shutting down")

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = disp.Shutdown(shutdownCtx)
	_ = bg.Shutdown(shutdownCtx)
	for _, w := range workers {
		_ = w.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	for i := 0; i < running; i++ {
		if err := <-errs; err != nil {
			log.Err().Str("err", err.Error()).Log("component exited with error")
		}
	}
	return nil
}
