package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lossly-go/internal/batch"
	"lossly-go/internal/cache"
	"lossly-go/internal/compressor"
	"lossly-go/internal/config"
	"lossly-go/internal/logger"
	"lossly-go/internal/pool"
	"lossly-go/internal/progress"
	"lossly-go/internal/retention"
	"lossly-go/internal/service"
	"lossly-go/internal/statistics"
	"lossly-go/internal/storage"
	"lossly-go/internal/web"
	"lossly-go/internal/worker"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	quality      int
	format       string
	historyLimit int
	historyType  string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "lossly",
	Short: "Image compression backend",
	Long: `Lossly compresses and converts images using a pool of isolated workers.

It serves an HTTP API with batch processing, live progress over
server-sent events and websockets, a compression history and
persistent settings.`,
	SilenceUsage: true,
}

// serveCmd starts the API server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// compressCmd compresses a single file without starting the server.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args[0])
	},
}

// historyCmd lists recent history entries.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List compression history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistory()
	},
}

// historyStatsCmd prints aggregate history statistics.
var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show compression statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistoryStats()
	},
}

// workerCmd is the child side of a process worker. Stdout carries the protocol.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a pool worker process",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	compressCmd.Flags().IntVar(&quality, "quality", 85, "output quality (1-100)")
	compressCmd.Flags().StringVar(&format, "format", "same", "output format (same, jpeg, png, webp, gif, tiff)")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries to show")
	historyCmd.Flags().StringVar(&historyType, "type", "", "filter by entry type")
	historyCmd.AddCommand(historyStatsCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(workerCmd)
}

// app holds the wired backend.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	store   *storage.Database
	pool    *pool.Pool
	batches *batch.Coordinator
	cache   cache.StatusCache
	svc     *service.Service
}

func newApp(cfg *config.Config, log *logrus.Logger, spawner worker.Spawner) (*app, error) {
	store, err := storage.Open(cfg.Storage.DatabasePath, log)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(pool.Options{
		MinWorkers:  cfg.Pool.MinWorkers,
		MaxWorkers:  cfg.Pool.MaxWorkers,
		TaskTimeout: cfg.Pool.TaskTimeout,
		IdleTimeout: cfg.Pool.IdleTimeout,
	}, spawner, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	hub := progress.NewHub(log)
	batches, err := batch.New(store, p, hub, batch.Options{
		MaxConcurrentBatches: cfg.Batch.MaxConcurrent,
		GlobalPause:          cfg.Batch.GlobalPause,
	}, log)
	if err != nil {
		p.Shutdown()
		store.Close()
		return nil, err
	}

	var statusCache cache.StatusCache = cache.Noop{}
	if cfg.Cache.Enabled {
		rc, err := cache.Connect(cache.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			log.WithError(err).Warn("Status cache unavailable, continuing without it")
		} else {
			statusCache = rc
		}
	}

	svc := service.New(service.Deps{
		Store:   store,
		Pool:    p,
		Batches: batches,
		Hub:     hub,
		Cache:   statusCache,
		Log:     log,
	})
	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		pool:    p,
		batches: batches,
		cache:   statusCache,
		svc:     svc,
	}, nil
}

// Close aborts running batches before the pool goes away.
func (a *app) Close() {
	a.batches.Close()
	a.pool.Shutdown()
	if err := a.cache.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close status cache")
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close database")
	}
}

// runServe starts the API server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogger(cfg, nil)

	a, err := newApp(cfg, log, newSpawner(cfg, log))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitor := retention.NewJanitor(a.store, retention.Options{
		Interval:         cfg.History.CleanupInterval,
		HistoryRetention: cfg.HistoryRetention(),
		OutputDir:        cfg.Worker.OutputDir,
		OutputMaxAge:     cfg.History.OutputMaxAge,
	}, log)
	go janitor.Run(ctx)

	server := web.NewServer(cfg.Server, a.svc, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	if !quiet {
		fmt.Printf("Lossly API listening on http://%s\n", cfg.Server.Addr())
		fmt.Printf("Press Ctrl+C to stop the server\n\n")
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("Server stopped gracefully")
	return nil
}

// runCompress compresses one file through an in-process pool.
func runCompress(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogger(cfg, os.Stderr)

	a, err := newApp(cfg, log, &worker.LocalSpawner{
		Handler: worker.NewHandler(compressor.NewDefaultCompressor(cfg.Worker.OutputDir, log)),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	settings := service.DefaultCompressionSettings()
	settings.Quality = quality
	settings.Format = format

	res, err := a.svc.SubmitCompression(context.Background(), path, settings)
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	fmt.Printf("%s -> %s\n", res.OriginalPath, res.OutputPath)
	fmt.Printf("  %s -> %s (%d bytes saved, %.0f%%) in %dms\n",
		res.OriginalFormat, res.OutputFormat, res.SavedBytes, res.ReductionPercentage, res.ProcessingTime)
	return nil
}

func runHistory() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogger(cfg, os.Stderr)

	store, err := storage.Open(cfg.Storage.DatabasePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListHistory(context.Background(), storage.HistoryFilter{
		Limit: historyLimit,
		Type:  historyType,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No history entries")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-16s %-10s %-32s %10d -> %-10d %3.0f%%\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Type, e.Status, e.OriginalName,
			e.OriginalSize, e.CompressedSize, e.ReductionPercentage)
	}
	return nil
}

func runHistoryStats() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := setupLogger(cfg, os.Stderr)

	store, err := storage.Open(cfg.Storage.DatabasePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListHistory(context.Background(), storage.HistoryFilter{})
	if err != nil {
		return err
	}
	stats := statistics.Aggregate(entries)
	fmt.Println(stats.GetSummary())
	fmt.Println()
	fmt.Println(stats.GetFormatBreakdown())
	return nil
}

// runWorker serves pool requests on stdin/stdout until the parent closes stdin.
func runWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loggerCfg := logger.FromConfig(cfg.Logging)
	// the parent owns the log file
	loggerCfg.FilePath = ""
	loggerCfg.Console = true
	loggerCfg.Stream = os.Stderr
	baseLog, err := logger.NewLogger(loggerCfg)
	if err != nil {
		baseLog = logrus.New()
		baseLog.SetOutput(os.Stderr)
	}
	log := logger.WithWorker(baseLog, os.Getenv(worker.IDEnv))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go worker.WatchMemory(ctx, cfg.Worker.MemoryLimitMB, time.Second, func(used uint64) {
		log.WithField("heap_mb", used>>20).Error("Worker memory limit exceeded, exiting")
		os.Exit(3)
	})

	log.Debug("Worker started")
	handler := worker.NewHandler(compressor.NewDefaultCompressor(cfg.Worker.OutputDir, baseLog))
	if err := worker.ServeProcess(ctx, os.Stdin, os.Stdout, handler); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	log.Debug("Worker exiting")
	return nil
}

func newSpawner(cfg *config.Config, log *logrus.Logger) worker.Spawner {
	if cfg.Worker.Mode == config.WorkerModeLocal {
		return &worker.LocalSpawner{
			Handler: worker.NewHandler(compressor.NewDefaultCompressor(cfg.Worker.OutputDir, log)),
		}
	}

	args := []string{"worker"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return &worker.ProcessSpawner{
		Args: args,
		Env: []string{
			fmt.Sprintf("LOSSLY_WORKER_MEMORY_LIMIT_MB=%d", cfg.Worker.MemoryLimitMB),
			"LOSSLY_WORKER_OUTPUT_DIR=" + cfg.Worker.OutputDir,
			"LOSSLY_LOGGING_LEVEL=" + log.GetLevel().String(),
		},
		Log: log,
	}
}

// loadConfig reads .env and the config file.
func loadConfig() (*config.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger configures and returns a logger. A non-nil stream replaces stdout.
func setupLogger(cfg *config.Config, stream *os.File) *logrus.Logger {
	loggerCfg := logger.FromConfig(cfg.Logging)
	if stream != nil {
		loggerCfg.Stream = stream
	}
	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLoggerWithFallback(loggerCfg)
	if err != nil {
		log.WithError(err).Warn("Invalid logging configuration, using defaults")
	}
	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
