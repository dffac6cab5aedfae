package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/binary"
	"github.com/jnesss/frame-analyzer/config"
	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/metrics"
	"github.com/jnesss/frame-analyzer/platform"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/sigma"
	"github.com/jnesss/frame-analyzer/web"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var pids []int

	cmd := &cobra.Command{
		Use:   "watch --pid PID [--pid PID...]",
		Short: "Print the frametimes of running processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(pids) == 0 {
				return errors.New("at least one --pid is required")
			}
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runWatch(cfg, pids, logger)
		},
	}

	cmd.Flags().IntSliceVarP(&pids, "pid", "p", nil, "Process to monitor (repeatable)")
	cmd.Flags().Bool("record", false, "Record sessions and frametimes to the database")
	cmd.Flags().String("rules", "", "Directory with enabled_rules/*.yml jank rules")
	cmd.Flags().String("listen", "", "Serve the JSON API and /metrics on this address")
	cmd.Flags().Int("target-fps", 60, "Refresh rate frametimes are classified against")
	cmd.Flags().String("object", "", "Compiled probe object to use instead of the embedded one")
	v.BindPFlag("record", cmd.Flags().Lookup("record"))
	v.BindPFlag("rules_dir", cmd.Flags().Lookup("rules"))
	v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	v.BindPFlag("target_fps", cmd.Flags().Lookup("target-fps"))
	v.BindPFlag("object_path", cmd.Flags().Lookup("object"))

	return cmd
}

func runWatch(cfg *config.Config, pids []int, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	cache, err := binary.NewSymbolCache(cfg.SymbolCache)
	if err != nil {
		return fmt.Errorf("failed to create symbol cache: %w", err)
	}

	loader, err := newLoader(cfg.ObjectPath, platform.Options{
		Target:         platform.Target{Library: cfg.Library, Symbols: cfg.Symbols},
		RingBufferSize: cfg.RingBufferSize,
		Cache:          cache,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to load probe (code %d): %w", platform.Code(err), err)
	}

	an := analyzer.New(loader, logger.With(zap.String("component", "analyzer")),
		analyzer.WithEventBuffer(cfg.EventBuffer),
		analyzer.WithMetrics(m))
	defer func() {
		if err := an.Close(); err != nil && !errors.Is(err, analyzer.ErrClosed) {
			logger.Warn("Failed to close analyzer", zap.Error(err))
		}
	}()

	var db *database.DB
	if cfg.Record || cfg.Listen != "" {
		db, err = database.NewDB(cfg.DataDir)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var detector *sigma.Detector
	if cfg.RulesDir != "" {
		if db == nil {
			db, err = database.NewDB(cfg.DataDir)
			if err != nil {
				return err
			}
			defer db.Close()
		}
		detector, err = sigma.NewDetector(cfg.RulesDir, db, logger.With(zap.String("component", "sigma")))
		if err != nil {
			return err
		}
		defer detector.Close()
	}

	recordDB := db
	if !cfg.Record {
		recordDB = nil
	}
	tracker := process.NewProcessMap()
	rec := newRecorder(recordDB, detector, m, tracker, cfg.TargetFPS, cfg.WindowSize, cfg.FlushInterval, logger)
	defer rec.close()

	for _, pid := range pids {
		if err := an.AttachApp(pid); err != nil {
			logger.Error("Failed to attach",
				zap.Int("pid", pid),
				zap.Int("code", platform.Code(err)),
				zap.Error(err))
			continue
		}

		info, err := process.Lookup(pid)
		if err != nil {
			info = &process.Info{PID: pid}
		}
		info.AttachTime = time.Now()
		tracker.Add(pid, info)

		symbol := ""
		if appInfo, ok := an.Info(pid); ok {
			symbol = appInfo.Symbol
		}
		if err := rec.startSession(info, symbol); err != nil {
			logger.Warn("Failed to start session", zap.Int("pid", pid), zap.Error(err))
		}
		fmt.Printf("Monitoring %s (pid %d) via %s\n", info.Name(), pid, symbol)
	}
	if len(tracker.List()) == 0 {
		return errors.New("no process could be attached")
	}

	monitor := process.NewExitMonitor(tracker, cfg.PruneInterval, func(info *process.Info) {
		logger.Info("Process exited", zap.Int("pid", info.PID))
		if err := an.DetachApp(info.PID); err != nil && !errors.Is(err, analyzer.ErrClosed) {
			logger.Warn("Failed to detach", zap.Int("pid", info.PID), zap.Error(err))
		}
		rec.endSession(info.PID, info.ExitTime)
		if len(tracker.List()) == 0 {
			stop()
		}
	}, logger.With(zap.String("component", "exit-monitor")))
	go monitor.Start(ctx)

	if cfg.Listen != "" {
		srv := web.NewServer(db, detector, an, tracker, reg, cfg.Listen,
			logger.With(zap.String("component", "web")))
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Web server error", zap.Error(err))
			}
		}()
	}

	for {
		f, err := an.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, analyzer.ErrClosed) {
				fmt.Println("Shutting down...")
				return nil
			}
			return err
		}
		rec.handle(ctx, f)
	}
}

// newLoader uses the embedded probe object unless objectPath names another.
func newLoader(objectPath string, opts platform.Options) (*platform.Loader, error) {
	if objectPath == "" {
		return platform.NewLoader(opts)
	}

	f, err := os.Open(objectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open probe object: %w", platform.ErrIO, err)
	}
	defer f.Close()

	return platform.NewLoaderFromReader(f, opts)
}
