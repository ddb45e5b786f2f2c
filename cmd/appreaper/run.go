package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/app_reaper/internal/config"
	"github.com/eliteGoblin/focusd/app_reaper/internal/daemon"
	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/habits"
	"github.com/eliteGoblin/focusd/app_reaper/internal/infra"
	"github.com/eliteGoblin/focusd/app_reaper/internal/target"
	"github.com/eliteGoblin/focusd/app_reaper/internal/usecase"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.DataDir, "logs", "appreaper.log")
	}

	logger, cleanup, err := infra.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer cleanup()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	specs, err := cfg.TargetSpecs(target.NewPresetRegistry())
	if err != nil {
		logger.Error("invalid target configuration", zap.Error(err))
		return err
	}

	repo, err := openRepository(cfg, logger)
	if err != nil {
		logger.Error("failed to open habits storage", zap.Error(err))
		return err
	}
	defer repo.Close()

	store := habits.NewStore(repo, cfg.Habits, logger.Named("habits"))
	if err := store.Load(time.Now()); err != nil {
		// A broken file means starting from defaults.
		logger.Warn("continuing with default habits", zap.Error(err))
	}

	pm := infra.NewProcessManager()
	var metrics *daemon.Metrics
	if cfg.Metrics.Addr != "" {
		metrics = daemon.NewMetrics()
	}

	sched, err := daemon.NewScheduler(
		cfg.Scheduler,
		cfg.Policy,
		specs,
		infra.NewDumpsysActivityProbe(logger.Named("probe")),
		usecase.NewReclaimer(pm, logger.Named("reclaimer")),
		infra.NewSystemPressureProbe(cfg.Pressure),
		store,
		metrics,
		logger.Named("scheduler"),
	)
	if err != nil {
		return err
	}

	registry := infra.NewFileRegistry(cfg.DataDir, pm)
	if err := registry.Register(domain.RegistryEntry{
		PID:        os.Getpid(),
		RunID:      runID,
		StartedAt:  time.Now().Unix(),
		HabitsPath: repo.Location(),
		Storage:    cfg.Storage.Driver,
		AppVersion: Version,
	}); err != nil {
		logger.Error("failed to register daemon", zap.Error(err))
		return err
	}
	defer func() {
		if err := registry.Clear(); err != nil {
			logger.Warn("failed to clear registry", zap.Error(err))
		}
	}()

	logger.Info("daemon starting",
		zap.Int("pid", os.Getpid()),
		zap.String("version", Version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("targets", len(specs)))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if metrics != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, logger)
		})
	}
	if cfg.TargetsFile != "" {
		watcher := daemon.NewTargetsWatcher(cfg.TargetsFile, specs, cfg.Sticky, sched, logger.Named("targets"))
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		return pumpSignals(gctx, sigCh, sched, cancel, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.Error("daemon stopped with error", zap.Error(err))
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

// pumpSignals turns process signals into scheduler requests.
func pumpSignals(ctx context.Context, sigCh <-chan os.Signal, sched *daemon.Scheduler, shutdown context.CancelFunc, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("check requested by signal")
				sched.RequestCheck()
			case syscall.SIGHUP:
				logger.Info("save requested by signal")
				if err := sched.SaveNow(); err != nil {
					logger.Error("requested save failed", zap.Error(err))
				}
			default:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
				shutdown()
				return nil
			}
		}
	}
}

// openRepository returns the habits backend selected by storage.driver.
func openRepository(cfg config.Config, logger *zap.Logger) (domain.HabitRepository, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLCipher:
		key, err := infra.EnsureKey(infra.NewFileKeyProvider(cfg.DataDir))
		if err != nil {
			return nil, fmt.Errorf("failed to get database key: %w", err)
		}
		return infra.NewSQLCipherHabitRepository(cfg.DataDir, key, logger.Named("sqlcipher"))
	default:
		return infra.NewFileHabitRepository(cfg.DataDir, logger.Named("habits_file")), nil
	}
}
