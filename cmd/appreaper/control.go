package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/eliteGoblin/focusd/app_reaper/internal/config"
	"github.com/eliteGoblin/focusd/app_reaper/internal/daemon"
	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/infra"
	"github.com/eliteGoblin/focusd/app_reaper/internal/target"
)

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Fail here rather than in the detached child, where nobody sees it.
	if _, err := cfg.TargetSpecs(target.NewPresetRegistry()); err != nil {
		return err
	}

	registry := infra.NewFileRegistry(cfg.DataDir, infra.NewProcessManager())
	if entry, err := registry.Get(); err == nil {
		fmt.Printf("appreaper is already running (pid %d)\n", entry.PID)
		return nil
	}

	pid, err := daemon.StartDetached("", forwardedFlags(cmd.Flags()))
	if err != nil {
		return err
	}

	// Wait for the child to register
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if entry, err := registry.Get(); err == nil && entry.PID == pid {
			fmt.Printf("appreaper started (pid %d)\n", pid)
			fmt.Printf("Data dir: %s\n", cfg.DataDir)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not register within 3s, check the log in %s/logs", pid, cfg.DataDir)
}

// forwardedFlags rebuilds the flags the user set so the detached daemon
// sees the same configuration.
func forwardedFlags(fs *pflag.FlagSet) []string {
	var args []string
	fs.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			for _, v := range sv.GetSlice() {
				args = append(args, "--"+f.Name+"="+v)
			}
			return
		}
		args = append(args, "--"+f.Name+"="+f.Value.String())
	})
	return args
}

func runCheck(cmd *cobra.Command, args []string) error {
	registry, err := controlRegistry(cmd)
	if err != nil {
		return err
	}
	entry, err := daemon.Signal(registry, syscall.SIGUSR1)
	if err != nil {
		return notRunning(err)
	}
	fmt.Printf("Check requested (pid %d)\n", entry.PID)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	registry, err := controlRegistry(cmd)
	if err != nil {
		return err
	}
	entry, err := daemon.Signal(registry, syscall.SIGTERM)
	if err != nil {
		return notRunning(err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := registry.Get(); errors.Is(err, infra.ErrNotRunning) {
			fmt.Printf("appreaper stopped (pid %d)\n", entry.PID)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) is still running after 10s", entry.PID)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	registry := infra.NewFileRegistry(cfg.DataDir, infra.NewProcessManager())

	fmt.Println("\n=== appreaper Status ===")
	if entry, err := registry.Get(); err == nil {
		fmt.Printf("Status: RUNNING (pid %d, since %s)\n", entry.PID,
			time.Unix(entry.StartedAt, 0).Format(time.RFC3339))
		fmt.Printf("Run id: %s\n", entry.RunID)
		fmt.Printf("Version: %s\n", entry.AppVersion)
	} else {
		fmt.Println("Status: NOT RUNNING")
	}
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Storage: %s\n", cfg.Storage.Driver)

	snap, err := readHabits(cfg)
	if err != nil {
		fmt.Printf("\nHabits: unreadable (%v)\n", err)
		return nil
	}
	if snap == nil {
		fmt.Println("\nHabits: nothing learned yet")
		fmt.Println("========================")
		return nil
	}

	l := snap.Learning
	fmt.Printf("\nLearning: %dh, %s intensity, complete=%t\n", l.LearningHours, l.Intensity, l.LearningComplete)
	fmt.Printf("Samples: %d (save version %d)\n", snap.SampleCount, snap.SaveVersion)
	if snap.ScreenOnEMA > 0 {
		fmt.Printf("Typical screen-on session: %s\n", (time.Duration(snap.ScreenOnEMA) * time.Second).Round(time.Second))
	}

	ids := make([]string, 0, len(snap.Apps))
	for id := range snap.Apps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return snap.Apps[ids[i]].ImportanceWeight > snap.Apps[ids[j]].ImportanceWeight
	})

	fmt.Println("\nTargets (by importance):")
	for _, id := range ids {
		st := snap.Apps[id]
		fg := time.Duration(st.TotalForegroundSeconds) * time.Second
		fmt.Printf("  %-32s importance %5.1f  uses %4d  foreground %s\n", id, st.ImportanceWeight, st.UsageCount, fg)
	}
	fmt.Println("========================")
	return nil
}

func runTargets(cmd *cobra.Command, args []string) error {
	presets := target.NewPresetRegistry()
	if listPresets {
		fmt.Println("\n=== Built-in presets ===")
		for _, p := range presets.List() {
			fmt.Printf("\n[%s] %s\n", p.Name, p.Title)
			fmt.Printf("  %s\n", target.Format(p.Spec()))
		}
		fmt.Println("\n========================")
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	specs, err := cfg.TargetSpecs(presets)
	if err != nil {
		return err
	}

	fmt.Println("\n=== Targets ===")
	for _, s := range specs {
		line := target.Format(s)
		if s.Sticky {
			line += "  (sticky)"
		}
		fmt.Printf("  %s\n", line)
	}
	fmt.Println("===============")
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := cfg.TargetSpecs(target.NewPresetRegistry()); err != nil {
		return err
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}

	paths := infra.DetectPaths()
	m := infra.NewAutostartManager(paths)
	flags := forwardedFlags(cmd.Flags())
	if m.IsInstalled() && !m.NeedsUpdate(execPath, flags) {
		fmt.Printf("Boot hook already installed: %s\n", m.Path())
		return nil
	}
	if err := m.Install(cmd.Context(), execPath, flags); err != nil {
		return err
	}
	fmt.Printf("Boot hook installed (%s): %s\n", m.Mode(), m.Path())
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	m := infra.NewAutostartManager(infra.DetectPaths())
	if !m.IsInstalled() {
		fmt.Println("No boot hook installed")
		return nil
	}
	if err := m.Uninstall(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("Boot hook removed: %s\n", m.Path())
	return nil
}

func controlRegistry(cmd *cobra.Command) (domain.DaemonRegistry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return infra.NewFileRegistry(cfg.DataDir, infra.NewProcessManager()), nil
}

func notRunning(err error) error {
	if errors.Is(err, infra.ErrNotRunning) {
		return fmt.Errorf("appreaper is not running")
	}
	return err
}

// readHabits loads the persisted habits without starting a store. Returns
// nil when nothing has been saved yet.
func readHabits(cfg config.Config) (*domain.HabitsSnapshot, error) {
	if cfg.Storage.Driver == config.DriverSQLCipher {
		kp := infra.NewFileKeyProvider(cfg.DataDir)
		if !kp.KeyExists() {
			return nil, nil
		}
		key, err := kp.GetKey()
		if err != nil {
			return nil, err
		}
		repo, err := infra.NewSQLCipherHabitRepository(cfg.DataDir, key, nil)
		if err != nil {
			return nil, err
		}
		defer repo.Close()
		return repo.LoadHabits()
	}
	return infra.NewFileHabitRepository(cfg.DataDir, nil).LoadHabits()
}
