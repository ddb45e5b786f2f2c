//go:build integration

package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/config"
	"github.com/eliteGoblin/focusd/app_reaper/internal/daemon"
	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/habits"
	"github.com/eliteGoblin/focusd/app_reaper/internal/infra"
	"github.com/eliteGoblin/focusd/app_reaper/internal/target"
	"github.com/eliteGoblin/focusd/app_reaper/internal/usecase"
	"github.com/eliteGoblin/focusd/app_reaper/test/fixtures"
)

const (
	chatID  = "com.example.chat"
	musicID = "com.example.music"
)

// fastConfig shrinks every interval so a grace period passes in well
// under a second.
func fastConfig(dataDir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Scheduler.StartupScreenDelay = 0
	cfg.Scheduler.MinSleep = 10 * time.Millisecond
	cfg.Scheduler.ScreenOffKillFactor = 1

	p := &cfg.Policy
	p.ScreenCheckMin, p.ScreenCheckMax = 50*time.Millisecond, 50*time.Millisecond
	p.ProcessCheckMin, p.ProcessCheckMax = 20*time.Millisecond, 50*time.Millisecond
	p.LearningCheckHigh = 30 * time.Millisecond
	p.LearningCheckMedium = 30 * time.Millisecond
	p.LearningCheckLow = 30 * time.Millisecond
	p.KillMin, p.KillMax, p.KillDefault = 300*time.Millisecond, 300*time.Millisecond, 300*time.Millisecond
	p.KillHighMin, p.KillHighMax = 300*time.Millisecond, 300*time.Millisecond
	p.KillPressureFloor = 100 * time.Millisecond
	p.ScreenOffSleep = 50 * time.Millisecond
	p.ScreenOffSleepMin, p.ScreenOffSleepMax = 50*time.Millisecond, 50*time.Millisecond
	p.PressureCheck = 50 * time.Millisecond

	// Keep live memory and load readings from shortening grace periods
	cfg.Pressure.MinAvailableMemoryPercent = 0.0001
	cfg.Pressure.MaxLoadPerCPU = 1e9
	return cfg
}

type runningDaemon struct {
	sched  *daemon.Scheduler
	cancel context.CancelFunc
	done   chan error
}

func (r *runningDaemon) stop() {
	r.cancel()
	Eventually(r.done, 3*time.Second).Should(Receive())
}

func startDaemon(cfg config.Config, device *fixtures.FakeDevice, repo domain.HabitRepository, specs []domain.TargetSpec) *runningDaemon {
	logger := zap.NewNop()
	store := habits.NewStore(repo, cfg.Habits, logger)
	Expect(store.Load(time.Now())).To(Succeed())

	sched, err := daemon.NewScheduler(
		cfg.Scheduler,
		cfg.Policy,
		specs,
		infra.NewDumpsysActivityProbeWithRunner(device.Dumpsys, logger),
		usecase.NewReclaimer(device, logger),
		infra.NewSystemPressureProbeWithPowerDir(cfg.Pressure, device.PowerSupplyDir()),
		store,
		nil,
		logger,
	)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx)
	}()
	return &runningDaemon{sched: sched, cancel: cancel, done: done}
}

var _ = Describe("Background app reaping", func() {
	var (
		dataDir string
		device  *fixtures.FakeDevice
		cfg     config.Config
		specs   []domain.TargetSpec
	)

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()
		device = fixtures.NewFakeDevice(GinkgoT().TempDir())
		Expect(device.Create()).To(Succeed())
		cfg = fastConfig(dataDir)

		cfg.Targets = []string{
			chatID + "=" + chatID + "," + chatID + ":*",
			musicID + "=" + musicID,
		}
		var err error
		specs, err = cfg.TargetSpecs(target.NewPresetRegistry())
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("grace periods", func() {
		Context("when a target stays in the foreground", func() {
			It("should never kill it", func() {
				device.Launch(chatID, chatID+":push")
				device.Focus(chatID)

				d := startDaemon(cfg, device, infra.NewFileHabitRepository(dataDir, nil), specs)
				defer d.stop()

				Consistently(func() []int { return device.Running(chatID + "*") }, time.Second, 50*time.Millisecond).
					Should(HaveLen(2))
			})
		})

		Context("when a target goes to the background", func() {
			It("should kill all of its processes after the grace period", func() {
				device.Launch(chatID, chatID+":push")
				device.Launch(musicID)
				device.Focus(chatID)

				d := startDaemon(cfg, device, infra.NewFileHabitRepository(dataDir, nil), specs)
				defer d.stop()

				// music is in the background from the start
				Eventually(func() []int { return device.Running(musicID) }, 3*time.Second, 20*time.Millisecond).
					Should(BeEmpty())
				Expect(device.Running(chatID + "*")).To(HaveLen(2))

				device.Focus("com.android.launcher3")
				Eventually(func() []int { return device.Running(chatID + "*") }, 3*time.Second, 20*time.Millisecond).
					Should(BeEmpty())
				Expect(device.Killed()).To(HaveLen(3))
			})
		})

		Context("when a target is sticky", func() {
			It("should observe it but never kill it", func() {
				cfg.Sticky = []string{musicID}
				var err error
				specs, err = cfg.TargetSpecs(target.NewPresetRegistry())
				Expect(err).NotTo(HaveOccurred())

				device.Launch(musicID)
				d := startDaemon(cfg, device, infra.NewFileHabitRepository(dataDir, nil), specs)
				defer d.stop()

				Consistently(func() []int { return device.Running(musicID) }, time.Second, 50*time.Millisecond).
					Should(HaveLen(1))
			})
		})

		Context("when the screen turns off", func() {
			It("should sweep background targets with a shortened grace period", func() {
				p := &cfg.Policy
				p.KillMin, p.KillMax, p.KillDefault = time.Second, time.Second, time.Second
				p.KillHighMin, p.KillHighMax = time.Second, time.Second
				cfg.Scheduler.ScreenOffKillFactor = 0.2

				device.Launch(musicID)
				device.Focus(chatID)
				d := startDaemon(cfg, device, infra.NewFileHabitRepository(dataDir, nil), specs)
				defer d.stop()

				time.Sleep(300 * time.Millisecond)
				Expect(device.Running(musicID)).To(HaveLen(1))

				device.SetScreen(false)
				Eventually(func() []int { return device.Running(musicID) }, 500*time.Millisecond, 10*time.Millisecond).
					Should(BeEmpty())
			})
		})
	})

	Describe("habit persistence", func() {
		Context("with the JSON repository", func() {
			It("should save learned usage on shutdown", func() {
				device.Focus(chatID)
				d := startDaemon(cfg, device, infra.NewFileHabitRepository(dataDir, nil), specs)

				time.Sleep(200 * time.Millisecond)
				device.Focus("com.android.launcher3")
				time.Sleep(200 * time.Millisecond)
				d.stop()

				snap, err := infra.NewFileHabitRepository(dataDir, nil).LoadHabits()
				Expect(err).NotTo(HaveOccurred())
				Expect(snap).NotTo(BeNil())
				Expect(snap.Apps).To(HaveKey(chatID))
				Expect(snap.Apps[chatID].UsageCount).To(BeNumerically(">=", 1))
				Expect(snap.Apps[chatID].TotalForegroundSeconds).To(BeNumerically(">", 0))
			})
		})

		Context("with the SQLCipher repository", func() {
			It("should keep habits across restarts", func() {
				key, err := infra.EnsureKey(infra.NewFileKeyProvider(dataDir))
				Expect(err).NotTo(HaveOccurred())
				repo, err := infra.NewSQLCipherHabitRepository(dataDir, key, nil)
				Expect(err).NotTo(HaveOccurred())

				device.Focus(chatID)
				d := startDaemon(cfg, device, repo, specs)
				time.Sleep(200 * time.Millisecond)
				device.Focus("com.android.launcher3")
				time.Sleep(200 * time.Millisecond)
				Expect(d.sched.SaveNow()).To(Succeed())
				d.stop()
				Expect(repo.Close()).To(Succeed())

				key, err = infra.EnsureKey(infra.NewFileKeyProvider(dataDir))
				Expect(err).NotTo(HaveOccurred())
				reopened, err := infra.NewSQLCipherHabitRepository(dataDir, key, nil)
				Expect(err).NotTo(HaveOccurred())
				defer reopened.Close()

				snap, err := reopened.LoadHabits()
				Expect(err).NotTo(HaveOccurred())
				Expect(snap).NotTo(BeNil())
				Expect(snap.Apps).To(HaveKey(chatID))
				Expect(snap.SaveVersion).To(BeNumerically(">=", 1))
			})
		})
	})

	Describe("daemon registry", func() {
		It("should let control commands find the daemon", func() {
			registry := infra.NewFileRegistry(dataDir, infra.NewProcessManager())
			Expect(daemon.Signal(registry, 0)).Error().To(MatchError(infra.ErrNotRunning))
		})
	})
})
