package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

const defaultPowerSupplyDir = "/sys/class/power_supply"

// PressureThresholds configures when each pressure signal is raised.
type PressureThresholds struct {
	MinAvailableMemoryPercent float64 `mapstructure:"min_available_memory_percent"`
	MaxLoadPerCPU             float64 `mapstructure:"max_load_per_cpu"`
	MinBatteryPercent         int     `mapstructure:"min_battery_percent"`
}

// DefaultPressureThresholds returns the default thresholds.
func DefaultPressureThresholds() PressureThresholds {
	return PressureThresholds{
		MinAvailableMemoryPercent: 10,
		MaxLoadPerCPU:             1.5,
		MinBatteryPercent:         15,
	}
}

// SystemPressureProbe implements domain.PressureProbe with gopsutil for
// memory and load, and the kernel power_supply class for the battery.
type SystemPressureProbe struct {
	thresholds     PressureThresholds
	powerSupplyDir string
}

// NewSystemPressureProbe creates a probe reading the live system.
func NewSystemPressureProbe(t PressureThresholds) *SystemPressureProbe {
	return NewSystemPressureProbeWithPowerDir(t, defaultPowerSupplyDir)
}

// NewSystemPressureProbeWithPowerDir creates a probe with a custom
// power_supply directory (for testing).
func NewSystemPressureProbeWithPowerDir(t PressureThresholds, dir string) *SystemPressureProbe {
	d := DefaultPressureThresholds()
	if t.MinAvailableMemoryPercent <= 0 {
		t.MinAvailableMemoryPercent = d.MinAvailableMemoryPercent
	}
	if t.MaxLoadPerCPU <= 0 {
		t.MaxLoadPerCPU = d.MaxLoadPerCPU
	}
	if t.MinBatteryPercent <= 0 {
		t.MinBatteryPercent = d.MinBatteryPercent
	}
	return &SystemPressureProbe{thresholds: t, powerSupplyDir: dir}
}

// IsMemoryPressureHigh reports whether available memory is below the threshold.
func (p *SystemPressureProbe) IsMemoryPressureHigh(ctx context.Context) (bool, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: read memory: %v", domain.ErrProbeFailure, err)
	}
	if vm.Total == 0 {
		return false, fmt.Errorf("%w: total memory is zero", domain.ErrProbeFailure)
	}
	availPct := float64(vm.Available) / float64(vm.Total) * 100
	return availPct < p.thresholds.MinAvailableMemoryPercent, nil
}

// IsCPULoadHigh reports whether the 1-minute load per CPU exceeds the threshold.
func (p *SystemPressureProbe) IsCPULoadHigh(ctx context.Context) (bool, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: read load: %v", domain.ErrProbeFailure, err)
	}
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		n = 1
	}
	return avg.Load1/float64(n) > p.thresholds.MaxLoadPerCPU, nil
}

// IsBatteryLow reports whether a battery is discharging below the threshold.
// Devices without a battery report false.
func (p *SystemPressureProbe) IsBatteryLow(ctx context.Context) (bool, error) {
	entries, err := os.ReadDir(p.powerSupplyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: read power supplies: %v", domain.ErrProbeFailure, err)
	}

	for _, e := range entries {
		dir := filepath.Join(p.powerSupplyDir, e.Name())
		if readSysfs(dir, "type") != "Battery" {
			continue
		}
		capacity, err := strconv.Atoi(readSysfs(dir, "capacity"))
		if err != nil {
			continue
		}
		switch readSysfs(dir, "status") {
		case "Charging", "Full":
			return false, nil
		}
		return capacity < p.thresholds.MinBatteryPercent, nil
	}
	return false, nil
}

func readSysfs(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Ensure SystemPressureProbe implements domain.PressureProbe.
var _ domain.PressureProbe = (*SystemPressureProbe)(nil)
