// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/infra"
)

// FakeDevice simulates the parts of an Android device the daemon looks at:
// the focused window and display state (as dumpsys output), the process
// table, and a sysfs power_supply tree.
type FakeDevice struct {
	Root string

	mu       sync.Mutex
	focused  string
	screenOn bool
	procs    map[int]string
	nextPID  int
	killed   []int
}

// NewFakeDevice creates a device whose sysfs tree lives under root.
func NewFakeDevice(root string) *FakeDevice {
	return &FakeDevice{
		Root:     root,
		focused:  "com.android.launcher3",
		screenOn: true,
		procs:    make(map[int]string),
		nextPID:  1000,
	}
}

// Create writes a discharging battery at 80% into the power_supply tree.
func (d *FakeDevice) Create() error {
	return d.SetBattery(80, "Discharging")
}

// PowerSupplyDir returns the directory to hand to the pressure probe.
func (d *FakeDevice) PowerSupplyDir() string {
	return filepath.Join(d.Root, "sys/class/power_supply")
}

// SetBattery rewrites the battery's capacity and status.
func (d *FakeDevice) SetBattery(capacity int, status string) error {
	dir := filepath.Join(d.PowerSupplyDir(), "battery")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	files := map[string]string{
		"type":     "Battery",
		"capacity": strconv.Itoa(capacity),
		"status":   status,
	}
	for name, v := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(v+"\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Focus moves input focus to pkg.
func (d *FakeDevice) Focus(pkg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.focused = pkg
}

// SetScreen turns the display on or off.
func (d *FakeDevice) SetScreen(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screenOn = on
}

// Launch starts processes with the given names and returns their PIDs.
func (d *FakeDevice) Launch(names ...string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	pids := make([]int, 0, len(names))
	for _, name := range names {
		d.nextPID++
		d.procs[d.nextPID] = name
		pids = append(pids, d.nextPID)
	}
	return pids
}

// Running returns the sorted PIDs of live processes matching pattern.
func (d *FakeDevice) Running(pattern string) []int {
	pids, _ := d.FindByName(pattern)
	sort.Ints(pids)
	return pids
}

// Killed returns every PID killed so far.
func (d *FakeDevice) Killed() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.killed...)
}

// Dumpsys serves `dumpsys window` and `dumpsys display`. It matches
// infra.CommandRunner.
func (d *FakeDevice) Dumpsys(ctx context.Context, name string, args ...string) ([]byte, error) {
	if name != "dumpsys" || len(args) == 0 {
		return nil, fmt.Errorf("unexpected command %s %v", name, args)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch args[0] {
	case "window":
		return []byte(fmt.Sprintf("WINDOW MANAGER WINDOWS\n  mCurrentFocus=Window{4f2a1c u0 %s/%s.MainActivity}\n",
			d.focused, d.focused)), nil
	case "display":
		state := "OFF"
		if d.screenOn {
			state = "ON"
		}
		return []byte("DISPLAY MANAGER\n  mScreenState=" + state + "\n"), nil
	}
	return nil, fmt.Errorf("unknown dumpsys service %q", args[0])
}

// FindByName implements domain.ProcessManager.
func (d *FakeDevice) FindByName(pattern string) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var pids []int
	for pid, name := range d.procs {
		if infra.MatchProcess(pattern, name) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Kill implements domain.ProcessManager.
func (d *FakeDevice) Kill(pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.procs[pid]; !ok {
		return fmt.Errorf("no such process: %d", pid)
	}
	delete(d.procs, pid)
	d.killed = append(d.killed, pid)
	return nil
}

// IsRunning implements domain.ProcessManager.
func (d *FakeDevice) IsRunning(pid int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.procs[pid]
	return ok
}

var _ domain.ProcessManager = (*FakeDevice)(nil)
