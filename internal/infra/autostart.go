package infra

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Magisk runs every executable in service.d once boot has completed.
const serviceScriptTemplate = `#!/system/bin/sh
# appreaper autostart, generated by "appreaper install"
until [ "$(getprop sys.boot_completed)" = "1" ]; do
    sleep 5
done
exec {{.ExecutablePath}} start{{range .Args}} {{.}}{{end}} >> {{.LogPath}} 2>&1
`

// systemd user unit for desktop Linux development.
const userUnitTemplate = `[Unit]
Description=appreaper background app reaper

[Service]
Type=simple
ExecStart={{.ExecutablePath}} run{{range .Args}} {{.}}{{end}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`

const unitName = appName + ".service"

type autostartConfig struct {
	ExecutablePath string
	Args           []string
	LogPath        string
}

// AutostartManager installs a boot hook that starts the daemon: a Magisk
// service.d script in system mode, a systemd user unit in user mode.
type AutostartManager struct {
	mode   ExecMode
	path   string
	logDir string
	run    CommandRunner
}

// NewAutostartManager returns a manager for the paths' mode.
func NewAutostartManager(paths Paths) *AutostartManager {
	m := &AutostartManager{mode: paths.Mode, logDir: paths.LogDir, run: ExecRunner}
	if paths.Mode == ExecModeSystem {
		m.path = filepath.Join("/data/adb/service.d", appName+".sh")
	} else {
		m.path = filepath.Join(GetRealUserHome(), ".config/systemd/user", unitName)
	}
	return m
}

// NewAutostartManagerWithPath is for tests and non-standard layouts.
func NewAutostartManagerWithPath(mode ExecMode, path, logDir string, run CommandRunner) *AutostartManager {
	return &AutostartManager{mode: mode, path: path, logDir: logDir, run: run}
}

// Path returns the location of the boot hook.
func (m *AutostartManager) Path() string {
	return m.path
}

// Mode returns the mode the hook is generated for.
func (m *AutostartManager) Mode() ExecMode {
	return m.mode
}

func (m *AutostartManager) render(execPath string, args []string) ([]byte, error) {
	tmplStr := userUnitTemplate
	if m.mode == ExecModeSystem {
		tmplStr = serviceScriptTemplate
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	cfg := autostartConfig{
		ExecutablePath: shellQuote(execPath),
		Args:           quoted,
		LogPath:        shellQuote(filepath.Join(m.logDir, "autostart.log")),
	}

	tmpl, err := template.New("autostart").Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse autostart template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to execute autostart template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the boot hook. args are passed to the daemon on every boot.
func (m *AutostartManager) Install(ctx context.Context, execPath string, args []string) error {
	content, err := m.render(execPath, args)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}

	perm := os.FileMode(0644)
	if m.mode == ExecModeSystem {
		perm = 0755
	}
	if err := atomicWriteFile(m.path, content, perm); err != nil {
		return err
	}

	if m.mode == ExecModeUser {
		if _, err := m.run(ctx, "systemctl", "--user", "daemon-reload"); err != nil {
			return fmt.Errorf("systemctl daemon-reload: %w", err)
		}
		if _, err := m.run(ctx, "systemctl", "--user", "enable", unitName); err != nil {
			return fmt.Errorf("systemctl enable: %w", err)
		}
	}
	return nil
}

// Uninstall removes the boot hook. A missing hook is not an error.
func (m *AutostartManager) Uninstall(ctx context.Context) error {
	if m.mode == ExecModeUser {
		// Ignore errors if the unit was never enabled
		_, _ = m.run(ctx, "systemctl", "--user", "disable", unitName)
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsInstalled checks if the boot hook exists.
func (m *AutostartManager) IsInstalled() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// NeedsUpdate reports whether an installed hook differs from what Install
// would write now.
func (m *AutostartManager) NeedsUpdate(execPath string, args []string) bool {
	if !m.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(m.path)
	if err != nil {
		return true
	}
	expected, err := m.render(execPath, args)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
