package infra

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const dumpsysTimeout = 5 * time.Second

// DumpsysActivityProbe implements domain.ActivityProbe on Android by parsing
// `dumpsys window` and `dumpsys display` output.
type DumpsysActivityProbe struct {
	run     CommandRunner
	timeout time.Duration
	logger  *zap.Logger
}

// NewDumpsysActivityProbe creates a probe that shells out to dumpsys.
func NewDumpsysActivityProbe(logger *zap.Logger) *DumpsysActivityProbe {
	return NewDumpsysActivityProbeWithRunner(ExecRunner, logger)
}

// NewDumpsysActivityProbeWithRunner creates a probe with a custom runner (for testing).
func NewDumpsysActivityProbeWithRunner(run CommandRunner, logger *zap.Logger) *DumpsysActivityProbe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DumpsysActivityProbe{run: run, timeout: dumpsysTimeout, logger: logger}
}

// IsForeground reports whether the focused window belongs to the target.
func (p *DumpsysActivityProbe) IsForeground(ctx context.Context, target domain.TargetSpec) (bool, error) {
	out, err := p.dumpsys(ctx, "window")
	if err != nil {
		return false, err
	}

	pkg, ok := FocusedPackage(out)
	if !ok {
		return false, fmt.Errorf("%w: no focused window in dumpsys output", domain.ErrProbeFailure)
	}
	p.logger.Debug("focused package", zap.String("package", pkg), zap.String("target", target.AppID))

	if pkg == target.AppID {
		return true, nil
	}
	for _, pattern := range target.ProcessPatterns {
		if MatchProcess(pattern, pkg) {
			return true, nil
		}
	}
	return false, nil
}

// IsScreenOn reports whether the display state is ON.
func (p *DumpsysActivityProbe) IsScreenOn(ctx context.Context) (bool, error) {
	out, err := p.dumpsys(ctx, "display")
	if err != nil {
		return false, err
	}
	on, ok := ScreenState(out)
	if !ok {
		return false, fmt.Errorf("%w: no screen state in dumpsys output", domain.ErrProbeFailure)
	}
	return on, nil
}

func (p *DumpsysActivityProbe) dumpsys(ctx context.Context, service string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx, "dumpsys", service)
	if err != nil {
		return nil, fmt.Errorf("%w: dumpsys %s: %v", domain.ErrProbeFailure, service, err)
	}
	return out, nil
}

// FocusedPackage extracts the package of the focused window from
// `dumpsys window` output. It looks at mCurrentFocus first and falls back to
// mFocusedWindow; both have the form
//
//	mCurrentFocus=Window{1a2b3c u0 com.example.app/com.example.app.MainActivity}
func FocusedPackage(out []byte) (string, bool) {
	var fallback string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "mCurrentFocus="):
			if pkg, ok := windowPackage(line); ok {
				return pkg, true
			}
		case strings.HasPrefix(line, "mFocusedWindow=") && fallback == "":
			if pkg, ok := windowPackage(line); ok {
				fallback = pkg
			}
		}
	}
	return fallback, fallback != ""
}

// windowPackage parses "...Window{hash user pkg/activity}" or a bare
// "...Window{hash user pkg}" (e.g. StatusBar, NotificationShade).
func windowPackage(line string) (string, bool) {
	start := strings.Index(line, "Window{")
	if start < 0 {
		return "", false
	}
	body := line[start+len("Window{"):]
	if end := strings.IndexByte(body, '}'); end >= 0 {
		body = body[:end]
	}

	fields := strings.Fields(body)
	if len(fields) < 3 {
		return "", false
	}
	name := fields[len(fields)-1]
	if pkg, _, found := strings.Cut(name, "/"); found {
		name = pkg
	}
	if name == "" || name == "null" {
		return "", false
	}
	return name, true
}

// ScreenState extracts the display power state from `dumpsys display` output.
func ScreenState(out []byte) (on bool, ok bool) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		_, state, found := strings.Cut(line, "mScreenState=")
		if !found {
			continue
		}
		state = strings.TrimSpace(state)
		if f := strings.Fields(state); len(f) > 0 {
			state = f[0]
		}
		return state == "ON", true
	}
	return false, false
}

// Ensure DumpsysActivityProbe implements domain.ActivityProbe.
var _ domain.ActivityProbe = (*DumpsysActivityProbe)(nil)
