package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
	"github.com/eliteGoblin/focusd/app_reaper/internal/target"
)

// ExemptionSink receives exemption updates from the targets file.
// Implemented by *Scheduler.
type ExemptionSink interface {
	UpdateExemptions(sticky map[string]bool)
	RequestCheck()
}

// TargetsWatcher reloads exemption flags when the targets file changes.
// The target set itself is fixed for the life of the process.
type TargetsWatcher struct {
	path    string
	known   map[string]bool // app id -> sticky from static configuration
	sink    ExemptionSink
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTargetsWatcher creates a watcher for path. known are the targets the
// scheduler was started with; their configured sticky flags are the
// baseline the file is layered on.
func NewTargetsWatcher(path string, known []domain.TargetSpec, staticSticky []string, sink ExemptionSink, logger *zap.Logger) *TargetsWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := make(map[string]bool, len(known))
	for _, spec := range known {
		base[spec.AppID] = false
	}
	for _, id := range staticSticky {
		if _, ok := base[id]; ok {
			base[id] = true
		}
	}
	return &TargetsWatcher{
		path:    filepath.Clean(path),
		known:   base,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		logger:  logger,
	}
}

// Run watches the file's directory until ctx is cancelled. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *TargetsWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.logger.Info("watching targets file", zap.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("targets file watcher error", zap.Error(err))
		}
	}
}

// Reload re-reads the file and pushes the new exemptions. A file that no
// longer parses is ignored and the previous flags stay in effect.
func (w *TargetsWatcher) Reload() {
	specs, err := target.LoadSuppressConfig(w.path)
	if err != nil {
		w.logger.Warn("ignoring unreadable targets file", zap.String("path", w.path), zap.Error(err))
		return
	}

	fromFile := target.Exemptions(specs)
	sticky := make(map[string]bool, len(w.known))
	for id, base := range w.known {
		sticky[id] = base || fromFile[id]
	}
	for id := range fromFile {
		if _, ok := w.known[id]; !ok {
			w.logger.Warn("targets file lists an unknown target, restart to monitor it", zap.String("target", id))
		}
	}

	w.sink.UpdateExemptions(sticky)
	if w.limiter.Allow() {
		w.sink.RequestCheck()
	} else {
		w.logger.Debug("check request rate-limited")
	}
}
