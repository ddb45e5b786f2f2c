// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// Reclaimer implements domain.TerminationAction: it kills every process
// matching a target's patterns.
type Reclaimer struct {
	processManager domain.ProcessManager
	logger         *zap.Logger
	now            func() time.Time
}

// NewReclaimer creates a new reclaimer.
func NewReclaimer(pm domain.ProcessManager, logger *zap.Logger) *Reclaimer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reclaimer{processManager: pm, logger: logger, now: time.Now}
}

// Stop kills the target's processes. Each PID is killed at most once even
// if several patterns match it. The error is non-nil only when processes
// were found and none of them could be killed.
func (r *Reclaimer) Stop(ctx context.Context, target domain.TargetSpec) (*domain.StopResult, error) {
	start := r.now()

	result := &domain.StopResult{
		AppID:      target.AppID,
		KilledPIDs: make([]int, 0),
		Errors:     make([]error, 0),
		ExecutedAt: start,
	}

	seen := make(map[int]struct{})
	for _, pattern := range target.ProcessPatterns {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}

		pids, err := r.processManager.FindByName(pattern)
		if err != nil {
			r.logger.Warn("failed to find processes",
				zap.String("target", target.AppID),
				zap.String("pattern", pattern),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}

		for _, pid := range pids {
			if _, dup := seen[pid]; dup {
				continue
			}
			seen[pid] = struct{}{}
			result.Matched++

			if err := r.processManager.Kill(pid); err != nil {
				r.logger.Warn("failed to kill process",
					zap.String("target", target.AppID),
					zap.Int("pid", pid),
					zap.Error(err))
				result.Errors = append(result.Errors, err)
				continue
			}
			r.logger.Info("killed process",
				zap.String("target", target.AppID),
				zap.Int("pid", pid),
				zap.String("pattern", pattern))
			result.KilledPIDs = append(result.KilledPIDs, pid)
		}
	}

	result.DurationMs = r.now().Sub(start).Milliseconds()

	if len(result.KilledPIDs) == 0 && len(result.Errors) > 0 {
		return result, fmt.Errorf("%w: %s: %v", domain.ErrActionFailure, target.AppID, result.Errors[0])
	}
	return result, nil
}

// Ensure Reclaimer implements domain.TerminationAction.
var _ domain.TerminationAction = (*Reclaimer)(nil)
