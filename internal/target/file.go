package target

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// SuppressConfig is the targets file written by the companion web UI.
type SuppressConfig struct {
	SuppressApps map[string]SuppressApp `json:"suppress_apps"`
}

// SuppressApp is one entry of the targets file.
type SuppressApp struct {
	Enabled   bool     `json:"enabled"`
	Processes []string `json:"processes"`
	Sticky    bool     `json:"sticky,omitempty"`
}

// LoadSuppressConfig reads a targets file and converts it to target specs,
// ordered by app id. Disabled entries become sticky targets: they are still
// observed but never killed.
func LoadSuppressConfig(path string) ([]domain.TargetSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}
	return ParseSuppressConfig(data)
}

// ParseSuppressConfig converts raw targets-file JSON to target specs.
func ParseSuppressConfig(data []byte) ([]domain.TargetSpec, error) {
	var cfg SuppressConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	specs := make([]domain.TargetSpec, 0, len(cfg.SuppressApps))
	for appID, app := range cfg.SuppressApps {
		if !appIDPattern.MatchString(appID) {
			return nil, fmt.Errorf("%w: bad app id %q in targets file", domain.ErrInvalidTarget, appID)
		}
		spec := domain.TargetSpec{
			AppID:  appID,
			Sticky: app.Sticky || !app.Enabled,
		}
		for _, p := range app.Processes {
			if err := validatePattern(p); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidTarget, appID, err)
			}
			spec.ProcessPatterns = appendUnique(spec.ProcessPatterns, p)
		}
		if len(spec.ProcessPatterns) == 0 {
			return nil, fmt.Errorf("%w: %s: no processes listed", domain.ErrInvalidTarget, appID)
		}
		specs = append(specs, spec)
	}

	SortByID(specs)
	return specs, nil
}

// Exemptions returns app id -> sticky for every entry in the file.
func Exemptions(specs []domain.TargetSpec) map[string]bool {
	out := make(map[string]bool, len(specs))
	for _, s := range specs {
		out[s.AppID] = s.Sticky
	}
	return out
}
