package target

import (
	"fmt"
	"sort"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// Preset is a built-in target definition that configuration can refer to
// by name instead of spelling out process patterns.
type Preset struct {
	Name     string // Short name used in configuration (e.g. "wechat")
	Title    string // Human-readable name for display
	AppID    string
	Patterns []string
}

// Spec converts the preset to a target spec.
func (p Preset) Spec() domain.TargetSpec {
	return domain.TargetSpec{
		AppID:           p.AppID,
		ProcessPatterns: append([]string(nil), p.Patterns...),
	}
}

// PresetRegistry holds the known presets.
type PresetRegistry struct {
	presets map[string]Preset
}

// NewPresetRegistry creates a registry with the default presets.
func NewPresetRegistry() *PresetRegistry {
	r := NewPresetRegistryWith()

	// Apps that keep push and sync services alive long after the user leaves them.
	r.Register(Preset{Name: "wechat", Title: "WeChat", AppID: "com.tencent.mm",
		Patterns: []string{"com.tencent.mm", "com.tencent.mm:*"}})
	r.Register(Preset{Name: "qq", Title: "QQ", AppID: "com.tencent.mobileqq",
		Patterns: []string{"com.tencent.mobileqq", "com.tencent.mobileqq:*"}})
	r.Register(Preset{Name: "douyin", Title: "Douyin", AppID: "com.ss.android.ugc.aweme",
		Patterns: []string{"com.ss.android.ugc.aweme", "com.ss.android.ugc.aweme:*"}})
	r.Register(Preset{Name: "taobao", Title: "Taobao", AppID: "com.taobao.taobao",
		Patterns: []string{"com.taobao.taobao", "com.taobao.taobao:*"}})
	r.Register(Preset{Name: "weibo", Title: "Weibo", AppID: "com.sina.weibo",
		Patterns: []string{"com.sina.weibo", "com.sina.weibo:*"}})

	return r
}

// NewPresetRegistryWith creates a registry with custom presets (for testing).
func NewPresetRegistryWith(presets ...Preset) *PresetRegistry {
	r := &PresetRegistry{presets: make(map[string]Preset)}
	for _, p := range presets {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a preset.
func (r *PresetRegistry) Register(p Preset) {
	r.presets[p.Name] = p
}

// Get returns a preset by name.
func (r *PresetRegistry) Get(name string) (Preset, bool) {
	p, ok := r.presets[name]
	return p, ok
}

// List returns all presets ordered by name.
func (r *PresetRegistry) List() []Preset {
	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve expands preset names into target specs, in the order given.
func (r *PresetRegistry) Resolve(names []string) ([]domain.TargetSpec, error) {
	specs := make([]domain.TargetSpec, 0, len(names))
	for _, name := range names {
		p, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown preset %q", domain.ErrInvalidTarget, name)
		}
		specs = append(specs, p.Spec())
	}
	return specs, nil
}
