package policy

import (
	"sort"

	"github.com/eliteGoblin/focusd/snapguard/internal/domain"
)

// Preset is a named bundle of rules a policy file can pull in by id.
type Preset interface {
	// ID returns the identifier used in the policy file (e.g., "secrets").
	ID() string

	// Name returns a human-readable name for display.
	Name() string

	// Rules returns the rules contributed by this preset.
	Rules() []domain.PolicyRule
}

// Registry holds the available rule presets.
type Registry struct {
	presets map[string]Preset
}

// NewRegistry creates a registry with the built-in presets.
func NewRegistry() *Registry {
	r := &Registry{presets: make(map[string]Preset)}
	r.Register(NewSecretsPreset())
	r.Register(NewLockfilesPreset())
	return r
}

// NewRegistryWithPresets creates a registry with custom presets (for testing).
func NewRegistryWithPresets(presets ...Preset) *Registry {
	r := &Registry{presets: make(map[string]Preset)}
	for _, p := range presets {
		r.Register(p)
	}
	return r
}

// Register adds a preset to the registry.
func (r *Registry) Register(p Preset) {
	r.presets[p.ID()] = p
}

// Get returns a preset by ID. Safe on a nil registry.
func (r *Registry) Get(id string) (Preset, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.presets[id]
	return p, ok
}

// List returns all preset IDs, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.presets))
	for id := range r.presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRuleSet is used when no policy file exists: every built-in preset,
// everything else unprotected.
func DefaultRuleSet(r *Registry) domain.RuleSet {
	rs := domain.RuleSet{Version: "1", DefaultLevel: domain.Unprotected}
	for _, id := range r.List() {
		p, _ := r.Get(id)
		rs.Rules = append(rs.Rules, p.Rules()...)
	}
	rs.Ignore = []string{".git/**", "node_modules/**", ".snapguard/**"}
	return rs
}
