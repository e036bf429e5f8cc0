// Package scopes maps acting roles and model capability tiers to the
// fine-grained permissions the spine checks before every operation.
package scopes

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope is a named permission such as "proposal:apply".
type Scope string

const (
	NarrativeRead       Scope = "narrative:read"
	AudioRead           Scope = "audio:read"
	AudioGenerate       Scope = "audio:generate"
	AudioAudit          Scope = "audio:audit"
	AudioSceneCreate    Scope = "audio:scene:create"
	AudioSceneRead      Scope = "audio:scene:read"
	AudioSceneUpdate    Scope = "audio:scene:update"
	AudioSceneDelete    Scope = "audio:scene:delete"
	ListenerSummaryRead Scope = "listener:summary:read"
	ProposalCreate      Scope = "proposal:create"
	ProposalValidate    Scope = "proposal:validate"
	ProposalApply       Scope = "proposal:apply"
)

//go:embed defaults.yaml
var defaultTables []byte

// Entry is one row of the role or model table.
type Entry struct {
	Label  string   `yaml:"label" json:"label"`
	Tier   string   `yaml:"tier,omitempty" json:"tier,omitempty"`
	Scopes []string `yaml:"scopes" json:"scopes"`
}

type tables struct {
	Scopes []string         `yaml:"scopes"`
	Roles  map[string]Entry `yaml:"roles"`
	Models map[string]Entry `yaml:"models"`
}

// Registry is the immutable lookup built from the scope tables.
// It is never mutated after Load returns, so it is safe for concurrent use.
type Registry struct {
	scopes []Scope
	roles  map[string]ScopeSet
	models map[string]ScopeSet
	raw    tables
}

// Default returns the registry built from the embedded tables.
func Default() *Registry {
	r, err := Load(defaultTables)
	if err != nil {
		panic(fmt.Sprintf("scopes: embedded tables are invalid: %v", err))
	}
	return r
}

// LoadFile reads scope tables from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scope tables %q: %w", path, err)
	}
	return Load(data)
}

// Load parses YAML scope tables. Every scope a role or model grants must be
// declared in the top-level scope list.
func Load(data []byte) (*Registry, error) {
	var t tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse scope tables: %w", err)
	}
	if len(t.Scopes) == 0 {
		return nil, fmt.Errorf("scope tables declare no scopes")
	}

	known := make(map[Scope]struct{}, len(t.Scopes))
	r := &Registry{
		roles:  make(map[string]ScopeSet, len(t.Roles)),
		models: make(map[string]ScopeSet, len(t.Models)),
		raw:    t,
	}
	for _, s := range t.Scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("scope tables contain an empty scope")
		}
		if _, dup := known[Scope(s)]; dup {
			return nil, fmt.Errorf("scope %q declared twice", s)
		}
		known[Scope(s)] = struct{}{}
		r.scopes = append(r.scopes, Scope(s))
	}

	build := func(kind, name string, e Entry) (ScopeSet, error) {
		set := make(ScopeSet, len(e.Scopes))
		for _, s := range e.Scopes {
			if _, ok := known[Scope(s)]; !ok {
				return nil, fmt.Errorf("%s %q grants undeclared scope %q", kind, name, s)
			}
			set[Scope(s)] = struct{}{}
		}
		return set, nil
	}
	for name, e := range t.Roles {
		set, err := build("role", name, e)
		if err != nil {
			return nil, err
		}
		r.roles[name] = set
	}
	for name, e := range t.Models {
		set, err := build("model", name, e)
		if err != nil {
			return nil, err
		}
		r.models[name] = set
	}
	return r, nil
}

// ForRole returns the scopes granted to a role. Unknown roles get an empty set.
func (r *Registry) ForRole(role string) ScopeSet {
	return r.roles[role].clone()
}

// ForModel returns the scopes granted to a model. Unknown models get an empty set.
func (r *Registry) ForModel(model string) ScopeSet {
	return r.models[model].clone()
}

// Effective is the union of role and model grants.
func (r *Registry) Effective(role, model string) ScopeSet {
	return r.roles[role].Union(r.models[model])
}

// Known reports whether either half of the identity resolves.
func (r *Registry) Known(role, model string) bool {
	_, roleOK := r.roles[role]
	_, modelOK := r.models[model]
	return roleOK || modelOK
}

// Authorize reports whether every required scope is granted by the role or
// the model. An empty requirement authorizes only a known identity.
func (r *Registry) Authorize(required []Scope, role, model string) bool {
	if !r.Known(role, model) {
		return false
	}
	roleSet, modelSet := r.roles[role], r.models[model]
	for _, s := range required {
		if !roleSet.Has(s) && !modelSet.Has(s) {
			return false
		}
	}
	return true
}

// Missing returns the required scopes that neither role nor model grants.
func (r *Registry) Missing(required []Scope, role, model string) []Scope {
	eff := r.Effective(role, model)
	var out []Scope
	for _, s := range required {
		if !eff.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Scopes lists every declared scope in table order.
func (r *Registry) Scopes() []Scope {
	return append([]Scope(nil), r.scopes...)
}

// Roles returns the role table keyed by role name.
func (r *Registry) Roles() map[string]Entry {
	return copyEntries(r.raw.Roles)
}

// Models returns the model table keyed by model name.
func (r *Registry) Models() map[string]Entry {
	return copyEntries(r.raw.Models)
}

func copyEntries(in map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(in))
	for k, v := range in {
		v.Scopes = append([]string(nil), v.Scopes...)
		out[k] = v
	}
	return out
}

// ScopeSet is an unordered set of scopes.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a set from a list.
func NewScopeSet(scopes ...Scope) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, sc := range scopes {
		s[sc] = struct{}{}
	}
	return s
}

func (s ScopeSet) Has(scope Scope) bool {
	_, ok := s[scope]
	return ok
}

// Union returns a new set holding the members of both sets.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	out := make(ScopeSet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s ScopeSet) Sorted() []Scope {
	out := make([]Scope, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings.
func (s ScopeSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, sc := range sorted {
		out[i] = string(sc)
	}
	return out
}

func (s ScopeSet) clone() ScopeSet {
	out := make(ScopeSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}
