package canongate

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/naos-labs/spine/pkg/proposal"
)

// Severity decides whether a failing rule blocks the proposal.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule is a CEL predicate evaluated once per proposed event. The expression
// sees `event` (event_id, type, dependencies, content) and `proposal`
// (proposal_id, title, author, event_count) and must return true for the
// event to pass.
type Rule struct {
	Name     string   `yaml:"name"`
	Expr     string   `yaml:"expr"`
	Message  string   `yaml:"message"`
	Severity Severity `yaml:"severity"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RuleSet is an immutable list of compiled rules.
type RuleSet struct {
	rules []compiledRule
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return env, nil
}

// NewRuleSet compiles rules up front so a broken expression fails at startup
// rather than during validation.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("rule %q declared twice", r.Name)
		}
		seen[r.Name] = struct{}{}

		switch r.Severity {
		case "":
			r.Severity = SeverityError
		case SeverityError, SeverityWarning:
		default:
			return nil, fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
		}
		if r.Message == "" {
			r.Message = fmt.Sprintf("violates rule %s", r.Name)
		}

		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: CEL compile error: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %q: expression must return bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q: CEL program error: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, prg: prg})
	}
	return rs, nil
}

// ParseRules reads a YAML document of the form `rules: [{name, expr, message, severity}]`.
func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse gate rules: %w", err)
	}
	return NewRuleSet(f.Rules)
}

func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read gate rules: %w", err)
	}
	return ParseRules(data)
}

// Len reports how many rules are loaded.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate runs every rule against every event. A rule that cannot be
// evaluated is reported as a warning naming the rule.
func (rs *RuleSet) Evaluate(p *proposal.Proposal) (errs, warnings []string) {
	if rs.Len() == 0 {
		return nil, nil
	}
	proposalVar := map[string]any{
		"proposal_id": p.ID,
		"title":       p.Title,
		"author": map[string]any{
			"model": p.Author.Model,
			"role":  p.Author.Role,
		},
		"event_count": int64(len(p.Payload.CanonEvents)),
	}
	for _, ev := range p.Payload.CanonEvents {
		deps := make([]any, 0, len(ev.Dependencies))
		for _, d := range ev.Dependencies {
			deps = append(deps, d)
		}
		content := ev.Content
		if content == nil {
			content = map[string]any{}
		}
		activation := map[string]any{
			"event": map[string]any{
				"event_id":     ev.EventID,
				"type":         ev.Type,
				"dependencies": deps,
				"content":      content,
			},
			"proposal": proposalVar,
		}

		for _, r := range rs.rules {
			out, _, err := r.prg.Eval(activation)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("Rule %s could not be evaluated for event %s: %v", r.Name, ev.EventID, err))
				continue
			}
			ok, isBool := out.Value().(bool)
			if !isBool {
				warnings = append(warnings, fmt.Sprintf("Rule %s did not return a boolean for event %s.", r.Name, ev.EventID))
				continue
			}
			if ok {
				continue
			}
			msg := fmt.Sprintf("Event %s %s", ev.EventID, r.Message)
			if r.Severity == SeverityWarning {
				warnings = append(warnings, msg)
			} else {
				errs = append(errs, msg)
			}
		}
	}
	return errs, warnings
}
