// Package fusion correlates verified telemetry into incidents. Rules are
// declarative YAML descriptors: a conjunction of event predicates over a
// sliding time window, grouped by a payload field (normally the device).
// Matching is deterministic, so replaying a queue yields the same incidents.
package fusion

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/amoskys/amoskys/pkg/envelope"
)

var severities = map[string]bool{
	"INFO": true, "LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true,
}

// Predicate matches one event: a class, optionally a subtype allow-list,
// optionally a CEL expression over the payload.
type Predicate struct {
	Class   envelope.Class `yaml:"class"`
	Subtype []string       `yaml:"subtype,omitempty"`
	When    string         `yaml:"when,omitempty"`

	prog cel.Program
}

// Rule is one correlation descriptor.
type Rule struct {
	RuleID     string       `yaml:"rule_id"`
	Severity   string       `yaml:"severity"`
	Summary    string       `yaml:"summary"`
	Tactics    []string     `yaml:"tactics,omitempty"`
	Techniques []string     `yaml:"techniques,omitempty"`
	WindowS    int          `yaml:"window_s"`
	Ordered    bool         `yaml:"ordered"`
	GroupBy    string       `yaml:"group_by"`
	Predicates []*Predicate `yaml:"predicates"`
}

type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadRules parses and compiles a rule file. Every rule is validated up
// front; a bad descriptor fails the whole load rather than silently
// matching nothing at runtime.
func LoadRules(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fusion: read rules: %w", err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fusion: parse rules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("fusion: %s declares no rules", path)
	}
	env, err := predicateEnv()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(doc.Rules))
	for _, r := range doc.Rules {
		if err := r.compile(env); err != nil {
			return nil, err
		}
		if seen[r.RuleID] {
			return nil, fmt.Errorf("fusion: duplicate rule id %q", r.RuleID)
		}
		seen[r.RuleID] = true
	}
	return doc.Rules, nil
}

// predicateEnv declares the variables a when-expression may reference.
func predicateEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("class", cel.StringType),
		cel.Variable("source_id", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("fusion: cel env: %w", err)
	}
	return env, nil
}

func (r *Rule) compile(env *cel.Env) error {
	if r.RuleID == "" {
		return fmt.Errorf("fusion: rule with empty rule_id")
	}
	if !severities[r.Severity] {
		return fmt.Errorf("fusion: rule %s: unknown severity %q", r.RuleID, r.Severity)
	}
	if r.WindowS <= 0 {
		return fmt.Errorf("fusion: rule %s: window_s must be positive", r.RuleID)
	}
	if len(r.Predicates) == 0 {
		return fmt.Errorf("fusion: rule %s: no predicates", r.RuleID)
	}
	if r.GroupBy == "" {
		r.GroupBy = "device_id"
	}
	for i, p := range r.Predicates {
		if !p.Class.Valid() {
			return fmt.Errorf("fusion: rule %s: predicate %d: unknown class %q", r.RuleID, i, p.Class)
		}
		if p.When == "" {
			continue
		}
		ast, iss := env.Compile(p.When)
		if iss.Err() != nil {
			return fmt.Errorf("fusion: rule %s: predicate %d: %w", r.RuleID, i, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return fmt.Errorf("fusion: rule %s: predicate %d: expression is %s, want bool",
				r.RuleID, i, ast.OutputType())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return fmt.Errorf("fusion: rule %s: predicate %d: %w", r.RuleID, i, err)
		}
		p.prog = prog
	}
	return nil
}

// matches evaluates the predicate against one event. A CEL evaluation error
// is surfaced so the engine can count it against the rule.
func (p *Predicate) matches(ev *event) (bool, error) {
	if ev.class != p.Class {
		return false, nil
	}
	if len(p.Subtype) > 0 {
		ok := false
		for _, st := range p.Subtype {
			if ev.subtype == st {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	if p.prog == nil {
		return true, nil
	}
	out, _, err := p.prog.Eval(map[string]any{
		"class":     string(ev.class),
		"source_id": ev.sourceID,
		"payload":   ev.payload,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("fusion: expression returned %T, want bool", out.Value())
	}
	return b, nil
}
