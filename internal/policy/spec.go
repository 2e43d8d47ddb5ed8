package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const SchemaV1 = "deploy-gate.policy.v1"

const (
	ScopeContainer = "container"
	ScopeWorkload  = "workload"
)

//go:embed default_rules.yaml
var defaultRules []byte

// RuleSet is an ordered list of admission rules. Each rule describes a
// forbidden condition; a matching rule is a violation.
type RuleSet struct {
	Schema string `json:"schema" yaml:"schema"`
	Rules  []Rule `json:"rules" yaml:"rules"`
}

type Rule struct {
	ID      string         `json:"id" yaml:"id"`
	Message string         `json:"message" yaml:"message"`
	Scope   string         `json:"scope,omitempty" yaml:"scope,omitempty"`
	When    ConditionGroup `json:"when" yaml:"when"`
}

type ConditionGroup struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

// Condition compares one descriptor field. When Required is set and the
// field is absent the whole rule counts as violated.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Op       string   `json:"op" yaml:"op"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values   []string `json:"values,omitempty" yaml:"values,omitempty"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
}

func Parse(input []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(input, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("decode rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs.normalize(), nil
}

// Default returns the built-in ruleset: resource limits, privileged,
// privilege escalation and root, in that order.
func Default() RuleSet {
	rs, err := Parse(defaultRules)
	if err != nil {
		panic("policy: invalid built-in rules: " + err.Error())
	}
	return rs
}

func (rs RuleSet) Validate() error {
	if strings.TrimSpace(rs.Schema) != SchemaV1 {
		return fmt.Errorf("rules.schema must be %q", SchemaV1)
	}
	if len(rs.Rules) == 0 {
		return errors.New("rules must be non-empty")
	}

	seen := make(map[string]struct{}, len(rs.Rules))
	for i, rule := range rs.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return fmt.Errorf("rules[%d].id is required", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("rules[%d].id must be unique (duplicate %q)", i, id)
		}
		seen[id] = struct{}{}

		switch strings.ToLower(strings.TrimSpace(rule.Scope)) {
		case "", ScopeContainer, ScopeWorkload:
		default:
			return fmt.Errorf("rules[%d].scope unsupported: %q", i, rule.Scope)
		}

		if len(rule.When.All) == 0 && len(rule.When.Any) == 0 {
			return fmt.Errorf("rules[%d].when must include all or any", i)
		}
		if err := validateConditions(rule.When.All, fmt.Sprintf("rules[%d].when.all", i)); err != nil {
			return err
		}
		if err := validateConditions(rule.When.Any, fmt.Sprintf("rules[%d].when.any", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateConditions(conds []Condition, prefix string) error {
	for i, cond := range conds {
		if strings.TrimSpace(cond.Field) == "" {
			return fmt.Errorf("%s[%d].field is required", prefix, i)
		}
		op := strings.ToLower(strings.TrimSpace(cond.Op))
		switch op {
		case "exists", "absent":
		case "in", "not_in":
			if len(trimNonEmpty(cond.Values)) == 0 {
				return fmt.Errorf("%s[%d].values must be non-empty for %s", prefix, i, op)
			}
		case "eq", "neq", "contains", "matches", "gt", "gte", "lt", "lte":
			if strings.TrimSpace(cond.Value) == "" {
				return fmt.Errorf("%s[%d].value is required for %s", prefix, i, op)
			}
			if op == "matches" {
				if _, err := regexp.Compile(strings.TrimSpace(cond.Value)); err != nil {
					return fmt.Errorf("%s[%d].value is not a valid pattern: %w", prefix, i, err)
				}
			}
		case "":
			return fmt.Errorf("%s[%d].op is required", prefix, i)
		default:
			return fmt.Errorf("%s[%d].op unsupported: %q", prefix, i, cond.Op)
		}
	}
	return nil
}

func (rs RuleSet) normalize() RuleSet {
	out := RuleSet{Schema: rs.Schema, Rules: make([]Rule, len(rs.Rules))}
	for i, r := range rs.Rules {
		r.ID = strings.TrimSpace(r.ID)
		r.Scope = strings.ToLower(strings.TrimSpace(r.Scope))
		if r.Scope == "" {
			r.Scope = ScopeContainer
		}
		r.When = ConditionGroup{All: normalizeConds(r.When.All), Any: normalizeConds(r.When.Any)}
		out.Rules[i] = r
	}
	return out
}

func normalizeConds(in []Condition) []Condition {
	if len(in) == 0 {
		return nil
	}
	out := make([]Condition, len(in))
	for i, c := range in {
		c.Field = strings.ToLower(strings.TrimSpace(c.Field))
		c.Op = strings.ToLower(strings.TrimSpace(c.Op))
		c.Values = trimNonEmpty(c.Values)
		out[i] = c
	}
	return out
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
