package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/davarch/deploy-gate/internal/domain"
)

const GateName = "policy"

// Evaluate applies every rule of rs to d in declaration order. Container
// scoped rules report one violation per offending container. Evaluate does
// no I/O and returns identical results for identical inputs.
func Evaluate(d domain.DeploymentDescriptor, rs RuleSet) domain.GateResult {
	var violations []domain.Violation

	for _, rule := range rs.Rules {
		switch rule.Scope {
		case ScopeWorkload:
			if v, ok := check(rule, workload(d), ""); ok {
				violations = append(violations, v)
			}
		default:
			for i, c := range d.Containers {
				name := c.Name
				if name == "" {
					name = "container-" + strconv.Itoa(i)
				}
				if v, ok := check(rule, container(c), name); ok {
					violations = append(violations, v)
				}
			}
		}
	}

	return domain.GateResult{
		Gate:       GateName,
		Passed:     len(violations) == 0,
		Violations: violations,
	}
}

// Evaluate makes a RuleSet usable as a domain.PolicyEvaluator pinned to
// exactly these rules.
func (rs RuleSet) Evaluate(d domain.DeploymentDescriptor) domain.GateResult {
	return Evaluate(d, rs)
}

func check(rule Rule, s subject, containerName string) (domain.Violation, bool) {
	matched, missing := ruleMatches(rule, s)
	if !matched && missing == "" {
		return domain.Violation{}, false
	}
	msg := rule.Message
	if msg == "" {
		msg = rule.ID
	}
	if missing != "" {
		msg = fmt.Sprintf("%s (required field %s is not set)", msg, missing)
	}
	return domain.Violation{RuleID: rule.ID, Message: msg, Container: containerName}, true
}

// ruleMatches returns whether the rule's forbidden condition holds, and the
// first required field that could not be resolved.
func ruleMatches(rule Rule, s subject) (bool, string) {
	missing := ""
	note := func(c Condition) {
		if missing == "" {
			missing = c.Field
		}
	}

	allOK := true
	for _, cond := range rule.When.All {
		ok, absent := conditionMatches(cond, s)
		if absent && cond.Required {
			note(cond)
		}
		if !ok {
			allOK = false
		}
	}

	anyOK := len(rule.When.Any) == 0
	for _, cond := range rule.When.Any {
		ok, absent := conditionMatches(cond, s)
		if absent && cond.Required {
			note(cond)
		}
		if ok {
			anyOK = true
		}
	}

	return allOK && anyOK, missing
}

func conditionMatches(cond Condition, s subject) (bool, bool) {
	value, ok := s.field(cond.Field)
	switch cond.Op {
	case "exists":
		return ok, !ok
	case "absent":
		return !ok, !ok
	}
	if !ok {
		return false, true
	}
	switch cond.Op {
	case "eq":
		return compareEqual(value, cond.Value), false
	case "neq":
		return !compareEqual(value, cond.Value), false
	case "in":
		return compareIn(value, cond.Values), false
	case "not_in":
		return !compareIn(value, cond.Values), false
	case "contains":
		return compareContains(value, cond.Value), false
	case "matches":
		return compareRegex(value, cond.Value), false
	case "gt", "gte", "lt", "lte":
		return compareNumber(value, cond.Value, cond.Op), false
	default:
		return false, false
	}
}

// subject resolves lower-cased dotted field paths to values.
type subject func(path string) (any, bool)

func (s subject) field(path string) (any, bool) { return s(path) }

func container(c domain.Container) subject {
	return func(path string) (any, bool) {
		switch path {
		case "name":
			return c.Name, c.Name != ""
		case "image":
			return c.Image, c.Image != ""
		case "ports":
			return len(c.Ports), len(c.Ports) > 0
		case "securitycontext":
			return c.SecurityContext != nil, c.SecurityContext != nil
		case "securitycontext.runasroot":
			if c.SecurityContext == nil {
				return nil, false
			}
			return boolField(c.SecurityContext.RunAsRoot)
		case "securitycontext.privileged":
			if c.SecurityContext == nil {
				return nil, false
			}
			return boolField(c.SecurityContext.Privileged)
		case "securitycontext.allowprivilegeescalation":
			if c.SecurityContext == nil {
				return nil, false
			}
			return boolField(c.SecurityContext.AllowPrivilegeEscalation)
		case "resources.limits":
			if c.Resources == nil || len(c.Resources.Limits) == 0 {
				return nil, false
			}
			return len(c.Resources.Limits), true
		case "resources.requests":
			if c.Resources == nil || len(c.Resources.Requests) == 0 {
				return nil, false
			}
			return len(c.Resources.Requests), true
		}
		if c.Resources != nil {
			if k, ok := strings.CutPrefix(path, "resources.limits."); ok {
				v, found := c.Resources.Limits[k]
				return v, found
			}
			if k, ok := strings.CutPrefix(path, "resources.requests."); ok {
				v, found := c.Resources.Requests[k]
				return v, found
			}
		}
		return nil, false
	}
}

func workload(d domain.DeploymentDescriptor) subject {
	return func(path string) (any, bool) {
		switch path {
		case "name":
			return d.Name, d.Name != ""
		case "namespace":
			return d.Namespace, d.Namespace != ""
		case "environment":
			return d.Environment, d.Environment != ""
		case "replicas":
			return int(d.Replicas), true
		case "containers":
			return len(d.Containers), true
		case "networkpolicies":
			if len(d.NetworkPolicies) == 0 {
				return nil, false
			}
			return d.NetworkPolicies, true
		}
		if k, ok := strings.CutPrefix(path, "labels."); ok {
			for lk, lv := range d.Labels {
				if strings.ToLower(lk) == k {
					return lv, true
				}
			}
		}
		return nil, false
	}
}

func boolField(b *bool) (any, bool) {
	if b == nil {
		return nil, false
	}
	return strconv.FormatBool(*b), true
}

func normalizeString(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func compareEqual(value any, target string) bool {
	target = normalizeString(target)
	switch typed := value.(type) {
	case string:
		return normalizeString(typed) == target
	case []string:
		for _, item := range typed {
			if normalizeString(item) == target {
				return true
			}
		}
		return false
	default:
		return normalizeString(fmt.Sprint(value)) == target
	}
}

func compareIn(value any, targets []string) bool {
	for _, t := range targets {
		if compareEqual(value, t) {
			return true
		}
	}
	return false
}

func compareContains(value any, target string) bool {
	target = normalizeString(target)
	switch typed := value.(type) {
	case []string:
		for _, item := range typed {
			if normalizeString(item) == target {
				return true
			}
		}
		return false
	default:
		return strings.Contains(normalizeString(fmt.Sprint(value)), target)
	}
}

func compareRegex(value any, pattern string) bool {
	re, err := regexp.Compile(strings.TrimSpace(pattern))
	if err != nil {
		return false
	}
	switch typed := value.(type) {
	case []string:
		for _, item := range typed {
			if re.MatchString(item) {
				return true
			}
		}
		return false
	default:
		return re.MatchString(fmt.Sprint(value))
	}
}

func compareNumber(value any, target, op string) bool {
	left, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(value)), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(target), 64)
	if err != nil {
		return false
	}
	switch op {
	case "gt":
		return left > right
	case "gte":
		return left >= right
	case "lt":
		return left < right
	case "lte":
		return left <= right
	}
	return false
}
