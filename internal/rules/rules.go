package rules

import (
	"fmt"
	"strings"
)

// Rule is a single access rule parsed from its textual "service:route" form.
// A leading '!' marks a deny rule. '*' matches anything in its position and a
// trailing '*' in the route part matches any route prefix.
type Rule struct {
	Service string
	Route   string
	Deny    bool
}

// Decision is the outcome of evaluating a rule list against a request.
type Decision int

const (
	// DecisionDefaultDeny means no rule matched. Absent an explicit allow the
	// request is denied.
	DecisionDefaultDeny Decision = iota
	DecisionAllow
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "default-deny"
	}
}

// InvalidRuleError is returned when a rule string cannot be parsed.
type InvalidRuleError struct {
	Input string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule format: %q", e.Input)
}

// Parse parses a textual rule. "svc:rt" allows, "!svc:rt" denies. A rule
// without a colon separator is rejected.
func Parse(s string) (Rule, error) {
	r := Rule{}
	text := strings.TrimSpace(s)
	if strings.HasPrefix(text, "!") {
		r.Deny = true
		text = text[1:]
	}

	service, route, ok := strings.Cut(text, ":")
	if !ok || service == "" || route == "" {
		return Rule{}, &InvalidRuleError{Input: s}
	}

	r.Service = service
	r.Route = route
	return r, nil
}

// ParseAll parses a list of rule strings, returning the parsed rules and the
// inputs that failed to parse.
func ParseAll(texts []string) ([]Rule, []string) {
	parsed := make([]Rule, 0, len(texts))
	var invalid []string
	for _, t := range texts {
		r, err := Parse(t)
		if err != nil {
			invalid = append(invalid, t)
			continue
		}
		parsed = append(parsed, r)
	}
	return parsed, invalid
}

// Matches reports whether the rule applies to the given (service, route) pair.
func (r Rule) Matches(service, route string) bool {
	if r.Service != "*" && r.Service != service {
		return false
	}
	if r.Route == "*" || r.Route == route {
		return true
	}
	if prefix, ok := strings.CutSuffix(r.Route, "*"); ok {
		return strings.HasPrefix(route, prefix)
	}
	return false
}

// Decide evaluates all rules against the request pair. Any matching deny rule
// wins regardless of position; otherwise any matching allow rule allows; with
// no match at all the result is default-deny.
func Decide(ruleList []Rule, service, route string) Decision {
	decision := DecisionDefaultDeny
	for _, r := range ruleList {
		if !r.Matches(service, route) {
			continue
		}
		if r.Deny {
			return DecisionDeny
		}
		decision = DecisionAllow
	}
	return decision
}
