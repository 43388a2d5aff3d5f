package core

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pseudo-roles usable in access rules alongside concrete role names.
const (
	// AccessPublic allows the request regardless of identity.
	AccessPublic = "public"
	// AccessAuthenticated allows any non-anonymous identity.
	AccessAuthenticated = "authenticated"
)

// AccessRule binds a path pattern (and optionally a method) to a required
// role. Patterns are segment-wise: "*" matches exactly one segment, "**"
// matches any remainder.
type AccessRule struct {
	Pattern string `yaml:"pattern"`
	Method  string `yaml:"method,omitempty"`
	Role    string `yaml:"role"`
}

// AccessPolicy is an ordered rule list. The first rule whose pattern (and
// method, when set) matches decides the request; rule authors therefore
// order from most-specific to least-specific. No match means deny.
type AccessPolicy struct {
	rules []AccessRule
}

// NewAccessPolicy validates and normalizes the given rules.
func NewAccessPolicy(rules []AccessRule) (*AccessPolicy, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("access policy needs at least one rule")
	}
	normalized := make([]AccessRule, len(rules))
	for i, r := range rules {
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("rule %d: pattern %q must start with /", i, r.Pattern)
		}
		role := strings.TrimSpace(r.Role)
		switch strings.ToLower(role) {
		case "":
			return nil, fmt.Errorf("rule %d: empty role", i)
		case AccessPublic:
			role = AccessPublic
		case AccessAuthenticated:
			role = AccessAuthenticated
		default:
			role = NormalizeRole(role)
		}
		normalized[i] = AccessRule{
			Pattern: r.Pattern,
			Method:  strings.ToUpper(strings.TrimSpace(r.Method)),
			Role:    role,
		}
	}
	return &AccessPolicy{rules: normalized}, nil
}

// DefaultPolicy covers the built-in route classes: open login and health
// endpoints, a manager area, an admin area, and everything else under the
// API requiring any authenticated caller.
func DefaultPolicy() *AccessPolicy {
	p, err := NewAccessPolicy([]AccessRule{
		{Pattern: "/login", Method: "POST", Role: AccessPublic},
		{Pattern: "/healthz", Role: AccessPublic},
		{Pattern: "/api/public/management/**", Role: RoleManager},
		{Pattern: "/api/public/admin/**", Role: RoleAdmin},
		{Pattern: "/api/public/**", Role: AccessAuthenticated},
	})
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy reads an ordered rule list from a YAML file of the form:
//
//	rules:
//	  - pattern: /api/public/admin/**
//	    role: ADMIN
func LoadPolicy(path string) (*AccessPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var doc struct {
		Rules []AccessRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return NewAccessPolicy(doc.Rules)
}

// Authorize evaluates the rule list for the request and reports whether it
// is allowed. Absent any matching rule the request is denied.
func (p *AccessPolicy) Authorize(path, method string, identity Identity) bool {
	for _, r := range p.rules {
		if r.Method != "" && r.Method != strings.ToUpper(method) {
			continue
		}
		if !matchPattern(r.Pattern, path) {
			continue
		}
		switch r.Role {
		case AccessPublic:
			return true
		case AccessAuthenticated:
			return !identity.Anonymous()
		default:
			return identity.HasRole(r.Role)
		}
	}
	return false
}

// matchPattern compares pattern and path segment by segment. "*" consumes
// exactly one segment, "**" consumes the rest (including none).
func matchPattern(pattern, path string) bool {
	pat := splitPath(pattern)
	seg := splitPath(path)

	for i, p := range pat {
		if p == "**" {
			return true
		}
		if i >= len(seg) {
			return false
		}
		if p != "*" && p != seg[i] {
			return false
		}
	}
	return len(pat) == len(seg)
}

func splitPath(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}
