package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Rule interface for matching requests against classification rules
type Rule interface {
	Match(r *Request) bool
}

// HostRule matches the request hostname, either exactly or against a glob
// such as "*.example.com".
type HostRule struct {
	pattern string
	glob    glob.Glob
}

// NewHostRule compiles a host pattern
func NewHostRule(pattern string) (*HostRule, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return nil, fmt.Errorf("empty host pattern")
	}

	rule := &HostRule{pattern: pattern}
	if strings.ContainsAny(pattern, "*?[{") {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid host pattern %q: %w", pattern, err)
		}
		rule.glob = g
	}
	return rule, nil
}

// Match checks if the request targets this host
func (r *HostRule) Match(requ *Request) bool {
	if requ.URL == nil {
		return false
	}
	host := strings.ToLower(requ.URL.Hostname())
	if host == "" {
		return false
	}
	if r.glob != nil {
		return r.glob.Match(host)
	}
	return host == r.pattern
}
