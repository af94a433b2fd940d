package policy

import (
	"net/http"
	"path"
	"strings"

	"github.com/iTrooz/offline-proxy/internal/config"
)

// Treatment is the caching protocol applied to a single request
type Treatment int

const (
	NetworkFirst Treatment = iota
	CacheFirst
	Bypass
)

func (t Treatment) String() string {
	switch t {
	case Bypass:
		return "bypass"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "unknown"
	}
}

var cacheFirstKinds = map[Kind]bool{
	KindImage:  true,
	KindFont:   true,
	KindStyle:  true,
	KindScript: true,
}

// Classifier maps requests to treatments. It holds no mutable state and is
// safe for concurrent use.
type Classifier struct {
	liveHosts  []Rule
	schemes    map[string]bool
	markers    []string
	extensions map[string]bool
}

// New compiles the policy section of the configuration
func New(cfg config.PolicyConfig) (*Classifier, error) {
	c := &Classifier{
		schemes:    make(map[string]bool, len(cfg.ExtensionSchemes)),
		extensions: make(map[string]bool, len(cfg.StaticExtensions)),
	}

	for _, pattern := range cfg.LiveHosts {
		rule, err := NewHostRule(pattern)
		if err != nil {
			return nil, err
		}
		c.liveHosts = append(c.liveHosts, rule)
	}

	for _, s := range cfg.ExtensionSchemes {
		c.schemes[strings.ToLower(strings.TrimSuffix(s, ":"))] = true
	}

	for _, m := range cfg.AuthMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			c.markers = append(c.markers, m)
		}
	}

	for _, ext := range cfg.StaticExtensions {
		c.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}

	return c, nil
}

// Classify never fails; anything unmatched is NetworkFirst.
func (c *Classifier) Classify(r *Request) Treatment {
	if c.bypass(r) {
		return Bypass
	}
	if c.cacheFirst(r) {
		return CacheFirst
	}
	return NetworkFirst
}

func (c *Classifier) bypass(r *Request) bool {
	if !strings.EqualFold(r.Method, http.MethodGet) {
		return true
	}
	if r.URL == nil {
		return false
	}

	for _, rule := range c.liveHosts {
		if rule.Match(r) {
			return true
		}
	}

	if c.schemes[strings.ToLower(r.URL.Scheme)] {
		return true
	}

	p := strings.ToLower(r.URL.Path)
	for _, m := range c.markers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}

func (c *Classifier) cacheFirst(r *Request) bool {
	if cacheFirstKinds[r.Kind] {
		return true
	}
	if r.URL == nil {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(r.URL.Path), "."))
	return ext != "" && c.extensions[ext]
}
