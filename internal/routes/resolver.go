// Package routes maps inbound request paths to destination services and the
// audience an exchanged token must target. The table is static configuration
// loaded at startup; resolution is a pure in-memory lookup.
package routes

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoMapping is returned when no route matches the requested path. An
// unmapped destination fails closed: the gateway never falls back to
// forwarding the gateway-scoped token to an unknown service.
var ErrNoMapping = errors.New("no route mapping for destination")

// Route is one entry of the static route table.
type Route struct {
	// Name identifies the destination service (used for logging, metrics,
	// and the per-destination circuit breaker).
	Name string

	// Prefix is the inbound path prefix this route matches.
	Prefix string

	// Upstream is the destination service base URL.
	Upstream *url.URL

	// Audience is the audience the exchanged token must target. Empty only
	// when Passthrough is set.
	Audience string

	// Passthrough forwards the original token unmodified instead of
	// exchanging it. This is a deliberate per-route configuration choice,
	// never a fallback for an unmapped destination.
	Passthrough bool
}

// yamlRoute is the configuration file format for route entries.
type yamlRoute struct {
	Name        string `yaml:"name"`
	Prefix      string `yaml:"prefix"`
	Upstream    string `yaml:"upstream"`
	Audience    string `yaml:"audience,omitempty"`
	Passthrough bool   `yaml:"passthrough,omitempty"`
}

type yamlRouteFile struct {
	Routes []yamlRoute `yaml:"routes"`
}

// Resolver resolves inbound paths to routes by longest-prefix match.
type Resolver struct {
	routes []Route // sorted by prefix length, longest first
}

// Load reads the route table from a YAML file and builds a resolver.
func Load(path string) (*Resolver, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route table %s: %w", path, err)
	}

	var file yamlRouteFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse route table %s: %w", path, err)
	}

	parsed := make([]Route, 0, len(file.Routes))
	for _, yr := range file.Routes {
		upstream, err := url.Parse(yr.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %q: invalid upstream %q: %w", yr.Name, yr.Upstream, err)
		}
		parsed = append(parsed, Route{
			Name:        yr.Name,
			Prefix:      yr.Prefix,
			Upstream:    upstream,
			Audience:    yr.Audience,
			Passthrough: yr.Passthrough,
		})
	}

	return NewResolver(parsed)
}

// NewResolver validates the route table and builds a resolver.
//
// Invariants enforced here rather than at resolve time: every route needs a
// name, a prefix, and a resolvable upstream; a route must either name a
// target audience or be explicitly marked passthrough; prefixes must be
// unique so each destination has exactly one mapping.
func NewResolver(table []Route) (*Resolver, error) {
	seen := make(map[string]string, len(table))
	for _, route := range table {
		if route.Name == "" {
			return nil, fmt.Errorf("route with prefix %q has no name", route.Prefix)
		}
		if route.Prefix == "" || !strings.HasPrefix(route.Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with /", route.Name)
		}
		if route.Upstream == nil || route.Upstream.Scheme == "" || route.Upstream.Host == "" {
			return nil, fmt.Errorf("route %q: upstream must be an absolute URL", route.Name)
		}
		if route.Audience == "" && !route.Passthrough {
			return nil, fmt.Errorf("route %q: audience is required unless passthrough is set", route.Name)
		}
		if route.Audience != "" && route.Passthrough {
			return nil, fmt.Errorf("route %q: audience and passthrough are mutually exclusive", route.Name)
		}
		if prev, ok := seen[route.Prefix]; ok {
			return nil, fmt.Errorf("routes %q and %q share prefix %q", prev, route.Name, route.Prefix)
		}
		seen[route.Prefix] = route.Name
	}

	sorted := make([]Route, len(table))
	copy(sorted, table)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Resolver{routes: sorted}, nil
}

// Resolve returns the route whose prefix matches the given path, preferring
// the longest match. Returns ErrNoMapping when nothing matches.
func (r *Resolver) Resolve(path string) (*Route, error) {
	for i := range r.routes {
		if matchPrefix(path, r.routes[i].Prefix) {
			route := r.routes[i]
			return &route, nil
		}
	}
	return nil, ErrNoMapping
}

// Routes returns a copy of the route table in match order.
func (r *Resolver) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// matchPrefix reports whether path falls under prefix on a path-segment
// boundary, so /api/entries does not match /api/entries-admin.
func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}
