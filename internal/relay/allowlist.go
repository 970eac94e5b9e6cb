package relay

import (
	"path"
	"sort"
	"strings"
)

// ServiceRoute forwards a path prefix to another local service.
type ServiceRoute struct {
	// Prefix is the incoming path prefix, e.g. "/grafana".
	Prefix string `json:"prefix"`

	// Target is the base URL the request is forwarded to.
	Target string `json:"target"`

	// StripPrefix removes Prefix from the path before forwarding.
	StripPrefix bool `json:"stripPrefix"`
}

// apiPrefixes are the local API surfaces reachable through the relay.
var apiPrefixes = []string{
	"/knowledge",
	"/context",
	"/health",
	"/api/",
}

// staticExtensions is the fixed whitelist of asset suffixes served through
// the relay for web UIs.
var staticExtensions = map[string]bool{
	".html": true, ".htm": true,
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".webp": true, ".avif": true,
	".mp3": true, ".mp4": true, ".webm": true, ".ogg": true, ".wav": true,
	".pdf": true, ".txt": true, ".md": true, ".json": true, ".xml": true,
}

// Router decides whether a path may be relayed and where it goes.
type Router struct {
	routes []ServiceRoute
}

// NewRouter orders service routes longest-prefix first.
func NewRouter(routes []ServiceRoute) *Router {
	sorted := make([]ServiceRoute, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Router{routes: sorted}
}

// Route returns the matching service route, or nil when the path targets
// the local API.
func (r *Router) Route(p string) *ServiceRoute {
	for i := range r.routes {
		if strings.HasPrefix(p, r.routes[i].Prefix) {
			return &r.routes[i]
		}
	}
	return nil
}

// Allowed reports whether a validated path may be relayed at all.
func (r *Router) Allowed(p string) bool {
	if p == "/" {
		return true
	}
	if r.Route(p) != nil {
		return true
	}
	for _, prefix := range apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return staticExtensions[strings.ToLower(path.Ext(p))]
}

// Rewrite resolves the forward path for a service route.
func (sr *ServiceRoute) Rewrite(p string) string {
	if !sr.StripPrefix {
		return p
	}
	rest := strings.TrimPrefix(p, sr.Prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
