// Package baseurl resolves the public base URL used in outbound links.
//
// The service often runs behind reverse proxies or tunnels, so the
// request-derived origin wins over static configuration. Every code path
// that builds a link goes through Resolve so the fallback order cannot
// diverge between transports.
package baseurl

import (
	"net/http"
	"strings"
)

// DefaultBaseURL is the last-resort origin for local development.
const DefaultBaseURL = "http://localhost:3000"

// Resolver resolves base URLs with a configured fallback.
type Resolver struct {
	configured string
}

// NewResolver creates a resolver with the given configured base URL.
// An empty configured URL falls through to the localhost default.
func NewResolver(configured string) *Resolver {
	return &Resolver{configured: strings.TrimSuffix(configured, "/")}
}

// Resolve returns the base URL for outbound links, in priority order:
// origin detected from the inbound message, the forwarded-host headers of
// an HTTP request, the configured base URL, then the localhost default.
func (r *Resolver) Resolve(detectedOrigin string, header http.Header) string {
	if detectedOrigin != "" {
		return strings.TrimSuffix(detectedOrigin, "/")
	}

	if header != nil {
		host := header.Get("X-Forwarded-Host")
		if host == "" {
			host = header.Get("Host")
		}
		if host != "" {
			proto := header.Get("X-Forwarded-Proto")
			if proto == "" {
				proto = "http"
			}
			// Some load balancers send "https, http"
			proto = strings.TrimSpace(strings.Split(proto, ",")[0])
			return proto + "://" + host
		}
	}

	if r.configured != "" {
		return r.configured
	}

	return DefaultBaseURL
}

// Configured returns the static fallback without request context, used by
// paths that have no inbound request (direct messages, cron jobs).
func (r *Resolver) Configured() string {
	if r.configured != "" {
		return r.configured
	}
	return DefaultBaseURL
}
