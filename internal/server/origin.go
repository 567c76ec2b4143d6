// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// normalizeOriginList canonicalizes configured origins and reports whether the
// wildcard "*" entry was present.
func normalizeOriginList(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}

		canonical, ok := canonicalOrigin(trimmed)
		if !ok {
			log.Printf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		normalized = append(normalized, canonical)
	}

	return normalized, allowAll
}

// canonicalOrigin reduces an origin to lowercase scheme://host form.
func canonicalOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func originAllowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		// Non-browser clients (including our own session package) send no
		// Origin header; the allow-list guards browser cross-site requests.
		return true
	}

	canonical, ok := canonicalOrigin(header)
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, exists := allowedOrigins[canonical]
	return exists
}

func checkOrigin(r *http.Request) bool {
	if originAllowed(r) {
		return true
	}
	log.Printf("Blocked WebSocket connection from disallowed origin: %q", r.Header.Get("Origin"))
	return false
}
