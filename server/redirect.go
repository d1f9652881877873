package server

import (
	"net/url"
	"strings"
)

// RedirectAllowed reports whether candidate may be redirected to, given the
// redirect URLs registered for a connection. A candidate is allowed only if
// some registered URL matches its scheme, hostname, and port exactly; path
// and query are deliberately ignored, and there are no wildcards.
//
// Every redirect the broker issues to a client-supplied or stored target
// must pass through this check first.
func RedirectAllowed(candidate string, registered []string) bool {
	cu, ok := parseRedirect(candidate)
	if !ok {
		return false
	}
	for _, reg := range registered {
		ru, ok := parseRedirect(reg)
		if !ok {
			continue
		}
		if cu.Scheme == ru.Scheme && cu.Hostname() == ru.Hostname() && cu.Port() == ru.Port() {
			return true
		}
	}
	return false
}

func parseRedirect(raw string) (*url.URL, bool) {
	if raw == "" || strings.HasPrefix(raw, "//") {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	// Only absolute http(s) URLs can be redirect targets. This also rules
	// out javascript:, data:, and scheme-relative tricks.
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if u.Hostname() == "" || u.User != nil {
		return nil, false
	}
	return u, true
}
