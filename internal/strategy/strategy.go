// Package strategy decides how an intercepted request is served. Classify is
// pure: it looks only at the request's origin, method, mode, destination and
// path.
package strategy

import (
	"net/http"
	"net/url"
	"strings"

	"pantrypro/internal/fetch"
)

type Strategy int

const (
	// Bypass passes the request to the network untouched and never caches.
	Bypass Strategy = iota
	// NetworkFirstOffline serves navigations from the network and falls back
	// to the precached offline document. Successful navigations are not stored.
	NetworkFirstOffline
	// NetworkFirst stores every successful response and serves the last stored
	// copy when the network fails.
	NetworkFirst
	// StaleWhileRevalidate answers from cache immediately and refreshes the
	// entry in the background.
	StaleWhileRevalidate
	// CacheFirst only goes to the network on a miss.
	CacheFirst
)

func (s Strategy) String() string {
	switch s {
	case Bypass:
		return "bypass"
	case NetworkFirstOffline:
		return "navigation"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case CacheFirst:
		return "cache-first"
	}
	return "unknown"
}

const (
	DefaultAPIPrefix      = "/api/"
	DefaultCategoryMarker = "categories"
)

type Rules struct {
	// Scope is the origin the worker controls.
	Scope          *url.URL
	APIPrefix      string
	CategoryMarker string
}

func NewRules(scope *url.URL) Rules {
	return Rules{Scope: scope, APIPrefix: DefaultAPIPrefix, CategoryMarker: DefaultCategoryMarker}
}

// Classify maps req to a strategy; the first matching rule wins.
func Classify(req *fetch.Request, rules Rules) Strategy {
	if req == nil || req.URL == nil {
		return Bypass
	}
	if req.Origin() != fetch.OriginOf(rules.Scope) {
		return Bypass
	}
	if req.Method != "" && !strings.EqualFold(req.Method, http.MethodGet) {
		return Bypass
	}
	if req.IsNavigation() {
		return NetworkFirstOffline
	}

	path := req.URL.Path
	apiPrefix := rules.APIPrefix
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	if strings.HasPrefix(path, apiPrefix) {
		return NetworkFirst
	}

	marker := rules.CategoryMarker
	if marker == "" {
		marker = DefaultCategoryMarker
	}
	if req.Destination == fetch.DestinationImage || strings.Contains(path, marker) {
		return StaleWhileRevalidate
	}
	return CacheFirst
}
