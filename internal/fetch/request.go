package fetch

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	ModeNavigate = "navigate"
	ModeCORS     = "cors"
	ModeNoCORS   = "no-cors"

	DestinationImage    = "image"
	DestinationDocument = "document"
)

// Request is an intercepted outgoing request. URL is always absolute.
type Request struct {
	Method      string
	URL         *url.URL
	Mode        string
	Destination string
	Header      http.Header
	Body        []byte
}

// NewRequest returns a GET request for rawURL resolved against base.
func NewRequest(base *url.URL, rawURL string) (*Request, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", u)
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{},
	}, nil
}

// Key identifies the exact request (method + URL) a cached entry belongs to.
func (r *Request) Key() string {
	return KeyFor(r.Method, r.URL)
}

func KeyFor(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + u.String()
}

// Origin returns scheme://host of the request URL.
func (r *Request) Origin() string {
	return OriginOf(r.URL)
}

func OriginOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func (r *Request) IsNavigation() bool { return r.Mode == ModeNavigate }

// FromHTTP converts a request received by the edge into a Request.
// Origin-form targets always belong to scope; the client's Host header never
// picks the origin. Absolute-form targets keep theirs, so a forward-proxy
// request for another host stays out of scope.
func FromHTTP(r *http.Request, scope *url.URL) (*Request, error) {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = scope.Scheme
		u.Host = scope.Host
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	req := &Request{
		Method:      r.Method,
		URL:         &u,
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
		Header:      cloneHeader(r.Header),
		Body:        body,
	}
	// Clients that predate fetch metadata still send Accept: text/html on page loads.
	if req.Mode == "" && r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		req.Mode = ModeNavigate
		req.Destination = DestinationDocument
	}
	return req, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
