package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNetwork marks a fetch that produced no response at all (connectivity,
// timeout, DNS). An HTTP error status is not a network error.
var ErrNetwork = errors.New("network error")

// ErrOutOfScope marks a request for an origin the edge does not front. The
// edge never fetches such a request on a client's behalf.
var ErrOutOfScope = errors.New("origin out of scope")

const DefaultTimeout = 8 * time.Second

// Fetcher performs a request against the network.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (Response, error) { return f(ctx, req) }

// HTTPFetcher sends same-scope requests to the upstream origin. Requests for
// any other origin fail with ErrOutOfScope.
type HTTPFetcher struct {
	Scope  *url.URL
	Origin *url.URL
	Client *http.Client
}

func NewHTTPFetcher(scope, origin *url.URL, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPFetcher{
		Scope:  scope,
		Origin: origin,
		Client: &http.Client{
			Timeout: timeout,
			// the client sees redirects itself, like a browser fetch with redirect: "manual"
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *Request) (Response, error) {
	target, err := f.target(r)
	if err != nil {
		return Response{}, err
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s %s: %v", ErrNetwork, r.Method, target, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: read %s: %v", ErrNetwork, target, err)
	}

	out := Response{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func (f *HTTPFetcher) target(r *Request) (string, error) {
	if OriginOf(r.URL) != OriginOf(f.Scope) {
		return "", fmt.Errorf("%w: %s", ErrOutOfScope, OriginOf(r.URL))
	}
	if f.Origin == nil {
		return r.URL.String(), nil
	}
	return strings.TrimRight(f.Origin.String(), "/") + r.URL.RequestURI(), nil
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, skip := hopByHop[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
