package worker

import (
	"net/http"
	"strings"

	"pantrypro/internal/fetch"
)

// CacheHeader reports "<strategy>/<outcome>" on every intercepted response.
const CacheHeader = "X-Pantry-Cache"

// Handler serves intercepted HTTP traffic through OnFetch.
func (w *Worker) Handler() http.Handler {
	return http.HandlerFunc(w.handle)
}

func (w *Worker) handle(rw http.ResponseWriter, r *http.Request) {
	req, err := fetch.FromHTTP(r, w.rules.Scope)
	if err != nil {
		w.log.Warn().Err(err).Str("path", r.URL.Path).Msg("unreadable request")
		setCacheHeaders(rw.Header(), "bypass/error")
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}

	res, err := w.Serve(r.Context(), req)
	if err != nil {
		w.log.Debug().Err(err).Str("key", req.Key()).Msg("request failed")
	}
	resp := res.Response
	resp.Header = resp.Header.Clone()
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Del(CacheHeader)
	setCacheHeaders(resp.Header, res.Strategy.String()+"/"+string(res.Outcome))
	if r.Method == http.MethodHead {
		resp.Body = nil
	}
	resp.Write(rw)
}

func setCacheHeaders(h http.Header, value string) {
	if value != "" {
		h.Set(CacheHeader, value)
	}
	// browsers hide custom headers from cross-origin scripts unless exposed
	ensureExposedHeader(h, CacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
