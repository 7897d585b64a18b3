package fetch

import (
	"net/http"
	"strings"
)

// Response is a fully buffered response snapshot. Body is never streamed, so a
// strategy that both stores and returns a response hands out Clones.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Clone returns a deep copy; mutating it never affects r.
func (r Response) Clone() Response {
	out := Response{Status: r.Status, Header: cloneHeader(r.Header)}
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return out
}

// Write copies the snapshot to w, skipping headers the edge owns.
func (r Response) Write(w http.ResponseWriter) {
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(r.Body)
}

// NetworkError is the response handed back when a request failed and no
// cached substitute exists.
func NetworkError() Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return Response{
		Status: http.StatusGatewayTimeout,
		Header: h,
		Body:   []byte("network error\n"),
	}
}

// Misdirected answers a request for an origin the edge does not serve.
func Misdirected() Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return Response{
		Status: http.StatusMisdirectedRequest,
		Header: h,
		Body:   []byte("misdirected request\n"),
	}
}
