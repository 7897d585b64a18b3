package cache

import (
	"hash/crc32"
	"net/http"
	"time"

	"pantrypro/internal/fetch"
)

// Entry is the stored snapshot of a response for one request key.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func NewEntry(resp fetch.Response, now time.Time) Entry {
	c := resp.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	c.Header.Del("Content-Length")
	return Entry{
		Status:   c.Status,
		Header:   c.Header,
		Body:     c.Body,
		StoredAt: now.Unix(),
		Hash32:   crc32.ChecksumIEEE(c.Body),
	}
}

// Response returns an independent copy of the stored snapshot.
func (e Entry) Response() fetch.Response {
	return fetch.Response{Status: e.Status, Header: e.Header, Body: e.Body}.Clone()
}

// SameContent reports whether resp would store the same body and status as e.
func (e Entry) SameContent(resp fetch.Response) bool {
	return e.Status == resp.Status && e.Hash32 == crc32.ChecksumIEEE(resp.Body)
}
