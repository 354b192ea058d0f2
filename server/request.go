package server

import (
	"net/http"

	"github.com/chrisvdg/staticserver/cache"
	"github.com/chrisvdg/staticserver/resolver"
)

// Request represents the parts of an HTTP request the file handler acts on
type Request struct {
	Method string
	// Path is the normalized path relative to the root
	Path            string
	IfNoneMatch     string
	IfModifiedSince string
	IfRange         string
	Range           string
	// ConnID identifies the connection the request arrived on
	ConnID string
}

// newRequest normalizes req, the path is decoded from its escaped form so
// encoded separators and dot segments are seen by the resolver.
func newRequest(req *http.Request) (*Request, error) {
	rel, err := resolver.Normalize(req.URL.EscapedPath())
	if err != nil {
		return nil, err
	}

	return &Request{
		Method:          req.Method,
		Path:            rel,
		IfNoneMatch:     req.Header.Get("If-None-Match"),
		IfModifiedSince: req.Header.Get("If-Modified-Since"),
		IfRange:         req.Header.Get("If-Range"),
		Range:           req.Header.Get("Range"),
		ConnID:          connID(req.Context()),
	}, nil
}

// Response represents a planned response, the body is read from Entry
type Response struct {
	Status int
	Header http.Header
	Entry  *cache.Entry
	// Ranges is empty for full responses
	Ranges []byteRange
	// Length is the exact number of body bytes
	Length int64

	// key is the cache key the entry was found under, it differs from
	// Entry.RelPath for index files
	key      string
	boundary string
}

// hasBody reports whether the response carries file content
func (r *Response) hasBody() bool {
	return r.Status == http.StatusOK || r.Status == http.StatusPartialContent
}
