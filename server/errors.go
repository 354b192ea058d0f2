package server

import (
	"net/http"
	"strconv"

	"github.com/chrisvdg/staticserver/resolver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrMethodNotAllowed represents a request with a method other than GET or HEAD
	ErrMethodNotAllowed = errors.New("method not allowed")
	// ErrRangeNotSatisfiable represents a malformed or unsatisfiable Range header
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	// ErrOverloaded represents a request refused because a limit was reached
	ErrOverloaded = errors.New("overloaded")
	// ErrForcedShutdown is returned when connections were still open at the grace deadline
	ErrForcedShutdown = errors.New("grace period expired, connections were closed forcibly")
)

// Kind classifies request errors
type Kind int

const (
	// KindInternal represents unexpected I/O failures
	KindInternal Kind = iota
	// KindNotFound represents a missing resource
	KindNotFound
	// KindForbidden represents traversal attempts and directories without index
	KindForbidden
	// KindMethodNotAllowed represents unsupported methods
	KindMethodNotAllowed
	// KindRangeNotSatisfiable represents bad Range headers
	KindRangeNotSatisfiable
	// KindOverloaded represents refused requests and connections
	KindOverloaded
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindForbidden:
		return "Forbidden"
	case KindMethodNotAllowed:
		return "MethodNotAllowed"
	case KindRangeNotSatisfiable:
		return "RangeNotSatisfiable"
	case KindOverloaded:
		return "Overloaded"
	default:
		return "InternalError"
	}
}

// Status returns the HTTP status code for k
func (k Kind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf classifies err
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		return KindNotFound
	case errors.Is(err, resolver.ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrMethodNotAllowed):
		return KindMethodNotAllowed
	case errors.Is(err, ErrRangeNotSatisfiable):
		return KindRangeNotSatisfiable
	case errors.Is(err, ErrOverloaded):
		return KindOverloaded
	default:
		return KindInternal
	}
}

// logError logs err with the request context at a level matching its kind
func logError(req *http.Request, err error) {
	kind := KindOf(err)
	entry := log.WithFields(log.Fields{
		"method": req.Method,
		"path":   req.URL.EscapedPath(),
		"kind":   kind.String(),
		"conn":   connID(req.Context()),
	})
	switch kind {
	case KindInternal:
		entry.Error(err)
	case KindForbidden, KindOverloaded:
		entry.Warn(err)
	default:
		entry.Info(err)
	}
}

// writeError logs err and writes a plain text response for its kind.
// Headers in extra are added to the response.
func writeError(w http.ResponseWriter, req *http.Request, err error, extra http.Header) {
	logError(req, err)

	status := KindOf(err).Status()
	body := http.StatusText(status) + "\n"

	h := w.Header()
	for k, v := range extra {
		h[k] = v
	}
	h.Del("Content-Encoding")
	h.Del("ETag")
	h.Del("Last-Modified")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if req.Method != http.MethodHead {
		_, _ = w.Write([]byte(body))
	}
}

// methodNotAllowed answers requests that are not GET or HEAD
func methodNotAllowed(w http.ResponseWriter, req *http.Request) {
	h := http.Header{}
	h.Set("Allow", "GET, HEAD")
	writeError(w, req, errors.Wrap(ErrMethodNotAllowed, req.Method), h)
}
