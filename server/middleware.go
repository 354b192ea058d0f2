package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type ctxKey int

const connIDKey ctxKey = iota

func withConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// connID returns the id of the connection a request arrived on
func connID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}

// chain wraps h with the middlewares, the first one ends up outermost.
// Middlewares are applied outside the router so rejected methods pass them too.
func chain(h http.Handler, mws ...mux.MiddlewareFunc) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusRecorder records the status and body size of a response
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// ReadFrom keeps the sendfile path of the underlying writer available
func (r *statusRecorder) ReadFrom(src io.Reader) (int64, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	var n int64
	var err error
	if rf, ok := r.ResponseWriter.(io.ReaderFrom); ok {
		n, err = rf.ReadFrom(src)
	} else {
		n, err = io.Copy(r.ResponseWriter, src)
	}
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// accessLog logs every request and feeds the request metrics
func accessLog(m *metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			aborted := true
			defer func() {
				d := time.Since(start)
				status := rec.status
				if status == 0 {
					status = http.StatusOK
				}
				m.observeRequest(req.Method, status, rec.bytes, d)
				entry := log.WithFields(log.Fields{
					"method":   req.Method,
					"path":     req.URL.EscapedPath(),
					"status":   status,
					"bytes":    rec.bytes,
					"duration": d,
					"remote":   req.RemoteAddr,
					"conn":     connID(req.Context()),
				})
				if aborted {
					entry.Warn("request aborted")
					return
				}
				entry.Info("request")
			}()

			next.ServeHTTP(rec, req)
			aborted = false
		})
	}
}

// cors sets the allowed origin on every response
func cors(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if origin == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			next.ServeHTTP(w, req)
		})
	}
}

// rateLimit answers 503 once requests exceed the sustained rate and burst.
// A zero rate disables limiting.
func rateLimit(perSecond float64, burst int) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if perSecond <= 0 {
			return next
		}
		if burst < 1 {
			burst = int(perSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				h := http.Header{}
				h.Set("Retry-After", "1")
				writeError(w, req, errors.Wrap(ErrOverloaded, "request rate limit exceeded"), h)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
