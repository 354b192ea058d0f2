package server

import (
	"net/http"
	"os"
	"strconv"

	"github.com/chrisvdg/staticserver/cache"
	"github.com/chrisvdg/staticserver/resolver"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// maxAttempts bounds how often a request is resolved when its file keeps
// changing between the cache lookup and the open
const maxAttempts = 2

// entryCache is the part of the metadata cache the handlers use
type entryCache interface {
	Get(rel string) (*cache.Entry, error)
	Invalidate(rel string)
}

func newHandlers(c entryCache, conf *Config) (*handlers, error) {
	h := &handlers{
		cache:  c,
		maxAge: conf.MaxAge,
	}
	if conf.NotFoundPage != "" {
		rel, err := resolver.Normalize(conf.NotFoundPage)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid not found page %q", conf.NotFoundPage)
		}
		h.notFoundPage = rel
	}

	return h, nil
}

type handlers struct {
	cache        entryCache
	maxAge       int
	notFoundPage string
}

// newRouter routes GET and HEAD for every path to the file handler.
// Paths are left uncleaned so dot segments reach the resolver.
func newRouter(h *handlers) *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.PathPrefix("/").HandlerFunc(h.FileHandler).Methods(http.MethodGet, http.MethodHead)

	return r
}

// FileHandler serves files and directory listings below the root
func (h *handlers) FileHandler(res http.ResponseWriter, req *http.Request) {
	r, err := newRequest(req)
	if err != nil {
		h.fail(res, req, err)
		return
	}

	// a cached entry found outdated when its file is opened is resolved
	// and planned once more before any header is written
	for attempt := 1; ; attempt++ {
		e, err := h.cache.Get(r.Path)
		if err != nil {
			h.fail(res, req, err)
			return
		}
		if e.IsDir {
			h.serveListing(res, req, e)
			return
		}

		resp, err := h.plan(r, e)
		if err != nil {
			extra := http.Header{}
			if errors.Is(err, ErrRangeNotSatisfiable) {
				extra.Set("Content-Range", "bytes */"+strconv.FormatInt(e.Size, 10))
				extra.Set("Accept-Ranges", "bytes")
			}
			writeError(res, req, err, extra)
			return
		}

		f, err := h.open(req, resp)
		if err != nil {
			if attempt < maxAttempts && (errors.Is(err, errStale) || errors.Is(err, resolver.ErrNotFound)) {
				log.Debugf("%s: %s, resolving again", r.Path, err)
				continue
			}
			h.fail(res, req, err)
			return
		}
		if f != nil {
			defer f.Close()
		}
		h.write(res, req, resp, f)
		return
	}
}

// fail writes the error response for err, not found errors get the custom
// not found page when one exists below the root
func (h *handlers) fail(res http.ResponseWriter, req *http.Request, err error) {
	if KindOf(err) != KindNotFound || h.notFoundPage == "" {
		writeError(res, req, err, nil)
		return
	}

	page, perr := h.cache.Get(h.notFoundPage)
	if perr != nil || page.IsDir {
		writeError(res, req, err, nil)
		return
	}
	var f *os.File
	if req.Method != http.MethodHead {
		f, perr = openEntry(page)
		if perr != nil {
			h.cache.Invalidate(h.notFoundPage)
			writeError(res, req, err, nil)
			return
		}
		defer f.Close()
	}

	logError(req, err)
	hdr := res.Header()
	hdr.Set("Content-Type", page.ContentType)
	hdr.Set("Content-Length", strconv.FormatInt(page.Size, 10))
	res.WriteHeader(http.StatusNotFound)
	if f == nil {
		return
	}
	perr = copySection(res, f, 0, page.Size)
	if perr != nil {
		h.abort(req, page, perr)
	}
}
