package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chrisvdg/staticserver/cache"
	"github.com/chrisvdg/staticserver/resolver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// plan evaluates the conditional and range headers of r against e
func (h *handlers) plan(r *Request, e *cache.Entry) (*Response, error) {
	hdr := http.Header{}
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("ETag", e.ETag)
	hdr.Set("Last-Modified", e.ModTime.UTC().Format(http.TimeFormat))
	if h.maxAge >= 0 {
		hdr.Set("Cache-Control", "max-age="+strconv.Itoa(h.maxAge))
	}

	if notModified(r, e) {
		return &Response{Status: http.StatusNotModified, Header: hdr, Entry: e, key: r.Path}, nil
	}
	hdr.Set("Content-Type", e.ContentType)

	resp := &Response{Status: http.StatusOK, Header: hdr, Entry: e, Length: e.Size, key: r.Path}
	if r.Range != "" && rangeApplies(r.IfRange, e) {
		ranges, err := parseRange(r.Range, e.Size)
		if err != nil {
			return nil, err
		}
		resp.Status = http.StatusPartialContent
		resp.Ranges = ranges
		if len(ranges) == 1 {
			hdr.Set("Content-Range", ranges[0].contentRange(e.Size))
			resp.Length = ranges[0].length
		} else {
			resp.boundary = newBoundary()
			hdr.Set("Content-Type", "multipart/byteranges; boundary="+resp.boundary)
			resp.Length = multipartLength(ranges, resp.boundary, e.ContentType, e.Size)
		}
	}
	hdr.Set("Content-Length", strconv.FormatInt(resp.Length, 10))

	return resp, nil
}

// notModified evaluates If-None-Match, falling back to If-Modified-Since
// only when no entity tags were sent
func notModified(r *Request, e *cache.Entry) bool {
	if r.IfNoneMatch != "" {
		return etagListMatches(r.IfNoneMatch, e.ETag)
	}
	if r.IfModifiedSince == "" {
		return false
	}
	since, err := http.ParseTime(r.IfModifiedSince)
	if err != nil {
		return false
	}

	return !e.ModTime.Truncate(time.Second).After(since)
}

// etagListMatches performs a weak comparison of etag against a list of tags
func etagListMatches(list, etag string) bool {
	for _, tag := range strings.Split(list, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == etag {
			return true
		}
	}

	return false
}

// rangeApplies evaluates If-Range, a range is only honoured when the
// validator still describes the current file
func rangeApplies(ifRange string, e *cache.Entry) bool {
	if ifRange == "" {
		return true
	}
	if strings.HasPrefix(ifRange, "W/") {
		return false
	}
	if strings.HasPrefix(ifRange, `"`) {
		return ifRange == e.ETag
	}
	t, err := http.ParseTime(ifRange)
	if err != nil {
		return false
	}

	return e.ModTime.Truncate(time.Second).Equal(t)
}

// errStale represents a cached entry that no longer matches the file on disk
var errStale = errors.New("entry changed on disk")

// openEntry opens the file of e and checks it still is the version e describes
func openEntry(e *cache.Entry) (*os.File, error) {
	f, err := os.Open(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(resolver.ErrNotFound, "%s removed", e.Path)
		}
		return nil, errors.Wrapf(err, "failed to open %s", e.Path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to stat %s", e.Path)
	}
	if info.Size() != e.Size || !info.ModTime().Equal(e.ModTime) {
		f.Close()
		return nil, errors.Wrapf(errStale, "%s", e.Path)
	}

	return f, nil
}

// open returns the body file of resp, nil when no body is sent. The cache
// keys of entries that fail to open are invalidated.
func (h *handlers) open(req *http.Request, resp *Response) (*os.File, error) {
	if !resp.hasBody() || req.Method == http.MethodHead {
		return nil, nil
	}
	f, err := openEntry(resp.Entry)
	if err != nil {
		h.cache.Invalidate(resp.key)
		h.cache.Invalidate(resp.Entry.RelPath)
		return nil, err
	}

	return f, nil
}

// write sends resp with the body read from f
func (h *handlers) write(w http.ResponseWriter, req *http.Request, resp *Response, f *os.File) {
	dst := w.Header()
	for k, v := range resp.Header {
		dst[k] = v
	}
	w.WriteHeader(resp.Status)
	if f == nil {
		return
	}

	var err error
	if len(resp.Ranges) > 1 {
		err = copyMultipart(w, f, resp)
	} else {
		var start int64
		if len(resp.Ranges) == 1 {
			start = resp.Ranges[0].start
		}
		err = copySection(w, f, start, resp.Length)
	}
	if err != nil {
		h.abort(req, resp.Entry, err, resp.key)
	}
}

// abort ends a response that could not be completed after its headers were
// sent, the entry and any extra cache keys pointing at it are invalidated
func (h *handlers) abort(req *http.Request, e *cache.Entry, err error, keys ...string) {
	if req.Context().Err() != nil {
		log.WithFields(log.Fields{
			"path": req.URL.EscapedPath(),
			"conn": connID(req.Context()),
		}).Debugf("client went away: %s", err)
		return
	}
	logError(req, errors.Wrapf(err, "short write of %s", e.Path))
	h.cache.Invalidate(e.RelPath)
	for _, k := range keys {
		h.cache.Invalidate(k)
	}
	panic(http.ErrAbortHandler)
}

func copySection(w io.Writer, f *os.File, start, length int64) error {
	_, err := f.Seek(start, io.SeekStart)
	if err != nil {
		return errors.Wrap(err, "failed to seek")
	}
	n, err := io.CopyN(w, f, length)
	if err != nil {
		return errors.Wrapf(err, "copied %d of %d bytes", n, length)
	}

	return nil
}

func copyMultipart(w io.Writer, f *os.File, resp *Response) error {
	mw := multipart.NewWriter(w)
	err := mw.SetBoundary(resp.boundary)
	if err != nil {
		return errors.Wrap(err, "invalid boundary")
	}
	for _, r := range resp.Ranges {
		part, err := mw.CreatePart(r.mimeHeader(resp.Entry.ContentType, resp.Entry.Size))
		if err != nil {
			return errors.Wrap(err, "failed to write part header")
		}
		err = copySection(part, f, r.start, r.length)
		if err != nil {
			return err
		}
	}

	return errors.Wrap(mw.Close(), "failed to close multipart body")
}
