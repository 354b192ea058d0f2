package server

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chrisvdg/staticserver/cache"
	"github.com/chrisvdg/staticserver/resolver"
	"github.com/pkg/errors"
)

// serveListing writes an HTML index of the directory e
func (h *handlers) serveListing(res http.ResponseWriter, req *http.Request, e *cache.Entry) {
	body, err := renderListing(e)
	if err != nil {
		h.cache.Invalidate(e.RelPath)
		if errors.Is(err, os.ErrNotExist) {
			h.fail(res, req, errors.Wrap(resolver.ErrNotFound, err.Error()))
			return
		}
		writeError(res, req, err, nil)
		return
	}

	hdr := res.Header()
	hdr.Set("Content-Type", e.ContentType)
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)
	if req.Method != http.MethodHead {
		_, _ = res.Write(body)
	}
}

func renderListing(e *cache.Entry) ([]byte, error) {
	entries, err := os.ReadDir(e.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", e.Path)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	base := "/"
	if e.RelPath != "" {
		base = escapePath(e.RelPath) + "/"
	}
	title := html.EscapeString("/" + e.RelPath)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>Index of %s</title></head>\n", title)
	fmt.Fprintf(&buf, "<body>\n<h1>Index of %s</h1>\n<ul>\n", title)
	if e.RelPath != "" {
		parent := "/"
		if i := strings.LastIndex(e.RelPath, "/"); i > 0 {
			parent = escapePath(e.RelPath[:i]) + "/"
		}
		fmt.Fprintf(&buf, "<li><a href=\"%s\">../</a></li>\n", html.EscapeString(parent))
	}
	for _, d := range entries {
		name := d.Name()
		href := base + url.PathEscape(name)
		if d.IsDir() {
			name += "/"
			href += "/"
		}
		fmt.Fprintf(&buf, "<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(href), html.EscapeString(name))
	}
	buf.WriteString("</ul>\n</body>\n</html>\n")

	return buf.Bytes(), nil
}

// escapePath escapes every segment of a slash separated path and roots it
func escapePath(rel string) string {
	segments := strings.Split(rel, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return "/" + strings.Join(segments, "/")
}
