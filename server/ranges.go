package server

import (
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/pkg/errors"
)

// maxRanges bounds the number of ranges served in one multipart response
const maxRanges = 32

// byteRange represents a satisfiable byte span of a file
type byteRange struct {
	start  int64
	length int64
}

func (r byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.start, r.start+r.length-1, size)
}

func (r byteRange) mimeHeader(contentType string, size int64) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Range": {r.contentRange(size)},
		"Content-Type":  {contentType},
	}
}

// parseRange parses a Range header for a file of the given size.
// Ranges starting beyond the end of the file are dropped, the header is
// unsatisfiable when none remain. Malformed headers are unsatisfiable too.
func parseRange(header string, size int64) ([]byteRange, error) {
	const unit = "bytes="
	if !strings.HasPrefix(header, unit) {
		return nil, errors.Wrapf(ErrRangeNotSatisfiable, "unsupported range unit in %q", header)
	}

	var ranges []byteRange
	for _, part := range strings.Split(header[len(unit):], ",") {
		part = textproto.TrimString(part)
		if part == "" {
			continue
		}
		first, last, ok := strings.Cut(part, "-")
		if !ok {
			return nil, errors.Wrapf(ErrRangeNotSatisfiable, "malformed range %q", part)
		}
		first, last = textproto.TrimString(first), textproto.TrimString(last)

		var r byteRange
		if first == "" {
			// suffix range, the last n bytes
			n, ok := parseDigits(last)
			if !ok {
				return nil, errors.Wrapf(ErrRangeNotSatisfiable, "malformed suffix range %q", part)
			}
			if n > size {
				n = size
			}
			r = byteRange{start: size - n, length: n}
		} else {
			start, ok := parseDigits(first)
			if !ok {
				return nil, errors.Wrapf(ErrRangeNotSatisfiable, "malformed range start %q", part)
			}
			end := size - 1
			if last != "" {
				end, ok = parseDigits(last)
				if !ok || end < start {
					return nil, errors.Wrapf(ErrRangeNotSatisfiable, "malformed range end %q", part)
				}
				if end >= size {
					end = size - 1
				}
			}
			if start >= size {
				continue
			}
			r = byteRange{start: start, length: end - start + 1}
		}
		if r.length <= 0 {
			continue
		}
		ranges = append(ranges, r)
	}

	if len(ranges) == 0 {
		return nil, errors.Wrapf(ErrRangeNotSatisfiable, "no satisfiable range in %q for %d bytes", header, size)
	}
	if len(ranges) > maxRanges {
		return nil, errors.Wrapf(ErrRangeNotSatisfiable, "%d ranges requested", len(ranges))
	}

	return ranges, nil
}

// parseDigits parses a non-negative decimal without sign, values beyond
// the int64 range saturate at math.MaxInt64
func parseDigits(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := int64(c - '0')
		if n > (math.MaxInt64-d)/10 {
			n = math.MaxInt64
			continue
		}
		n = n*10 + d
	}

	return n, true
}

// countingWriter counts the bytes written to it
type countingWriter int64

func (w *countingWriter) Write(p []byte) (int, error) {
	*w += countingWriter(len(p))
	return len(p), nil
}

// multipartLength returns the exact size of a multipart/byteranges body
func multipartLength(ranges []byteRange, boundary, contentType string, size int64) int64 {
	var w countingWriter
	mw := multipart.NewWriter(&w)
	_ = mw.SetBoundary(boundary)
	for _, r := range ranges {
		_, _ = mw.CreatePart(r.mimeHeader(contentType, size))
		w += countingWriter(r.length)
	}
	_ = mw.Close()

	return int64(w)
}

// newBoundary returns a random multipart boundary
func newBoundary() string {
	return multipart.NewWriter(io.Discard).Boundary()
}
