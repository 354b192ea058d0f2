package server

import (
	"bytes"
	"math"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tt := []struct {
		header string
		size   int64
		want   []byteRange
	}{
		{"bytes=0-99", 1000, []byteRange{{0, 100}}},
		{"bytes=900-", 1000, []byteRange{{900, 100}}},
		{"bytes=-100", 1000, []byteRange{{900, 100}}},
		{"bytes=-5000", 1000, []byteRange{{0, 1000}}},
		{"bytes=990-2000", 1000, []byteRange{{990, 10}}},
		{"bytes=0-0,-1", 1000, []byteRange{{0, 1}, {999, 1}}},
		{"bytes= 0-1 , 5-6", 1000, []byteRange{{0, 2}, {5, 2}}},
		// ranges past the end are dropped when another one is satisfiable
		{"bytes=0-9,2000-3000", 1000, []byteRange{{0, 10}}},
		// values beyond int64 clamp to the end of the file
		{"bytes=0-99999999999999999999", 1000, []byteRange{{0, 1000}}},
		{"bytes=-99999999999999999999", 1000, []byteRange{{0, 1000}}},
		{"bytes=10-9223372036854775808", 1000, []byteRange{{10, 990}}},
	}
	for _, tc := range tt {
		got, err := parseRange(tc.header, tc.size)
		if assert.NoError(t, err, tc.header) {
			assert.Equal(t, tc.want, got, tc.header)
		}
	}
}

func TestParseRangeNotSatisfiable(t *testing.T) {
	tt := []struct {
		header string
		size   int64
	}{
		{"bytes=2000-2100", 1000},
		{"bytes=1000-", 1000},
		{"bytes=99999999999999999999-", 1000},
		{"bytes=99999999999999999999-99999999999999999999", 1000},
		{"bytes=0-", 0},
		{"bytes=-0", 1000},
		{"bytes=5-1", 1000},
		{"bytes=+1-5", 1000},
		{"bytes=-", 1000},
		{"bytes=a-b", 1000},
		{"bytes=1", 1000},
		{"items=0-1", 1000},
		{"bytes=", 1000},
		{"0-1", 1000},
		{"bytes=" + strings.Repeat("0-0,", maxRanges+1), 1000},
	}
	for _, tc := range tt {
		_, err := parseRange(tc.header, tc.size)
		assert.True(t, errors.Is(err, ErrRangeNotSatisfiable), tc.header)
	}
}

func TestContentRange(t *testing.T) {
	assert.Equal(t, "bytes 0-99/1000", byteRange{0, 100}.contentRange(1000))
	assert.Equal(t, "bytes 999-999/1000", byteRange{999, 1}.contentRange(1000))
}

func TestMultipartLength(t *testing.T) {
	assert := assert.New(t)
	content := []byte(strings.Repeat("0123456789", 100))
	ranges := []byteRange{{0, 10}, {500, 3}, {990, 10}}
	boundary := newBoundary()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.SetBoundary(boundary))
	for _, r := range ranges {
		part, err := mw.CreatePart(r.mimeHeader("text/plain", int64(len(content))))
		require.NoError(t, err)
		_, err = part.Write(content[r.start : r.start+r.length])
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	assert.Equal(int64(buf.Len()), multipartLength(ranges, boundary, "text/plain", int64(len(content))))
}

func TestParseDigitsSaturates(t *testing.T) {
	assert := assert.New(t)
	n, ok := parseDigits("9223372036854775807")
	assert.True(ok)
	assert.Equal(int64(math.MaxInt64), n)

	n, ok = parseDigits("123456789012345678901234567890")
	assert.True(ok)
	assert.Equal(int64(math.MaxInt64), n)

	n, ok = parseDigits("000000000000000000000042")
	assert.True(ok)
	assert.Equal(int64(42), n)

	_, ok = parseDigits("99999999999999999999x")
	assert.False(ok)
}
