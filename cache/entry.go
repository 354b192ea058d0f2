package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/chrisvdg/staticserver/resolver"
)

// Entry represents a cached snapshot of a resolved path.
// Entries are never modified after construction, a refresh replaces them.
type Entry struct {
	resolver.Entry
	// ETag is a strong validator for this version of the file
	ETag string
	// Verified is the last time the entry was checked against the filesystem
	Verified time.Time
}

func newEntry(e *resolver.Entry, now time.Time) *Entry {
	return &Entry{
		Entry:    *e,
		ETag:     computeETag(e),
		Verified: now,
	}
}

// matches reports whether e still describes the same version of the file
func (e *Entry) matches(r *resolver.Entry) bool {
	return e.Path == r.Path &&
		e.Size == r.Size &&
		e.IsDir == r.IsDir &&
		e.ModTime.Equal(r.ModTime)
}

// verifiedAt returns a copy of e marked as checked at now
func (e *Entry) verifiedAt(now time.Time) *Entry {
	c := *e
	c.Verified = now
	return &c
}

// computeETag hashes the canonical path, size and modification time
func computeETag(e *resolver.Entry) string {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(e.Size))
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.ModTime.UnixNano()))

	d := xxhash.New()
	_, _ = d.WriteString(e.Path)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(buf[:])

	return fmt.Sprintf("\"%016x\"", d.Sum64())
}
