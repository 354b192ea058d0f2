// Package resolver maps request paths onto files below a single root directory.
//
// Containment is checked on canonical paths: the joined path is run through
// symlink evaluation and compared with the canonical root using filepath.Rel,
// so encoded dot segments and symlinks pointing outside the root are both
// caught by the same check.
package resolver

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound represents a request path that does not map to a servable file
	ErrNotFound = errors.New("not found")
	// ErrForbidden represents a request path that may not be served
	ErrForbidden = errors.New("forbidden")
)

// DefaultIndexFiles are tried in order when a directory is requested
var DefaultIndexFiles = []string{"index.html", "index.htm", "index.xhtml", "index.shtml"}

// Config represents a resolver configuration
type Config struct {
	// Root is the directory files are served from
	Root string
	// IndexFiles are tried in order for directory requests
	IndexFiles []string
	// Listing allows directories without an index file to resolve
	Listing bool
	// FollowSymlinks allows symlinks that point outside of Root
	FollowSymlinks bool
}

// Entry represents a resolved request path
type Entry struct {
	// Path is the canonical absolute filesystem path
	Path string
	// RelPath is the slash separated path relative to the root
	RelPath string
	// Size is the file size in bytes
	Size int64
	// ModTime is the last modification time
	ModTime time.Time
	// ContentType is derived from the extension or the file content
	ContentType string
	// Exists is false for entries that were never found on disk
	Exists bool
	// IsDir is set for directory listings
	IsDir bool
}

// Resolver resolves request paths below a root directory
type Resolver struct {
	root           string
	indexFiles     []string
	listing        bool
	followSymlinks bool
}

// New returns a new Resolver for the provided configuration
func New(c *Config) (*Resolver, error) {
	if c.Root == "" {
		return nil, errors.New("root directory not provided")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get absolute root path")
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve root directory")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat root directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("root %s is not a directory", root)
	}

	index := c.IndexFiles
	if len(index) == 0 {
		index = DefaultIndexFiles
	}

	return &Resolver{
		root:           root,
		indexFiles:     index,
		listing:        c.Listing,
		followSymlinks: c.FollowSymlinks,
	}, nil
}

// Root returns the canonical root directory
func (r *Resolver) Root() string {
	return r.root
}

// Normalize percent-decodes a URL path and returns the slash separated path
// relative to the root. It does not touch the filesystem.
func Normalize(urlPath string) (string, error) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", errors.Wrapf(ErrNotFound, "invalid escaping in %q", urlPath)
	}

	segments := strings.Split(decoded, "/")
	clean := make([]string, 0, len(segments))
	for i, s := range segments {
		switch {
		case s == "..":
			return "", errors.Wrapf(ErrForbidden, "parent segment in %q", urlPath)
		case s == ".":
			continue
		case s == "":
			// leading and trailing slashes
			if i == 0 || i == len(segments)-1 {
				continue
			}
			return "", errors.Wrapf(ErrNotFound, "empty segment in %q", urlPath)
		case strings.ContainsAny(s, "\\\x00"):
			return "", errors.Wrapf(ErrForbidden, "illegal character in %q", urlPath)
		}
		clean = append(clean, s)
	}

	return strings.Join(clean, "/"), nil
}

// Resolve maps a normalized relative path onto the filesystem
func (r *Resolver) Resolve(rel string) (*Entry, error) {
	canon, err := r.canonicalize(filepath.Join(r.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, statError(err, rel)
	}

	if info.IsDir() {
		return r.resolveDir(rel, canon, info)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Wrapf(ErrForbidden, "%s is not a regular file", rel)
	}

	return newEntry(rel, canon, info), nil
}

// RelPath maps an absolute path below the root back to a relative request path
func (r *Resolver) RelPath(abs string) (string, bool) {
	if !within(r.root, abs) {
		return "", false
	}
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "", true
	}

	return filepath.ToSlash(rel), true
}

func (r *Resolver) resolveDir(rel, dir string, info os.FileInfo) (*Entry, error) {
	for _, name := range r.indexFiles {
		canon, err := r.canonicalize(filepath.Join(dir, name))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		indexInfo, err := os.Stat(canon)
		if err != nil {
			return nil, statError(err, rel)
		}
		if !indexInfo.Mode().IsRegular() {
			continue
		}
		return newEntry(path.Join(rel, name), canon, indexInfo), nil
	}

	if !r.listing {
		return nil, errors.Wrapf(ErrForbidden, "no index file in %q", rel)
	}

	return &Entry{
		Path:        dir,
		RelPath:     rel,
		ModTime:     info.ModTime(),
		ContentType: "text/html; charset=utf-8",
		Exists:      true,
		IsDir:       true,
	}, nil
}

// canonicalize evaluates symlinks and checks the result stays below the root
func (r *Resolver) canonicalize(p string) (string, error) {
	canon, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", statError(err, p)
	}
	if !r.followSymlinks && !within(r.root, canon) {
		return "", errors.Wrapf(ErrForbidden, "%s resolves outside of root", p)
	}

	return canon, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func statError(err error, p string) error {
	switch {
	case os.IsNotExist(err), errors.Is(err, syscall.ENOTDIR):
		return errors.Wrapf(ErrNotFound, "%s", p)
	case os.IsPermission(err):
		return errors.Wrapf(ErrForbidden, "%s", p)
	default:
		return errors.Wrapf(err, "failed to stat %s", p)
	}
}

func newEntry(rel, canon string, info os.FileInfo) *Entry {
	return &Entry{
		Path:        canon,
		RelPath:     rel,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: contentType(canon),
		Exists:      true,
	}
}
