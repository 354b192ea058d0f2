// Package cache keeps file metadata for request paths so the filesystem is not
// consulted on every request.
package cache

import (
	"time"

	"github.com/chrisvdg/staticserver/resolver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxEntries is used when no cache size is configured
	DefaultMaxEntries = 10000
	// DefaultRevalidate is used when no revalidation interval is configured
	DefaultRevalidate = 2 * time.Second
)

// Loader resolves a relative request path against the filesystem
type Loader interface {
	Resolve(rel string) (*resolver.Entry, error)
}

// Metrics receives cache events
type Metrics interface {
	Hit()
	Miss()
	Revalidated(changed bool)
	Evicted()
}

type noopMetrics struct{}

func (noopMetrics) Hit()             {}
func (noopMetrics) Miss()            {}
func (noopMetrics) Revalidated(bool) {}
func (noopMetrics) Evicted()         {}

// Config represents a cache configuration
type Config struct {
	// MaxEntries bounds the number of cached paths
	MaxEntries int64
	// Revalidate is how long an entry is trusted before the file is stat'ed again.
	// Zero revalidates on every request.
	Revalidate time.Duration
	// Metrics is optional
	Metrics Metrics
}

// New returns a new Cache instance
func New(loader Loader, c *Config) (*Cache, error) {
	if loader == nil {
		return nil, errors.New("no loader provided")
	}
	if c == nil {
		c = &Config{}
	}
	maxEntries := c.MaxEntries
	if maxEntries == 0 {
		maxEntries = DefaultMaxEntries
	}
	if c.Revalidate < 0 {
		return nil, errors.New("revalidation interval can not be negative")
	}
	metrics := c.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	b, err := newBackend(maxEntries, metrics.Evicted)
	if err != nil {
		return nil, err
	}

	return &Cache{
		b:          b,
		loader:     loader,
		revalidate: c.Revalidate,
		metrics:    metrics,
		now:        time.Now,
	}, nil
}

// Cache represents a metadata cache instance
type Cache struct {
	b          *backend
	loader     Loader
	revalidate time.Duration
	metrics    Metrics
	now        func() time.Time
}

// Get returns the entry for a normalized relative path.
// Within the revalidation interval a cached entry is returned as is, after it
// the file is resolved again and the entry refreshed or evicted.
func (c *Cache) Get(rel string) (*Entry, error) {
	if e, ok := c.b.get(rel); ok {
		if c.now().Sub(e.Verified) < c.revalidate {
			c.metrics.Hit()
			return e, nil
		}
		return c.load(rel, e)
	}
	c.metrics.Miss()

	return c.load(rel, nil)
}

// Invalidate drops the entry for rel
func (c *Cache) Invalidate(rel string) {
	c.b.del(rel)
}

// Purge drops all entries
func (c *Cache) Purge() {
	c.b.clear()
}

// Close releases the cache resources
func (c *Cache) Close() {
	c.b.close()
}

// load resolves rel, concurrent loads of the same path share one resolve
func (c *Cache) load(rel string, prev *Entry) (*Entry, error) {
	v, err, _ := c.b.fills.Do(rel, func() (interface{}, error) {
		resolved, err := c.loader.Resolve(rel)
		if err != nil {
			if prev != nil {
				log.Debugf("cache: evicting %q: %s", rel, err)
			}
			c.b.store.Del(rel)
			return nil, err
		}

		now := c.now()
		var e *Entry
		if prev != nil && prev.matches(resolved) {
			e = prev.verifiedAt(now)
			c.metrics.Revalidated(false)
		} else {
			e = newEntry(resolved, now)
			if prev != nil {
				log.Debugf("cache: %q changed on disk", rel)
				c.metrics.Revalidated(true)
			}
		}
		c.b.set(rel, e)

		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Entry), nil
}
