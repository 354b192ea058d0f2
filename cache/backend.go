package cache

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// bufferItems is the ristretto get buffer size, 64 is the recommended value
const bufferItems = 64

func newBackend(maxEntries int64, onEvict func()) (*backend, error) {
	if maxEntries < 1 {
		return nil, errors.New("cache size must be at least 1")
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, *Entry]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        bufferItems,
		IgnoreInternalCost: true,
		OnEvict: func(item *ristretto.Item[*Entry]) {
			onEvict()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create entry store")
	}

	return &backend{
		store: store,
	}, nil
}

// backend holds the entries. The store is sharded, so reads of unrelated
// keys never contend and writes only lock the shard of their key.
type backend struct {
	store *ristretto.Cache[string, *Entry]
	fills singleflight.Group
}

func (b *backend) get(key string) (*Entry, bool) {
	return b.store.Get(key)
}

// set stores e with a cost of one, so MaxCost bounds the entry count
func (b *backend) set(key string, e *Entry) {
	b.store.Set(key, e, 1)
}

func (b *backend) del(key string) {
	b.store.Del(key)
	b.fills.Forget(key)
}

func (b *backend) clear() {
	b.store.Clear()
}

// wait blocks until buffered writes have been applied
func (b *backend) wait() {
	b.store.Wait()
}

func (b *backend) close() {
	b.store.Close()
}
