package cache

import (
	"testing"
	"time"

	"github.com/chrisvdg/staticserver/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	assert := assert.New(t)
	b, err := newBackend(16, func() {})
	require.NoError(t, err)
	defer b.close()

	e := newEntry(&resolver.Entry{Path: "/srv/a", RelPath: "a", Size: 1}, time.Now())
	b.set("a", e)
	b.wait()

	got, ok := b.get("a")
	assert.True(ok)
	assert.Same(e, got)

	b.del("a")
	_, ok = b.get("a")
	assert.False(ok)

	b.set("b", e)
	b.wait()
	b.clear()
	_, ok = b.get("b")
	assert.False(ok)
}

func TestNewBackendSize(t *testing.T) {
	_, err := newBackend(0, func() {})
	assert.Error(t, err)
}
