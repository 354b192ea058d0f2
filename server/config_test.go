package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlags() *pflag.FlagSet {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.String("root", ".", "")
	f.Int("port", 8080, "")
	f.StringSlice("index", nil, "")
	f.Int("max-conns", 1024, "")
	f.Duration("grace", 10*time.Second, "")
	f.Bool("listing", false, "")
	f.BoolP("open", "o", false, "")
	f.Float64("rate-limit", 0, "")
	f.Bool("verbose", false, "")
	return f
}

func TestLoadConfigDefaults(t *testing.T) {
	assert := assert.New(t)
	root := t.TempDir()
	f := testFlags()
	require.NoError(t, f.Parse([]string{"--root", root}))

	c, err := LoadConfig("", f)
	require.NoError(t, err)

	assert.Equal(root, c.Root)
	assert.Equal("127.0.0.1", c.Bind)
	assert.Equal(8080, c.Port)
	assert.Equal([]string{"index.html", "index.htm", "index.xhtml", "index.shtml"}, c.IndexFiles)
	assert.Equal(1024, c.MaxConns)
	assert.Equal(OverloadQueue, c.Overload)
	assert.Equal(10*time.Second, c.GracePeriod)
	assert.Equal(60*time.Second, c.IdleTimeout)
	assert.Equal(int64(10000), c.CacheSize)
	assert.Equal(2*time.Second, c.Revalidate)
	assert.Equal("*", c.CORS)
	assert.Equal(3600, c.MaxAge)
	assert.Equal("404.html", c.NotFoundPage)
	assert.Equal("127.0.0.1:8080", c.Addr())
}

func TestLoadConfigPrecedence(t *testing.T) {
	assert := assert.New(t)
	root := t.TempDir()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"root: "+root+"\nport: 7000\nmax_conns: 10\ngrace: 3s\nlisting: true\nindex:\n  - home.html\n"), 0o644))

	t.Setenv("STATICSERVER_MAX_CONNS", "20")
	t.Setenv("STATICSERVER_GRACE", "4s")

	f := testFlags()
	require.NoError(t, f.Parse([]string{"--grace", "5s", "--rate-limit", "2.5"}))

	c, err := LoadConfig(file, f)
	require.NoError(t, err)

	// file over defaults
	assert.Equal(7000, c.Port)
	assert.True(c.Listing)
	assert.Equal([]string{"home.html"}, c.IndexFiles)
	// env over file
	assert.Equal(20, c.MaxConns)
	// flags over env
	assert.Equal(5*time.Second, c.GracePeriod)
	assert.Equal(2.5, c.RateLimit)
}

func TestLoadConfigIndexFlag(t *testing.T) {
	f := testFlags()
	require.NoError(t, f.Parse([]string{"--root", t.TempDir(), "--index", "a.html,b.html"}))

	c, err := LoadConfig("", f)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.html", "b.html"}, c.IndexFiles)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	valid := func() *Config {
		c, err := LoadConfig("", nil)
		require.NoError(t, err)
		c.Root = root
		return c
	}
	require.NoError(t, valid().Validate())

	tt := []struct {
		name   string
		modify func(c *Config)
	}{
		{"missing root", func(c *Config) { c.Root = filepath.Join(root, "missing") }},
		{"file root", func(c *Config) { c.Root = file }},
		{"empty root", func(c *Config) { c.Root = "" }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"negative conns", func(c *Config) { c.MaxConns = -1 }},
		{"bad overload", func(c *Config) { c.Overload = "drop" }},
		{"index with separator", func(c *Config) { c.IndexFiles = []string{"a/index.html"} }},
		{"empty index name", func(c *Config) { c.IndexFiles = []string{""} }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "nohost" }},
	}
	for _, tc := range tt {
		c := valid()
		tc.modify(c)
		assert.Error(t, c.Validate(), tc.name)
	}
}

func TestConfigValidateMakesRootAbsolute(t *testing.T) {
	c, err := LoadConfig("", nil)
	require.NoError(t, err)
	c.Root = "."

	require.NoError(t, c.Validate())
	assert.True(t, filepath.IsAbs(c.Root))
}

func TestLoadConfigOpenFlag(t *testing.T) {
	assert := assert.New(t)
	f := testFlags()
	require.NoError(t, f.Parse([]string{"--root", t.TempDir()}))
	c, err := LoadConfig("", f)
	require.NoError(t, err)
	assert.False(c.Open)

	f = testFlags()
	require.NoError(t, f.Parse([]string{"--root", t.TempDir(), "-o"}))
	c, err = LoadConfig("", f)
	require.NoError(t, err)
	assert.True(c.Open)
}
